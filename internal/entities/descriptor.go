package entities

// ConversionDescriptor is one unit of work submitted to the bundle engine:
// a stored asset plus the format it should be delivered in. Immutable once
// handed to a job.
type ConversionDescriptor struct {
	AssetID        string `json:"publicId" validate:"required"`
	TargetFormat   string `json:"format" validate:"required"`
	DisplayName    string `json:"originalName,omitempty"`
	PrecomputedURL string `json:"convertedUrl,omitempty"`
}

// FetchedAsset is the in-memory result of one successful converted-file fetch.
// Seq preserves the caller-supplied ordering regardless of fetch completion
// order.
type FetchedAsset struct {
	EntryName   string
	Seq         int
	Data        []byte
	Size        int
	DisplayName string
}

// ArchiveResult is a finished ZIP bundle.
type ArchiveResult struct {
	Data      []byte
	Name      string
	FileCount int
}
