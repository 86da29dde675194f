package entities

import "time"

// Conversion is one bookkeeping record of an upload that went through the
// asset store. Persisted asynchronously by the history worker.
type Conversion struct {
	ID               int64     `json:"id"`
	AssetID          string    `json:"asset_id"`
	OriginalName     string    `json:"original_name"`
	SourceFormat     string    `json:"source_format"`
	MimeType         string    `json:"mime_type"`
	Size             int64     `json:"size"`
	Width            int16     `json:"width"`
	Height           int16     `json:"height"`
	ClientKey        string    `json:"client_key"`
	CreatedTimestamp time.Time `json:"created_timestamp"`
}
