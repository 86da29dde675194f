package history

// ConversionEvent is what we push to Redis Streams after a successful asset
// store upload. No payload bytes here, only bookkeeping fields; the worker
// persists them to Postgres off the request path.
type ConversionEvent struct {
	AssetID      string `json:"asset_id"`
	OriginalName string `json:"original_name"`
	SourceFormat string `json:"source_format"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	ClientKey    string `json:"client_key"`
}
