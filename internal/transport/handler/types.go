package handler

import (
	"github.com/trunov/converthub/internal/entities"
	"github.com/trunov/converthub/internal/usage"
)

// StagedFile is a file sitting in the staging dir, waiting to be pushed to
// the asset store. Device uploads and URL fetches both produce one.
type StagedFile struct {
	Path         string
	OriginalName string
	MimeType     string
	Ext          string
	Size         int64
	Source       string // "device" or "url"
}

type UploadedFile struct {
	ID           string `json:"id"`
	OriginalName string `json:"originalName"`
	Size         int64  `json:"size"`
	Format       string `json:"format"`
	URL          string `json:"url"`
	PublicID     string `json:"publicId"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	Preview      []byte `json:"preview,omitempty"`
}

type FileError struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

type ConvertedFile struct {
	OriginalName string `json:"originalName"`
	ConvertedURL string `json:"convertedUrl"`
	Format       string `json:"format"`
	PublicID     string `json:"publicId"`
}

type UploadResponse struct {
	Files  []UploadedFile `json:"files"`
	Errors []FileError    `json:"errors,omitempty"`
}

type UploadURLRequest struct {
	URL string `json:"url" validate:"required,url"`
}

type ConvertRequest struct {
	Files  []entities.ConversionDescriptor `json:"files" validate:"required,min=1,dive"`
	Format string                          `json:"format" validate:"required"`
}

type ConvertResponse struct {
	Files  []ConvertedFile `json:"files"`
	Errors []FileError     `json:"errors,omitempty"`
}

// DownloadRequest carries the files for both the synchronous download
// endpoint and zip job creation.
type DownloadRequest struct {
	Files []entities.ConversionDescriptor `json:"files" validate:"required,min=1,dive"`
}

type ZipJobCreated struct {
	JobID string `json:"jobId"`
}

type UsageResponse struct {
	usage.Snapshot
	ConversionsToday int64 `json:"conversionsToday"`
}
