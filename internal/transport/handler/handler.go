package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/trunov/converthub/internal/bundle"
	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/entities"
	"github.com/trunov/converthub/internal/formats"
	"github.com/trunov/converthub/internal/jobs"
	"github.com/trunov/converthub/internal/usage"
)

type UseCase interface {
	UploadBatch(ctx context.Context, staged []StagedFile, clientKey string, withPreview bool) ([]UploadedFile, []FileError)
	FetchRemote(ctx context.Context, rawURL string) (StagedFile, error)
	Convert(ctx context.Context, inputs []entities.ConversionDescriptor, targetFormat string) ([]ConvertedFile, []FileError)
}

// ConversionCounter reads conversion history; the Postgres repository
// implements it.
type ConversionCounter interface {
	CountSince(ctx context.Context, clientKey string, since time.Time) (int64, error)
}

type Handler struct {
	useCase   UseCase
	jobs      *jobs.Manager
	assembler *bundle.Assembler
	tracker   *usage.Tracker
	counter   ConversionCounter
	cfg       *config.Config
	validator *validator.Validate
}

func New(useCase UseCase, jobManager *jobs.Manager, assembler *bundle.Assembler, tracker *usage.Tracker, counter ConversionCounter, cfg *config.Config) *Handler {
	return &Handler{
		useCase:   useCase,
		jobs:      jobManager,
		assembler: assembler,
		tracker:   tracker,
		counter:   counter,
		cfg:       cfg,
		validator: validator.New(),
	}
}

// CreateZipJob accepts a batch of conversion descriptors and starts an
// asynchronous ZIP assembly, returning the job id right away.
func (h *Handler) CreateZipJob(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(validationErrorsToMap(err))
		return
	}

	id, err := h.jobs.Create(req.Files)
	if err != nil {
		if errors.Is(err, jobs.ErrNoEntries) || errors.Is(err, jobs.ErrTooManyEntries) || errors.Is(err, jobs.ErrBadFormat) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
		} else {
			writeJSONError(w, "failed to create zip job: "+err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(ZipJobCreated{JobID: id})
}

func (h *Handler) ZipJobStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	snap, err := h.jobs.Status(id)
	if err != nil {
		writeJSONError(w, "job not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (h *Handler) ZipJobFile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	result, err := h.jobs.Download(id)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			writeJSONError(w, "job not found", http.StatusNotFound)
		case errors.Is(err, jobs.ErrNotReady):
			writeJSONError(w, "job is not ready yet", http.StatusBadRequest)
		default:
			writeJSONError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.Header().Set("X-File-Count", strconv.Itoa(result.FileCount))
	_, _ = w.Write(result.Data)
}

// Download is the synchronous path: a single file is proxied as-is, several
// files are assembled into a ZIP within the request.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	var req DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(validationErrorsToMap(err))
		return
	}

	if len(req.Files) == 1 {
		asset, err := h.assembler.FetchSingle(r.Context(), req.Files[0])
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", formats.MimeType(req.Files[0].TargetFormat))
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", asset.EntryName))
		w.Header().Set("Content-Length", strconv.Itoa(asset.Size))
		_, _ = w.Write(asset.Data)
		return
	}

	result, err := h.assembler.Assemble(r.Context(), req.Files)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Name))
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))
	w.Header().Set("X-File-Count", strconv.Itoa(result.FileCount))
	_, _ = w.Write(result.Data)
}

// UploadDevice stages multipart files locally, then hands them to the use
// case in batches. Per-file failures do not fail the request.
func (h *Handler) UploadDevice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.Upload.MaxRequestBodyMB<<20)

	if err := r.ParseMultipartForm(h.cfg.Upload.MaxMultipartMemoryMB << 20); err != nil {
		writeMultipartError(w, err)
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeJSONError(w, `missing files: form field key should be "files"`, http.StatusBadRequest)
		return
	}
	if len(headers) > h.cfg.Upload.MaxFiles {
		writeJSONError(w, fmt.Sprintf("too many files: %d, limit is %d", len(headers), h.cfg.Upload.MaxFiles), http.StatusBadRequest)
		return
	}

	var (
		staged []StagedFile
		errs   []FileError
	)
	for _, fh := range headers {
		sf, err := h.stageUpload(fh)
		if err != nil {
			errs = append(errs, FileError{Filename: fh.Filename, Error: err.Error()})
			continue
		}
		staged = append(staged, sf)
	}

	withPreview := r.URL.Query().Get("preview") == "1"

	uploaded, uploadErrs := h.useCase.UploadBatch(r.Context(), staged, clientKey(r), withPreview)
	errs = append(errs, uploadErrs...)

	h.chargeQuota(r, uploaded)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(UploadResponse{Files: uploaded, Errors: errs})
}

// UploadURL downloads a remote file into staging, then takes the same path
// as a device upload.
func (h *Handler) UploadURL(w http.ResponseWriter, r *http.Request) {
	var req UploadURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(validationErrorsToMap(err))
		return
	}

	sf, err := h.useCase.FetchRemote(r.Context(), req.URL)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if !formats.SupportedInput(sf.Ext) {
		os.Remove(sf.Path)
		writeJSONError(w, fmt.Sprintf("unsupported file type: %s", sf.Ext), http.StatusBadRequest)
		return
	}

	withPreview := r.URL.Query().Get("preview") == "1"

	uploaded, errs := h.useCase.UploadBatch(r.Context(), []StagedFile{sf}, clientKey(r), withPreview)

	h.chargeQuota(r, uploaded)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(UploadResponse{Files: uploaded, Errors: errs})
}

// Convert derives delivery URLs for stored assets in the requested format.
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(validationErrorsToMap(err))
		return
	}

	if err := formats.ValidateOutput(req.Format); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	converted, errs := h.useCase.Convert(r.Context(), req.Files, req.Format)

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ConvertResponse{Files: converted, Errors: errs})
}

func (h *Handler) Usage(w http.ResponseWriter, r *http.Request) {
	key := clientKey(r)
	snap := h.tracker.Stats(r.Context(), key)

	out := UsageResponse{Snapshot: snap}
	if h.counter != nil {
		midnight := time.Now().UTC().Truncate(24 * time.Hour)
		if n, err := h.counter.CountSince(r.Context(), key, midnight); err == nil {
			out.ConversionsToday = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// QuotaGuard rejects upload requests from clients that already burned
// through their daily transfer allowance.
func (h *Handler) QuotaGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, snap := h.tracker.Allowed(r.Context(), clientKey(r))
		if !allowed {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"error":     "daily usage limit exceeded",
				"used":      snap.UsedBytes,
				"limit":     snap.LimitBytes,
				"resetTime": snap.ResetTime,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// stageUpload copies one multipart file into the staging dir, sniffing its
// real MIME type on the way.
func (h *Handler) stageUpload(fh *multipart.FileHeader) (StagedFile, error) {
	file, err := fh.Open()
	if err != nil {
		return StagedFile{}, fmt.Errorf("failed to open uploaded file: %w", err)
	}
	defer file.Close()

	mime, err := mimetype.DetectReader(file)
	if err != nil {
		return StagedFile{}, fmt.Errorf("failed to detect file type: %w", err)
	}
	if _, err := file.Seek(0, 0); err != nil {
		return StagedFile{}, err
	}

	ext := mime.Extension()
	if !formats.SupportedInput(ext) {
		return StagedFile{}, fmt.Errorf("unsupported file type: %s", mime.String())
	}

	if err := os.MkdirAll(h.cfg.Staging.Dir, 0o755); err != nil {
		return StagedFile{}, fmt.Errorf("failed to create staging dir: %w", err)
	}

	path := filepath.Join(h.cfg.Staging.Dir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(fh.Filename)))
	out, err := os.Create(path)
	if err != nil {
		return StagedFile{}, fmt.Errorf("failed to stage file: %w", err)
	}

	size, err := out.ReadFrom(file)
	out.Close()
	if err != nil {
		os.Remove(path)
		return StagedFile{}, fmt.Errorf("failed to stage file: %w", err)
	}

	return StagedFile{
		Path:         path,
		OriginalName: fh.Filename,
		MimeType:     mime.String(),
		Ext:          ext,
		Size:         size,
		Source:       "device",
	}, nil
}

func (h *Handler) chargeQuota(r *http.Request, uploaded []UploadedFile) {
	var total int64
	for _, f := range uploaded {
		total += f.Size
	}
	if total > 0 {
		_ = h.tracker.Add(r.Context(), clientKey(r), total)
	}
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}
