package use_case

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/trunov/converthub/internal/assetstore"
	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/entities"
	"github.com/trunov/converthub/internal/formats"
	"github.com/trunov/converthub/internal/history"
	"github.com/trunov/converthub/internal/processor"
	"github.com/trunov/converthub/internal/transport/handler"
)

type AssetStore interface {
	Upload(ctx context.Context, localPath, publicID string) (assetstore.UploadResult, error)
	DeliveryURL(ctx context.Context, assetID, format string) (string, error)
}

type Mirror interface {
	Enqueue(ctx context.Context, key string, fileType string, payload []byte) error
}

type HistoryProducer interface {
	EnqueueRecord(ctx context.Context, event history.ConversionEvent) error
}

const defaultBatchSize = 5

type useCase struct {
	store     AssetStore
	mirror    Mirror
	wqueue    HistoryProducer
	staging   config.StagingConfig
	batchSize int
}

func New(store AssetStore, mirror Mirror, wqueue HistoryProducer, staging config.StagingConfig, batchSize int) *useCase {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &useCase{
		store:     store,
		mirror:    mirror,
		wqueue:    wqueue,
		staging:   staging,
		batchSize: batchSize,
	}
}

// UploadBatch pushes staged files to the asset store in batches, collecting
// per-file successes and failures instead of failing the whole request.
func (c *useCase) UploadBatch(ctx context.Context, staged []handler.StagedFile, clientKey string, withPreview bool) ([]handler.UploadedFile, []handler.FileError) {
	var (
		mu      sync.Mutex
		results []handler.UploadedFile
		errs    []handler.FileError
	)

	for start := 0; start < len(staged); start += c.batchSize {
		end := start + c.batchSize
		if end > len(staged) {
			end = len(staged)
		}

		var wg sync.WaitGroup
		for _, sf := range staged[start:end] {
			sf := sf
			wg.Add(1)
			go func() {
				defer wg.Done()
				uploaded, err := c.uploadOne(ctx, sf, clientKey, withPreview)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, handler.FileError{Filename: sf.OriginalName, Error: err.Error()})
					return
				}
				results = append(results, uploaded)
			}()
		}
		wg.Wait()
	}

	return results, errs
}

func (c *useCase) uploadOne(ctx context.Context, sf handler.StagedFile, clientKey string, withPreview bool) (handler.UploadedFile, error) {
	defer os.Remove(sf.Path)

	// Read the bytes up front: an unreadable staged file must fail before
	// the store upload, not after the asset is already live.
	data, err := os.ReadFile(sf.Path)
	if err != nil {
		return handler.UploadedFile{}, fmt.Errorf("failed to read staged file: %w", err)
	}

	publicID := fmt.Sprintf("%s-%d-%s", sf.Source, time.Now().UnixMilli(), uuid.NewString()[:8])

	res, err := c.store.Upload(ctx, sf.Path, publicID)
	if err != nil {
		return handler.UploadedFile{}, err
	}

	// Dimensions are bookkeeping only; an unreadable header is not worth
	// failing the upload for.
	width, height, err := processor.Probe(bytes.NewReader(data), sf.Ext)
	if err != nil {
		width, height = 0, 0
	}

	uploaded := handler.UploadedFile{
		ID:           publicID,
		OriginalName: sf.OriginalName,
		Size:         sf.Size,
		Format:       strings.ToLower(strings.TrimPrefix(sf.Ext, ".")),
		URL:          res.SecureURL,
		PublicID:     res.AssetID,
		Width:        width,
		Height:       height,
	}

	if withPreview {
		if preview, err := processor.Thumbnail(bytes.NewReader(data), sf.Ext); err == nil {
			uploaded.Preview = preview
		}
	}

	event := history.ConversionEvent{
		AssetID:      res.AssetID,
		OriginalName: sf.OriginalName,
		SourceFormat: uploaded.Format,
		ContentType:  sf.MimeType,
		Size:         sf.Size,
		Width:        width,
		Height:       height,
		ClientKey:    clientKey,
	}

	// History is bookkeeping for the upload that already succeeded, so it is
	// recorded regardless of what the mirror does with its copy.
	_ = c.wqueue.EnqueueRecord(ctx, event)

	if c.mirror != nil {
		// The mirror worker drains its queue after the response is written;
		// handing it the request context would cancel the upload mid-flight.
		_ = c.mirror.Enqueue(context.WithoutCancel(ctx), publicID+sf.Ext, sf.MimeType, data)
	}

	return uploaded, nil
}

// FetchRemote downloads a remote file into the staging dir so it can take
// the same path as a device upload.
func (c *useCase) FetchRemote(ctx context.Context, rawURL string) (handler.StagedFile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return handler.StagedFile{}, fmt.Errorf("invalid url: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return handler.StagedFile{}, fmt.Errorf("download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return handler.StagedFile{}, fmt.Errorf("download failed: status %d", resp.StatusCode)
	}

	name := filepath.Base(req.URL.Path)
	if name == "" || name == "." || name == "/" {
		name = "downloaded-file"
	}

	if err := os.MkdirAll(c.staging.Dir, 0o755); err != nil {
		return handler.StagedFile{}, fmt.Errorf("failed to create staging dir: %w", err)
	}

	path := filepath.Join(c.staging.Dir, fmt.Sprintf("%d-%s", time.Now().UnixMilli(), name))
	out, err := os.Create(path)
	if err != nil {
		return handler.StagedFile{}, fmt.Errorf("failed to create staged file: %w", err)
	}

	size, err := io.Copy(out, resp.Body)
	out.Close()
	if err != nil {
		os.Remove(path)
		return handler.StagedFile{}, fmt.Errorf("download failed: %w", err)
	}

	return handler.StagedFile{
		Path:         path,
		OriginalName: name,
		MimeType:     resp.Header.Get("Content-Type"),
		Ext:          strings.ToLower(filepath.Ext(name)),
		Size:         size,
		Source:       "url",
	}, nil
}

// Convert derives delivery URLs for the requested target format, in batches,
// with per-file error aggregation.
func (c *useCase) Convert(ctx context.Context, inputs []entities.ConversionDescriptor, targetFormat string) ([]handler.ConvertedFile, []handler.FileError) {
	var (
		mu        sync.Mutex
		converted []handler.ConvertedFile
		errs      []handler.FileError
	)

	for start := 0; start < len(inputs); start += c.batchSize {
		end := start + c.batchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		var wg sync.WaitGroup
		for _, in := range inputs[start:end] {
			in := in
			wg.Add(1)
			go func() {
				defer wg.Done()
				url, err := c.store.DeliveryURL(ctx, in.AssetID, targetFormat)

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					errs = append(errs, handler.FileError{Filename: in.DisplayName, Error: err.Error()})
					return
				}
				converted = append(converted, handler.ConvertedFile{
					OriginalName: in.DisplayName,
					ConvertedURL: url,
					Format:       formats.Canonical(targetFormat),
					PublicID:     in.AssetID,
				})
			}()
		}
		wg.Wait()
	}

	return converted, errs
}

// SweepStaging removes staged files that outlived their welcome. Runs until
// ctx is canceled.
func (c *useCase) SweepStaging(ctx context.Context) {
	interval := c.staging.SweepInterval * time.Second
	if interval <= 0 {
		interval = 2 * time.Hour
	}
	maxAge := c.staging.MaxAge * time.Second
	if maxAge <= 0 {
		maxAge = 2 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepOnce(maxAge)
		}
	}
}

func (c *useCase) sweepOnce(maxAge time.Duration) {
	entries, err := os.ReadDir(c.staging.Dir)
	if err != nil {
		return
	}

	now := time.Now()
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			_ = os.Remove(filepath.Join(c.staging.Dir, entry.Name()))
		}
	}
}
