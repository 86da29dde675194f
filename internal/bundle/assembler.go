package bundle

import (
	"archive/zip"
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/entities"
	"github.com/trunov/converthub/internal/imgcheck"
)

// URLResolver supplies fetchable URLs for converted variants; the asset
// store client implements it.
type URLResolver interface {
	DeliveryURL(ctx context.Context, assetID, format string) (string, error)
	ValidationFormat(format string) string
}

const (
	defaultFetchAttempts   = 3
	defaultFetchRetryDelay = 200 * time.Millisecond
	defaultFetchTimeout    = 30 * time.Second
	defaultArchiveName     = "converted_files.zip"
)

// Assembler fetches converted files from the store and packages them into an
// in-memory ZIP. One Assemble/FetchAll call is all-or-nothing: a single
// descriptor exhausting its retries fails the whole operation.
type Assembler struct {
	resolver URLResolver
	client   *http.Client

	attempts    int
	retryDelay  time.Duration
	timeout     time.Duration
	archiveName string
}

func NewAssembler(resolver URLResolver, cfg config.ZipConfig) *Assembler {
	a := &Assembler{
		resolver:    resolver,
		client:      &http.Client{},
		attempts:    cfg.FetchAttempts,
		retryDelay:  cfg.FetchRetryDelay * time.Millisecond,
		timeout:     cfg.FetchTimeout * time.Second,
		archiveName: cfg.ArchiveName,
	}
	if a.attempts <= 0 {
		a.attempts = defaultFetchAttempts
	}
	if a.retryDelay <= 0 {
		a.retryDelay = defaultFetchRetryDelay
	}
	if a.timeout <= 0 {
		a.timeout = defaultFetchTimeout
	}
	if a.archiveName == "" {
		a.archiveName = defaultArchiveName
	}
	return a
}

// ArchiveName is the filename served for bundles built by this assembler.
func (a *Assembler) ArchiveName() string { return a.archiveName }

// FetchAll downloads every descriptor concurrently, fully in memory.
// onProgress (optional) is invoked with the number of completed fetches.
// Returned assets carry their planned entry names and input sequence index.
func (a *Assembler) FetchAll(ctx context.Context, descs []entities.ConversionDescriptor, onProgress func(done, total int)) ([]entities.FetchedAsset, error) {
	if len(descs) == 0 {
		return nil, errors.New("no files to fetch")
	}

	names := PlanEntryNames(descs)
	assets := make([]entities.FetchedAsset, len(descs))

	var mu sync.Mutex
	done := 0

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range descs {
		i, d := i, d
		g.Go(func() error {
			data, err := a.fetchOne(gctx, d)
			if err != nil {
				return fmt.Errorf("fetching %q failed: %w", names[i], err)
			}

			assets[i] = entities.FetchedAsset{
				EntryName:   names[i],
				Seq:         i,
				Data:        data,
				Size:        len(data),
				DisplayName: d.DisplayName,
			}

			mu.Lock()
			done++
			n := done
			mu.Unlock()
			if onProgress != nil {
				onProgress(n, len(descs))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return assets, nil
}

// fetchOne runs the bounded retry loop for a single descriptor. An attempt
// fails on transport error, empty body or content that does not look like
// the expected format.
func (a *Assembler) fetchOne(ctx context.Context, d entities.ConversionDescriptor) ([]byte, error) {
	url := d.PrecomputedURL
	validateAs := a.resolver.ValidationFormat(d.TargetFormat)

	var lastErr error
	for attempt := 1; attempt <= a.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(a.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if url == "" {
			derived, err := a.resolver.DeliveryURL(ctx, d.AssetID, d.TargetFormat)
			if err != nil {
				// URL derivation rejects unsupported formats; retrying
				// cannot fix that.
				return nil, err
			}
			url = derived
		}

		data, err := a.download(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) == 0 {
			lastErr = errors.New("empty response body")
			continue
		}
		if !imgcheck.LooksLikeImage(data, validateAs) {
			lastErr = fmt.Errorf("content failed %s validation (%d bytes)", validateAs, len(data))
			continue
		}

		return data, nil
	}

	return nil, fmt.Errorf("all %d attempts failed: %w", a.attempts, lastErr)
}

func (a *Assembler) download(ctx context.Context, url string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	return io.ReadAll(resp.Body)
}

// BuildArchive packages fetched assets into a ZIP, in sequence-index order.
// Compression favors speed: the inputs are already-compressed images.
func (a *Assembler) BuildArchive(assets []entities.FetchedAsset, name string) (*entities.ArchiveResult, error) {
	if len(assets) == 0 {
		return nil, errors.New("no files to archive")
	}
	if name == "" {
		name = a.archiveName
	}

	sorted := make([]entities.FetchedAsset, len(assets))
	copy(sorted, assets)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	zw.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	for _, asset := range sorted {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     asset.EntryName,
			Method:   zip.Deflate,
			Modified: time.Now(),
		})
		if err != nil {
			zw.Close()
			return nil, fmt.Errorf("failed to add %q: %w", asset.EntryName, err)
		}
		if _, err := w.Write(asset.Data); err != nil {
			zw.Close()
			return nil, fmt.Errorf("failed to write %q: %w", asset.EntryName, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize archive: %w", err)
	}

	data := buf.Bytes()
	if len(data) < 2 || data[0] != 'P' || data[1] != 'K' {
		return nil, errors.New("archive output is empty or malformed")
	}

	return &entities.ArchiveResult{
		Data:      data,
		Name:      name,
		FileCount: len(sorted),
	}, nil
}

// FetchSingle retrieves one converted file with the same retry/validation
// semantics as a bundle fetch; used by the direct download path.
func (a *Assembler) FetchSingle(ctx context.Context, d entities.ConversionDescriptor) (entities.FetchedAsset, error) {
	name := PlanEntryNames([]entities.ConversionDescriptor{d})[0]

	data, err := a.fetchOne(ctx, d)
	if err != nil {
		return entities.FetchedAsset{}, fmt.Errorf("fetching %q failed: %w", name, err)
	}

	return entities.FetchedAsset{
		EntryName:   name,
		Data:        data,
		Size:        len(data),
		DisplayName: d.DisplayName,
	}, nil
}

// Assemble is the synchronous path: plan, fetch and package in one call.
func (a *Assembler) Assemble(ctx context.Context, descs []entities.ConversionDescriptor) (*entities.ArchiveResult, error) {
	assets, err := a.FetchAll(ctx, descs, nil)
	if err != nil {
		return nil, err
	}
	return a.BuildArchive(assets, a.archiveName)
}
