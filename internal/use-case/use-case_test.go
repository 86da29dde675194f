package use_case

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunov/converthub/internal/assetstore"
	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/entities"
	"github.com/trunov/converthub/internal/history"
	"github.com/trunov/converthub/internal/transport/handler"
)

type fakeStore struct {
	mu          sync.Mutex
	uploads     []string
	failUploads map[string]bool
	urlErrs     map[string]error

	inFlight    int
	maxInFlight int
}

func (f *fakeStore) Upload(_ context.Context, localPath, publicID string) (assetstore.UploadResult, error) {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	// Let the rest of the batch catch up so concurrency peaks are visible.
	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--

	name := filepath.Base(localPath)
	if f.failUploads[name] {
		return assetstore.UploadResult{}, errors.New("store rejected the file")
	}

	f.uploads = append(f.uploads, name)
	return assetstore.UploadResult{
		AssetID:   publicID,
		SecureURL: "https://store.example/" + publicID,
	}, nil
}

func (f *fakeStore) DeliveryURL(_ context.Context, assetID, format string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.urlErrs[assetID]; err != nil {
		return "", err
	}
	return "https://store.example/f_" + format + "/" + assetID, nil
}

type fakeMirror struct {
	mu       sync.Mutex
	err      error
	keys     []string
	payloads [][]byte
	ctxs     []context.Context
}

func (f *fakeMirror) Enqueue(ctx context.Context, key string, _ string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.keys = append(f.keys, key)
	f.payloads = append(f.payloads, payload)
	f.ctxs = append(f.ctxs, ctx)
	return nil
}

type fakeHistory struct {
	mu     sync.Mutex
	events []history.ConversionEvent
}

func (f *fakeHistory) EnqueueRecord(_ context.Context, event history.ConversionEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func stage(t *testing.T, dir, name string, data []byte) handler.StagedFile {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return handler.StagedFile{
		Path:         path,
		OriginalName: name,
		MimeType:     "image/png",
		Ext:          ".png",
		Size:         int64(len(data)),
		Source:       "device",
	}
}

func TestUploadBatch_AggregatesPerFileResults(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{failUploads: map[string]bool{"bad.png": true}}
	hist := &fakeHistory{}

	uc := New(store, nil, hist, config.StagingConfig{Dir: dir}, 0)

	staged := []handler.StagedFile{
		stage(t, dir, "a.png", []byte("aaa")),
		stage(t, dir, "bad.png", []byte("bbb")),
		stage(t, dir, "c.png", []byte("ccc")),
	}

	uploaded, errs := uc.UploadBatch(context.Background(), staged, "1.2.3.4", false)

	assert.Len(t, uploaded, 2, "one failure must not fail the batch")
	require.Len(t, errs, 1)
	assert.Equal(t, "bad.png", errs[0].Filename)

	assert.Len(t, hist.events, 2, "only successful uploads are recorded")
	for _, e := range hist.events {
		assert.Equal(t, "png", e.SourceFormat)
		assert.Equal(t, "1.2.3.4", e.ClientKey)
	}

	for _, sf := range staged {
		_, err := os.Stat(sf.Path)
		assert.True(t, os.IsNotExist(err), "staged file %s must be removed", sf.OriginalName)
	}
}

func TestUploadBatch_RespectsBatchSize(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{}

	uc := New(store, nil, &fakeHistory{}, config.StagingConfig{Dir: dir}, 2)

	var staged []handler.StagedFile
	for _, name := range []string{"a.png", "b.png", "c.png", "d.png", "e.png", "f.png"} {
		staged = append(staged, stage(t, dir, name, []byte(name)))
	}

	uploaded, errs := uc.UploadBatch(context.Background(), staged, "1.2.3.4", false)

	assert.Len(t, uploaded, 6)
	assert.Empty(t, errs)
	assert.LessOrEqual(t, store.maxInFlight, 2, "no more than one batch in flight at a time")
}

func TestUploadBatch_HistoryRecordedWhenMirrorFails(t *testing.T) {
	dir := t.TempDir()
	hist := &fakeHistory{}
	mir := &fakeMirror{err: errors.New("queue is full")}

	uc := New(&fakeStore{}, mir, hist, config.StagingConfig{Dir: dir}, 0)

	uploaded, errs := uc.UploadBatch(context.Background(),
		[]handler.StagedFile{stage(t, dir, "a.png", []byte("aaa"))}, "1.2.3.4", false)

	assert.Len(t, uploaded, 1)
	assert.Empty(t, errs)
	assert.Len(t, hist.events, 1, "history must not depend on the mirror")
}

func TestUploadBatch_MirrorOutlivesRequestContext(t *testing.T) {
	dir := t.TempDir()
	mir := &fakeMirror{}

	uc := New(&fakeStore{}, mir, &fakeHistory{}, config.StagingConfig{Dir: dir}, 0)

	ctx, cancel := context.WithCancel(context.Background())
	payload := []byte("original bytes")

	uploaded, errs := uc.UploadBatch(ctx, []handler.StagedFile{stage(t, dir, "a.png", payload)}, "1.2.3.4", false)
	require.Len(t, uploaded, 1)
	require.Empty(t, errs)

	// The request is over; the mirror worker still has to be able to run
	// its upload and retries.
	cancel()

	require.Len(t, mir.ctxs, 1)
	assert.NoError(t, mir.ctxs[0].Err(), "mirror context must survive request cancellation")
	assert.Equal(t, payload, mir.payloads[0])
	assert.Contains(t, mir.keys[0], ".png")
}

func TestUploadBatch_UnreadableStagedFileDoesNotReachStore(t *testing.T) {
	dir := t.TempDir()
	store := &fakeStore{}
	hist := &fakeHistory{}

	uc := New(store, nil, hist, config.StagingConfig{Dir: dir}, 0)

	missing := handler.StagedFile{
		Path:         filepath.Join(dir, "vanished.png"),
		OriginalName: "vanished.png",
		Ext:          ".png",
		Source:       "device",
	}

	uploaded, errs := uc.UploadBatch(context.Background(), []handler.StagedFile{missing}, "1.2.3.4", false)

	assert.Empty(t, uploaded)
	require.Len(t, errs, 1)
	assert.Equal(t, "vanished.png", errs[0].Filename)
	assert.Empty(t, store.uploads, "nothing may be uploaded for an unreadable file")
	assert.Empty(t, hist.events)
}

func TestConvert_PerFileAggregation(t *testing.T) {
	store := &fakeStore{urlErrs: map[string]error{"broken": errors.New("derivation failed")}}

	uc := New(store, nil, &fakeHistory{}, config.StagingConfig{}, 0)

	inputs := []entities.ConversionDescriptor{
		{AssetID: "ok-1", DisplayName: "one.png"},
		{AssetID: "broken", DisplayName: "two.png"},
		{AssetID: "ok-2", DisplayName: "three.png"},
	}

	converted, errs := uc.Convert(context.Background(), inputs, "jpeg")

	assert.Len(t, converted, 2)
	require.Len(t, errs, 1)
	assert.Equal(t, "two.png", errs[0].Filename)

	for _, c := range converted {
		assert.Equal(t, "jpg", c.Format, "format is canonicalized in the response")
		assert.Contains(t, c.ConvertedURL, "f_jpeg")
	}
}
