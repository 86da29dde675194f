package handler_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trunov/converthub/internal/bundle"
	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/entities"
	"github.com/trunov/converthub/internal/jobs"
	"github.com/trunov/converthub/internal/transport/handler"
	"github.com/trunov/converthub/internal/transport/router"
)

type fakeUseCase struct{}

func (f *fakeUseCase) UploadBatch(_ context.Context, staged []handler.StagedFile, _ string, _ bool) ([]handler.UploadedFile, []handler.FileError) {
	out := make([]handler.UploadedFile, 0, len(staged))
	for _, sf := range staged {
		out = append(out, handler.UploadedFile{OriginalName: sf.OriginalName, Size: sf.Size})
	}
	return out, nil
}

func (f *fakeUseCase) FetchRemote(_ context.Context, _ string) (handler.StagedFile, error) {
	return handler.StagedFile{}, nil
}

func (f *fakeUseCase) Convert(_ context.Context, inputs []entities.ConversionDescriptor, format string) ([]handler.ConvertedFile, []handler.FileError) {
	out := make([]handler.ConvertedFile, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, handler.ConvertedFile{OriginalName: in.DisplayName, Format: format, PublicID: in.AssetID})
	}
	return out, nil
}

type staticResolver struct {
	base string
}

func (r staticResolver) DeliveryURL(_ context.Context, assetID, format string) (string, error) {
	return r.base + "/" + assetID + "." + format, nil
}

func (r staticResolver) ValidationFormat(format string) string { return format }

func pngBytes() []byte {
	buf := make([]byte, 64)
	copy(buf, []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A})
	return buf
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	fileServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(pngBytes())
	}))
	t.Cleanup(fileServer.Close)

	cfg := &config.Config{}
	cfg.Upload.MaxRequestBodyMB = 100
	cfg.Upload.MaxMultipartMemoryMB = 32
	cfg.Upload.MaxFiles = 10
	cfg.Staging.Dir = t.TempDir()

	assembler := bundle.NewAssembler(staticResolver{base: fileServer.URL}, config.ZipConfig{})
	manager := jobs.NewManager(assembler, config.ZipConfig{}, log.New(io.Discard, "", 0))

	h := handler.New(&fakeUseCase{}, manager, assembler, nil, nil, cfg)

	apiServer := httptest.NewServer(router.NewRouter(h))
	t.Cleanup(apiServer.Close)

	return apiServer
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestZipJobLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/zip-jobs",
		`{"files":[{"publicId":"a","format":"png","originalName":"a.png"},{"publicId":"b","format":"png","originalName":"b.png"}]}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var created struct {
		JobID string `json:"jobId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.JobID)

	var snap entities.JobSnapshot
	deadline := time.Now().Add(5 * time.Second)
	for {
		statusResp, err := http.Get(srv.URL + "/api/zip-jobs/" + created.JobID)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&snap))
		statusResp.Body.Close()

		if snap.Status.Terminal() {
			break
		}
		require.True(t, time.Now().Before(deadline), "job never reached a terminal state")
		time.Sleep(20 * time.Millisecond)
	}
	require.Equal(t, entities.JobReady, snap.Status)
	assert.Equal(t, 100, snap.Percent)
	assert.True(t, snap.Ready)

	fileResp, err := http.Get(srv.URL + "/api/zip-jobs/" + created.JobID + "/file")
	require.NoError(t, err)
	defer fileResp.Body.Close()

	require.Equal(t, http.StatusOK, fileResp.StatusCode)
	assert.Equal(t, "application/zip", fileResp.Header.Get("Content-Type"))
	assert.Contains(t, fileResp.Header.Get("Content-Disposition"), "attachment")
	assert.Equal(t, "2", fileResp.Header.Get("X-File-Count"))

	data, err := io.ReadAll(fileResp.Body)
	require.NoError(t, err)

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	assert.Equal(t, "a.png", zr.File[0].Name)
	assert.Equal(t, "b.png", zr.File[1].Name)
}

func TestCreateZipJobRejectsEmptyList(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/zip-jobs", `{"files":[]}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateZipJobRejectsUnsupportedFormat(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/zip-jobs", `{"files":[{"publicId":"a","format":"exe"}]}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestZipJobStatusUnknownID(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/zip-jobs/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDownloadSingleFileIsProxied(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/download",
		`{"files":[{"publicId":"a","format":"png","originalName":"photo.png"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "photo.png")

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, pngBytes(), data)
}

func TestDownloadSeveralFilesReturnsZip(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/download",
		`{"files":[{"publicId":"a","format":"png"},{"publicId":"b","format":"png"}]}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, "2", resp.Header.Get("X-File-Count"))
}

func TestConvertRejectsUnsupportedFormat(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/convert",
		`{"files":[{"publicId":"a","format":"png"}],"format":"exe"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConvertReturnsDeliveryResults(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/convert",
		`{"files":[{"publicId":"a","format":"png","originalName":"a.jpg"}],"format":"webp"}`)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Files []handler.ConvertedFile `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Files, 1)
	assert.Equal(t, "webp", out.Files[0].Format)
	assert.Equal(t, "a", out.Files[0].PublicID)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
