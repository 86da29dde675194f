package assetstore

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trunov/converthub/internal/config"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		Header:     make(http.Header),
	}
}

func testClient(t *testing.T, rt roundTripFunc) *Client {
	t.Helper()
	c := New(config.AssetStoreConfig{
		CloudName: "demo",
		APIKey:    "key",
		APISecret: "secret",
	}, nil)
	c.client.Transport = rt
	return c
}

func readUploadForm(t *testing.T, r *http.Request) map[string]string {
	t.Helper()

	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	require.NoError(t, err)
	require.Equal(t, "multipart/form-data", mediaType)

	fields := map[string]string{}
	reader := multipart.NewReader(r.Body, params["boundary"])
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)

		if part.FileName() == "" {
			b, _ := io.ReadAll(part)
			fields[part.FormName()] = string(b)
		} else {
			_, _ = io.Copy(io.Discard, part)
		}
		_ = part.Close()
	}
	return fields
}

func stageFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, []byte("not really a jpeg"), 0o644))
	return path
}

func TestClient_Upload_SignsRequest(t *testing.T) {
	t.Parallel()

	var seen map[string]string
	c := testClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, "/v1_1/demo/auto/upload", r.URL.Path)
		seen = readUploadForm(t, r)
		return jsonResponse(http.StatusOK, `{"public_id":"dev-1","secure_url":"https://res/x","bytes":17,"format":"jpg"}`), nil
	})

	res, err := c.Upload(context.Background(), stageFile(t), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "dev-1", res.AssetID)
	assert.EqualValues(t, 17, res.Bytes)

	assert.Equal(t, "key", seen["api_key"])
	assert.Equal(t, "dev-1", seen["public_id"])
	require.NotEmpty(t, seen["timestamp"])
	expected := signParams(map[string]string{
		"public_id": seen["public_id"],
		"timestamp": seen["timestamp"],
	}, "secret")
	assert.Equal(t, expected, seen["signature"])
}

func TestClient_Upload_RetriesOnceOn429(t *testing.T) {
	t.Parallel()

	calls := 0
	c := testClient(t, func(r *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return jsonResponse(http.StatusTooManyRequests, `{"error":"rate limited"}`), nil
		}
		return jsonResponse(http.StatusOK, `{"public_id":"dev-2"}`), nil
	})

	res, err := c.Upload(context.Background(), stageFile(t), "dev-2")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "dev-2", res.AssetID)
}

func TestClient_Upload_RateLimitExhausted(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(r *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusTooManyRequests, `{"error":"rate limited"}`), nil
	})

	_, err := c.Upload(context.Background(), stageFile(t), "dev-3")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestClient_DeliveryURL(t *testing.T) {
	t.Parallel()

	headCalls := 0
	c := testClient(t, func(r *http.Request) (*http.Response, error) {
		assert.Equal(t, http.MethodHead, r.Method)
		headCalls++
		return jsonResponse(http.StatusOK, ""), nil
	})

	url, err := c.DeliveryURL(context.Background(), "folder/asset-1", "PNG")
	require.NoError(t, err)
	assert.Equal(t, "https://res.cloudinary.com/demo/image/upload/f_png,q_auto,fl_progressive/folder/asset-1", url)
	assert.Equal(t, 1, headCalls)

	_, err = c.DeliveryURL(context.Background(), "folder/asset-1", "psd")
	assert.Error(t, err, "psd is not a convertible output")
}

func TestClient_DeliveryURL_WarmupFailureIgnored(t *testing.T) {
	t.Parallel()

	c := testClient(t, func(r *http.Request) (*http.Response, error) {
		return nil, io.ErrUnexpectedEOF
	})

	url, err := c.DeliveryURL(context.Background(), "a", "webp")
	require.NoError(t, err)
	assert.Contains(t, url, "f_webp")
}

func TestClient_ValidationFormat(t *testing.T) {
	t.Parallel()

	c := New(config.AssetStoreConfig{CloudName: "demo"}, nil)
	assert.Equal(t, "png", c.ValidationFormat("svg"))
	assert.Equal(t, "png", c.ValidationFormat("ICO"))
	assert.Equal(t, "jpg", c.ValidationFormat("JPEG"))
	assert.Equal(t, "webp", c.ValidationFormat("webp"))
}
