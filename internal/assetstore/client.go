package assetstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/trunov/converthub/internal/cache"
	"github.com/trunov/converthub/internal/config"
	"github.com/trunov/converthub/internal/formats"
)

// ErrRateLimited signals the store rejected an upload with HTTP 429 even
// after the retry; the HTTP layer maps it to a quota response.
var ErrRateLimited = errors.New("asset store rate limit exceeded")

const (
	defaultAPIBase      = "https://api.cloudinary.com"
	defaultDeliveryBase = "https://res.cloudinary.com"
	defaultURLCacheTTL  = 3600

	warmupTimeout  = 5 * time.Second
	rateLimitPause = time.Second
)

// Client talks to the external conversion/storage service. The service is
// opaque: we upload originals and derive URLs for converted variants, all
// decoding and encoding happens on its side.
type Client struct {
	cfg    config.AssetStoreConfig
	client *http.Client
	cache  *cache.Cache

	normalized map[string]string
}

// UploadResult mirrors the store's upload response fields we care about.
type UploadResult struct {
	AssetID   string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Bytes     int64  `json:"bytes"`
	Format    string `json:"format"`
}

func New(cfg config.AssetStoreConfig, urlCache *cache.Cache) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	if cfg.DeliveryBase == "" {
		cfg.DeliveryBase = defaultDeliveryBase
	}
	if cfg.URLCacheTTL <= 0 {
		cfg.URLCacheTTL = defaultURLCacheTTL
	}

	normalized := cfg.NormalizedFormats
	if normalized == nil {
		normalized = map[string]string{
			"svg": "png", "ico": "png", "eps": "png", "psd": "png", "tga": "png",
		}
	}

	timeout := cfg.UploadTimeout * time.Second
	if cfg.UploadTimeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:        cfg,
		client:     &http.Client{Timeout: timeout},
		cache:      urlCache,
		normalized: normalized,
	}
}

// Upload pushes a staged local file to the store under publicID. One retry
// after a short pause on HTTP 429, matching the store's burst limits.
func (c *Client) Upload(ctx context.Context, localPath, publicID string) (UploadResult, error) {
	res, status, err := c.doUpload(ctx, localPath, publicID)
	if err == nil {
		return res, nil
	}

	if status == http.StatusTooManyRequests {
		select {
		case <-time.After(rateLimitPause):
		case <-ctx.Done():
			return UploadResult{}, ctx.Err()
		}

		res, status, err = c.doUpload(ctx, localPath, publicID)
		if err == nil {
			return res, nil
		}
		if status == http.StatusTooManyRequests {
			return UploadResult{}, ErrRateLimited
		}
	}

	return UploadResult{}, fmt.Errorf("upload failed: %w", err)
}

func (c *Client) doUpload(ctx context.Context, localPath, publicID string) (UploadResult, int, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return UploadResult{}, 0, fmt.Errorf("failed to open input file: %w", err)
	}
	defer file.Close()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return UploadResult{}, 0, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return UploadResult{}, 0, fmt.Errorf("failed to copy file: %w", err)
	}

	params := map[string]string{
		"public_id": publicID,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}
	if c.cfg.Folder != "" {
		params["folder"] = c.cfg.Folder
	}
	for k, v := range params {
		writer.WriteField(k, v)
	}
	writer.WriteField("api_key", c.cfg.APIKey)
	writer.WriteField("signature", signParams(params, c.cfg.APISecret))

	if err := writer.Close(); err != nil {
		return UploadResult{}, 0, fmt.Errorf("failed to close writer: %w", err)
	}

	url := fmt.Sprintf("%s/v1_1/%s/auto/upload", c.cfg.APIBase, c.cfg.CloudName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return UploadResult{}, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return UploadResult{}, 0, fmt.Errorf("asset store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return UploadResult{}, resp.StatusCode,
			fmt.Errorf("asset store returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return UploadResult{}, resp.StatusCode, fmt.Errorf("failed to decode upload response: %w", err)
	}

	return result, resp.StatusCode, nil
}

// DeliveryURL derives the fetchable URL for a converted variant of assetID.
// URLs are deterministic so they are memoized in Redis; a best-effort HEAD
// warms the store's conversion pipeline but its failure is not an error -
// the fetch retry loop absorbs propagation delay.
func (c *Client) DeliveryURL(ctx context.Context, assetID, format string) (string, error) {
	f := formats.Canonical(format)
	if err := formats.ValidateOutput(f); err != nil {
		return "", err
	}

	if c.cache != nil {
		if cached := c.cache.GetURL(ctx, assetID, f); cached != "" {
			return cached, nil
		}
	}

	url := fmt.Sprintf("%s/%s/image/upload/f_%s,q_auto,fl_progressive/%s",
		c.cfg.DeliveryBase, c.cfg.CloudName, f, assetID)

	c.warmup(ctx, url)

	if c.cache != nil {
		_ = c.cache.StoreURL(ctx, assetID, f, url, c.cfg.URLCacheTTL)
	}

	return url, nil
}

// ValidationFormat maps a requested format to the format the store actually
// delivers bytes in, for formats it normalizes before delivery.
func (c *Client) ValidationFormat(format string) string {
	f := formats.Canonical(format)
	if mapped, ok := c.normalized[f]; ok {
		return mapped
	}
	return f
}

func (c *Client) warmup(ctx context.Context, url string) {
	headCtx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(headCtx, http.MethodHead, url, nil)
	if err != nil {
		return
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return
	}
	resp.Body.Close()
}

// signParams builds the store's request signature: parameters sorted by key,
// joined key=value with '&', secret appended, SHA-1 hex digest.
func signParams(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}

	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}
