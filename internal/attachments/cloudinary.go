// Package attachments stores payment receipt files and returns the references
// kept on payment records.
package attachments

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// ErrNotConfigured is returned when no storage credentials are set.
var ErrNotConfigured = errors.New("attachment storage not configured")

// Attachment is an uploaded file.
type Attachment struct {
	PublicID  string `json:"public_id"`
	SecureURL string `json:"secure_url"`
	Format    string `json:"format"`
	Bytes     int    `json:"bytes"`
}

// Uploader stores a receipt file.
type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader) (*Attachment, error)
}

// Config holds Cloudinary credentials.
type Config struct {
	CloudName string
	APIKey    string
	APISecret string
	Folder    string
	// BaseURL defaults to the public Cloudinary API.
	BaseURL string
}

// Configured reports whether all credentials are present.
func (c Config) Configured() bool {
	return c.CloudName != "" && c.APIKey != "" && c.APISecret != ""
}

// Cloudinary uploads receipts through the Cloudinary REST API.
type Cloudinary struct {
	cfg    Config
	http   *resty.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewCloudinary returns an uploader, or ErrNotConfigured when credentials are missing.
func NewCloudinary(cfg Config, logger *zap.Logger) (*Cloudinary, error) {
	if !cfg.Configured() {
		return nil, ErrNotConfigured
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.cloudinary.com"
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Accept", "application/json")
	return &Cloudinary{cfg: cfg, http: client, logger: logger, now: time.Now}, nil
}

// Upload sends the file as a signed upload. Images and PDFs are both accepted.
func (c *Cloudinary) Upload(ctx context.Context, filename string, r io.Reader) (*Attachment, error) {
	params := map[string]string{
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	if c.cfg.Folder != "" {
		params["folder"] = c.cfg.Folder
	}
	params["signature"] = c.sign(params)
	params["api_key"] = c.cfg.APIKey

	var (
		result  Attachment
		failure struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
	)
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(params).
		SetFileReader("file", filename, r).
		SetResult(&result).
		SetError(&failure).
		SetPathParam("cloud", c.cfg.CloudName).
		Post("/v1_1/{cloud}/auto/upload")
	if err != nil {
		c.logger.Error("receipt upload failed", zap.String("file", filename), zap.Error(err))
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	if resp.IsError() {
		c.logger.Error("receipt upload rejected",
			zap.String("file", filename),
			zap.Int("status_code", resp.StatusCode()),
			zap.String("message", failure.Error.Message))
		return nil, fmt.Errorf("upload %s: status %d: %s", filename, resp.StatusCode(), failure.Error.Message)
	}
	c.logger.Info("receipt uploaded", zap.String("public_id", result.PublicID), zap.Int("bytes", result.Bytes))
	return &result, nil
}

// sign computes the API signature: sorted key=value pairs joined by & and
// followed by the secret. api_key, file and resource_type are not signed.
func (c *Cloudinary) sign(params map[string]string) string {
	excludeKeys := map[string]bool{"api_key": true, "file": true, "resource_type": true}

	pairs := make([]string, 0, len(params))
	for k, v := range params {
		if !excludeKeys[k] && v != "" {
			pairs = append(pairs, k+"="+v)
		}
	}
	sort.Strings(pairs)

	h := sha1.New()
	h.Write([]byte(strings.Join(pairs, "&") + c.cfg.APISecret))
	return fmt.Sprintf("%x", h.Sum(nil))
}
