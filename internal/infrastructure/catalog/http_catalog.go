// Package catalog is the client of the remote image catalog.
package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/netly/fleet/internal/config"
	"github.com/netly/fleet/internal/core/ports"
	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// HTTPCatalog reads the catalog REST API:
//
//	GET /images?name=&version=&channel=
//	GET /images/{id}
//	GET /images/{id}/file
type HTTPCatalog struct {
	baseURL string
	channel string
	client  *http.Client
	logger  *logger.Logger
}

var _ ports.ImageCatalog = (*HTTPCatalog)(nil)

func NewHTTPCatalog(cfg config.CatalogConfig, log *logger.Logger) *HTTPCatalog {
	return &HTTPCatalog{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		channel: cfg.Channel,
		client:  &http.Client{Timeout: cfg.Timeout},
		logger:  log,
	}
}

func (c *HTTPCatalog) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &domain.RemoteProtocolError{Op: "catalog " + path, Err: err}
	}
	return resp, nil
}

func checkStatus(resp *http.Response, kind, name string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &domain.NotFoundError{Kind: kind, Name: name}
	case resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &domain.RemoteProtocolError{
			Op:  "catalog",
			Err: fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	return nil
}

func (c *HTTPCatalog) ListImages(ctx context.Context, filter domain.ImageFilter) ([]domain.Image, error) {
	q := url.Values{}
	if filter.Name != "" {
		q.Set("name", filter.Name)
	}
	if filter.Version != "" {
		q.Set("version", filter.Version)
	}
	channel := filter.Channel
	if channel == "" {
		channel = c.channel
	}
	if channel != "" {
		q.Set("channel", channel)
	}

	resp, err := c.get(ctx, "/images", q)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "images", filter.Name); err != nil {
		return nil, err
	}

	var images []domain.Image
	if err := json.NewDecoder(resp.Body).Decode(&images); err != nil {
		return nil, &domain.RemoteProtocolError{Op: "catalog list", Err: err}
	}
	c.logger.Debugw("catalog_list_ok", "name", filter.Name, "channel", channel, "count", len(images))
	return images, nil
}

func (c *HTTPCatalog) GetImage(ctx context.Context, id string) (*domain.Image, error) {
	resp, err := c.get(ctx, "/images/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "image", id); err != nil {
		return nil, err
	}

	var image domain.Image
	if err := json.NewDecoder(resp.Body).Decode(&image); err != nil {
		return nil, &domain.RemoteProtocolError{Op: "catalog get", Err: err}
	}
	return &image, nil
}

// GetImageFile streams the artifact into a temporary file next to destinationPath and renames it
// into place once complete. When the catalog sends a checksum header it is verified.
func (c *HTTPCatalog) GetImageFile(ctx context.Context, id string, destinationPath string) error {
	resp, err := c.get(ctx, "/images/"+url.PathEscape(id)+"/file", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, "image", id); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(destinationPath), ".download-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &domain.RemoteProtocolError{Op: "catalog download", Err: err}
	}

	if want := resp.Header.Get("X-Checksum-Sha256"); want != "" {
		if got := hex.EncodeToString(hash.Sum(nil)); got != want {
			return &domain.ValidationError{Field: "checksum", Reason: fmt.Sprintf("image %s: got %s, want %s", id, got, want)}
		}
	}

	if err := os.Rename(tmp.Name(), destinationPath); err != nil {
		return fmt.Errorf("failed to move download into place: %w", err)
	}
	c.logger.Infow("catalog_download_ok", "image_id", id, "bytes", written, "path", destinationPath)
	return nil
}
