// Package httpbackend stores cache entries in an HTTP object store that
// speaks a minimal protocol:
//
//	GET    {base}/entries         JSON array of listings
//	GET    {base}/entries/{fp}    entry bytes, checksum in X-Content-Checksum
//	PUT    {base}/entries/{fp}    store entry bytes
//	DELETE {base}/entries/{fp}    remove entry
//
// The store is expected to make PUT atomic per object.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/specialistvlad/scenegrid/internal/cache"
	"github.com/specialistvlad/scenegrid/internal/ctxlog"
	"github.com/specialistvlad/scenegrid/internal/errs"
	"github.com/specialistvlad/scenegrid/internal/fingerprint"
	"github.com/specialistvlad/scenegrid/internal/model"
)

// ChecksumHeader carries an entry's checksum on GET and PUT.
const ChecksumHeader = "X-Content-Checksum"

// Backend talks to the object store over HTTP.
type Backend struct {
	base   string
	client *http.Client
}

var _ cache.Backend = (*Backend)(nil)

// New returns a backend for baseURL. A nil client gets a default one with
// a 60 second timeout.
func New(baseURL string, client *http.Client) (*Backend, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing cache url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("cache url %q must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Backend{base: strings.TrimRight(baseURL, "/"), client: client}, nil
}

func (b *Backend) entryURL(fp fingerprint.Fingerprint) (string, error) {
	if !fp.Valid() {
		return "", fmt.Errorf("invalid fingerprint %q", fp)
	}
	return b.base + "/entries/" + fp.String(), nil
}

func (b *Backend) do(req *http.Request) (*http.Response, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		return nil, errs.Transient(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	return resp, nil
}

func statusError(req *http.Request, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err := fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(body)))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return errs.Transient(err)
	}
	return err
}

func (b *Backend) Read(ctx context.Context, fp fingerprint.Fingerprint) ([]byte, model.Checksum, error) {
	u, err := b.entryURL(fp)
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := b.do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, "", cache.ErrNotFound
	default:
		return nil, "", statusError(req, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: reading body: %v", cache.ErrCorrupt, err)
	}
	return data, model.Checksum(resp.Header.Get(ChecksumHeader)), nil
}

func (b *Backend) Write(ctx context.Context, fp fingerprint.Fingerprint, data []byte, sum model.Checksum) error {
	logger := ctxlog.FromContext(ctx)
	u, err := b.entryURL(fp)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/msgpack")
	req.Header.Set(ChecksumHeader, string(sum))
	req.ContentLength = int64(len(data))

	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		logger.Debug("Uploaded cache entry.", "fingerprint", fp.Short(), "size", len(data))
		return nil
	default:
		return statusError(req, resp)
	}
}

func (b *Backend) Delete(ctx context.Context, fp fingerprint.Fingerprint) error {
	u, err := b.entryURL(fp)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	resp, err := b.do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		return cache.ErrNotFound
	default:
		return statusError(req, resp)
	}
}

func (b *Backend) List(ctx context.Context) ([]cache.Listing, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.base+"/entries", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := b.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(req, resp)
	}
	var out []cache.Listing
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding cache listing: %w", err)
	}
	return out, nil
}
