package printer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"
)

// ErrUploadTimeout is returned when the printer does not accept an upload in
// time.
var ErrUploadTimeout = errors.New("timeout while uploading file to printer")

// UploadError is returned when the printer answers an upload with a status
// other than 200.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("printer upload error: %d %s", e.StatusCode, e.Body)
}

// UploadURL returns the printer URL a file is posted to.
func (c *Client) UploadURL(filename string) string {
	return c.HTTPEndpoint() + "/upload?" + url.Values{"X-Filename": {filename}}.Encode()
}

// Upload sends a file to the printer's storage.
func (c *Client) Upload(ctx context.Context, filename string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.UploadTimeout)
	defer cancel()

	u := c.UploadURL(filename)
	log.Debugf("Uploading %s (%d bytes) to %s", filename, len(data), u)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s", ErrUploadTimeout, filename)
		}
		return fmt.Errorf("uploading %s: %w", filename, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("reading upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &UploadError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	log.Infof("Uploaded %s (%d bytes) to printer %s", filename, len(data), c.ip)
	return nil
}
