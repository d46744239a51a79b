package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
)

// WriteUploader prints result JSON documents, one per line. Log artifacts
// are not written: they would interleave with the JSON lines.
type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, name string, raw []byte) error {
	if path.Ext(name) != ".json" {
		return nil
	}
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(append(bytes.TrimRight(raw, "\n"), '\n'))
	return err
}

// OSRootUploader mirrors published artifacts into a directory.
type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(dir string) (*OSRootUploader, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, name string, raw []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}
	if dir := path.Dir(name); dir != "." {
		if err := u.root.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	if err := u.root.WriteFile(name, raw, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	slog.DebugContext(ctx, "artifact stored", "name", name, "dir", u.root.Name())
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("root already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}

// WebhookUploader POSTs every artifact to an HTTP endpoint. The artifact
// name is passed in the X-Autotest-Artifact header.
type WebhookUploader struct {
	requestURL *url.URL
	client     *http.Client
}

const ArtifactHeader = "X-Autotest-Artifact"

func NewWebhookUploader(serverURL string) (*WebhookUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	if (parsedURL.Scheme != "http" && parsedURL.Scheme != "https") || parsedURL.Host == "" {
		return nil, errors.New("please define the webhook url with a http(s) scheme, e.g. `http://some-url.com/hook`")
	}
	return &WebhookUploader{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *WebhookUploader) Upload(ctx context.Context, name string, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeOf(name))
	req.Header.Set(ArtifactHeader, name)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if err := decodeWebhookResponse(resp); err != nil {
		return fmt.Errorf("posting %s: %w", name, err)
	}
	slog.DebugContext(ctx, "artifact posted", "name", name, "status", resp.StatusCode)
	return nil
}

func (c *WebhookUploader) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

func contentTypeOf(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}

func decodeWebhookResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	contentType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if contentType == "application/problem+json" {
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return fmt.Errorf("decoding json response failed: %w", err)
		}
		return fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	return fmt.Errorf("status code: %d, body: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}
