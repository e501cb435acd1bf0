// Package upload sends documents to the event server's REST upload endpoint
// and returns the session id carried by the ack. Summarization progress for
// that session then arrives on the summary channel.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"lexrt/pkg/protocol"
)

// maxAckBytes bounds how much of an ack body is read.
const maxAckBytes = 64 << 10

// Ack is the body of a successful upload response.
type Ack struct {
	SessionID string `json:"sessionId"`
}

// StatusError is returned when the upload endpoint answers with a non-2xx
// status.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upload rejected: HTTP %d", e.Code)
	}
	return fmt.Sprintf("upload rejected: HTTP %d: %s", e.Code, e.Body)
}

// Client posts multipart uploads.
type Client struct {
	url  string
	http *http.Client
}

// New returns a Client posting to uploadURL. A nil hc uses
// http.DefaultClient.
func New(uploadURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{url: uploadURL, http: hc}
}

// URL returns the endpoint the client posts to.
func (c *Client) URL() string { return c.url }

// Upload sends the document read from r under filename, with meta, on
// behalf of identity. It returns the session id from the ack.
func (c *Client) Upload(ctx context.Context, identity, filename string, r io.Reader, meta protocol.UploadMetadata) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("upload %s: %w", filename, protocol.ErrNotAuthenticated)
	}

	body, contentType, err := encode(filename, r, meta)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", fmt.Errorf("upload %s: build request: %w", filename, err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(protocol.IdentityHeader, identity)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", filename, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
	if err != nil {
		return "", fmt.Errorf("upload %s: read ack: %w", filename, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var ack Ack
	if err := json.Unmarshal(raw, &ack); err != nil {
		return "", fmt.Errorf("upload %s: decode ack: %w", filename, err)
	}
	if ack.SessionID == "" {
		return "", fmt.Errorf("upload %s: ack carried no sessionId", filename)
	}
	return ack.SessionID, nil
}

func encode(filename string, r io.Reader, meta protocol.UploadMetadata) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, "", fmt.Errorf("encode metadata: %w", err)
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return nil, "", fmt.Errorf("write metadata: %w", err)
	}

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return nil, "", fmt.Errorf("copy file: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart: %w", err)
	}
	return &buf, mw.FormDataContentType(), nil
}
