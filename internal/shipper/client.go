// Package shipper implements the Durable Shipping Layer of spec.md §4.5:
// at-least-once HTTP delivery of consolidated call documents and recordings
// with exponential backoff, bounded queues, and local persistence of
// per-call shipping state. Grounded on
// original_source/src/ami/http_worker.py's batching/retry shape; the HTTP
// transport itself is new (the ARA stack has no outbound HTTP client),
// expressed idiomatically rather than translated.
package shipper

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
)

const maxInMemoryUploadSize = 10 << 20 // 10 MiB, per spec.md §5

// Client is the process-wide HTTP client used to ship documents and
// recordings. Connections are pooled and force-closed after use to avoid
// upstream keep-alive bugs with certain proxies (spec.md §5).
type Client struct {
	http     *http.Client
	cfg      config.ShipperConfig
	hostname string
	version  string
}

func NewClient(cfg config.ShipperConfig, hostname, version string) *Client {
	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 30,
		DisableKeepAlives:   true,
		IdleConnTimeout:     30 * time.Second,
	}
	return &Client{
		http:     &http.Client{Transport: transport, Timeout: 30 * time.Second},
		cfg:      cfg,
		hostname: hostname,
		version:  version,
	}
}

// wireBody is the object-shaped POST body the current ingestion API expects
// (spec.md §4.5: "the endpoint accepts either a flat list (legacy) or an
// object {cdrs, cels} (current)"). The agent ships consolidated documents
// under a top-level key the API demultiplexes on call_threads; this agent
// always sends the current object shape.
type wireBody struct {
	Documents []*models.ConsolidatedCall `json:"documents"`
}

// ShipDocuments POSTs a batch of consolidated documents. 2xx/202 is success;
// any other status or transport error is a failure the caller should retry
// or record (spec.md §4.5/§7).
func (c *Client) ShipDocuments(ctx context.Context, docs []*models.ConsolidatedCall) error {
	payload, err := json.Marshal(wireBody{Documents: docs})
	if err != nil {
		return errors.Wrap(err, errors.ErrInternal, "failed to marshal shipment payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, errors.ErrShipFailed, "failed to build shipment request")
	}
	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	return c.do(req)
}

// UploadRecording performs the multipart upload described in spec.md §6.
func (c *Client) UploadRecording(ctx context.Context, rd *models.RecordingDescriptor, meta map[string]string) error {
	body, contentType, err := c.buildMultipart(rd, meta)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.RecordingEndpoint, body)
	if err != nil {
		return errors.Wrap(err, errors.ErrShipFailed, "failed to build recording upload request")
	}
	c.setCommonHeaders(req)
	req.Header.Set("Content-Type", contentType)

	return c.do(req)
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("User-Agent", fmt.Sprintf("asterisk-call-agent/%s", c.version))
	req.Header.Set("X-Asterisk-Hostname", c.hostname)
}

func (c *Client) do(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrShipFailed, "shipment transport error")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.New(errors.ErrShipFailed, "rate limited").WithStatusCode(resp.StatusCode)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusAccepted {
		return nil
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return errors.New(errors.ErrShipRejected, fmt.Sprintf("shipment rejected with status %d", resp.StatusCode)).
			WithStatusCode(resp.StatusCode)
	}
	return errors.New(errors.ErrShipFailed, fmt.Sprintf("shipment failed with status %d", resp.StatusCode)).
		WithStatusCode(resp.StatusCode)
}

// buildMultipart assembles the upload form: field "recording_id", optional
// metadata fields, and file field "audio" with the extension-inferred
// Content-Type. Files under maxInMemoryUploadSize are read fully into a
// buffer; larger files stream from disk (spec.md §5).
func (c *Client) buildMultipart(rd *models.RecordingDescriptor, meta map[string]string) (io.Reader, string, error) {
	info, err := os.Stat(rd.FilePath)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrRecordingNotFound, "recording file missing at upload time")
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("recording_id", rd.Filename); err != nil {
		return nil, "", err
	}
	for k, v := range meta {
		if v == "" {
			continue
		}
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename=%q`, rd.Filename))
	h.Set("Content-Type", ContentTypeForExtension(rd.Filename))
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}

	if info.Size() <= maxInMemoryUploadSize {
		f, err := os.Open(rd.FilePath)
		if err != nil {
			return nil, "", errors.Wrap(err, errors.ErrRecordingNotFound, "failed to open recording file")
		}
		defer f.Close()
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", errors.Wrap(err, errors.ErrShipFailed, "failed to read recording into upload buffer")
		}
		if err := w.Close(); err != nil {
			return nil, "", err
		}
		return &buf, w.FormDataContentType(), nil
	}

	// Oversized file: stream directly rather than buffering fully in memory.
	// The closing boundary has to follow the file bytes, so it is appended
	// here instead of being written by w.Close.
	f, err := os.Open(rd.FilePath)
	if err != nil {
		return nil, "", errors.Wrap(err, errors.ErrRecordingNotFound, "failed to open recording file")
	}
	closing := strings.NewReader(fmt.Sprintf("\r\n--%s--\r\n", w.Boundary()))
	return io.MultiReader(&buf, f, closing), w.FormDataContentType(), nil
}

// ContentTypeForExtension maps a recording filename to the Content-Type the
// upload API expects (spec.md §6).
func ContentTypeForExtension(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav", ".gsm":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
