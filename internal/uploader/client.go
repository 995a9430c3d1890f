package uploader

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vss-edge/internal/config"
)

// PresignRequest is the body of the presign step.
type PresignRequest struct {
	TenantID    string `json:"tenant_id"`
	DeviceID    string `json:"device_id"`
	EventID     string `json:"event_id"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	ContentType string `json:"content_type"`
}

// PresignResponse carries the server's upload coordinates. UploadID, when
// set, replaces the locally derived id for the rest of the transaction.
type PresignResponse struct {
	UploadURL string `json:"upload_url"`
	FinalURL  string `json:"final_url"`
	UploadID  string `json:"upload_id,omitempty"`
}

// CompleteRequest is the body of the upload-complete step.
type CompleteRequest struct {
	UploadID string `json:"upload_id"`
	EventID  string `json:"event_id"`
	FinalURL string `json:"final_url"`
	Checksum string `json:"checksum"`
}

// Central is the slice of the central API the uploader drives. Implementations
// return *StepError for HTTP-level failures so the state machine can decide
// between retry and terminal failure.
type Central interface {
	Presign(ctx context.Context, req PresignRequest) (PresignResponse, error)
	Put(ctx context.Context, uploadURL, clipPath, checksumHex string) error
	Complete(ctx context.Context, req CompleteRequest) error
	Metadata(ctx context.Context, eventID string, document []byte) error
}

// StepError is a failed HTTP step. Status 0 means the request never produced
// a response (transport failure), which is always retryable.
type StepError struct {
	Step   string
	Status int
	Err    error
}

func (e *StepError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Step, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Permanent reports whether the failure must not be retried: any 4xx, or a
// malformed success response.
func (e *StepError) Permanent() bool {
	return e.Status >= 400 && e.Status < 500 || e.Status == statusMalformed
}

// statusMalformed marks a 2xx response whose body did not carry the
// contractually required fields.
const statusMalformed = -1

// Client talks to the central API over HTTP, with mTLS when configured.
// Every request except the clip PUT is bounded by the API timeout; the PUT is
// unbounded because clips can be large.
type Client struct {
	base       string
	httpClient *http.Client
	putClient  *http.Client
	endpoints  config.UploadConfig
	timeout    time.Duration
}

// NewClient builds a Client from the device network and upload sections.
func NewClient(network config.NetworkConfig, upload config.UploadConfig) (*Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if network.UseMTLS {
		tlsConf, err := mutualTLSConfig(network.CertPaths)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConf
	}
	timeout := time.Duration(network.APITimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:       strings.TrimRight(network.APIBase, "/"),
		httpClient: &http.Client{Transport: transport, Timeout: timeout},
		putClient:  &http.Client{Transport: transport},
		endpoints:  upload,
		timeout:    timeout,
	}, nil
}

func mutualTLSConfig(paths config.CertPaths) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(paths.ClientCert, paths.ClientKey)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	caPEM, err := os.ReadFile(paths.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("CA certificate %s contains no usable PEM blocks", paths.CACert)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, RootCAs: pool}, nil
}

// Presign requests upload coordinates for one clip.
func (c *Client) Presign(ctx context.Context, req PresignRequest) (PresignResponse, error) {
	var resp PresignResponse
	body, err := c.postJSON(ctx, "presign", c.base+c.endpoints.PresignedEndpoint, req.EventID, req)
	if err != nil {
		return PresignResponse{}, err
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return PresignResponse{}, &StepError{Step: "presign", Status: statusMalformed, Err: fmt.Errorf("decode response: %w", err)}
	}
	if strings.TrimSpace(resp.UploadURL) == "" || strings.TrimSpace(resp.FinalURL) == "" {
		return PresignResponse{}, &StepError{Step: "presign", Status: statusMalformed, Err: errors.New("response missing upload_url or final_url")}
	}
	return resp, nil
}

// Put streams the clip bytes to the presigned URL. The request carries the
// SHA-256 of the body and is deliberately not bounded by the API timeout.
func (c *Client) Put(ctx context.Context, uploadURL, clipPath, checksumHex string) error {
	file, err := os.Open(clipPath)
	if err != nil {
		return &StepError{Step: "put", Err: fmt.Errorf("open clip: %w", err)}
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return &StepError{Step: "put", Err: fmt.Errorf("stat clip: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, file)
	if err != nil {
		return &StepError{Step: "put", Err: err}
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", ContentTypeFor(clipPath))
	req.Header.Set("x-amz-checksum-sha256", checksumHex)

	resp, err := c.putClient.Do(req)
	if err != nil {
		return &StepError{Step: "put", Err: err}
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StepError{Step: "put", Status: resp.StatusCode, Err: fmt.Errorf("upload rejected")}
	}
	return nil
}

// Complete confirms the object landed.
func (c *Client) Complete(ctx context.Context, req CompleteRequest) error {
	_, err := c.postJSON(ctx, "complete", c.base+c.endpoints.UploadCompleteEndpoint, req.EventID, req)
	return err
}

// Metadata submits the full event document, already augmented with clip_url
// and upload_id by the caller.
func (c *Client) Metadata(ctx context.Context, eventID string, document []byte) error {
	_, err := c.postRaw(ctx, "metadata", c.base+c.endpoints.MetadataEndpoint, eventID, document)
	return err
}

func (c *Client) postJSON(ctx context.Context, step, url, eventID string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, &StepError{Step: step, Err: fmt.Errorf("encode request: %w", err)}
	}
	return c.postRaw(ctx, step, url, eventID, body)
}

func (c *Client) postRaw(ctx context.Context, step, url, eventID string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if eventID != "" {
		req.Header.Set("Event-ID", eventID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &StepError{Step: step, Err: err}
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &StepError{Step: step, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StepError{Step: step, Status: resp.StatusCode, Err: fmt.Errorf("%s", strings.TrimSpace(string(data)))}
	}
	return data, nil
}

// ContentTypeFor maps the clip extension onto the wire content type.
func ContentTypeFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".mp4") {
		return "video/mp4"
	}
	return "application/octet-stream"
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}
