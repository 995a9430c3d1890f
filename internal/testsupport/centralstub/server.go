package centralstub

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Options describes how the fake central API should behave.
type Options struct {
	// ServerUploadID, when set, is returned from presign in place of the
	// device-assigned upload id.
	ServerUploadID string

	// FailPresigns causes the first N presign requests to return HTTP 503.
	// Subsequent attempts succeed.
	FailPresigns int

	// FailPuts causes the first N clip PUTs to return HTTP 502.
	FailPuts int

	// RejectPresign forces presign to answer HTTP 400 permanently.
	RejectPresign bool

	// Packages is returned from the package-poll endpoint.
	Packages []map[string]interface{}

	// Manifest is returned from the KB-manifest endpoint.
	Manifest map[string]interface{}

	// Archives maps archive names to raw bytes served under /archives/.
	Archives map[string][]byte
}

// Operation is one recorded interaction with the stub.
type Operation struct {
	Kind      string
	EventID   string
	UploadID  string
	Checksum  string
	Body      []byte
	Status    int
	Timestamp time.Time
}

// Central hosts a single httptest.Server that serves all central endpoints.
type Central struct {
	server *httptest.Server
	opts   Options

	mu         sync.Mutex
	operations []Operation
	presignErr int
	putErr     int
}

// Start spins up a new central stub using the provided options.
func Start(opts Options) *Central {
	c := &Central{opts: opts}
	c.server = httptest.NewServer(http.HandlerFunc(c.handle))
	return c
}

// Close shuts down the underlying HTTP server.
func (c *Central) Close() {
	if c.server != nil {
		c.server.Close()
	}
}

// BaseURL returns the HTTP base URL for all central endpoints.
func (c *Central) BaseURL() string {
	return c.server.URL
}

// Operations returns a copy of all recorded interactions in order.
func (c *Central) Operations() []Operation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Operation, len(c.operations))
	copy(out, c.operations)
	return out
}

// OperationsOf filters the recorded interactions by kind.
func (c *Central) OperationsOf(kind string) []Operation {
	var out []Operation
	for _, op := range c.Operations() {
		if op.Kind == kind {
			out = append(out, op)
		}
	}
	return out
}

func (c *Central) record(op Operation) {
	op.Timestamp = time.Now()
	c.mu.Lock()
	c.operations = append(c.operations, op)
	c.mu.Unlock()
}

func (c *Central) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/presign":
		c.handlePresign(w, r)
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/put/"):
		c.handlePut(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/complete":
		c.handleComplete(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/metadata":
		c.handleMetadata(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/packages":
		c.handlePackages(w, r)
	case r.Method == http.MethodGet && r.URL.Path == "/kb-manifest":
		c.handleManifest(w, r)
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/archives/"):
		c.handleArchive(w, r)
	default:
		http.Error(w, "unexpected request", http.StatusNotFound)
	}
}

func (c *Central) handlePresign(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		EventID  string `json:"event_id"`
		UploadID string `json:"upload_id"`
	}
	_ = json.Unmarshal(body, &req)

	if c.opts.RejectPresign {
		c.record(Operation{Kind: "presign", EventID: req.EventID, UploadID: req.UploadID, Body: body, Status: http.StatusBadRequest})
		http.Error(w, "presign rejected", http.StatusBadRequest)
		return
	}
	c.mu.Lock()
	c.presignErr++
	attempt := c.presignErr
	c.mu.Unlock()
	if attempt <= c.opts.FailPresigns {
		c.record(Operation{Kind: "presign", EventID: req.EventID, UploadID: req.UploadID, Body: body, Status: http.StatusServiceUnavailable})
		http.Error(w, "presign unavailable", http.StatusServiceUnavailable)
		return
	}

	uploadID := req.UploadID
	if c.opts.ServerUploadID != "" {
		uploadID = c.opts.ServerUploadID
	}
	c.record(Operation{Kind: "presign", EventID: req.EventID, UploadID: uploadID, Body: body, Status: http.StatusOK})
	writeJSON(w, map[string]string{
		"upload_id":  uploadID,
		"upload_url": c.server.URL + "/put/" + uploadID,
		"final_url":  "https://cdn.example.com/clips/" + uploadID + ".mp4",
	})
}

func (c *Central) handlePut(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	uploadID := strings.TrimPrefix(r.URL.Path, "/put/")
	checksum := r.Header.Get("x-amz-checksum-sha256")

	c.mu.Lock()
	c.putErr++
	attempt := c.putErr
	c.mu.Unlock()
	if attempt <= c.opts.FailPuts {
		c.record(Operation{Kind: "put", UploadID: uploadID, Checksum: checksum, Body: body, Status: http.StatusBadGateway})
		http.Error(w, "storage unavailable", http.StatusBadGateway)
		return
	}
	c.record(Operation{Kind: "put", UploadID: uploadID, Checksum: checksum, Body: body, Status: http.StatusOK})
	w.WriteHeader(http.StatusOK)
}

func (c *Central) handleComplete(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var req struct {
		UploadID string `json:"upload_id"`
		Checksum string `json:"checksum"`
	}
	_ = json.Unmarshal(body, &req)
	c.record(Operation{Kind: "complete", EventID: r.Header.Get("Event-ID"), UploadID: req.UploadID, Checksum: req.Checksum, Body: body, Status: http.StatusOK})
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *Central) handleMetadata(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var doc map[string]interface{}
	_ = json.Unmarshal(body, &doc)
	eventID, _ := doc["event_id"].(string)
	c.record(Operation{Kind: "metadata", EventID: eventID, Body: body, Status: http.StatusOK})
	writeJSON(w, map[string]string{"status": "ok"})
}

func (c *Central) handlePackages(w http.ResponseWriter, r *http.Request) {
	c.record(Operation{Kind: "packages", Body: []byte(r.URL.RawQuery), Status: http.StatusOK})
	if c.opts.Packages == nil {
		writeJSON(w, []map[string]interface{}{})
		return
	}
	writeJSON(w, c.opts.Packages)
}

func (c *Central) handleManifest(w http.ResponseWriter, r *http.Request) {
	c.record(Operation{Kind: "manifest", Status: http.StatusOK})
	if c.opts.Manifest == nil {
		writeJSON(w, map[string]interface{}{"kb_version": "0.0.0"})
		return
	}
	writeJSON(w, c.opts.Manifest)
}

func (c *Central) handleArchive(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/archives/")
	c.mu.Lock()
	data, ok := c.opts.Archives[name]
	c.mu.Unlock()
	if !ok {
		c.record(Operation{Kind: "archive", Status: http.StatusNotFound})
		http.Error(w, fmt.Sprintf("unknown archive %q", name), http.StatusNotFound)
		return
	}
	c.record(Operation{Kind: "archive", Status: http.StatusOK})
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
