package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// IngestClient is the production ClipService: it calls the local ingest
// service, which extracts the clip and submits it to the aggregator.
type IngestClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

func NewIngestClient(baseURL string) *IngestClient {
	return &IngestClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		// Extraction stitches segment files, so allow well past an API call.
		HTTPClient: &http.Client{Timeout: 2 * time.Minute},
	}
}

func (c *IngestClient) RequestClip(ctx context.Context, cameraID string, from, to time.Time) (ClipResult, error) {
	payload, err := json.Marshal(map[string]string{
		"camera_id": cameraID,
		"from":      from.UTC().Format(time.RFC3339),
		"to":        to.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return ClipResult{}, fmt.Errorf("encode clip request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/clips/extract", bytes.NewReader(payload))
	if err != nil {
		return ClipResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return ClipResult{}, fmt.Errorf("request clip: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusCreated {
		return ClipResult{}, fmt.Errorf("ingest rejected clip request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var parsed struct {
		ClipPath string `json:"clip_path"`
		EventID  string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return ClipResult{}, fmt.Errorf("decode ingest response: %w", err)
	}
	return ClipResult{ClipPath: parsed.ClipPath, EventID: parsed.EventID}, nil
}
