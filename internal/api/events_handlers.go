package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"vss-edge/internal/observability/logging"
	"vss-edge/internal/store"
)

// EventDocument is the producer-facing event shape. Unknown fields are
// preserved verbatim in Extra so the stored document stays opaque.
type EventDocument struct {
	EventID         string   `json:"event_id,omitempty"`
	TenantID        string   `json:"tenant_id,omitempty"`
	DeviceID        string   `json:"device_id,omitempty"`
	CameraID        string   `json:"camera_id"`
	Timestamp       string   `json:"timestamp"`
	EventType       string   `json:"event_type"`
	Objects         []string `json:"objects,omitempty"`
	DenseCaption    string   `json:"dense_caption,omitempty"`
	AudioTranscript string   `json:"audio_transcript,omitempty"`
	ClipPath        string   `json:"clip_path"`
	Confidence      float64  `json:"confidence"`

	Extra map[string]json.RawMessage `json:"-"`
}

type eventDocumentAlias EventDocument

var knownEventFields = map[string]struct{}{
	"event_id": {}, "tenant_id": {}, "device_id": {}, "camera_id": {},
	"timestamp": {}, "event_type": {}, "objects": {}, "dense_caption": {},
	"audio_transcript": {}, "clip_path": {}, "confidence": {},
}

// UnmarshalJSON keeps fields this agent does not recognise instead of
// dropping them on the floor.
func (d *EventDocument) UnmarshalJSON(data []byte) error {
	var alias eventDocumentAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for field := range raw {
		if _, known := knownEventFields[field]; known {
			delete(raw, field)
		}
	}
	*d = EventDocument(alias)
	if len(raw) > 0 {
		d.Extra = raw
	}
	return nil
}

// MarshalJSON flattens the recognised fields and the preserved extras into a
// single object.
func (d EventDocument) MarshalJSON() ([]byte, error) {
	base, err := json.Marshal(eventDocumentAlias(d))
	if err != nil {
		return nil, err
	}
	if len(d.Extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for field, value := range d.Extra {
		merged[field] = value
	}
	return json.Marshal(merged)
}

// newEventID produces a device-assigned identifier of the form
// evt-YYYYMMDD-HHMMSS-<4 hex>.
func (h *Handler) newEventID() string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return fmt.Sprintf("evt-%s-%s", h.clock().UTC().Format("20060102-150405"), suffix)
}

type newEventResponse struct {
	EventID   string `json:"event_id"`
	UploadID  string `json:"upload_id"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

// NewEvent accepts a producer event, assigns an event ID when the producer
// did not bring one, stamps the device identity, and enqueues the two-row
// insert.
func (h *Handler) NewEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var doc EventDocument
	if err := decodeJSON(r, &doc, false); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode event: %w", err))
		return
	}
	if strings.TrimSpace(doc.CameraID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("camera_id is required"))
		return
	}
	if strings.TrimSpace(doc.EventType) == "" {
		writeError(w, http.StatusBadRequest, errors.New("event_type is required"))
		return
	}
	if strings.TrimSpace(doc.ClipPath) == "" {
		writeError(w, http.StatusBadRequest, errors.New("clip_path is required"))
		return
	}
	if doc.Confidence < 0 || doc.Confidence > 1 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("confidence %v outside [0,1]", doc.Confidence))
		return
	}

	if strings.TrimSpace(doc.EventID) == "" {
		doc.EventID = h.newEventID()
	}
	doc.TenantID = h.Identity.TenantID
	doc.DeviceID = h.Identity.DeviceID
	if strings.TrimSpace(doc.Timestamp) == "" {
		doc.Timestamp = h.clock().UTC().Format("2006-01-02T15:04:05Z07:00")
	}

	document, err := json.Marshal(doc)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("encode event: %w", err))
		return
	}

	ctx := logging.ContextWithCameraID(r.Context(), doc.CameraID)
	uploadID, err := h.Store.InsertEvent(ctx, doc.EventID, document, doc.ClipPath)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			writeError(w, http.StatusConflict, err)
			return
		}
		logging.WithContext(ctx, h.Logger).Error("insert event failed", "event_id", doc.EventID, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	logging.WithContext(ctx, h.Logger).Info("event enqueued", "event_id", doc.EventID, "upload_id", uploadID)
	writeJSON(w, http.StatusCreated, newEventResponse{
		EventID:   doc.EventID,
		UploadID:  uploadID,
		Status:    store.StatusPendingUpload,
		CreatedAt: h.clock().Unix(),
	})
}

// PendingUploads returns up to limit rows still waiting for the uploader.
func (h *Handler) PendingUploads(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	uploads, err := h.Store.ListPendingUploads(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": uploads})
}

type markStatusRequest struct {
	UploadID string  `json:"upload_id"`
	Status   string  `json:"status"`
	FinalURL *string `json:"final_url,omitempty"`
	Checksum *string `json:"checksum,omitempty"`
	Attempts *int    `json:"attempts,omitempty"`
}

// MarkStatus applies an uploader-reported status transition to a row.
func (h *Handler) MarkStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	var req markStatusRequest
	if err := decodeJSON(r, &req, true); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if strings.TrimSpace(req.UploadID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("upload_id is required"))
		return
	}
	switch req.Status {
	case store.StatusProcessing, store.StatusUploaded, store.StatusFailed:
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("status %q not in {PROCESSING, UPLOADED, FAILED}", req.Status))
		return
	}
	if req.Attempts != nil && *req.Attempts < 0 {
		writeError(w, http.StatusBadRequest, errors.New("attempts must be non-negative"))
		return
	}

	ctx := logging.ContextWithUploadID(r.Context(), req.UploadID)
	err := h.Store.UpdateUpload(ctx, req.UploadID, store.UploadUpdate{
		Status:   req.Status,
		FinalURL: req.FinalURL,
		Checksum: req.Checksum,
		Attempts: req.Attempts,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		logging.WithContext(ctx, h.Logger).Error("mark status failed", "status", req.Status, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	logging.WithContext(ctx, h.Logger).Info("upload status updated", "status", req.Status)
	writeJSON(w, http.StatusOK, map[string]string{"upload_id": req.UploadID, "status": req.Status})
}
