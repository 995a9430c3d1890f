// Package controlplane connects the edge device to the central message bus.
// It publishes heartbeats and event summaries and serves on-demand clip
// extraction requests arriving on the device control topic.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vss-edge/internal/config"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
)

// Bus is the message-bus surface the client uses. Production wraps paho;
// tests substitute a recording fake.
type Bus interface {
	Connect(ctx context.Context) error
	Publish(topic string, payload []byte) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Disconnect()
}

// ClipResult describes a served clip request: where the clip landed and the
// event it re-entered the pipeline as.
type ClipResult struct {
	ClipPath string
	EventID  string
}

// ClipService extracts a clip for [from, to) and submits it to the
// aggregator as a new event. Production talks to the ingest service over
// HTTP; tests substitute a fake.
type ClipService interface {
	RequestClip(ctx context.Context, cameraID string, from, to time.Time) (ClipResult, error)
}

// Repository is the store surface used to persist heartbeat state. The
// merge keeps the version entries other services record (installed model
// and package versions) intact.
type Repository interface {
	MergeDeviceVersions(ctx context.Context, deviceID string, updates map[string]string) error
}

// controlMessage is one command on the device control topic.
type controlMessage struct {
	Action    string `json:"action"`
	CameraID  string `json:"camera_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	RequestID string `json:"request_id"`
}

// Heartbeat is the periodic device status report.
type Heartbeat struct {
	DeviceID        string  `json:"device_id"`
	DeviceVersion   string  `json:"device_version"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	FreeDiskPercent float64 `json:"free_disk_percent"`
	GPUTempC        float64 `json:"gpu_temp_c"`
}

// ClientConfig assembles a control-plane Client.
type ClientConfig struct {
	DeviceID          string
	TenantID          string
	DeviceVersion     string
	Network           config.NetworkConfig
	Bus               Bus
	Clips             ClipService
	Store             Repository
	FreeDiskPercent   func() float64
	GPUTempC          func() float64
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

type outboundMessage struct {
	topic   string
	payload []byte
}

// Client owns the bus connection. The network loop runs on its own task;
// publishes from other tasks go through the outbox queue.
type Client struct {
	deviceID      string
	tenantID      string
	deviceVersion string
	topicPrefix   string
	bus           Bus
	clips         ClipService
	repo          Repository
	freeDisk      func() float64
	gpuTemp       func() float64
	interval      time.Duration
	logger        *slog.Logger
	metrics       *metrics.Recorder
	outbox        chan outboundMessage
	started       time.Time
}

const defaultHeartbeatInterval = 60 * time.Second

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Bus == nil {
		return nil, errors.New("controlplane: bus is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	prefix := cfg.Network.MQTTTopicPrefix
	if prefix == "" {
		prefix = "vss/events"
	}
	freeDisk := cfg.FreeDiskPercent
	if freeDisk == nil {
		freeDisk = func() float64 { return 0 }
	}
	gpuTemp := cfg.GPUTempC
	if gpuTemp == nil {
		gpuTemp = func() float64 { return 0 }
	}
	return &Client{
		deviceID:      cfg.DeviceID,
		tenantID:      cfg.TenantID,
		deviceVersion: cfg.DeviceVersion,
		topicPrefix:   prefix,
		bus:           cfg.Bus,
		clips:         cfg.Clips,
		repo:          cfg.Store,
		freeDisk:      freeDisk,
		gpuTemp:       gpuTemp,
		interval:      interval,
		logger:        logging.WithComponent(logger, "controlplane"),
		metrics:       recorder,
		outbox:        make(chan outboundMessage, 64),
		started:       time.Now(),
	}, nil
}

// ControlTopic is the command topic for this device.
func (c *Client) ControlTopic() string {
	return "vss/control/" + c.deviceID
}

// HeartbeatTopic is where the device reports liveness.
func (c *Client) HeartbeatTopic() string {
	return "vss/heartbeat/" + c.deviceID
}

// SummaryTopic is the event-summary topic for one camera.
func (c *Client) SummaryTopic(cameraID string) string {
	return c.topicPrefix + "/" + c.tenantID + "/" + cameraID
}

// Run connects, subscribes, and serves heartbeats and the outbox until ctx
// is cancelled.
func (c *Client) Run(ctx context.Context) error {
	if err := c.bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect message bus: %w", err)
	}
	defer c.bus.Disconnect()

	if err := c.bus.Subscribe(c.ControlTopic(), func(topic string, payload []byte) {
		c.handleControl(ctx, payload)
	}); err != nil {
		return fmt.Errorf("subscribe %s: %w", c.ControlTopic(), err)
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.publishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.publishHeartbeat(ctx)
		case msg := <-c.outbox:
			if err := c.bus.Publish(msg.topic, msg.payload); err != nil {
				c.logger.Error("publish failed", "topic", msg.topic, "error", err)
			}
		}
	}
}

// PublishEventSummary enqueues an event summary for one camera. It never
// blocks the caller; when the outbox is full the summary is dropped.
func (c *Client) PublishEventSummary(cameraID string, summary interface{}) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encode event summary: %w", err)
	}
	select {
	case c.outbox <- outboundMessage{topic: c.SummaryTopic(cameraID), payload: payload}:
		return nil
	default:
		return errors.New("controlplane: outbox full, summary dropped")
	}
}

func (c *Client) publishHeartbeat(ctx context.Context) {
	hb := Heartbeat{
		DeviceID:        c.deviceID,
		DeviceVersion:   c.deviceVersion,
		UptimeSeconds:   int64(time.Since(c.started).Seconds()),
		FreeDiskPercent: c.freeDisk(),
		GPUTempC:        c.gpuTemp(),
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		c.logger.Error("encode heartbeat", "error", err)
		return
	}
	if err := c.bus.Publish(c.HeartbeatTopic(), payload); err != nil {
		c.metrics.ObserveHeartbeat("error")
		c.logger.Error("publish heartbeat failed", "error", err)
		return
	}
	c.metrics.ObserveHeartbeat("ok")
	if c.repo != nil {
		if err := c.repo.MergeDeviceVersions(ctx, c.deviceID, map[string]string{"agent": c.deviceVersion}); err != nil {
			c.logger.Error("persist heartbeat failed", "error", err)
		}
	}
}

// handleControl dispatches one command from the control topic. Malformed or
// unknown commands are logged and dropped.
func (c *Client) handleControl(ctx context.Context, payload []byte) {
	var msg controlMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		c.logger.Warn("malformed control message", "error", err)
		return
	}
	switch msg.Action {
	case "request_clip":
		c.handleClipRequest(ctx, msg)
	default:
		c.logger.Warn("unknown control action", "action", msg.Action, "request_id", msg.RequestID)
	}
}

// clipResult is published back on the control result topic after a clip
// request completes.
type clipResult struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	EventID   string `json:"event_id,omitempty"`
	ClipPath  string `json:"clip_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (c *Client) handleClipRequest(ctx context.Context, msg controlMessage) {
	logger := c.logger.With("request_id", msg.RequestID, "camera_id", msg.CameraID)

	result := clipResult{RequestID: msg.RequestID, Status: "ok"}
	from, errFrom := time.Parse(time.RFC3339, msg.From)
	to, errTo := time.Parse(time.RFC3339, msg.To)
	switch {
	case errFrom != nil || errTo != nil:
		result.Status = "error"
		result.Error = "invalid time window"
	case c.clips == nil:
		result.Status = "error"
		result.Error = "clip extraction not available"
	default:
		ctx = logging.ContextWithCameraID(ctx, msg.CameraID)
		served, err := c.clips.RequestClip(ctx, msg.CameraID, from, to)
		if err != nil {
			result.Status = "error"
			result.Error = err.Error()
			break
		}
		result.ClipPath = served.ClipPath
		result.EventID = served.EventID
	}

	if result.Status == "ok" {
		logger.Info("clip request served", "event_id", result.EventID, "clip_path", result.ClipPath)
	} else {
		logger.Warn("clip request failed", "error", result.Error)
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	select {
	case c.outbox <- outboundMessage{topic: c.ControlTopic() + "/result", payload: payload}:
	default:
		logger.Error("outbox full, clip result dropped")
	}
}
