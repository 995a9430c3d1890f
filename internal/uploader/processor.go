// Package uploader drains the pending-upload queue and drives the four-step
// upload protocol against the central API. It is the sole owner of the upload
// state machine; the aggregator only records what the uploader reports.
package uploader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vss-edge/internal/backoff"
	"vss-edge/internal/config"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/store"
)

// Repository is the slice of the store the uploader needs.
type Repository interface {
	ListPendingUploads(ctx context.Context, limit int) ([]store.PendingUpload, error)
	GetUpload(ctx context.Context, uploadID string) (store.PendingUpload, error)
	GetEvent(ctx context.Context, eventID string) (store.Event, error)
	LeaseUpload(ctx context.Context, uploadID string) (bool, error)
	ReplaceUploadID(ctx context.Context, oldID, newID string) error
	UpdateUpload(ctx context.Context, uploadID string, update store.UploadUpdate) error
	RecoverStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ProcessorConfig assembles a Processor.
type ProcessorConfig struct {
	Store             Repository
	Central           Central
	Identity          Identity
	Upload            config.UploadConfig
	Workers           int
	QueueSize         int
	PollInterval      time.Duration
	RecoveryThreshold time.Duration
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
}

// Identity is stamped into every presign request.
type Identity struct {
	TenantID string
	DeviceID string
}

// Processor runs W concurrent upload transactions over the pending queue.
type Processor struct {
	store             Repository
	central           Central
	identity          Identity
	maxRetries        int
	retryBase         time.Duration
	workers           int
	pollInterval      time.Duration
	recoveryThreshold time.Duration
	logger            *slog.Logger
	metrics           *metrics.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	queue chan string
	wg    sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

const (
	defaultWorkers           = 2
	defaultQueueSize         = 64
	defaultPollInterval      = 5 * time.Second
	defaultRecoveryThreshold = 15 * time.Minute
)

func NewProcessor(cfg ProcessorConfig) *Processor {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	recovery := cfg.RecoveryThreshold
	if recovery <= 0 {
		recovery = defaultRecoveryThreshold
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	maxRetries := cfg.Upload.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	retryBase := time.Duration(cfg.Upload.RetryBackoffSeconds) * time.Second
	if retryBase <= 0 {
		retryBase = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store:             cfg.Store,
		central:           cfg.Central,
		identity:          cfg.Identity,
		maxRetries:        maxRetries,
		retryBase:         retryBase,
		workers:           workers,
		pollInterval:      pollInterval,
		recoveryThreshold: recovery,
		logger:            logging.WithComponent(logger, "uploader"),
		metrics:           recorder,
		ctx:               ctx,
		cancel:            cancel,
		queue:             make(chan string, queueSize),
		inFlight:          make(map[string]struct{}),
	}
}

// Start recovers abandoned rows, launches the workers, and begins polling.
func (p *Processor) Start() {
	if p == nil {
		return
	}
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if n, err := p.store.RecoverStale(p.ctx, p.recoveryThreshold); err != nil {
		p.logger.Error("stale upload recovery failed", "error", err)
	} else if n > 0 {
		p.logger.Info("recovered abandoned uploads", "count", n)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	p.wg.Add(1)
	go p.poll()
}

// Shutdown stops polling and waits for in-flight transactions, bounded by ctx.
func (p *Processor) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue hands an upload id to the worker pool without blocking shutdown.
func (p *Processor) Enqueue(id string) {
	if p == nil || strings.TrimSpace(id) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- id:
	case <-p.ctx.Done():
	}
}

func (p *Processor) poll() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.pollOnce()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

func (p *Processor) pollOnce() {
	uploads, err := p.store.ListPendingUploads(p.ctx, 100)
	if err != nil {
		p.logger.Error("list pending uploads failed", "error", err)
		return
	}
	for _, upload := range uploads {
		p.Enqueue(upload.UploadID)
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			if strings.TrimSpace(id) == "" {
				continue
			}
			if !p.beginWork(id) {
				continue
			}
			p.runTransaction(id)
			p.finishWork(id)
		}
	}
}

func (p *Processor) beginWork(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[id]; exists {
		return false
	}
	p.inFlight[id] = struct{}{}
	return true
}

func (p *Processor) finishWork(id string) {
	p.mu.Lock()
	delete(p.inFlight, id)
	p.mu.Unlock()
}

// RunOnce executes a single upload transaction synchronously. It exists for
// the poll loop's workers and for tests that drive one row at a time.
func (p *Processor) RunOnce(id string) {
	if p.beginWork(id) {
		p.runTransaction(id)
		p.finishWork(id)
	}
}

func (p *Processor) runTransaction(id string) {
	ctx := logging.ContextWithUploadID(p.ctx, id)

	leased, err := p.store.LeaseUpload(ctx, id)
	if err != nil {
		p.logger.Error("lease failed", "upload_id", id, "error", err)
		return
	}
	if !leased {
		return
	}

	upload, err := p.store.GetUpload(ctx, id)
	if err != nil {
		p.logger.Error("load leased upload failed", "upload_id", id, "error", err)
		return
	}
	logger := logging.WithContext(ctx, p.logger).With("event_id", upload.EventID, "attempt", upload.Attempts)

	p.metrics.UploadStarted()

	// Missing clip file is terminal before any network traffic.
	info, err := os.Stat(upload.Filepath)
	if err != nil || info.IsDir() {
		logger.Error("clip file missing", "step", "verify", "filepath", upload.Filepath)
		p.failWithAttempts(ctx, upload, "verify", upload.Attempts+1)
		return
	}

	checksum, err := fileSHA256(upload.Filepath)
	if err != nil {
		logger.Error("checksum failed", "step", "verify", "error", err)
		p.failWithAttempts(ctx, upload, "verify", upload.Attempts+1)
		return
	}
	if err := p.store.UpdateUpload(ctx, upload.UploadID, store.UploadUpdate{
		Status:   store.StatusProcessing,
		Checksum: &checksum,
	}); err != nil {
		logger.Error("persist checksum failed", "error", err)
		p.metrics.UploadFinished("verify", "error")
		return
	}
	upload.Checksum.String = checksum
	upload.Checksum.Valid = true

	finalURL, stepErr := p.runProtocol(ctx, &upload, info.Size(), logger)
	if stepErr != nil {
		p.settleFailure(ctx, upload, stepErr, logger)
		return
	}

	if err := p.store.UpdateUpload(ctx, upload.UploadID, store.UploadUpdate{
		Status:   store.StatusUploaded,
		FinalURL: &finalURL,
	}); err != nil {
		logger.Error("persist UPLOADED failed", "error", err)
		p.metrics.UploadFinished("metadata", "error")
		return
	}
	logger.Info("upload complete", "step", "done", "outcome", "uploaded", "final_url", finalURL)
	p.metrics.UploadFinished("metadata", "uploaded")
}

// runProtocol performs the four ordered HTTP steps, updating the stored
// upload id in place when presign assigns a server-side one.
func (p *Processor) runProtocol(ctx context.Context, upload *store.PendingUpload, size int64, logger *slog.Logger) (string, *StepError) {
	presign, err := p.central.Presign(ctx, PresignRequest{
		TenantID:    p.identity.TenantID,
		DeviceID:    p.identity.DeviceID,
		EventID:     upload.EventID,
		Filename:    filepath.Base(upload.Filepath),
		SizeBytes:   size,
		ContentType: ContentTypeFor(upload.Filepath),
	})
	if err != nil {
		return "", asStepError("presign", err)
	}
	logger.Info("presign ok", "step", "presign", "outcome", "ok")

	if serverID := strings.TrimSpace(presign.UploadID); serverID != "" && serverID != upload.UploadID {
		if err := p.store.ReplaceUploadID(ctx, upload.UploadID, serverID); err != nil {
			logger.Error("replace upload id failed", "server_upload_id", serverID, "error", err)
			return "", &StepError{Step: "presign", Err: err}
		}
		logger.Info("upload id replaced", "step", "presign", "server_upload_id", serverID)
		upload.UploadID = serverID
	}

	if err := p.central.Put(ctx, presign.UploadURL, upload.Filepath, upload.Checksum.String); err != nil {
		return "", asStepError("put", err)
	}
	logger.Info("clip uploaded", "step", "put", "outcome", "ok", "size_bytes", size)

	if err := p.central.Complete(ctx, CompleteRequest{
		UploadID: upload.UploadID,
		EventID:  upload.EventID,
		FinalURL: presign.FinalURL,
		Checksum: upload.Checksum.String,
	}); err != nil {
		return "", asStepError("complete", err)
	}
	logger.Info("upload completed", "step", "complete", "outcome", "ok")

	document, err := p.metadataDocument(ctx, upload, presign.FinalURL)
	if err != nil {
		return "", &StepError{Step: "metadata", Err: err}
	}
	if err := p.central.Metadata(ctx, upload.EventID, document); err != nil {
		return "", asStepError("metadata", err)
	}
	logger.Info("metadata submitted", "step", "metadata", "outcome", "ok")

	return presign.FinalURL, nil
}

// metadataDocument augments the stored event document with the upload result.
func (p *Processor) metadataDocument(ctx context.Context, upload *store.PendingUpload, finalURL string) ([]byte, error) {
	event, err := p.store.GetEvent(ctx, upload.EventID)
	if err != nil {
		return nil, fmt.Errorf("load event document: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(event.Document, &doc); err != nil {
		return nil, fmt.Errorf("stored event document is not valid JSON: %w", err)
	}
	clipURL, _ := json.Marshal(finalURL)
	uploadID, _ := json.Marshal(upload.UploadID)
	doc["clip_url"] = clipURL
	doc["upload_id"] = uploadID
	return json.Marshal(doc)
}

// settleFailure decides between retry and terminal failure for a failed
// transaction. Attempts count failed transactions and only ever grow.
func (p *Processor) settleFailure(ctx context.Context, upload store.PendingUpload, stepErr *StepError, logger *slog.Logger) {
	attempts := upload.Attempts + 1

	if stepErr.Permanent() {
		logger.Error("permanent failure", "step", stepErr.Step, "outcome", "failed", "error", stepErr)
		p.failWithAttempts(ctx, upload, stepErr.Step, attempts)
		return
	}

	if attempts >= p.maxRetries {
		logger.Error("retries exhausted", "step", stepErr.Step, "outcome", "failed", "attempts", attempts, "error", stepErr)
		p.failWithAttempts(ctx, upload, stepErr.Step, attempts)
		return
	}

	delay := backoff.Delay(p.retryBase, attempts, backoff.Cap)
	logger.Warn("transient failure, will retry", "step", stepErr.Step, "outcome", "retry",
		"attempts", attempts, "backoff", delay.String(), "error", stepErr)
	p.metrics.ObserveRetrySleep("uploader")
	p.metrics.UploadFinished(stepErr.Step, "retry")

	if !backoff.Sleep(p.ctx.Done(), p.retryBase, attempts, backoff.Cap) {
		// Shutting down mid-backoff: leave the row in PROCESSING for the
		// startup recovery pass.
		return
	}

	if err := p.store.UpdateUpload(ctx, upload.UploadID, store.UploadUpdate{
		Status:   store.StatusPendingUpload,
		Attempts: &attempts,
	}); err != nil {
		logger.Error("requeue after backoff failed", "error", err)
	}
}

func (p *Processor) failWithAttempts(ctx context.Context, upload store.PendingUpload, step string, attempts int) {
	if err := p.store.UpdateUpload(ctx, upload.UploadID, store.UploadUpdate{
		Status:   store.StatusFailed,
		Attempts: &attempts,
	}); err != nil {
		p.logger.Error("persist FAILED failed", "upload_id", upload.UploadID, "error", err)
		return
	}
	p.metrics.UploadFinished(step, "failed")
}

func asStepError(step string, err error) *StepError {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}
	return &StepError{Step: step, Err: err}
}

func fileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open clip for checksum: %w", err)
	}
	defer file.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash clip: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
