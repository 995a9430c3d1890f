// Package syncworker keeps the local model directory and knowledge base in
// step with central. Each tick it polls the package endpoint for model
// updates and the manifest endpoint for KB deltas, verifies downloads
// (sha256 plus ed25519 signature), installs them with atomic directory
// swaps, and hot-reloads the inference service.
package syncworker

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vss-edge/internal/config"
	"vss-edge/internal/observability/logging"
	"vss-edge/internal/observability/metrics"
	"vss-edge/internal/store"
)

// Package is one model package advertised by central.
type Package struct {
	ID          string `json:"id"`
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA256      string `json:"sha256"`
	Signature   string `json:"signature"`
}

// kbManifest is the KB delta advertisement. delta_package_url is the
// canonical field; download_url is accepted as an alias. Checksum and
// signature are optional for KB deltas and verified only when present.
type kbManifest struct {
	KBVersion       string `json:"kb_version"`
	DeltaPackageURL string `json:"delta_package_url"`
	DownloadURL     string `json:"download_url"`
	SHA256          string `json:"sha256"`
	Signature       string `json:"signature"`
}

func (m kbManifest) packageURL() string {
	if m.DeltaPackageURL != "" {
		return m.DeltaPackageURL
	}
	return m.DownloadURL
}

// Repository is the store surface the sync worker needs.
type Repository interface {
	CurrentKBVersion(ctx context.Context) (string, error)
	RecordKBVersion(ctx context.Context, version string) error
	GetDeviceState(ctx context.Context, deviceID string) (store.DeviceState, error)
	MergeDeviceVersions(ctx context.Context, deviceID string, updates map[string]string) error
}

// WorkerConfig assembles a Worker.
type WorkerConfig struct {
	Store         Repository
	DeviceID      string
	ModelRoot     string
	Sync          config.SyncConfig
	ReloadBaseURL string
	PublicKey     ed25519.PublicKey
	HTTPClient    *http.Client
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
}

// Worker is the single-task sync loop.
type Worker struct {
	repo       Repository
	deviceID   string
	modelRoot  string
	cfg        config.SyncConfig
	reloadBase string
	publicKey  ed25519.PublicKey
	client     *http.Client
	logger     *slog.Logger
	metrics    *metrics.Recorder
	kick       chan struct{}
}

func NewWorker(cfg WorkerConfig) *Worker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	reloadBase := strings.TrimRight(cfg.ReloadBaseURL, "/")
	if reloadBase == "" {
		reloadBase = "http://localhost:8090"
	}
	return &Worker{
		repo:       cfg.Store,
		deviceID:   cfg.DeviceID,
		modelRoot:  cfg.ModelRoot,
		cfg:        cfg.Sync,
		reloadBase: reloadBase,
		publicKey:  cfg.PublicKey,
		client:     client,
		logger:     logging.WithComponent(logger, "sync"),
		metrics:    recorder,
		kick:       make(chan struct{}, 1),
	}
}

// Kick requests an out-of-schedule sync. It never blocks; a pending kick is
// collapsed into the next one.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	interval := time.Duration(w.cfg.PollIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.SyncOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("sync tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-w.kick:
		}
	}
}

// SyncOnce runs one full package-and-KB pass.
func (w *Worker) SyncOnce(ctx context.Context) error {
	var errs []error
	if err := w.syncPackages(ctx); err != nil {
		errs = append(errs, fmt.Errorf("packages: %w", err))
	}
	if err := w.syncKB(ctx); err != nil {
		errs = append(errs, fmt.Errorf("kb: %w", err))
	}
	return errors.Join(errs...)
}

// syncPackages installs every package central advertises beyond the current
// model version, sequentially so model-root mutation stays serialised.
func (w *Worker) syncPackages(ctx context.Context) error {
	if w.cfg.PackagesEndpoint == "" {
		return nil
	}
	since, err := w.currentVersion(ctx, "model")
	if err != nil {
		return err
	}
	endpoint := w.cfg.PackagesEndpoint + "?since=" + url.QueryEscape(since)
	var packages []Package
	if err := w.getJSON(ctx, endpoint, &packages); err != nil {
		w.metrics.ObserveSyncOutcome("package", "poll_error")
		return fmt.Errorf("poll packages: %w", err)
	}

	for _, pkg := range packages {
		if err := w.installPackage(ctx, pkg); err != nil {
			w.logger.Error("package install failed", "package_id", pkg.ID, "version", pkg.Version, "error", err)
			return err
		}
	}
	return nil
}

// installPackage is a transaction: after any failure in download, checksum,
// signature, extraction, or reload, the model root and store look as if the
// update had not been attempted.
func (w *Worker) installPackage(ctx context.Context, pkg Package) error {
	if pkg.ID == "" || pkg.Version == "" || pkg.DownloadURL == "" || pkg.SHA256 == "" || pkg.Signature == "" {
		w.metrics.ObserveSyncOutcome("package", "malformed")
		return fmt.Errorf("malformed package entry %+v", pkg)
	}
	logger := w.logger.With("package_id", pkg.ID, "version", pkg.Version)

	staged, cleanup, err := w.downloadAndVerify(ctx, "package", pkg.DownloadURL, pkg.SHA256, pkg.Signature)
	if err != nil {
		return err
	}
	defer cleanup()

	stagedDir, err := os.MkdirTemp(w.modelRoot, "."+pkg.ID+"-staged-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagedDir)
	if err := extractTarGz(staged, stagedDir); err != nil {
		w.metrics.ObserveSyncOutcome("package", "extract_error")
		return fmt.Errorf("extract package %s: %w", pkg.ID, err)
	}

	commit, rollback, err := installDir(stagedDir, filepath.Join(w.modelRoot, pkg.ID))
	if err != nil {
		w.metrics.ObserveSyncOutcome("package", "install_error")
		return err
	}
	if err := w.reload(ctx, pkg.Version); err != nil {
		rollback()
		w.metrics.ObserveSyncOutcome("package", "reload_error")
		return fmt.Errorf("reload after install of %s: %w", pkg.ID, err)
	}
	commit()

	if err := w.repo.MergeDeviceVersions(ctx, w.deviceID, map[string]string{pkg.ID: pkg.Version, "model": pkg.Version}); err != nil {
		logger.Error("record installed version failed", "error", err)
	}
	w.metrics.ObserveSyncOutcome("package", "installed")
	logger.Info("package installed")
	return nil
}

// syncKB applies the KB delta when the manifest advertises a version other
// than the store's current one.
func (w *Worker) syncKB(ctx context.Context) error {
	if w.cfg.KBManifestEndpoint == "" {
		return nil
	}
	var manifest kbManifest
	if err := w.getJSON(ctx, w.cfg.KBManifestEndpoint, &manifest); err != nil {
		w.metrics.ObserveSyncOutcome("kb", "poll_error")
		return fmt.Errorf("poll manifest: %w", err)
	}
	current, err := w.repo.CurrentKBVersion(ctx)
	if err != nil {
		return err
	}
	if manifest.KBVersion == "" || manifest.KBVersion == current {
		w.metrics.ObserveSyncOutcome("kb", "up_to_date")
		return nil
	}
	if manifest.packageURL() == "" {
		w.metrics.ObserveSyncOutcome("kb", "malformed")
		return fmt.Errorf("manifest for KB %s carries no delta URL", manifest.KBVersion)
	}

	staged, cleanup, err := w.downloadAndVerify(ctx, "kb", manifest.packageURL(), manifest.SHA256, manifest.Signature)
	if err != nil {
		return err
	}
	defer cleanup()

	stagedDir, err := os.MkdirTemp(w.modelRoot, ".kb-staged-")
	if err != nil {
		return fmt.Errorf("create staging directory: %w", err)
	}
	defer os.RemoveAll(stagedDir)
	if err := extractTarGz(staged, stagedDir); err != nil {
		w.metrics.ObserveSyncOutcome("kb", "extract_error")
		return fmt.Errorf("extract KB delta: %w", err)
	}

	commit, rollback, err := installDir(stagedDir, filepath.Join(w.modelRoot, "kb"))
	if err != nil {
		w.metrics.ObserveSyncOutcome("kb", "install_error")
		return err
	}
	if err := w.repo.RecordKBVersion(ctx, manifest.KBVersion); err != nil {
		rollback()
		w.metrics.ObserveSyncOutcome("kb", "record_error")
		return err
	}
	commit()
	w.metrics.ObserveSyncOutcome("kb", "installed")
	w.logger.Info("KB delta applied", "kb_version", manifest.KBVersion, "previous", current)
	return nil
}

// downloadAndVerify fetches url to a staging file inside the model root and
// checks sha256 and signature. The returned cleanup removes the staging file.
func (w *Worker) downloadAndVerify(ctx context.Context, kind, downloadURL, wantSHA256, signature string) (string, func(), error) {
	if err := os.MkdirAll(w.modelRoot, 0o755); err != nil {
		return "", nil, fmt.Errorf("prepare model root: %w", err)
	}
	staging, err := os.CreateTemp(w.modelRoot, ".download-*.tar.gz")
	if err != nil {
		return "", nil, fmt.Errorf("create staging file: %w", err)
	}
	cleanup := func() { _ = os.Remove(staging.Name()) }

	if err := w.download(ctx, downloadURL, staging); err != nil {
		staging.Close()
		cleanup()
		w.metrics.ObserveSyncOutcome(kind, "download_error")
		return "", nil, fmt.Errorf("download %s: %w", downloadURL, err)
	}
	if err := staging.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("flush staging file: %w", err)
	}
	if err := verifyArchive(w.publicKey, staging.Name(), wantSHA256, signature); err != nil {
		cleanup()
		switch {
		case errors.Is(err, ErrChecksumMismatch):
			w.metrics.ObserveSyncOutcome(kind, "checksum_mismatch")
		case errors.Is(err, ErrBadSignature):
			w.metrics.ObserveSyncOutcome(kind, "signature_invalid")
		}
		return "", nil, err
	}
	return staging.Name(), cleanup, nil
}

func (w *Worker) download(ctx context.Context, downloadURL string, dst io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	_, err = io.Copy(dst, resp.Body)
	return err
}

func (w *Worker) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// reload tells the local inference service to pick up the new version.
func (w *Worker) reload(ctx context.Context, version string) error {
	endpoint := w.reloadBase + "/_reload?new_version=" + url.QueryEscape(version)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reload returned status %d", resp.StatusCode)
	}
	return nil
}

// currentVersion reads one entry of the device's service-version map.
func (w *Worker) currentVersion(ctx context.Context, name string) (string, error) {
	st, err := w.repo.GetDeviceState(ctx, w.deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return "0.0.0", nil
	}
	if err != nil {
		return "", err
	}
	versions := map[string]string{}
	if len(st.Versions) > 0 {
		if err := json.Unmarshal(st.Versions, &versions); err != nil {
			return "", fmt.Errorf("decode device versions: %w", err)
		}
	}
	if v, ok := versions[name]; ok && v != "" {
		return v, nil
	}
	return "0.0.0", nil
}

