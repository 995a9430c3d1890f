// Package rtsp resolves camera IDs to RTSP URLs from the device
// configuration. ONVIF probing is out of scope; the per-NVR URL template is
// the authoritative fallback.
package rtsp

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"vss-edge/internal/config"
)

// FormatURL expands the template placeholders {username}, {password},
// {host}, and {index} for one camera on an NVR.
func FormatURL(template string, nvr config.NVRConfig, cameraIndex int) (string, error) {
	if strings.TrimSpace(template) == "" {
		return "", fmt.Errorf("rtsp template is empty")
	}
	replacer := strings.NewReplacer(
		"{username}", nvr.Username,
		"{password}", nvr.Password,
		"{host}", nvr.Host,
		"{index}", strconv.Itoa(cameraIndex),
	)
	url := replacer.Replace(template)
	if strings.Contains(url, "{") {
		return "", fmt.Errorf("rtsp template %q contains unknown placeholder", template)
	}
	return url, nil
}

// Resolve builds the camera_id -> RTSP URL map for every camera on every
// configured NVR. Cameras whose template cannot be expanded are skipped and
// logged; callers decide whether a partial map is fatal.
func Resolve(nvrs []config.NVRConfig, logger *slog.Logger) map[string]string {
	if logger == nil {
		logger = slog.Default()
	}
	urls := make(map[string]string)
	for _, nvr := range nvrs {
		for _, cam := range nvr.Cameras {
			url, err := FormatURL(nvr.CameraRTSPTemplate, nvr, cam.Index)
			if err != nil {
				logger.Error("failed to resolve rtsp url", "nvr", nvr.Name, "camera_id", cam.ID, "error", err)
				continue
			}
			urls[cam.ID] = url
		}
	}
	return urls
}

// Redact masks credentials embedded in an RTSP URL for logs and status
// output.
func Redact(url string) string {
	at := strings.Index(url, "@")
	scheme := strings.Index(url, "://")
	if at == -1 || scheme == -1 || at < scheme {
		return url
	}
	return url[:scheme+3] + "***:***" + url[at:]
}
