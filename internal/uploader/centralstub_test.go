package uploader

import (
	"encoding/json"
	"testing"

	"vss-edge/internal/config"
	"vss-edge/internal/store"
	"vss-edge/internal/testsupport/centralstub"
)

func stubClient(t *testing.T, stub *centralstub.Central, maxRetries, backoffSeconds int) (*Client, config.UploadConfig) {
	t.Helper()
	uploadCfg := config.UploadConfig{
		PresignedEndpoint:      "/presign",
		UploadCompleteEndpoint: "/complete",
		MetadataEndpoint:       "/metadata",
		MaxRetries:             maxRetries,
		RetryBackoffSeconds:    backoffSeconds,
	}
	client, err := NewClient(config.NetworkConfig{APIBase: stub.BaseURL(), APITimeoutSeconds: 5}, uploadCfg)
	if err != nil {
		t.Fatalf("build client: %v", err)
	}
	return client, uploadCfg
}

func TestFullProtocolAgainstCentralStub(t *testing.T) {
	stub := centralstub.Start(centralstub.Options{ServerUploadID: "srv-upload-11"})
	defer stub.Close()

	client, uploadCfg := stubClient(t, stub, 3, 1)
	repo := newFakeRepo()
	clipPath := writeClip(t)
	document, _ := json.Marshal(map[string]interface{}{
		"event_id": "evt-20251116-0009", "camera_id": "cam-2",
		"event_type": "vehicle_detected", "clip_path": clipPath,
	})
	uploadID := repo.seed("evt-20251116-0009", clipPath, document)

	proc := newTestProcessor(repo, client, uploadCfg)
	proc.RunOnce(uploadID)

	row := repo.upload(t, "srv-upload-11")
	if row.Status != store.StatusUploaded {
		t.Fatalf("expected UPLOADED, got %s", row.Status)
	}

	// The stub saw the four steps in protocol order.
	var kinds []string
	for _, op := range stub.Operations() {
		kinds = append(kinds, op.Kind)
	}
	want := []string{"presign", "put", "complete", "metadata"}
	if len(kinds) != len(want) {
		t.Fatalf("operations %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("operations %v, want %v", kinds, want)
		}
	}

	puts := stub.OperationsOf("put")
	if string(puts[0].Body) != mockClipContent {
		t.Errorf("PUT body %q", puts[0].Body)
	}
	if puts[0].Checksum == "" || puts[0].Checksum != row.Checksum.String {
		t.Errorf("PUT checksum %q, stored %q", puts[0].Checksum, row.Checksum.String)
	}
	if meta := stub.OperationsOf("metadata"); meta[0].EventID != "evt-20251116-0009" {
		t.Errorf("metadata event id %q", meta[0].EventID)
	}
}

func TestTransientPresignRetriedAgainstCentralStub(t *testing.T) {
	stub := centralstub.Start(centralstub.Options{FailPresigns: 1})
	defer stub.Close()

	client, uploadCfg := stubClient(t, stub, 3, 1)
	repo := newFakeRepo()
	clipPath := writeClip(t)
	document, _ := json.Marshal(map[string]interface{}{
		"event_id": "evt-20251116-0010", "camera_id": "cam-2",
		"event_type": "person_detected", "clip_path": clipPath,
	})
	uploadID := repo.seed("evt-20251116-0010", clipPath, document)

	proc := newTestProcessor(repo, client, uploadCfg)
	proc.RunOnce(uploadID)

	row := repo.upload(t, uploadID)
	if row.Status != store.StatusPendingUpload || row.Attempts != 1 {
		t.Fatalf("after transient failure: status %s attempts %d", row.Status, row.Attempts)
	}

	proc.RunOnce(uploadID)
	row = repo.upload(t, uploadID)
	if row.Status != store.StatusUploaded || row.Attempts != 1 {
		t.Fatalf("after retry: status %s attempts %d", row.Status, row.Attempts)
	}
	if got := len(stub.OperationsOf("presign")); got != 2 {
		t.Errorf("presign attempts %d, want 2", got)
	}
}
