package metrics

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPMiddlewareRecordsRequests(t *testing.T) {
	recorder := New()
	handler := HTTPMiddleware(recorder, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/events/evt-20250101-121212-ab12", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	var buf bytes.Buffer
	recorder.Write(&buf)
	body := buf.String()

	expected := `vss_http_requests_total{method="GET",path="/events/:id",status="418"} 1`
	if !strings.Contains(body, expected) {
		t.Fatalf("expected metrics output to contain %q, got %q", expected, body)
	}
}

func TestHTTPMiddlewareFallsBackToDefaultRecorder(t *testing.T) {
	Default().Reset()
	t.Cleanup(func() { Default().Reset() })

	handler := HTTPMiddleware(nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodDelete, "/health", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var buf bytes.Buffer
	Default().Write(&buf)

	expected := `vss_http_requests_total{method="DELETE",path="/health",status="204"} 1`
	if !strings.Contains(buf.String(), expected) {
		t.Fatalf("expected default recorder to capture request, got %q", buf.String())
	}
}
