package httpServer

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"mtcsync/internal/auth"
	"mtcsync/internal/capture"
	"mtcsync/internal/metrics"
	"mtcsync/internal/session"
	"mtcsync/internal/storage"
	"mtcsync/pkg/models"
	"mtcsync/pkg/timecode"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithAuth(t, nil)
}

func newTestServerWithAuth(t *testing.T, authManager *auth.Manager) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStorage failed: %v", err)
	}
	sessions := session.New(session.Options{MaxSessions: 4, Metrics: m})
	recorder := capture.New(store, sessions, capture.Options{
		SegmentDuration: time.Hour,
		MaxSegments:     5,
		Metrics:         m,
	})
	t.Cleanup(func() {
		recorder.Close()
		sessions.Close()
	})

	return New(Options{
		Sessions:         sessions,
		Auth:             authManager,
		Recorder:         recorder,
		Metrics:          m,
		Gatherer:         reg,
		DefaultFrameRate: timecode.FPS25,
	})
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return doWithToken(t, s, method, path, body, "")
}

func doWithToken(t *testing.T, s *Server, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
	return v
}

// TestPing tests the ping endpoint
func TestPing(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/ping", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	if !strings.Contains(w.Body.String(), "pong") {
		t.Errorf("Expected pong, got %s", w.Body.String())
	}
}

// TestSessionLifecycle drives a session through create, locate, start, stop and close.
func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/sessions", models.CreateSessionRequest{Name: "stage"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	info := decode[models.SessionInfo](t, w)
	if info.FrameRate != "25" || info.MTCFrameRate != "25" || info.State != "idle" || info.Timecode != "00:00:00:00" {
		t.Errorf("Unexpected session %+v", info)
	}
	base := "/api/v1/sessions/" + info.ID

	w = do(t, s, http.MethodPost, base+"/locate", models.LocateRequest{
		Timecode:          "01:00:00;00",
		FrameRate:         "59.94d",
		TransmitFullFrame: "always",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	info = decode[models.SessionInfo](t, w)
	if info.Timecode != "01:00:00;00" || info.FrameRate != "59.94d" || info.MTCFrameRate != "29.97d" || info.FullFrames != 1 {
		t.Errorf("Unexpected located session %+v", info)
	}

	w = do(t, s, http.MethodPost, base+"/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if info = decode[models.SessionInfo](t, w); info.State != "generating" {
		t.Errorf("Expected generating, got %s", info.State)
	}

	w = do(t, s, http.MethodPost, base+"/stop", nil)
	if info = decode[models.SessionInfo](t, w); w.Code != http.StatusOK || info.State != "idle" {
		t.Errorf("Expected idle after stop, got %d %s", w.Code, info.State)
	}

	w = do(t, s, http.MethodGet, "/api/v1/sessions", nil)
	if list := decode[models.SessionListResponse](t, w); list.Total != 1 {
		t.Errorf("Expected 1 session, got %d", list.Total)
	}

	w = do(t, s, http.MethodDelete, base, nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200 on close, got %d", w.Code)
	}
	w = do(t, s, http.MethodGet, base, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404 after close, got %d", w.Code)
	}
}

// TestSessionErrors verifies error statuses.
func TestSessionErrors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"missing name", http.MethodPost, "/api/v1/sessions", gin.H{"frameRate": "25"}, http.StatusBadRequest},
		{"bad rate", http.MethodPost, "/api/v1/sessions", models.CreateSessionRequest{Name: "a", FrameRate: "26"}, http.StatusBadRequest},
		{"created", http.MethodPost, "/api/v1/sessions", models.CreateSessionRequest{Name: "a"}, http.StatusCreated},
		{"duplicate", http.MethodPost, "/api/v1/sessions", models.CreateSessionRequest{Name: "a"}, http.StatusConflict},
		{"no driver", http.MethodPost, "/api/v1/sessions", models.CreateSessionRequest{Name: "b", OutPort: "IAC"}, http.StatusServiceUnavailable},
		{"unknown session", http.MethodPost, "/api/v1/sessions/nope/stop", nil, http.StatusNotFound},
		{"bad segment", http.MethodGet, "/captures/nope/abc", nil, http.StatusBadRequest},
		{"missing capture", http.MethodGet, "/captures/nope/3", nil, http.StatusNotFound},
		{"no monitor", http.MethodGet, "/api/v1/monitor", nil, http.StatusNotFound},
		{"no ports", http.MethodGet, "/api/v1/ports", nil, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, tt.method, tt.path, tt.body)
			if w.Code != tt.want {
				t.Errorf("Expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
		})
	}
}

// TestLocateRejectsBadInput verifies timecode and policy validation.
func TestLocateRejectsBadInput(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/sessions", models.CreateSessionRequest{Name: "stage", FrameRate: "30"})
	info := decode[models.SessionInfo](t, w)
	path := "/api/v1/sessions/" + info.ID + "/locate"

	for _, req := range []models.LocateRequest{
		{Timecode: "00:00:00:30"},
		{Timecode: "garbage"},
		{Timecode: "00:00:01:00", TransmitFullFrame: "sometimes"},
	} {
		if w := do(t, s, http.MethodPost, path, req); w.Code != http.StatusBadRequest {
			t.Errorf("Expected 400 for %+v, got %d", req, w.Code)
		}
	}
}

// TestCaptureEndpoints records a session and fetches the segment raw and decoded.
func TestCaptureEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/v1/sessions", models.CreateSessionRequest{Name: "stage", FrameRate: "24", Capture: true})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	info := decode[models.SessionInfo](t, w)
	if !info.Capturing {
		t.Error("Expected session to be capturing")
	}
	base := "/api/v1/sessions/" + info.ID

	do(t, s, http.MethodPost, base+"/locate", models.LocateRequest{Timecode: "10:00:00:00", TransmitFullFrame: "always"})

	if w := do(t, s, http.MethodDelete, base+"/captures", nil); w.Code != http.StatusOK {
		t.Fatalf("Expected 200 stopping capture, got %d", w.Code)
	}

	w = do(t, s, http.MethodGet, base+"/captures", nil)
	list := decode[models.CaptureListResponse](t, w)
	if list.Capturing || list.Total != 1 || list.Segments[0].MessageCount != 1 {
		t.Fatalf("Unexpected capture list %+v", list)
	}

	w = do(t, s, http.MethodGet, "/captures/"+info.ID+"/segment_0.mtc", nil)
	if w.Code != http.StatusOK || !bytes.HasPrefix(w.Body.Bytes(), []byte("MTCS")) {
		t.Errorf("Expected the raw segment, got %d % X", w.Code, w.Body.Bytes())
	}

	w = do(t, s, http.MethodGet, "/captures/"+info.ID+"/0/decoded", nil)
	decoded := decode[models.DecodedSegmentResponse](t, w)
	if len(decoded.Updates) != 1 || decoded.Updates[0].Timecode != "10:00:00:00" || decoded.FrameRate != "24" {
		t.Errorf("Unexpected replay %+v", decoded)
	}

	w = do(t, s, http.MethodGet, "/captures/"+info.ID+"/0/decoded?frameRate=48", nil)
	decoded = decode[models.DecodedSegmentResponse](t, w)
	if len(decoded.Updates) != 1 || decoded.Updates[0].Timecode != "10:00:00:00" || decoded.FrameRate != "48" {
		t.Errorf("Unexpected replay at 48fps %+v", decoded)
	}
}

// TestMetricsEndpoint verifies the Prometheus exposition includes request counts.
func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	do(t, s, http.MethodGet, "/api/ping", nil)
	w := do(t, s, http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `mtcsync_http_requests_total{method="GET",path="/api/ping",status="2xx"} 1`) {
		t.Errorf("Expected the ping request to be counted, got:\n%s", w.Body.String())
	}
}

// TestControlTokens verifies session control requires the token issued on create.
func TestControlTokens(t *testing.T) {
	s := newTestServerWithAuth(t, auth.New(time.Hour))

	w := do(t, s, http.MethodPost, "/api/v1/sessions", models.CreateSessionRequest{Name: "stage"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", w.Code, w.Body.String())
	}
	info := decode[models.SessionInfo](t, w)
	if info.ControlToken == "" || info.TokenExpiresAt == "" {
		t.Fatalf("Expected a control token, got %+v", info)
	}
	base := "/api/v1/sessions/" + info.ID
	locate := models.LocateRequest{Timecode: "00:10:00:00"}

	if w := do(t, s, http.MethodPost, base+"/locate", locate); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", w.Code)
	}
	if w := doWithToken(t, s, http.MethodPost, base+"/locate", locate, "bogus"); w.Code != http.StatusForbidden {
		t.Errorf("Expected 403 with a bad token, got %d", w.Code)
	}
	if w := doWithToken(t, s, http.MethodPost, base+"/locate", locate, info.ControlToken); w.Code != http.StatusOK {
		t.Errorf("Expected 200 with the token, got %d: %s", w.Code, w.Body.String())
	}

	// Reads stay open
	w = do(t, s, http.MethodGet, base, nil)
	if got := decode[models.SessionInfo](t, w); got.Timecode != "00:10:00:00" || got.ControlToken != "" {
		t.Errorf("Unexpected session read %+v", got)
	}

	if w := doWithToken(t, s, http.MethodDelete, base, nil, info.ControlToken); w.Code != http.StatusOK {
		t.Errorf("Expected 200 on close, got %d", w.Code)
	}
}
