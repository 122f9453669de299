package recognition

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"facewatch/internal/pipeline"
)

func newTestService(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(srv.URL, 0.55)
	c.client = srv.Client()
	return c
}

func TestRecognizeMapsKnownAndUnknownFaces(t *testing.T) {
	c := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/recognize" {
			t.Errorf("path = %s, want /recognize", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse multipart: %v", err)
		}
		if _, _, err := r.FormFile("file"); err != nil {
			t.Errorf("missing file part: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"recognitions": [
				{"bbox":[300,40,380,120],"confidence":0.99,"identity":"Alice","similarity":0.91,"is_known":true},
				{"bbox":[10,50,90,130],"confidence":0.97,"identity":null,"similarity":0.2,"is_known":false}
			],
			"count": 2
		}`))
	})

	ts := time.Date(2026, 3, 14, 18, 0, 0, 0, time.Local)
	frame := pipeline.Frame{Data: []byte{0xFF, 0xD8, 0xFF, 0xD9}, Timestamp: ts}
	dets, err := c.Recognize(context.Background(), frame)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("got %d detections, want 2", len(dets))
	}
	// Sorted left to right: the unknown face at x=10 comes first.
	if dets[0].Label != pipeline.LabelUnknown || dets[0].Known() {
		t.Fatalf("leftmost detection = %q, want Unknown", dets[0].Label)
	}
	if dets[1].Label != "Alice" || !dets[1].Known() {
		t.Fatalf("rightmost detection = %q, want Alice", dets[1].Label)
	}
	if !dets[0].Timestamp.Equal(ts) {
		t.Fatalf("detection timestamp = %v, want frame timestamp %v", dets[0].Timestamp, ts)
	}
	if dets[1].BBox != (pipeline.BBox{X1: 300, Y1: 40, X2: 380, Y2: 120}) {
		t.Fatalf("bbox = %+v", dets[1].BBox)
	}
}

func TestRecognizeDemotesMatchesBelowThreshold(t *testing.T) {
	c := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"recognitions":[{"bbox":[0,0,10,10],"confidence":0.9,"identity":"Alice","similarity":0.4,"is_known":true}],"count":1}`))
	})

	dets, err := c.Recognize(context.Background(), pipeline.Frame{Data: []byte{1}, Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(dets) != 1 || dets[0].Label != pipeline.LabelUnknown {
		t.Fatalf("below-threshold match = %+v, want demoted to Unknown", dets)
	}
}

func TestRecognizeRejectsServiceError(t *testing.T) {
	c := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model busy", http.StatusServiceUnavailable)
	})
	if _, err := c.Recognize(context.Background(), pipeline.Frame{Data: []byte{1}}); err == nil {
		t.Fatal("recognize succeeded on 503, want error")
	}
}

func TestHealth(t *testing.T) {
	c := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s, want /health", r.URL.Path)
		}
		w.Write([]byte(`{"status":"ok","model_loaded":true,"known_faces_count":3}`))
	})
	if err := c.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestHealthFailsWhenModelNotLoaded(t *testing.T) {
	c := newTestService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"loading","model_loaded":false}`))
	})
	if err := c.Health(context.Background()); err == nil {
		t.Fatal("health succeeded with model not loaded, want error")
	}
}
