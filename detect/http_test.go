package detect

import (
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/LdDl/streamtrack/mot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDetector(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		img, err := jpeg.Decode(file)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.FormValue("conf_threshold") != "0.300" {
			http.Error(w, "unexpected threshold", http.StatusBadRequest)
			return
		}
		bounds := img.Bounds()
		_ = json.NewEncoder(w).Encode(map[string]any{
			"count": 2,
			"detections": []map[string]any{
				{"class": "person", "class_id": 0, "confidence": 0.87, "bbox": []float64{1, 2, float64(bounds.Dx()), float64(bounds.Dy())}},
				{"class": "broken", "class_id": 0, "confidence": 0.5, "bbox": []float64{1, 2}},
			},
		})
	}))
	defer server.Close()

	detector := NewHTTPDetector(HTTPConfig{Endpoint: server.URL + "/", ConfThreshold: 0.3})
	detections, err := detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
	require.NoError(t, err)
	assert.Equal(t, []mot.Detection{{X1: 1, Y1: 2, X2: 64, Y2: 48, Confidence: 0.87, ClassID: 0}}, detections)
}

func TestHTTPDetectorStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer server.Close()

	detector := NewHTTPDetector(HTTPConfig{Endpoint: server.URL})
	_, err := detector.Detect(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "model crashed")
}

func TestHTTPDetectorCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"detections":[]}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	detector := NewHTTPDetector(HTTPConfig{Endpoint: server.URL})
	_, err := detector.Detect(ctx, image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.Error(t, err)
}

func TestHTTPDetectorHealthy(t *testing.T) {
	var loaded atomic.Bool
	loaded.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok", "model_loaded": loaded.Load()})
	}))
	defer server.Close()

	detector := NewHTTPDetector(HTTPConfig{Endpoint: server.URL})
	assert.NoError(t, detector.Healthy(context.Background()))
	loaded.Store(false)
	assert.Error(t, detector.Healthy(context.Background()))
}

func TestFuncAndNop(t *testing.T) {
	calls := 0
	var detector Detector = Func(func(ctx context.Context, img image.Image) ([]mot.Detection, error) {
		calls++
		return []mot.Detection{mot.NewDetection(0, 0, 1, 1, 1)}, nil
	})
	detections, err := detector.Detect(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, detections, 1)
	assert.Equal(t, 1, calls)

	detections, err = Nop.Detect(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, detections)
}
