package detect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/LdDl/streamtrack/mot"
	"github.com/pkg/errors"
)

// HTTPConfig contains settings of HTTPDetector
type HTTPConfig struct {
	// Endpoint is inference service base URL, e.g. http://localhost:8081
	Endpoint string
	// Timeout of a single request. Default is 15s
	Timeout time.Duration
	// ConfThreshold is sent to the service as a hint. Zero means service default
	ConfThreshold float64
	// JPEGQuality of uploaded frames. Default is 85
	JPEGQuality int
}

// HTTPDetector sends frames to an inference service as multipart JPEG uploads.
type HTTPDetector struct {
	endpoint      string
	client        *http.Client
	confThreshold float64
	jpegQuality   int
	buffer        bytes.Buffer
}

// httpDetection is a single detection in service response
type httpDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox"` // [x1, y1, x2, y2]
}

// httpResult is service response
type httpResult struct {
	Detections      []httpDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float64         `json:"inference_time_ms"`
}

type httpHealth struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// NewHTTPDetector creates detector for the service described by cfg
func NewHTTPDetector(cfg HTTPConfig) *HTTPDetector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	quality := cfg.JPEGQuality
	if quality <= 0 || quality > 100 {
		quality = 85
	}
	return &HTTPDetector{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		client:        &http.Client{Timeout: timeout},
		confThreshold: cfg.ConfThreshold,
		jpegQuality:   quality,
	}
}

// Detect implements Detector. Boxes with a wrong number of coordinates are skipped.
func (d *HTTPDetector) Detect(ctx context.Context, img image.Image) ([]mot.Detection, error) {
	d.buffer.Reset()
	w := multipart.NewWriter(&d.buffer)
	fw, err := w.CreateFormFile("file", "frame.jpg")
	if err != nil {
		return nil, errors.Wrap(err, "Can't create form file")
	}
	if err := jpeg.Encode(fw, img, &jpeg.Options{Quality: d.jpegQuality}); err != nil {
		return nil, errors.Wrap(err, "Can't encode frame")
	}
	if d.confThreshold > 0 {
		if err := w.WriteField("conf_threshold", fmt.Sprintf("%.3f", d.confThreshold)); err != nil {
			return nil, errors.Wrap(err, "Can't write confidence threshold")
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "Can't finish multipart body")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", bytes.NewReader(d.buffer.Bytes()))
	if err != nil {
		return nil, errors.Wrap(err, "Can't create request")
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "Detection request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, errors.Errorf("Detection service returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result httpResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(err, "Can't decode detection response")
	}

	detections := make([]mot.Detection, 0, len(result.Detections))
	for _, raw := range result.Detections {
		if len(raw.BBox) != 4 {
			continue
		}
		detections = append(detections, mot.Detection{
			X1:         raw.BBox[0],
			Y1:         raw.BBox[1],
			X2:         raw.BBox[2],
			Y2:         raw.BBox[3],
			Confidence: raw.Confidence,
			ClassID:    raw.ClassID,
		})
	}
	return detections, nil
}

// Healthy checks that the service is up and has its model loaded
func (d *HTTPDetector) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "Can't create request")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Health check failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("Health check returned status %d", resp.StatusCode)
	}
	var health httpHealth
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return errors.Wrap(err, "Can't decode health response")
	}
	if !health.ModelLoaded {
		return errors.New("Model is not loaded")
	}
	return nil
}
