package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/Brownie44l1/waste-api/internal/metrics"
	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/uploads"
	"github.com/nfnt/resize"
	"github.com/sirupsen/logrus"
)

func init() {
	logrus.SetOutput(io.Discard)
}

// fakePredictor stands in for the ONNX session. It scores the mean of the
// red channel so different images produce different labels.
type fakePredictor struct {
	meta model.Metadata
	err  error

	mu     sync.Mutex
	inputs [][]float32
}

func newFakePredictor() *fakePredictor {
	meta := model.DefaultMetadata()
	meta.ImageSize = 8
	meta.InputShape = []int64{1, 8, 8, 3}
	return &fakePredictor{meta: meta}
}

func (f *fakePredictor) Metadata() model.Metadata {
	return f.meta
}

func (f *fakePredictor) Predict(_ context.Context, input []float32) (*model.Prediction, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, input)
	f.mu.Unlock()

	if f.err != nil {
		return nil, f.err
	}

	var red float32
	for i := 0; i < len(input); i += 3 {
		red += input[i]
	}
	red /= float32(len(input) / 3)

	scores := make([]float32, len(f.meta.Classes))
	for i := range scores {
		scores[i] = (1 - red) / float32(len(scores))
	}
	scores[1] += red

	return model.Classify(scores, f.meta.Classes)
}

type testServer struct {
	handler   http.Handler
	predictor *fakePredictor
	uploadDir string
	metrics   *metrics.Metrics
}

func newTestServer(t *testing.T, predictor *fakePredictor) *testServer {
	t.Helper()
	dir := t.TempDir()
	store, err := uploads.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	h := NewHandler(predictor, store, m, Options{MaxUploadBytes: 1 << 20, Filter: resize.NearestNeighbor})
	return &testServer{handler: h.Routes(), predictor: predictor, uploadDir: dir, metrics: m}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) assertNoUploads(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(s.uploadDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected uploads dir to be empty, found %d files", len(entries))
	}
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 20, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 20; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, field, filename string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("expected JSON error body: %v", err)
	}
	if resp.Error == "" {
		t.Fatal("expected non-empty error message")
	}
	return resp.Error
}

func TestHome(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	rec := s.do(httptest.NewRequest(http.MethodGet, "/", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != " Garbage Classification API is live!" {
		t.Errorf("unexpected body %q", rec.Body.String())
	}
}

func TestUnknownPath(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	rec := s.do(httptest.NewRequest(http.MethodGet, "/nope", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	rec := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Status  string   `json:"status"`
		Classes []string `json:"classes"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "healthy" || len(resp.Classes) != 6 {
		t.Errorf("unexpected health response %+v", resp)
	}
}

func TestPredict(t *testing.T) {
	tests := []struct {
		name      string
		colour    color.Color
		wantLabel string
	}{
		{name: "red image", colour: color.NRGBA{R: 255, A: 255}, wantLabel: "glass"},
		{name: "blue image", colour: color.NRGBA{B: 255, A: 255}, wantLabel: "cardboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, newFakePredictor())

			rec := s.do(multipartRequest(t, "image", "item.png", pngBytes(t, tt.colour)))

			if rec.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}

			var resp model.Prediction
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatal(err)
			}
			if resp.Label != tt.wantLabel {
				t.Errorf("expected %s, got %s", tt.wantLabel, resp.Label)
			}

			found := false
			for _, label := range model.DefaultClasses {
				if label == resp.Label {
					found = true
				}
			}
			if !found {
				t.Errorf("label %q not in class set", resp.Label)
			}
			if resp.Confidence < 0 || resp.Confidence > 1 {
				t.Errorf("confidence out of range: %v", resp.Confidence)
			}

			if len(s.predictor.inputs) != 1 || len(s.predictor.inputs[0]) != 8*8*3 {
				t.Errorf("expected one 8x8x3 tensor, got %d calls", len(s.predictor.inputs))
			}
			s.assertNoUploads(t)
		})
	}
}

func TestPredictMissingImage(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	tests := []struct {
		name string
		req  *http.Request
	}{
		{name: "wrong field", req: multipartRequest(t, "file", "item.png", pngBytes(t, color.White))},
		{name: "not multipart", req: httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader("{}"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(tt.req)

			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
			if msg := decodeError(t, rec); msg != "No image provided" {
				t.Errorf("unexpected error %q", msg)
			}
		})
	}

	if len(s.predictor.inputs) != 0 {
		t.Error("predictor should not be called without an image")
	}
	s.assertNoUploads(t)
}

func TestPredictInvalidImage(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	rec := s.do(multipartRequest(t, "image", "notes.png", []byte("definitely not a png")))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.Contains(msg, "decode") {
		t.Errorf("expected decode error to pass through, got %q", msg)
	}
	s.assertNoUploads(t)
}

func TestPredictModelFailure(t *testing.T) {
	p := newFakePredictor()
	p.err = errors.New("inference failed: session closed")
	s := newTestServer(t, p)

	rec := s.do(multipartRequest(t, "image", "item.png", pngBytes(t, color.White)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); msg != "inference failed: session closed" {
		t.Errorf("expected message verbatim, got %q", msg)
	}
	s.assertNoUploads(t)
}

func TestPredictRejectsOversizedDimensions(t *testing.T) {
	p := newFakePredictor()
	dir := t.TempDir()
	store, err := uploads.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(p, store, nil, Options{MaxPixels: 100, Filter: resize.NearestNeighbor})

	// A 20x16 image is tiny on the wire but over the 100 pixel limit.
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, multipartRequest(t, "image", "item.png", pngBytes(t, color.White)))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.Contains(msg, "exceeds limit of 100 pixels") {
		t.Errorf("unexpected error %q", msg)
	}
	if len(p.inputs) != 0 {
		t.Error("oversized image must not reach the model")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected uploads dir to be empty, found %d files", len(entries))
	}
}

func TestPredictTooLarge(t *testing.T) {
	p := newFakePredictor()
	dir := t.TempDir()
	store, err := uploads.New(dir)
	if err != nil {
		t.Fatal(err)
	}
	h := NewHandler(p, store, nil, Options{MaxUploadBytes: 64, Filter: resize.NearestNeighbor})

	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, multipartRequest(t, "image", "item.png", pngBytes(t, color.White)))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestPredictMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	rec := s.do(httptest.NewRequest(http.MethodGet, "/predict", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
	decodeError(t, rec)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	rec := s.do(httptest.NewRequest(http.MethodOptions, "/predict", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard origin, got %q", got)
	}
	if len(s.predictor.inputs) != 0 {
		t.Error("preflight must not reach the model")
	}
}

func TestPredictRaw(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	input := make([]float32, 8*8*3)
	for i := 0; i < len(input); i += 3 {
		input[i] = 1
	}
	body, _ := json.Marshal(model.PredictionRequest{Image: input})

	rec := s.do(httptest.NewRequest(http.MethodPost, "/predict/raw", bytes.NewReader(body)))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp model.Prediction
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Label != "glass" {
		t.Errorf("expected glass, got %s", resp.Label)
	}
}

func TestPredictRawWrongSize(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	body, _ := json.Marshal(model.PredictionRequest{Image: []float32{1, 2, 3}})
	rec := s.do(httptest.NewRequest(http.MethodPost, "/predict/raw", bytes.NewReader(body)))

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := decodeError(t, rec); !strings.Contains(msg, "Expected 192 values") {
		t.Errorf("unexpected error %q", msg)
	}
}

func TestMetricsRecorded(t *testing.T) {
	s := newTestServer(t, newFakePredictor())

	s.do(multipartRequest(t, "image", "item.png", pngBytes(t, color.NRGBA{R: 255, A: 255})))
	s.do(httptest.NewRequest(http.MethodPost, "/predict", nil))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		`classifier_predictions_total{label="glass"} 1`,
		`classifier_http_requests_total{method="POST",path="/predict",status="200"} 1`,
		`classifier_http_requests_total{method="POST",path="/predict",status="400"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("expected metrics to contain %q", want)
		}
	}
}
