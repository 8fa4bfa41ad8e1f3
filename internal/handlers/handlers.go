package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Brownie44l1/waste-api/internal/metrics"
	"github.com/Brownie44l1/waste-api/internal/model"
	"github.com/Brownie44l1/waste-api/internal/preprocess"
	"github.com/Brownie44l1/waste-api/internal/uploads"
	"github.com/nfnt/resize"
	"github.com/sirupsen/logrus"
)

const liveness = " Garbage Classification API is live!"

// Predictor is the read-only view of a loaded model.
type Predictor interface {
	Predict(ctx context.Context, input []float32) (*model.Prediction, error)
	Metadata() model.Metadata
}

type Options struct {
	MaxUploadBytes int64
	MaxPixels      int
	Filter         resize.InterpolationFunction
}

type Handler struct {
	predictor Predictor
	uploads   *uploads.Store
	metrics   *metrics.Metrics
	opts      Options
}

func NewHandler(predictor Predictor, store *uploads.Store, m *metrics.Metrics, opts Options) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 10 << 20
	}
	return &Handler{
		predictor: predictor,
		uploads:   store,
		metrics:   m,
		opts:      opts,
	}
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		h.writeError(w, "Not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(liveness))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	meta := h.predictor.Metadata()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"classes": meta.Classes,
		"input":   meta.InputShape,
	})
}

// Predict classifies a multipart upload in the "image" field. The upload is
// staged in the uploads directory and removed before the handler returns.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)

	file, header, err := r.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, fmt.Sprintf("Image exceeds %d bytes", tooLarge.Limit), http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(w, "No image provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	log := logrus.WithFields(logrus.Fields{
		"filename": header.Filename,
		"size":     header.Size,
	})

	path, err := h.uploads.Save(file, header.Filename)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := h.uploads.Remove(path); err != nil {
			log.WithError(err).Warn("failed to remove upload")
		}
	}()

	result, err := h.classifyFile(r.Context(), path)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	log.WithFields(logrus.Fields{
		"prediction": result.Label,
		"confidence": result.Confidence,
	}).Info("image classified")

	h.writeJSON(w, http.StatusOK, result)
}

// PredictRaw accepts an already preprocessed tensor as JSON.
func (h *Handler) PredictRaw(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req model.PredictionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)).Decode(&req); err != nil {
		h.writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if want := h.predictor.Metadata().InputSize(); len(req.Image) != want {
		h.writeError(w, fmt.Sprintf("Expected %d values, got %d", want, len(req.Image)), http.StatusBadRequest)
		return
	}

	result, err := h.predict(r.Context(), req.Image)
	if err != nil {
		h.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) classifyFile(ctx context.Context, path string) (*model.Prediction, error) {
	img, err := preprocess.Load(path, h.opts.MaxPixels)
	if err != nil {
		return nil, err
	}

	meta := h.predictor.Metadata()
	input, err := preprocess.ToTensor(img, meta.ImageSize, preprocess.Layout(meta.Layout), h.opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("failed to preprocess image: %w", err)
	}

	return h.predict(ctx, input)
}

func (h *Handler) predict(ctx context.Context, input []float32) (*model.Prediction, error) {
	start := time.Now()
	result, err := h.predictor.Predict(ctx, input)
	if err != nil {
		return nil, err
	}
	if h.metrics != nil {
		h.metrics.ObservePrediction(result.Label, time.Since(start))
	}
	return result, nil
}
