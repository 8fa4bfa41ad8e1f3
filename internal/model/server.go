package model

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	ort "github.com/yalue/onnxruntime_go"
)

var ErrClosed = errors.New("model closed")

type Options struct {
	ModelPath    string
	MetadataPath string
	// LibraryPath points at libonnxruntime; empty uses the platform default.
	LibraryPath string
}

// Server owns the ONNX Runtime session for the lifetime of the process. The
// input and output tensors are bound to the session, so calls are serialised.
type Server struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	meta         Metadata
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

func NewServer(opts Options) (*Server, error) {
	meta, err := LoadMetadata(opts.MetadataPath)
	if err != nil {
		return nil, err
	}

	if opts.LibraryPath != "" {
		ort.SetSharedLibraryPath(opts.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	s := &Server{meta: meta}

	s.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}

	s.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	s.session, err = ort.NewAdvancedSession(opts.ModelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{s.inputTensor}, []ort.ArbitraryTensor{s.outputTensor},
		nil)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"model":   opts.ModelPath,
		"input":   meta.InputShape,
		"output":  meta.OutputShape,
		"layout":  meta.Layout,
		"classes": meta.Classes,
	}).Info("model loaded")

	return s, nil
}

func (s *Server) Metadata() Metadata {
	return s.meta
}

func (s *Server) Predict(ctx context.Context, input []float32) (*Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if want := s.meta.InputSize(); len(input) != want {
		return nil, fmt.Errorf("expected %d input values, got %d", want, len(input))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session == nil {
		return nil, ErrClosed
	}

	copy(s.inputTensor.GetData(), input)

	if err := s.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return Classify(s.outputTensor.GetData(), s.meta.Classes)
}

func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.session != nil {
		s.session.Destroy()
		s.session = nil
	}
	if s.inputTensor != nil {
		s.inputTensor.Destroy()
		s.inputTensor = nil
	}
	if s.outputTensor != nil {
		s.outputTensor.Destroy()
		s.outputTensor = nil
	}
	ort.DestroyEnvironment()
}
