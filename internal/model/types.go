package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// DefaultClasses is the label order the waste classifier was trained with.
var DefaultClasses = []string{"cardboard", "glass", "metal", "paper", "plastic", "trash"}

type Metadata struct {
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
	ImageSize   int      `json:"image_size"`
	Layout      string   `json:"layout"`
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
}

type PredictionRequest struct {
	Image []float32 `json:"image"`
}

type Prediction struct {
	Label      string  `json:"prediction"`
	Confidence float32 `json:"confidence"`
}

// DefaultMetadata describes the Keras export: one 224x224 RGB image in, six scores out.
func DefaultMetadata() Metadata {
	classes := make([]string, len(DefaultClasses))
	copy(classes, DefaultClasses)
	return Metadata{
		InputShape:  []int64{1, 224, 224, 3},
		OutputShape: []int64{1, int64(len(classes))},
		Classes:     classes,
		ImageSize:   224,
		Layout:      LayoutNHWC,
		InputName:   "input",
		OutputName:  "output",
	}
}

// LoadMetadata reads the metadata file written next to the model. A missing
// file yields DefaultMetadata.
func LoadMetadata(path string) (Metadata, error) {
	if path == "" {
		return DefaultMetadata(), nil
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultMetadata(), nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, fmt.Errorf("failed to parse metadata: %w", err)
	}
	meta.applyDefaults()

	if err := meta.Validate(); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (m *Metadata) applyDefaults() {
	def := DefaultMetadata()
	if len(m.Classes) == 0 {
		m.Classes = def.Classes
	}
	if m.Layout == "" {
		m.Layout = def.Layout
	}
	if m.InputName == "" {
		m.InputName = def.InputName
	}
	if m.OutputName == "" {
		m.OutputName = def.OutputName
	}
	if m.ImageSize == 0 {
		m.ImageSize = def.ImageSize
	}
	if len(m.InputShape) == 0 {
		if m.Layout == LayoutNCHW {
			m.InputShape = []int64{1, 3, int64(m.ImageSize), int64(m.ImageSize)}
		} else {
			m.InputShape = []int64{1, int64(m.ImageSize), int64(m.ImageSize), 3}
		}
	}
	if len(m.OutputShape) == 0 {
		m.OutputShape = []int64{1, int64(len(m.Classes))}
	}
}

func (m Metadata) Validate() error {
	if len(m.Classes) == 0 {
		return errors.New("metadata: no classes")
	}
	if m.Layout != LayoutNHWC && m.Layout != LayoutNCHW {
		return fmt.Errorf("metadata: unsupported layout %q", m.Layout)
	}
	if m.ImageSize <= 0 {
		return fmt.Errorf("metadata: invalid image size %d", m.ImageSize)
	}
	for _, dim := range append(append([]int64{}, m.InputShape...), m.OutputShape...) {
		if dim <= 0 {
			return fmt.Errorf("metadata: shapes must be fully specified, got input %v output %v", m.InputShape, m.OutputShape)
		}
	}

	if want := 3 * m.ImageSize * m.ImageSize; m.InputSize() != want {
		return fmt.Errorf("metadata: input shape %v does not hold one %dx%d RGB image", m.InputShape, m.ImageSize, m.ImageSize)
	}
	if last := m.OutputShape[len(m.OutputShape)-1]; int(last) != len(m.Classes) {
		return fmt.Errorf("metadata: output width %d does not match %d classes", last, len(m.Classes))
	}
	return nil
}

// InputSize is the number of float32 values the model consumes per call.
func (m Metadata) InputSize() int {
	if len(m.InputShape) == 0 {
		return 0
	}
	size := 1
	for _, dim := range m.InputShape {
		size *= int(dim)
	}
	return size
}
