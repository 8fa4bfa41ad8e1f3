package model

import "errors"

var ErrEmptyOutput = errors.New("model returned no scores")

// Argmax returns the index and value of the largest score. Ties resolve to the
// lowest index.
func Argmax(scores []float32) (int, float32, error) {
	if len(scores) == 0 {
		return 0, 0, ErrEmptyOutput
	}

	maxIdx := 0
	maxVal := scores[0]
	for i, val := range scores[1:] {
		if val > maxVal {
			maxVal = val
			maxIdx = i + 1
		}
	}
	return maxIdx, maxVal, nil
}

// Classify maps the model output onto the label list.
func Classify(scores []float32, classes []string) (*Prediction, error) {
	if len(scores) > len(classes) {
		scores = scores[:len(classes)]
	}

	idx, val, err := Argmax(scores)
	if err != nil {
		return nil, err
	}
	return &Prediction{
		Label:      classes[idx],
		Confidence: val,
	}, nil
}
