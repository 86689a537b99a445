package utils

import (
	"fmt"
	"math"
)

// CosineSimilarity scores how closely two embedding vectors point in the
// same direction, in [-1, 1]. A zero-magnitude vector scores 0 against
// everything.
func CosineSimilarity(a, b []float32) (float32, error) {
	if len(a) == 0 || len(b) == 0 {
		return 0, fmt.Errorf("vectors cannot be empty")
	}
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same dimension")
	}

	var dot, sqA, sqB float32
	for i := range a {
		dot += a[i] * b[i]
		sqA += a[i] * a[i]
		sqB += b[i] * b[i]
	}
	if sqA == 0 || sqB == 0 {
		return 0, nil
	}

	norm := float32(math.Sqrt(float64(sqA))) * float32(math.Sqrt(float64(sqB)))
	return dot / norm, nil
}
