package embeddings

import (
	"fmt"
	"math"
)

// Similarity returns the cosine similarity of a and b.
//
// Vectors of different dimension cannot be compared; that is a programming
// error and panics. If either vector has zero magnitude the result is 0.
func Similarity(a, b []float32) float32 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("embeddings: similarity of vectors with dimensions %d and %d", len(a), len(b)))
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	// Clamp rounding drift.
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	return float32(s)
}

// IsZero reports whether v is the zero vector (or empty).
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Zero returns a zero vector of the given dimension.
func Zero(dim int) []float32 {
	return make([]float32, dim)
}
