package embedding

import (
	"math"
	"testing"
)

func TestNormalize(t *testing.T) {
	vec := []float32{3, 4}
	if !Normalize(vec) {
		t.Fatal("expected normalization to succeed")
	}

	if math.Abs(float64(vec[0])-0.6) > 1e-6 || math.Abs(float64(vec[1])-0.8) > 1e-6 {
		t.Errorf("expected [0.6, 0.8], got %v", vec)
	}

	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if math.Abs(sum-1.0) > 1e-6 {
		t.Errorf("expected unit norm, got %f", math.Sqrt(sum))
	}
}

func TestNormalize_ZeroVector(t *testing.T) {
	vec := []float32{0, 0, 0}
	if Normalize(vec) {
		t.Error("expected Normalize to report false for zero vector")
	}
	for i, v := range vec {
		if v != 0 {
			t.Errorf("expected zero vector untouched, got %f at %d", v, i)
		}
	}
}

func TestNormalize_AlreadyUnit(t *testing.T) {
	vec := []float32{1, 0, 0}
	if !Normalize(vec) {
		t.Fatal("expected normalization to succeed")
	}
	if vec[0] != 1 || vec[1] != 0 || vec[2] != 0 {
		t.Errorf("expected unit vector unchanged, got %v", vec)
	}
}
