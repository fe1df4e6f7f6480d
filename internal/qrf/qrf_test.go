package qrf

import (
	"bytes"
	"encoding/gob"
	"math"
	"math/rand"
	"testing"
)

// linearData builds y = intercept + slope*x0 + noise with one informative
// and one pure-noise predictor.
func linearData(n int, intercept, slope, noise float64, seed int64) ([][]float64, []float64) {
	rng := rand.New(rand.NewSource(seed))
	x := make([][]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x0 := rng.Float64() * 10
		x[i] = []float64{x0, rng.Float64()}
		y[i] = intercept + slope*x0 + rng.NormFloat64()*noise
	}
	return x, y
}

func TestFitErrors(t *testing.T) {
	tests := []struct {
		name string
		x    [][]float64
		y    []float64
	}{
		{"empty matrix", nil, nil},
		{"length mismatch", [][]float64{{1}, {2}}, []float64{1}},
		{"no columns", [][]float64{{}, {}}, []float64{1, 2}},
		{"ragged", [][]float64{{1, 2}, {1}}, []float64{1, 2}},
		{"nan predictor", [][]float64{{1}, {math.NaN()}}, []float64{1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Fit(tt.x, tt.y, Options{Trees: 5, Seed: 1}); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestPredictRecoversLinearSignal(t *testing.T) {
	x, y := linearData(400, 275, 0.5, 0.2, 1)
	f, err := Fit(x, y, Options{Trees: 200, Seed: 42})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	testX, testY := linearData(100, 275, 0.5, 0.2, 2)
	preds, err := f.Predict(testX, []float64{0.5})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}

	var sumSq float64
	for i := range preds {
		d := preds[i][0] - testY[i]
		sumSq += d * d
	}
	rmse := math.Sqrt(sumSq / float64(len(preds)))
	if rmse > 0.8 {
		t.Errorf("RMSE = %.3f, want < 0.8", rmse)
	}
}

func TestPredictQuantilesOrdered(t *testing.T) {
	x, y := linearData(300, 280, 0.3, 0.5, 7)
	f, err := Fit(x, y, Options{Trees: 100, Seed: 7})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	preds, err := f.Predict(x[:20], []float64{0.1, 0.5, 0.9})
	if err != nil {
		t.Fatalf("Predict: %v", err)
	}
	for i, row := range preds {
		if len(row) != 3 {
			t.Fatalf("row %d has %d quantiles, want 3", i, len(row))
		}
		if row[0] > row[1] || row[1] > row[2] {
			t.Errorf("row %d quantiles not monotone: %v", i, row)
		}
	}
}

func TestFitDeterministicForSeed(t *testing.T) {
	x, y := linearData(100, 280, 0.4, 0.3, 3)

	f1, err := Fit(x, y, Options{Trees: 50, Seed: 99, Workers: 4})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}
	f2, err := Fit(x, y, Options{Trees: 50, Seed: 99, Workers: 1})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	p1, _ := f1.Predict(x[:10], []float64{0.25, 0.75})
	p2, _ := f2.Predict(x[:10], []float64{0.25, 0.75})
	for i := range p1 {
		for j := range p1[i] {
			if p1[i][j] != p2[i][j] {
				t.Fatalf("prediction (%d,%d) differs across worker counts: %v vs %v",
					i, j, p1[i][j], p2[i][j])
			}
		}
	}
}

func TestPredictErrors(t *testing.T) {
	x, y := linearData(50, 280, 0.4, 0.3, 5)
	f, err := Fit(x, y, Options{Trees: 10, Seed: 5})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	if _, err := f.Predict([][]float64{{1}}, []float64{0.5}); err == nil {
		t.Error("feature-count mismatch should error")
	}
	if _, err := f.Predict(x[:1], nil); err == nil {
		t.Error("empty quantile list should error")
	}
	if _, err := f.Predict(x[:1], []float64{1.5}); err == nil {
		t.Error("out-of-range quantile should error")
	}

	var unfitted *Forest
	if _, err := unfitted.Predict(x[:1], []float64{0.5}); err == nil {
		t.Error("nil forest should error")
	}
}

func TestForestGobRoundTrip(t *testing.T) {
	x, y := linearData(80, 278, 0.6, 0.2, 11)
	f, err := Fit(x, y, Options{Trees: 20, Seed: 11})
	if err != nil {
		t.Fatalf("Fit: %v", err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		t.Fatalf("encode: %v", err)
	}
	var back Forest
	if err := gob.NewDecoder(&buf).Decode(&back); err != nil {
		t.Fatalf("decode: %v", err)
	}

	want, _ := f.Predict(x[:5], []float64{0.5})
	got, err := back.Predict(x[:5], []float64{0.5})
	if err != nil {
		t.Fatalf("Predict after decode: %v", err)
	}
	for i := range want {
		if want[i][0] != got[i][0] {
			t.Errorf("row %d: decoded forest predicts %v, original %v", i, got[i][0], want[i][0])
		}
	}
}
