package mot

import (
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/mat"
)

// ambiguousIoU is a matrix where taking the best pair first loses total IoU:
// greedy picks (0,0) only, optimal picks (0,1) and (1,0).
func ambiguousIoU() *mat.Dense {
	return mat.NewDense(2, 2, []float64{
		0.9, 0.8,
		0.8, 0.0,
	})
}

func checkMatches(t *testing.T, name string, iouMatrix *mat.Dense, threshold float64, matches []Match) {
	t.Helper()
	usedDetections := make(map[int]struct{})
	usedTracks := make(map[int]struct{})
	for _, match := range matches {
		if _, ok := usedDetections[match.Detection]; ok {
			t.Errorf("[%s] detection %d matched twice", name, match.Detection)
		}
		if _, ok := usedTracks[match.Track]; ok {
			t.Errorf("[%s] track %d matched twice", name, match.Track)
		}
		usedDetections[match.Detection] = struct{}{}
		usedTracks[match.Track] = struct{}{}
		if match.IoU < threshold {
			t.Errorf("[%s] pair (%d,%d) below threshold: %f", name, match.Detection, match.Track, match.IoU)
		}
		if match.IoU != iouMatrix.At(match.Detection, match.Track) {
			t.Errorf("[%s] pair (%d,%d) reports wrong IoU %f", name, match.Detection, match.Track, match.IoU)
		}
	}
}

func totalIoU(matches []Match) float64 {
	total := 0.0
	for _, match := range matches {
		total += match.IoU
	}
	return total
}

func TestGreedyMatcherAmbiguous(t *testing.T) {
	iouMatrix := ambiguousIoU()
	matches := GreedyMatcher{}.Match(iouMatrix, 0.3)
	checkMatches(t, "greedy", iouMatrix, 0.3, matches)
	if len(matches) != 1 {
		t.Fatalf("Expected 1 match, got %d", len(matches))
	}
	if matches[0].Detection != 0 || matches[0].Track != 0 {
		t.Errorf("Expected pair (0,0), got (%d,%d)", matches[0].Detection, matches[0].Track)
	}
}

func TestHungarianMatcherAmbiguous(t *testing.T) {
	iouMatrix := ambiguousIoU()
	matches := HungarianMatcher{}.Match(iouMatrix, 0.3)
	checkMatches(t, "hungarian", iouMatrix, 0.3, matches)
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %d", len(matches))
	}
	greedy := GreedyMatcher{}.Match(iouMatrix, 0.3)
	if totalIoU(matches) < totalIoU(greedy) {
		t.Errorf("Optimal total IoU %f is lower than greedy %f", totalIoU(matches), totalIoU(greedy))
	}
}

func TestMatchersRectangular(t *testing.T) {
	// 3 detections, 2 tracks
	iouMatrix := mat.NewDense(3, 2, []float64{
		0.1, 0.7,
		0.6, 0.2,
		0.5, 0.0,
	})
	for _, algorithm := range []MatchingAlgorithm{MatchingAlgorithmHungarian, MatchingAlgorithmGreedy} {
		matches := NewMatcher(algorithm).Match(iouMatrix, 0.3)
		checkMatches(t, algorithm.String(), iouMatrix, 0.3, matches)
		if len(matches) != 2 {
			t.Fatalf("[%s] Expected 2 matches, got %d", algorithm, len(matches))
		}
		if matches[0].Detection != 0 || matches[0].Track != 1 {
			t.Errorf("[%s] Expected pair (0,1), got (%d,%d)", algorithm, matches[0].Detection, matches[0].Track)
		}
		if matches[1].Detection != 1 || matches[1].Track != 0 {
			t.Errorf("[%s] Expected pair (1,0), got (%d,%d)", algorithm, matches[1].Detection, matches[1].Track)
		}
	}
}

func TestMatchersThreshold(t *testing.T) {
	iouMatrix := mat.NewDense(2, 3, []float64{
		0.29, 0.0, 0.1,
		0.0, 0.05, 0.2,
	})
	for _, algorithm := range []MatchingAlgorithm{MatchingAlgorithmHungarian, MatchingAlgorithmGreedy} {
		matches := NewMatcher(algorithm).Match(iouMatrix, 0.3)
		if len(matches) != 0 {
			t.Errorf("[%s] Expected no matches below threshold, got %+v", algorithm, matches)
		}
	}
}

func TestNewMatcherFallback(t *testing.T) {
	if _, ok := NewMatcher(MatchingAlgorithm(42)).(GreedyMatcher); !ok {
		t.Errorf("Unknown algorithm must fall back to greedy")
	}
	if MatchingAlgorithm(42).String() != "unknown" {
		t.Errorf("Unexpected name %q", MatchingAlgorithm(42).String())
	}
}

// bruteForceMaxIoU tries every injective row-to-column assignment and returns the best total
func bruteForceMaxIoU(iouMatrix *mat.Dense) float64 {
	rows, cols := iouMatrix.Dims()
	usedCols := make([]bool, cols)
	var best float64
	var walk func(row int, total float64)
	walk = func(row int, total float64) {
		if row == rows {
			best = math.Max(best, total)
			return
		}
		// Row stays unmatched
		walk(row+1, total)
		for col := 0; col < cols; col++ {
			if usedCols[col] {
				continue
			}
			usedCols[col] = true
			walk(row+1, total+iouMatrix.At(row, col))
			usedCols[col] = false
		}
	}
	walk(0, 0)
	return best
}

func TestHungarianMatcherOptimal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for sample := 0; sample < 2000; sample++ {
		rows := 1 + rng.Intn(5)
		cols := 1 + rng.Intn(5)
		data := make([]float64, rows*cols)
		for i := range data {
			// Plenty of exact zeros, like boxes which do not overlap at all
			if rng.Float64() < 0.3 {
				continue
			}
			data[i] = rng.Float64()
		}
		iouMatrix := mat.NewDense(rows, cols, data)

		matches := HungarianMatcher{}.Match(iouMatrix, 0)
		checkMatches(t, "hungarian", iouMatrix, 0, matches)
		greedy := GreedyMatcher{}.Match(iouMatrix, 0)
		checkMatches(t, "greedy", iouMatrix, 0, greedy)

		expected := bruteForceMaxIoU(iouMatrix)
		got := totalIoU(matches)
		if math.Abs(got-expected) > 1e-9 {
			t.Fatalf("Sample %d: expected total IoU %f, got %f for %v", sample, expected, got, mat.Formatted(iouMatrix))
		}
		if got+1e-9 < totalIoU(greedy) {
			t.Fatalf("Sample %d: optimal total IoU %f is lower than greedy %f", sample, got, totalIoU(greedy))
		}
		for i := 1; i < len(matches); i++ {
			if matches[i-1].Detection >= matches[i].Detection {
				t.Fatalf("Sample %d: matches are not sorted by detection: %+v", sample, matches)
			}
		}
	}
}

func TestHungarianMatcherSecondBestColumn(t *testing.T) {
	// Taking the single best pair (0,2) leaves detection 1 with nothing above threshold
	iouMatrix := mat.NewDense(2, 3, []float64{
		0.0, 0.55, 0.73,
		0.0, 0.40, 0.60,
	})
	matches := HungarianMatcher{}.Match(iouMatrix, 0.3)
	checkMatches(t, "hungarian", iouMatrix, 0.3, matches)
	if len(matches) != 2 {
		t.Fatalf("Expected 2 matches, got %+v", matches)
	}
	if matches[0].Track != 1 || matches[1].Track != 2 {
		t.Errorf("Expected pairs (0,1) and (1,2), got %+v", matches)
	}
}
