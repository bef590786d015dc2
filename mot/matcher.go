package mot

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// MatchingAlgorithm is for algorithm type for matching detections to tracks
type MatchingAlgorithm uint16

const (
	// MatchingAlgorithmHungarian uses the Hungarian algorithm (Kuhn-Munkres) for optimal assignment
	MatchingAlgorithmHungarian MatchingAlgorithm = iota
	// MatchingAlgorithmGreedy uses a greedy algorithm for faster but potentially suboptimal assignment
	MatchingAlgorithmGreedy
)

func (algorithm MatchingAlgorithm) String() string {
	switch algorithm {
	case MatchingAlgorithmHungarian:
		return "hungarian"
	case MatchingAlgorithmGreedy:
		return "greedy"
	default:
		return "unknown"
	}
}

// Match pairs detection index with track index
type Match struct {
	Detection int
	Track     int
	IoU       float64
}

// Matcher solves detection-to-track assignment over IoU matrix (rows = detections, columns = tracks).
// Implementations must return injective matches (each row and each column used at most once)
// and must drop every pair with IoU below threshold.
//
// Different matchers may return different pairs for ambiguous inputs.
type Matcher interface {
	Match(iouMatrix *mat.Dense, threshold float64) []Match
}

// NewMatcher returns matcher for the given algorithm. Unknown values fall back to greedy.
func NewMatcher(algorithm MatchingAlgorithm) Matcher {
	switch algorithm {
	case MatchingAlgorithmHungarian:
		return HungarianMatcher{}
	default:
		return GreedyMatcher{}
	}
}

// HungarianMatcher maximizes total IoU over the assignment.
type HungarianMatcher struct{}

// Match implements Matcher
func (HungarianMatcher) Match(iouMatrix *mat.Dense, threshold float64) []Match {
	numDetections, numTracks := iouMatrix.Dims()
	if numDetections == 0 || numTracks == 0 {
		return []Match{}
	}
	// Rectangular matrix - pad to make it square.
	// Padding is done with 0.0 values (lowest IoU)
	paddedSize := maxInt(numDetections, numTracks)
	cost := make([][]float64, paddedSize)
	for i := 0; i < paddedSize; i++ {
		cost[i] = make([]float64, paddedSize)
		if i >= numDetections {
			continue
		}
		for j := 0; j < numTracks; j++ {
			cost[i][j] = -iouMatrix.At(i, j)
		}
	}

	assignment := solveAssignment(cost)

	matches := make([]Match, 0, minInt(numDetections, numTracks))
	for detectionIndex, trackIndex := range assignment {
		// Skip dummy rows/columns of the padding
		if detectionIndex >= numDetections || trackIndex >= numTracks {
			continue
		}
		iouVal := iouMatrix.At(detectionIndex, trackIndex)
		if iouVal < threshold {
			continue
		}
		matches = append(matches, Match{Detection: detectionIndex, Track: trackIndex, IoU: iouVal})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Detection < matches[j].Detection
	})
	return matches
}

// GreedyMatcher takes pairs in descending IoU order, skipping any detection or track already used.
// May produce lower total IoU than HungarianMatcher.
type GreedyMatcher struct{}

// Match implements Matcher
func (GreedyMatcher) Match(iouMatrix *mat.Dense, threshold float64) []Match {
	numDetections, numTracks := iouMatrix.Dims()
	if numDetections == 0 || numTracks == 0 {
		return []Match{}
	}
	// Pairs below threshold can never be accepted, so they never need to be ordered
	pq := make(iouHeap, 0, numDetections*numTracks)
	for d := 0; d < numDetections; d++ {
		for t := 0; t < numTracks; t++ {
			iouVal := iouMatrix.At(d, t)
			if iouVal < threshold {
				continue
			}
			pq.Push(iouPair{detection: d, track: t, iou: iouVal})
		}
	}

	usedDetections := make(map[int]struct{})
	usedTracks := make(map[int]struct{})
	matches := make([]Match, 0, minInt(numDetections, numTracks))
	for pq.Len() > 0 {
		pair := pq.Pop()
		if _, ok := usedDetections[pair.detection]; ok {
			continue
		}
		if _, ok := usedTracks[pair.track]; ok {
			continue
		}
		usedDetections[pair.detection] = struct{}{}
		usedTracks[pair.track] = struct{}{}
		matches = append(matches, Match{Detection: pair.detection, Track: pair.track, IoU: pair.iou})
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Detection < matches[j].Detection
	})
	return matches
}

// solveAssignment is the Kuhn-Munkres algorithm with potentials (O(n^3)).
// It returns the column assigned to every row of square cost matrix so that total cost is minimal.
func solveAssignment(cost [][]float64) []int {
	n := len(cost)
	// 1-based potentials and matching; column 0 is a virtual column for the row being inserted
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	rowOfColumn := make([]int, n+1)
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)
	for i := 1; i <= n; i++ {
		rowOfColumn[0] = i
		j0 := 0
		for j := 0; j <= n; j++ {
			minv[j] = math.Inf(1)
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := rowOfColumn[j0]
			delta := math.Inf(1)
			j1 := 0
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				reduced := cost[i0-1][j-1] - u[i0] - v[j]
				if reduced < minv[j] {
					minv[j] = reduced
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[rowOfColumn[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if rowOfColumn[j0] == 0 {
				break
			}
		}
		// Flip the augmenting path
		for j0 != 0 {
			j1 := way[j0]
			rowOfColumn[j0] = rowOfColumn[j1]
			j0 = j1
		}
	}
	assignment := make([]int, n)
	for j := 1; j <= n; j++ {
		if rowOfColumn[j] > 0 {
			assignment[rowOfColumn[j]-1] = j - 1
		}
	}
	return assignment
}
