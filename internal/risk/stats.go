package risk

import (
	"errors"
	"math"
	"sort"
)

// errNotPositiveDefinite signals a covariance matrix the Cholesky
// factorization cannot handle; callers degrade to the parametric method.
var errNotPositiveDefinite = errors.New("covariance matrix is not positive definite")

// zScore returns the one-sided normal quantile for the supported confidence
// levels.
func zScore(confidence float64) float64 {
	switch {
	case confidence >= 0.99:
		return 2.3263
	default:
		return 1.6449 // 95%
	}
}

// normPDF is the standard normal density.
func normPDF(x float64) float64 {
	return math.Exp(-x*x/2) / math.Sqrt(2*math.Pi)
}

// covarianceMatrix computes the sample covariance of the aligned return
// series (rows = assets, columns = observations).
func covarianceMatrix(series [][]float64) [][]float64 {
	n := len(series)
	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	if n == 0 || len(series[0]) < 2 {
		return cov
	}
	obs := len(series[0])

	means := make([]float64, n)
	for i, s := range series {
		sum := 0.0
		for _, v := range s {
			sum += v
		}
		means[i] = sum / float64(obs)
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sum := 0.0
			for t := 0; t < obs; t++ {
				sum += (series[i][t] - means[i]) * (series[j][t] - means[j])
			}
			c := sum / float64(obs-1)
			cov[i][j] = c
			cov[j][i] = c
		}
	}
	return cov
}

// cholesky returns the lower-triangular factor L with cov = L * L^T, or
// errNotPositiveDefinite when the matrix is not positive definite.
func cholesky(cov [][]float64) ([][]float64, error) {
	n := len(cov)
	lower := make([][]float64, n)
	for i := range lower {
		lower[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sum := cov[i][j]
			for k := 0; k < j; k++ {
				sum -= lower[i][k] * lower[j][k]
			}
			if i == j {
				if sum <= 1e-18 {
					return nil, errNotPositiveDefinite
				}
				lower[i][j] = math.Sqrt(sum)
			} else {
				lower[i][j] = sum / lower[j][j]
			}
		}
	}
	return lower, nil
}

// quadraticForm computes w^T * m * w.
func quadraticForm(w []float64, m [][]float64) float64 {
	total := 0.0
	for i := range w {
		for j := range w {
			total += w[i] * m[i][j] * w[j]
		}
	}
	return total
}

// tailStats sorts the P&L sample ascending and returns the VaR (loss at the
// 1-confidence percentile, reported positive) and the expected shortfall
// (mean loss at or beyond that threshold).
func tailStats(pnl []float64, confidence float64) (valueAtRisk, expectedShortfall float64) {
	if len(pnl) == 0 {
		return 0, 0
	}
	sorted := append([]float64(nil), pnl...)
	sort.Float64s(sorted)

	idx := int(math.Floor((1 - confidence) * float64(len(sorted))))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	valueAtRisk = -sorted[idx]

	tailSum := 0.0
	for i := 0; i <= idx; i++ {
		tailSum += -sorted[i]
	}
	expectedShortfall = tailSum / float64(idx+1)
	return valueAtRisk, expectedShortfall
}
