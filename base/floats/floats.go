package floats

import (
	"math"
	"slices"
)

func midpoint(x, y float64) float64 {
	return x + (y-x)/2.0
}

func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func Mean(fs []float64) float64 {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	s := 0.0
	for _, f := range fs {
		s += f
	}
	return s / float64(n)
}

// Variance returns the unbiased sample variance of fs.
// A single sample has zero variance by convention.
func Variance(fs []float64) float64 {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	if n < 2 {
		return 0.0
	}
	m := Mean(fs)
	meanSq := 0.0
	for _, f := range fs {
		meanSq += f * f
	}
	meanSq /= float64(n)
	v := meanSq - m*m
	if v < 0 {
		v = 0
	}
	return v * float64(n) / float64(n-1)
}

func StdErr(fs []float64) float64 {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	return math.Sqrt(Variance(fs)) / math.Sqrt(float64(n))
}

func Median(fs []float64) float64 {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	slices.Sort(fs)
	i := n / 2
	if n%2 != 0 {
		return fs[i]
	}
	return midpoint(fs[i-1], fs[i])
}
