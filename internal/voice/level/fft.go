package level

import (
	"math"
	"math/cmplx"
)

// fft computes an in-place iterative radix-2 Cooley-Tukey transform.
// len(x) must be a power of two.
func fft(x []complex128) {
	n := len(x)
	if n < 2 {
		return
	}

	// Bit-reversal permutation.
	for i, j := 1, 0; i < n; i++ {
		bit := n >> 1
		for ; j&bit != 0; bit >>= 1 {
			j ^= bit
		}
		j ^= bit
		if i < j {
			x[i], x[j] = x[j], x[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		step := cmplx.Exp(complex(0, -2*math.Pi/float64(size)))
		for start := 0; start < n; start += size {
			w := complex(1, 0)
			half := size / 2
			for k := 0; k < half; k++ {
				u := x[start+k]
				v := w * x[start+k+half]
				x[start+k] = u + v
				x[start+k+half] = u - v
				w *= step
			}
		}
	}
}

// blackman returns the Blackman window coefficients used by browser
// analysers (alpha = 0.16).
func blackman(n int) []float64 {
	const (
		a0 = 0.42
		a1 = 0.5
		a2 = 0.08
	)
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
