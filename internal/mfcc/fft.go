package mfcc

import "math"

// fftPlan is a minimal radix-2 Cooley-Tukey FFT over a fixed-size
// buffer, precomputed-twiddle, in-place. n must be a power of two. This
// keeps the hot path allocation-free: the caller reuses the same buffers
// across hops.
type fftPlan struct {
	n       int
	twRe    []float32
	twIm    []float32
	bitRev  []int
}

func newFFTPlan(n int) *fftPlan {
	p := &fftPlan{n: n}
	p.twRe = make([]float32, n/2)
	p.twIm = make([]float32, n/2)
	for k := 0; k < n/2; k++ {
		angle := -2 * math.Pi * float64(k) / float64(n)
		p.twRe[k] = float32(math.Cos(angle))
		p.twIm[k] = float32(math.Sin(angle))
	}
	p.bitRev = make([]int, n)
	bits := 0
	for 1<<bits < n {
		bits++
	}
	for i := 0; i < n; i++ {
		p.bitRev[i] = reverseBits(i, bits)
	}
	return p
}

func reverseBits(x, bits int) int {
	r := 0
	for i := 0; i < bits; i++ {
		r = (r << 1) | (x & 1)
		x >>= 1
	}
	return r
}

// transform performs an in-place FFT on re/im (each length n). re is the
// real-valued input on entry (im should be zeroed by the caller).
func (p *fftPlan) transform(re, im []float32) {
	n := p.n
	for i := 0; i < n; i++ {
		j := p.bitRev[i]
		if j > i {
			re[i], re[j] = re[j], re[i]
			im[i], im[j] = im[j], im[i]
		}
	}

	for size := 2; size <= n; size <<= 1 {
		half := size / 2
		step := n / size
		for start := 0; start < n; start += size {
			for k := 0; k < half; k++ {
				tw := k * step
				wr, wi := p.twRe[tw], p.twIm[tw]
				ai, bi := start+k, start+k+half
				br, bim := re[bi], im[bi]
				tr := wr*br - wi*bim
				ti := wr*bim + wi*br
				re[bi] = re[ai] - tr
				im[bi] = im[ai] - ti
				re[ai] += tr
				im[ai] += ti
			}
		}
	}
}
