package ternary

import "math/bits"

// SparseCosine computes the cosine similarity of a query vector against a
// stored vector using only integer arithmetic. The result is scaled x256:
// 256 means identical direction, 0 orthogonal, -256 opposite.
//
// Query dimensions with zero magnitude are skipped entirely. A partial cue
// therefore matches against the stored vector only on the dimensions the
// cue specifies, which is what makes pattern completion work: zeros in the
// cue never drag down the score of the correct completion.
//
// Returns 0 when either participating norm is zero. Vectors of unequal
// length are compared over the shorter prefix.
func SparseCosine(query, stored []Signal) int32 {
	n := len(query)
	if len(stored) < n {
		n = len(stored)
	}

	var dot, normQ, normS int64
	for i := 0; i < n; i++ {
		q := query[i]
		if q.Polarity == 0 && q.Magnitude == 0 {
			continue
		}
		qv := int64(q.Polarity) * int64(q.Magnitude)
		sv := int64(stored[i].Polarity) * int64(stored[i].Magnitude)
		dot += qv * sv
		normQ += qv * qv
		normS += sv * sv
	}

	if normQ == 0 || normS == 0 {
		return 0
	}
	denom := Isqrt(normQ) * Isqrt(normS)
	if denom == 0 {
		return 0
	}
	return int32((dot * 256) / denom)
}

// Isqrt returns floor(sqrt(n)) for non-negative n via Newton's method.
// The initial guess overestimates so the iteration converges downward;
// eight rounds cover the full int64 range.
func Isqrt(n int64) int64 {
	if n <= 0 {
		return 0
	}
	if n == 1 {
		return 1
	}
	x := int64(1) << (((64 - uint(bits.LeadingZeros64(uint64(n)))) + 1) / 2)
	for i := 0; i < 8; i++ {
		next := (x + n/x) / 2
		if next >= x {
			break
		}
		x = next
	}
	return x
}
