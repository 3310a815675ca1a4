// Package ternary provides the ternary signal primitive and the integer
// similarity kernel used by the databank engine.
//
// A Signal is a polarity in {-1, 0, +1} paired with a magnitude in [0, 255].
// Its signed value is polarity*magnitude, so the representable range is
// [-255, 255]. Magnitude 0 marks an inactive dimension regardless of
// polarity; inactive query dimensions do not participate in similarity.
//
// Everything in this package is integer-only. No floating point is used
// anywhere, which keeps results bit-identical across platforms.
//
// Example Usage:
//
//	stored := ternary.FromInt32s([]int32{200, -128, 0, 64})
//	cue := ternary.FromInt32s([]int32{200, 0, 0, 0})
//	score := ternary.SparseCosine(cue, stored) // scaled x256, range [-256, 256]
package ternary

// Signal is a single ternary value: polarity in {-1, 0, +1} and
// magnitude in [0, 255].
type Signal struct {
	Polarity  int8
	Magnitude uint8
}

// New builds a Signal from a polarity and magnitude.
func New(polarity int8, magnitude uint8) Signal {
	return Signal{Polarity: polarity, Magnitude: magnitude}
}

// Zero is the inactive signal (polarity 0, magnitude 0).
func Zero() Signal {
	return Signal{}
}

// Int32 returns the signed register value of the signal: polarity*magnitude,
// in [-255, 255].
func (s Signal) Int32() int32 {
	return int32(s.Polarity) * int32(s.Magnitude)
}

// IsZero reports whether the signal is inactive.
func (s Signal) IsZero() bool {
	return s.Polarity == 0 && s.Magnitude == 0
}

// FromInt32 converts a register value to a Signal. Values are clamped to
// [-255, 255] before splitting into polarity and magnitude.
func FromInt32(v int32) Signal {
	if v > 255 {
		v = 255
	} else if v < -255 {
		v = -255
	}
	switch {
	case v > 0:
		return Signal{Polarity: 1, Magnitude: uint8(v)}
	case v < 0:
		return Signal{Polarity: -1, Magnitude: uint8(-v)}
	default:
		return Signal{}
	}
}

// ToInt32s converts a signal vector to its signed register values.
func ToInt32s(signals []Signal) []int32 {
	out := make([]int32, len(signals))
	for i, s := range signals {
		out[i] = s.Int32()
	}
	return out
}

// FromInt32s converts register values to a signal vector, clamping each
// element to [-255, 255].
func FromInt32s(values []int32) []Signal {
	out := make([]Signal, len(values))
	for i, v := range values {
		out[i] = FromInt32(v)
	}
	return out
}
