package tensor

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// DType labels the numeric precision a tensor is rounded to. Storage is
// always float32; narrower dtypes round each element on construction.
type DType string

// Supported dtypes.
const (
	Float32  DType = "float32"
	Float16  DType = "float16"
	BFloat16 DType = "bfloat16"
)

// DeviceCPU is the default device label.
const DeviceCPU = "cpu"

// noiseStream is the fixed PCG stream selector for seeded noise.
const noiseStream = 0x9e3779b97f4a7c15

// ErrShapeMismatch is returned when element-wise operands differ in shape.
var ErrShapeMismatch = errors.New("tensor: shape mismatch")

// Tensor is a dense row-major float tensor. Operations never mutate their
// receiver; they return a new tensor.
type Tensor struct {
	Shape  []int     `json:"shape" msgpack:"shape"`
	DType  DType     `json:"dtype" msgpack:"dtype"`
	Device string    `json:"device" msgpack:"device"`
	Data   []float32 `json:"data" msgpack:"data"`
}

// ValidDType reports whether d is a supported dtype.
func ValidDType(d DType) bool {
	switch d {
	case Float32, Float16, BFloat16:
		return true
	}
	return false
}

// NumElements returns the product of the dimensions in shape.
func NumElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// Zeros returns a zero-filled tensor.
func Zeros(shape []int, dtype DType, device string) *Tensor {
	return &Tensor{
		Shape:  slices.Clone(shape),
		DType:  dtype,
		Device: device,
		Data:   make([]float32, NumElements(shape)),
	}
}

// Full returns a tensor with every element set to v.
func Full(shape []int, v float32, dtype DType, device string) *Tensor {
	t := Zeros(shape, dtype, device)
	for i := range t.Data {
		t.Data[i] = v
	}
	t.round()
	return t
}

// FromData wraps a copy of data in a tensor of the given shape.
func FromData(shape []int, data []float32, dtype DType, device string) (*Tensor, error) {
	if NumElements(shape) != len(data) {
		return nil, fmt.Errorf("%w: shape %v needs %d elements, got %d",
			ErrShapeMismatch, shape, NumElements(shape), len(data))
	}
	t := &Tensor{
		Shape:  slices.Clone(shape),
		DType:  dtype,
		Device: device,
		Data:   slices.Clone(data),
	}
	t.round()
	return t, nil
}

// Randn returns standard-normal noise. Identical (seed, shape, dtype, device)
// always produce bit-identical tensors: noise is drawn from a PCG stream on
// the host and only labelled with the target device.
func Randn(seed int64, shape []int, dtype DType, device string) *Tensor {
	r := rand.New(rand.NewPCG(uint64(seed), noiseStream))
	t := Zeros(shape, dtype, device)
	for i := range t.Data {
		t.Data[i] = float32(r.NormFloat64())
	}
	t.round()
	return t
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  slices.Clone(t.Shape),
		DType:  t.DType,
		Device: t.Device,
		Data:   slices.Clone(t.Data),
	}
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return len(t.Data)
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Equal reports whether t and o match in shape, dtype and every element bit.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}
	if !t.SameShape(o) || t.DType != o.DType {
		return false
	}
	for i := range t.Data {
		if math.Float32bits(t.Data[i]) != math.Float32bits(o.Data[i]) {
			return false
		}
	}
	return true
}

// Map returns a new tensor with fn applied to every element.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	out := t.Clone()
	for i, v := range out.Data {
		out.Data[i] = fn(v)
	}
	out.round()
	return out
}

// Scale returns s * t.
func (t *Tensor) Scale(s float64) *Tensor {
	return t.Map(func(v float32) float32 { return float32(float64(v) * s) })
}

// Add returns t + o.
func (t *Tensor) Add(o *Tensor) (*Tensor, error) {
	return Combine(1, t, 1, o)
}

// Sub returns t - o.
func (t *Tensor) Sub(o *Tensor) (*Tensor, error) {
	return Combine(1, t, -1, o)
}

// Combine returns a*x + b*y.
func Combine(a float64, x *Tensor, b float64, y *Tensor) (*Tensor, error) {
	if !x.SameShape(y) {
		return nil, fmt.Errorf("%w: %v vs %v", ErrShapeMismatch, x.Shape, y.Shape)
	}
	out := x.Clone()
	for i := range out.Data {
		out.Data[i] = float32(a*float64(x.Data[i]) + b*float64(y.Data[i]))
	}
	out.round()
	return out, nil
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum / float64(len(t.Data))
}

// Std returns the population standard deviation of all elements.
func (t *Tensor) Std() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	mean := t.Mean()
	var acc float64
	for _, v := range t.Data {
		d := float64(v) - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(t.Data)))
}

// round quantizes Data in place to the tensor's dtype. Only called on
// freshly allocated tensors.
func (t *Tensor) round() {
	switch t.DType {
	case Float16:
		for i, v := range t.Data {
			t.Data[i] = roundMantissa(v, 10)
		}
	case BFloat16:
		for i, v := range t.Data {
			t.Data[i] = roundMantissa(v, 7)
		}
	}
}

// roundMantissa rounds v to the given number of explicit mantissa bits using
// round-half-to-even. Exponent range is left at float32.
func roundMantissa(v float32, bits uint) float32 {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return v
	}
	shift := 23 - bits
	u := math.Float32bits(v)
	half := uint32(1) << (shift - 1)
	lsb := (u >> shift) & 1
	u += half - 1 + lsb
	u &^= (uint32(1) << shift) - 1
	return math.Float32frombits(u)
}
