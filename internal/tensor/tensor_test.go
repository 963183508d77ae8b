package tensor

import (
	"errors"
	"math"
	"testing"
)

func TestRandnDeterministic(t *testing.T) {
	shape := []int{1, 4, 8, 8}
	for _, dtype := range []DType{Float32, Float16, BFloat16} {
		a := Randn(42, shape, dtype, DeviceCPU)
		b := Randn(42, shape, dtype, DeviceCPU)
		if !a.Equal(b) {
			t.Errorf("Randn(42, %s) not bit-identical across calls", dtype)
		}
	}
}

func TestRandnSeedChangesNoise(t *testing.T) {
	shape := []int{1, 4, 8, 8}
	a := Randn(1, shape, Float32, DeviceCPU)
	b := Randn(2, shape, Float32, DeviceCPU)
	if a.Equal(b) {
		t.Error("different seeds produced identical noise")
	}
}

func TestRandnRoughlyStandardNormal(t *testing.T) {
	n := Randn(7, []int{1, 16, 64, 64}, Float32, DeviceCPU)
	if m := n.Mean(); math.Abs(m) > 0.05 {
		t.Errorf("mean = %f, want ~0", m)
	}
	if s := n.Std(); math.Abs(s-1) > 0.05 {
		t.Errorf("std = %f, want ~1", s)
	}
}

func TestCombineDoesNotMutateInputs(t *testing.T) {
	x := Full([]int{2, 2}, 1, Float32, DeviceCPU)
	y := Full([]int{2, 2}, 2, Float32, DeviceCPU)

	out, err := Combine(2, x, 3, y)
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}
	for i, v := range out.Data {
		if v != 8 {
			t.Errorf("out[%d] = %f, want 8", i, v)
		}
	}
	if x.Data[0] != 1 || y.Data[0] != 2 {
		t.Error("Combine mutated an input")
	}
}

func TestCombineShapeMismatch(t *testing.T) {
	x := Zeros([]int{2, 2}, Float32, DeviceCPU)
	y := Zeros([]int{4}, Float32, DeviceCPU)
	if _, err := Combine(1, x, 1, y); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("Combine error = %v, want ErrShapeMismatch", err)
	}
}

func TestFromDataLengthCheck(t *testing.T) {
	if _, err := FromData([]int{2, 3}, []float32{1, 2}, Float32, DeviceCPU); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("FromData error = %v, want ErrShapeMismatch", err)
	}
}

func TestRoundMantissa(t *testing.T) {
	tests := []struct {
		dtype DType
		in    float32
		want  float32
	}{
		{Float32, 1.0000001, 1.0000001},
		{BFloat16, 1.00390625, 1.0},
		{BFloat16, 1.01171875, 1.015625},
		{Float16, 1.0, 1.0},
		{Float16, -2.5, -2.5},
	}
	for _, tc := range tests {
		got, err := FromData([]int{1}, []float32{tc.in}, tc.dtype, DeviceCPU)
		if err != nil {
			t.Fatalf("FromData: %v", err)
		}
		if got.Data[0] != tc.want {
			t.Errorf("%s round(%v) = %v, want %v", tc.dtype, tc.in, got.Data[0], tc.want)
		}
	}
}

func TestMeanStd(t *testing.T) {
	x, _ := FromData([]int{4}, []float32{1, 2, 3, 4}, Float32, DeviceCPU)
	if x.Mean() != 2.5 {
		t.Errorf("Mean = %f, want 2.5", x.Mean())
	}
	if math.Abs(x.Std()-math.Sqrt(1.25)) > 1e-9 {
		t.Errorf("Std = %f, want %f", x.Std(), math.Sqrt(1.25))
	}
}
