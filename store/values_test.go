package store

import (
	"math"
	"testing"

	"github.com/google/uuid"
)

func TestEqual(t *testing.T) {
	tests := []struct {
		name string
		a, b any
		want bool
	}{
		{name: "int and int64", a: 1, b: int64(1), want: true},
		{name: "uint8 and int", a: uint8(3), b: 3, want: true},
		{name: "bytes and string", a: []byte("ada"), b: "ada", want: true},
		{name: "float32 and float64", a: float32(0.5), b: 0.5, want: true},
		{name: "different values", a: 1, b: 2, want: false},
		{name: "int and string", a: 1, b: "1", want: false},
		{name: "both nil", a: nil, b: nil, want: true},
		{name: "nil and zero", a: nil, b: 0, want: false},
		{name: "slices", a: []int{1, 2}, b: []int{1, 2}, want: true},
		{name: "uuid and string", a: uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8"), b: "6ba7b810-9dad-11d1-80b4-00c04fd430c8", want: true},
		{name: "large uint64 and negative int64", a: uint64(math.MaxUint64), b: int64(-1), want: false},
		{name: "large uint64", a: uint64(math.MaxUint64), b: uint64(math.MaxUint64), want: true},
		{name: "small uint64 and int", a: uint64(7), b: 7, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equal(tt.a, tt.b); got != tt.want {
				t.Errorf("Equal(%v, %v) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestRowColumnsSorted(t *testing.T) {
	got := Row{"title": 1, "id": 2, "pages": 3}.Columns()
	want := []string{"id", "pages", "title"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Columns() = %v, want %v", got, want)
		}
	}
	if Row(nil).Clone() != nil {
		t.Errorf("Clone() of nil row should be nil")
	}
}

func TestIsExpr(t *testing.T) {
	if !IsExpr(Expr{SQL: "x"}) || !IsExpr(&Expr{SQL: "x"}) {
		t.Errorf("expressions not recognized")
	}
	if IsExpr("x") || IsExpr(nil) {
		t.Errorf("plain values reported as expressions")
	}
}

func TestNormalizeKeepsLargeUnsigned(t *testing.T) {
	v := Normalize(uint64(math.MaxUint64))
	if got, ok := v.(uint64); !ok || got != math.MaxUint64 {
		t.Fatalf("Normalize(MaxUint64) = %v (%T), want uint64", v, v)
	}
	v = Normalize(uint64(math.MaxInt64))
	if got, ok := v.(int64); !ok || got != math.MaxInt64 {
		t.Fatalf("Normalize(MaxInt64) = %v (%T), want int64", v, v)
	}
}
