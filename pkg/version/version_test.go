package version

import (
	"errors"
	"testing"
)

func TestParseRange_Valid(t *testing.T) {
	tests := []struct {
		input string
		min   uint16
		max   uint16
	}{
		{"1", 1, 1},
		{"1-1", 1, 1},
		{"1-2", 1, 2},
		{"3-10", 3, 10},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			r, err := ParseRange(tt.input)
			if err != nil {
				t.Fatalf("ParseRange(%q) returned error: %v", tt.input, err)
			}
			if r.Min != tt.min {
				t.Errorf("Min = %d, want %d", r.Min, tt.min)
			}
			if r.Max != tt.max {
				t.Errorf("Max = %d, want %d", r.Max, tt.max)
			}
		})
	}
}

func TestParseRange_Invalid(t *testing.T) {
	tests := []string{
		"",
		"0",
		"abc",
		"1-",
		"-1",
		"2-1",
		"1-x",
		"70000",
	}

	for _, input := range tests {
		t.Run(input, func(t *testing.T) {
			_, err := ParseRange(input)
			if err == nil {
				t.Errorf("ParseRange(%q) should return error", input)
			}
		})
	}
}

func TestRange_String(t *testing.T) {
	if got := (Range{Min: 1, Max: 1}).String(); got != "1" {
		t.Errorf("String() = %q, want %q", got, "1")
	}
	if got := (Range{Min: 1, Max: 3}).String(); got != "1-3" {
		t.Errorf("String() = %q, want %q", got, "1-3")
	}
}

func TestRange_Contains(t *testing.T) {
	r := Range{Min: 2, Max: 4}
	for v, want := range map[uint16]bool{1: false, 2: true, 3: true, 4: true, 5: false} {
		if got := r.Contains(v); got != want {
			t.Errorf("Contains(%d) = %v, want %v", v, got, want)
		}
	}
}

func TestSupported(t *testing.T) {
	r := Supported()
	if err := r.Validate(); err != nil {
		t.Fatalf("Supported() is invalid: %v", err)
	}
	if r.Min != 1 || r.Max != 1 {
		t.Errorf("Supported() = %s, want 1", r)
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name    string
		local   Range
		peer    Range
		want    uint16
		wantErr bool
	}{
		{"same single version", Range{1, 1}, Range{1, 1}, 1, false},
		{"peer newer overlapping", Range{1, 1}, Range{1, 3}, 1, false},
		{"local newer overlapping", Range{1, 3}, Range{1, 2}, 2, false},
		{"peer minimum too high", Range{1, 1}, Range{2, 2}, 0, true},
		{"peer maximum too low", Range{2, 3}, Range{1, 1}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Negotiate(tt.local, tt.peer)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupported) {
					t.Fatalf("Negotiate() error = %v, want ErrUnsupported", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Negotiate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Negotiate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNegotiate_Symmetric(t *testing.T) {
	ranges := []Range{{1, 1}, {1, 2}, {1, 5}, {2, 4}, {3, 3}}

	for _, a := range ranges {
		for _, b := range ranges {
			va, errA := Negotiate(a, b)
			vb, errB := Negotiate(b, a)
			if (errA == nil) != (errB == nil) {
				t.Errorf("Negotiate(%s, %s) error mismatch: %v vs %v", a, b, errA, errB)
				continue
			}
			if va != vb {
				t.Errorf("Negotiate(%s, %s) = %d but reverse = %d", a, b, va, vb)
			}
		}
	}
}
