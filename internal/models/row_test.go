package models

import "testing"

func TestKindForName(t *testing.T) {
	tests := []struct {
		name string
		want FileKind
	}{
		{"spec.rda", FileKindRDA},
		{"SPEC.RDA", FileKindRDA},
		{"spec.rDa", FileKindRDA},
		{"meas_MID00123.dat", FileKindDAT},
		{"spec.rda.dat", FileKindDAT},
		{"rda", FileKindDAT},
		{"", FileKindDAT},
	}
	for _, tt := range tests {
		if got := KindForName(tt.name); got != tt.want {
			t.Errorf("KindForName(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}
