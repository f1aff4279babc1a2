package match

import "testing"

func TestScore(t *testing.T) {
	tests := []struct {
		name    string
		datName string
		cand    Candidate
		want    int
	}{
		{
			name:    "series description substring",
			datName: "meas_svs_se_30.dat",
			cand:    Candidate{SeriesDesc: "svs_se_30"},
			want:    2,
		},
		{
			name:    "description match survives separator noise",
			datName: "meas-SVS-SE-30.dat",
			cand:    Candidate{SeriesDesc: "svs_se_30"},
			want:    2,
		},
		{
			name:    "scan id verbatim in name",
			datName: "meas_MID00042_FID.dat",
			cand:    Candidate{ScanID: "42"},
			want:    3,
		},
		{
			name:    "both signals stack",
			datName: "meas_42_svs_se_30.dat",
			cand:    Candidate{SeriesDesc: "svs_se_30", ScanID: "42"},
			want:    5,
		},
		{
			name:    "no evidence",
			datName: "meas_press_te135.dat",
			cand:    Candidate{SeriesDesc: "svs_se_30", ScanID: "9"},
			want:    0,
		},
		{
			name:    "empty description contributes nothing",
			datName: "anything.dat",
			cand:    Candidate{SeriesDesc: ""},
			want:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.datName, tt.cand); got != tt.want {
				t.Errorf("Score(%q, %+v) = %d, want %d", tt.datName, tt.cand, got, tt.want)
			}
		})
	}
}

func TestBest(t *testing.T) {
	t.Run("scan id beats description", func(t *testing.T) {
		cands := []Candidate{
			{UID: "desc", SeriesDesc: "svs_se_30"},
			{UID: "scan", ScanID: "7"},
		}
		best, ok := Best("meas_7_svs_se_30x.dat", cands)
		if !ok || best.UID != "scan" {
			t.Errorf("Best() = %+v, %v; want UID scan", best, ok)
		}
	})

	t.Run("tie keeps first candidate", func(t *testing.T) {
		cands := []Candidate{
			{UID: "a", SeriesDesc: "press"},
			{UID: "b", SeriesDesc: "press"},
		}
		best, ok := Best("meas_press.dat", cands)
		if !ok || best.UID != "a" {
			t.Errorf("Best() = %+v, %v; want UID a", best, ok)
		}
	})

	t.Run("zero score means no match", func(t *testing.T) {
		cands := []Candidate{{UID: "a", SeriesDesc: "press", ScanID: "9"}}
		if _, ok := Best("unrelated.dat", cands); ok {
			t.Error("expected no match")
		}
	})

	t.Run("no candidates", func(t *testing.T) {
		if _, ok := Best("meas.dat", nil); ok {
			t.Error("expected no match")
		}
	})
}
