// Package match pairs TWIX .dat files with the .rda header rows of the
// same acquisition using filename heuristics.
package match

import (
	"path/filepath"
	"strings"
)

// Candidate is one RDA row a .dat file can be matched against.
type Candidate struct {
	UID        string
	SeriesDesc string
	ScanID     string
}

// Score weights. A verbatim scan-id hit is the stronger signal since
// Siemens TWIX names usually embed the measurement id.
const (
	scoreSeriesDesc = 2
	scoreScanID     = 3
)

// normalize lowercases and strips the separators Siemens tools insert
// inconsistently between tokens.
func normalize(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "_", "")
	return strings.ReplaceAll(s, "-", "")
}

// Score rates how well datName fits a candidate. Zero means no evidence.
func Score(datName string, c Candidate) int {
	base := normalize(strings.TrimSuffix(datName, filepath.Ext(datName)))
	score := 0

	if desc := normalize(c.SeriesDesc); desc != "" {
		if strings.Contains(base, desc) || strings.Contains(desc, base) {
			score += scoreSeriesDesc
		}
	}
	if c.ScanID != "" && strings.Contains(datName, c.ScanID) {
		score += scoreScanID
	}

	return score
}

// Best returns the highest-scoring candidate for datName, or false when
// no candidate scores above zero. Ties keep the earliest candidate.
func Best(datName string, candidates []Candidate) (Candidate, bool) {
	var best Candidate
	bestScore := 0

	for _, c := range candidates {
		if s := Score(datName, c); s > bestScore {
			best = c
			bestScore = s
		}
	}

	return best, bestScore > 0
}
