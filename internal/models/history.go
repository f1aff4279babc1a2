package models

import "time"

// HistoryRecord is one persisted upload attempt.
type HistoryRecord struct {
	At         time.Time `json:"at"`
	FileName   string    `json:"fileName"`
	Kind       FileKind  `json:"kind"`
	Project    string    `json:"project"`
	Subject    string    `json:"subject"`
	Experiment string    `json:"experiment"`
	Scan       string    `json:"scan"`
	Status     RowStatus `json:"status"`
	Detail     string    `json:"detail,omitempty"`
}
