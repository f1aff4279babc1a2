package models

import (
	"strings"
	"time"
)

// RowStatus represents the state of a single upload row.
type RowStatus string

const (
	RowStatusStaged    RowStatus = "staged"
	RowStatusValidated RowStatus = "validated"
	RowStatusUploaded  RowStatus = "uploaded"
	RowStatusRejected  RowStatus = "rejected"
)

// FileKind distinguishes RDA header files from TWIX measurement data.
type FileKind string

const (
	FileKindRDA FileKind = "rda"
	FileKindDAT FileKind = "dat"
)

// KindForName classifies a file by its extension. Anything that is not
// an .rda header is treated as measurement data.
func KindForName(name string) FileKind {
	if n := len(name); n >= 4 && strings.EqualFold(name[n-4:], ".rda") {
		return FileKindRDA
	}
	return FileKindDAT
}

// PendingRow is one table row awaiting upload or retry. Rows that fail
// validation or upload are kept in the session so the user can correct
// the identifiers and resubmit without re-dropping the file.
type PendingRow struct {
	UID        string    `json:"uid" msgpack:"uid"`
	FileName   string    `json:"fileName" msgpack:"fileName"`
	Kind       FileKind  `json:"kind" msgpack:"kind"`
	Token      string    `json:"token" msgpack:"token"`
	Project    string    `json:"project" msgpack:"project"`
	Subject    string    `json:"subject" msgpack:"subject"`
	Experiment string    `json:"experiment" msgpack:"experiment"`
	Scan       string    `json:"scan" msgpack:"scan"`
	SeriesDesc string    `json:"seriesDesc" msgpack:"seriesDesc"`
	Reason     string    `json:"reason,omitempty" msgpack:"reason"`
	UpdatedAt  time.Time `json:"updatedAt" msgpack:"updatedAt"`
}

// RowResult is the per-row outcome returned by an upload request.
type RowResult struct {
	UID      string    `json:"uid"`
	FileName string    `json:"fileName"`
	Status   RowStatus `json:"status"`
	Detail   string    `json:"detail,omitempty"`
}

// UploadReport summarizes one bulk upload request.
type UploadReport struct {
	Uploaded   int         `json:"uploaded"`
	Failed     int         `json:"failed"`
	Rows       []RowResult `json:"rows"`
	ReloadURLs []string    `json:"reloadUrls,omitempty"`
}

// ProgressEvent is pushed to the browser over the progress WebSocket
// while a bulk upload is being processed.
type ProgressEvent struct {
	UID      string `json:"uid"`
	FileName string `json:"fileName"`
	Stage    string `json:"stage"` // "staged", "validating", "uploading", "uploaded", "failed"
	Message  string `json:"message,omitempty"`
	Time     int64  `json:"time"` // Unix ms
}
