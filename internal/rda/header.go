// Package rda parses the ASCII header block of Siemens .rda spectroscopy
// files and derives XNAT identifiers from it.
package rda

import (
	"bytes"
	"regexp"
	"strconv"
	"strings"
)

const (
	headerBegin = ">>> Begin of header <<<"
	headerEnd   = ">>> End of header <<<"
)

// ParseHeader extracts the key/value header of an .rda file. The header
// sits between the begin and end sentinels; each line holds one
// "Key: value" pair split on the first colon. Bytes are decoded as
// Latin-1 so no input can fail to decode. If either sentinel is missing
// the result is an empty map.
func ParseHeader(raw []byte) map[string]string {
	header := make(map[string]string)

	begin := bytes.Index(raw, []byte(headerBegin))
	end := bytes.Index(raw, []byte(headerEnd))
	if begin < 0 || end < 0 || end <= begin {
		return header
	}

	start := begin + len(headerBegin) + 1 // skip the newline after the sentinel
	if start > end {
		return header
	}

	body := latin1(raw[start:end])
	for _, line := range strings.Split(body, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		header[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	return header
}

// latin1 decodes bytes as ISO 8859-1. Every byte maps to the code point
// of the same value, so the widening is exact and cannot fail.
func latin1(b []byte) string {
	runes := make([]rune, len(b))
	for i, c := range b {
		runes[i] = rune(c)
	}
	return string(runes)
}

var nonWord = regexp.MustCompile(`\W+`)

// Sanitize collapses every run of non-word characters to a single
// underscore and strips underscores from both ends. Safe to apply
// repeatedly.
func Sanitize(s string) string {
	return strings.Trim(nonWord.ReplaceAllString(s, "_"), "_")
}

// Identity holds the XNAT coordinates derived from an .rda header.
// Empty string fields mean the header did not supply that value.
type Identity struct {
	Project    string
	Subject    string
	Session    string
	Scan       string
	StudyDate  string
	SeriesDesc string
}

// Derive maps header fields to XNAT identifiers. Project, subject and
// session labels are sanitized; the study date is kept verbatim for
// comparison against the archive. A non-numeric SeriesNumber leaves
// Scan empty.
func Derive(header map[string]string) Identity {
	var id Identity

	if v, ok := header["StudyDescription"]; ok && v != "" {
		id.Project = Sanitize(v)
	}
	if v, ok := header["PatientName"]; ok && v != "" {
		id.Subject = Sanitize(v)
	}
	if v, ok := header["PatientID"]; ok && v != "" {
		id.Session = Sanitize(v)
	}
	if v, ok := header["SeriesNumber"]; ok && v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			id.Scan = strconv.Itoa(n)
		}
	}
	id.StudyDate = header["StudyDate"]
	id.SeriesDesc = header["SeriesDescription"]

	return id
}
