package models

import "time"

// StagedFile represents a file held on disk between drop and upload.
type StagedFile struct {
	Token    string    `json:"token" msgpack:"token"`
	Name     string    `json:"name" msgpack:"name"`
	Path     string    `json:"-" msgpack:"path"`
	Size     int64     `json:"size" msgpack:"size"`
	SHA256   string    `json:"sha256" msgpack:"sha256"`
	StagedAt time.Time `json:"stagedAt" msgpack:"stagedAt"`
}
