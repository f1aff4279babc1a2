// fake_archive.go - Scriptable XNAT archive for testing
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/xnat"
)

// FakeScan describes one scan the fake archive knows about.
type FakeScan struct {
	ImageType  string
	StudyDate  string
	SeriesDesc string
}

// UploadedFile captures one UploadFile call.
type UploadedFile struct {
	Project, Subject, Experiment, Scan string
	Resource, FileName                 string
	Data                               []byte
}

// FakeArchive implements the orchestrator's Archive interface with an
// in-memory scan table and optional injected failures.
type FakeArchive struct {
	mu       sync.Mutex
	scans    map[string]FakeScan
	uploads  []UploadedFile
	FailPut  bool // fail EnsureResource and UploadFile
	FailDump bool // fail DicomDump
}

// NewFakeArchive creates an archive with no scans.
func NewFakeArchive() *FakeArchive {
	return &FakeArchive{scans: make(map[string]FakeScan)}
}

func scanKey(project, subject, experiment, scan string) string {
	return fmt.Sprintf("%s/%s/%s/%s", project, subject, experiment, scan)
}

// AddScan registers a scan for dicomdump lookups.
func (f *FakeArchive) AddScan(project, subject, experiment, scan string, info FakeScan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans[scanKey(project, subject, experiment, scan)] = info
}

func (f *FakeArchive) DicomDump(_ context.Context, project, subject, experiment, scan, field string) ([]string, xnat.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailDump {
		return nil, xnat.Result{Kind: xnat.KindNetwork, Message: "injected dump failure"}
	}
	info, ok := f.scans[scanKey(project, subject, experiment, scan)]
	if !ok {
		return nil, xnat.Result{StatusCode: 404, Kind: xnat.KindHTTP, Message: "scan not found"}
	}

	var value string
	switch field {
	case "00080008":
		value = info.ImageType
	case "00080020":
		value = info.StudyDate
	case "0008103E":
		value = info.SeriesDesc
	}
	if value == "" {
		return nil, xnat.Result{OK: true, StatusCode: 200}
	}
	return []string{value}, xnat.Result{OK: true, StatusCode: 200}
}

func (f *FakeArchive) EnsureResource(_ context.Context, project, subject, experiment, scan, resource string) xnat.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailPut {
		return xnat.Result{StatusCode: 500, Kind: xnat.KindHTTP, Message: "injected put failure"}
	}
	return xnat.Result{OK: true, StatusCode: 200}
}

func (f *FakeArchive) UploadFile(_ context.Context, project, subject, experiment, scan, resource, fileName string, data []byte) xnat.Result {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.FailPut {
		return xnat.Result{StatusCode: 500, Kind: xnat.KindHTTP, Message: "injected put failure"}
	}
	f.uploads = append(f.uploads, UploadedFile{
		Project: project, Subject: subject, Experiment: experiment, Scan: scan,
		Resource: resource, FileName: fileName, Data: data,
	})
	return xnat.Result{OK: true, StatusCode: 200}
}

// Uploads returns everything uploaded so far.
func (f *FakeArchive) Uploads() []UploadedFile {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]UploadedFile(nil), f.uploads...)
}

// MemoryRecorder collects history records in memory.
type MemoryRecorder struct {
	mu      sync.Mutex
	Records []models.HistoryRecord
}

func (r *MemoryRecorder) Record(_ context.Context, rec models.HistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, rec)
	return nil
}

// Recent returns the newest records, newest first.
func (r *MemoryRecorder) Recent(_ context.Context, limit int) ([]models.HistoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]models.HistoryRecord, 0, limit)
	for i := len(r.Records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.Records[i])
	}
	return out, nil
}

// MemoryPublisher collects progress events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	Events []models.ProgressEvent
}

func (p *MemoryPublisher) Publish(ev models.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Events = append(p.Events, ev)
}
