package uploader

import (
	"context"
	"strings"
	"testing"

	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/testutil"
)

func rdaBytes(fields string) []byte {
	return []byte(">>> Begin of header <<<\n" + fields + ">>> End of header <<<\nbinary")
}

func demoRDA() []byte {
	return rdaBytes("StudyDescription: DEMO\n" +
		"PatientName: Foo^Bar\n" +
		"PatientID: P1\n" +
		"StudyDate: 20240115\n" +
		"SeriesNumber: 2\n" +
		"SeriesDescription: svs_se_30\n")
}

type fixture struct {
	staging  *testutil.MockStaging
	archive  *testutil.FakeArchive
	history  *testutil.MemoryRecorder
	progress *testutil.MemoryPublisher
	orch     *Orchestrator
}

func newFixture() *fixture {
	f := &fixture{
		staging:  testutil.NewMockStaging(),
		archive:  testutil.NewFakeArchive(),
		history:  &testutil.MemoryRecorder{},
		progress: &testutil.MemoryPublisher{},
	}
	f.orch = New(f.staging, f.archive, f.history, f.progress, nil)
	return f
}

func (f *fixture) stageRow(uid, name string, data []byte) Row {
	staged := f.staging.StageBytes(name, data)
	return Row{UID: uid, FileName: name, Token: staged.Token}
}

func TestProcessRDASuccess(t *testing.T) {
	f := newFixture()
	f.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "ORIGINAL\\PRIMARY\\SPECTROSCOPY", StudyDate: "20240115"})

	row := f.stageRow("u1", "spec.rda", demoRDA())
	outcomes := f.orch.Process(context.Background(), []Row{row})

	if len(outcomes) != 1 || !outcomes[0].Uploaded() {
		t.Fatalf("outcomes = %+v", outcomes)
	}
	uploads := f.archive.Uploads()
	if len(uploads) != 1 {
		t.Fatalf("uploads = %+v", uploads)
	}
	up := uploads[0]
	if up.Project != "DEMO" || up.Subject != "Foo_Bar" || up.Experiment != "P1" || up.Scan != "2" {
		t.Errorf("upload target = %+v", up)
	}
	if up.Resource != ResourceLabel {
		t.Errorf("resource = %s", up.Resource)
	}
	if up.FileName != "spec.rda" {
		t.Errorf("file name = %s", up.FileName)
	}
}

func TestProcessOverridesWin(t *testing.T) {
	f := newFixture()
	f.archive.AddScan("OTHER", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "20240115"})

	row := f.stageRow("u1", "spec.rda", demoRDA())
	row.Project = "OTHER"
	outcomes := f.orch.Process(context.Background(), []Row{row})

	if !outcomes[0].Uploaded() {
		t.Fatalf("outcome = %+v", outcomes[0])
	}
	if got := f.archive.Uploads()[0].Project; got != "OTHER" {
		t.Errorf("project = %s, want OTHER", got)
	}
}

func TestProcessMissingIdentifiers(t *testing.T) {
	f := newFixture()

	// Header without StudyDescription leaves the project unset.
	row := f.stageRow("u1", "spec.rda", rdaBytes("PatientID: P1\nSeriesNumber: 2\n"))
	outcomes := f.orch.Process(context.Background(), []Row{row})

	if outcomes[0].Status != models.RowStatusRejected {
		t.Fatalf("status = %s, want rejected", outcomes[0].Status)
	}
	if !strings.Contains(outcomes[0].Detail, "required") {
		t.Errorf("detail = %q", outcomes[0].Detail)
	}
	if len(f.archive.Uploads()) != 0 {
		t.Error("nothing should have been uploaded")
	}
}

func TestProcessNotSpectroscopy(t *testing.T) {
	f := newFixture()
	f.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "ORIGINAL\\PRIMARY\\M", StudyDate: "20240115", SeriesDesc: "t1_mprage"})

	row := f.stageRow("u1", "spec.rda", demoRDA())
	outcomes := f.orch.Process(context.Background(), []Row{row})

	if outcomes[0].Status != models.RowStatusRejected ||
		!strings.Contains(outcomes[0].Detail, "not a spectroscopy scan") {
		t.Errorf("outcome = %+v", outcomes[0])
	}
	// The archive's series description names the offending scan.
	if !strings.Contains(outcomes[0].Detail, "t1_mprage") {
		t.Errorf("detail = %q, want the series description included", outcomes[0].Detail)
	}
}

func TestProcessStudyDateMismatch(t *testing.T) {
	f := newFixture()
	f.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "20230101"})

	row := f.stageRow("u1", "spec.rda", demoRDA())
	outcomes := f.orch.Process(context.Background(), []Row{row})

	if outcomes[0].Status != models.RowStatusRejected ||
		!strings.Contains(outcomes[0].Detail, "study date mismatch") {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestProcessDateFormatsCompareEqual(t *testing.T) {
	f := newFixture()
	f.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "2024-01-15"})

	row := f.stageRow("u1", "spec.rda", demoRDA())
	if out := f.orch.Process(context.Background(), []Row{row}); !out[0].Uploaded() {
		t.Errorf("outcome = %+v", out[0])
	}
}

func TestProcessScanLookupFailure(t *testing.T) {
	f := newFixture()
	f.archive.FailDump = true

	row := f.stageRow("u1", "spec.rda", demoRDA())
	outcomes := f.orch.Process(context.Background(), []Row{row})

	if outcomes[0].Status != models.RowStatusRejected ||
		!strings.Contains(outcomes[0].Detail, "scan lookup failed") {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestProcessDATInheritsMatchedRDA(t *testing.T) {
	f := newFixture()
	f.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "20240115"})

	rdaRow := f.stageRow("u1", "spec.rda", demoRDA())
	datRow := f.stageRow("u2", "meas_2_svs_se_30.dat", []byte("twix bytes"))

	outcomes := f.orch.Process(context.Background(), []Row{rdaRow, datRow})
	if !outcomes[0].Uploaded() || !outcomes[1].Uploaded() {
		t.Fatalf("outcomes = %+v", outcomes)
	}

	uploads := f.archive.Uploads()
	if len(uploads) != 2 {
		t.Fatalf("uploads = %d", len(uploads))
	}
	dat := uploads[1]
	if dat.Project != "DEMO" || dat.Subject != "Foo_Bar" || dat.Experiment != "P1" || dat.Scan != "2" {
		t.Errorf("dat inherited target = %+v", dat)
	}
}

func TestProcessDATUnmatchedWithFullIdentifiers(t *testing.T) {
	f := newFixture()
	// Archive date differs, but an unmatched DAT row carries no header
	// date, so the date check must be skipped.
	f.archive.AddScan("DEMO", "S1", "E1", "9", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "19990101"})

	row := f.stageRow("u1", "unrelated_name.dat", []byte("twix"))
	row.Project = "DEMO"
	row.Subject = "S1"
	row.Experiment = "E1"
	row.ScanID = "9"

	outcomes := f.orch.Process(context.Background(), []Row{row})
	if !outcomes[0].Uploaded() {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestProcessDATUnmatchedIncomplete(t *testing.T) {
	f := newFixture()

	row := f.stageRow("u1", "unrelated_name.dat", []byte("twix"))
	row.Project = "DEMO" // subject/experiment/scan missing

	outcomes := f.orch.Process(context.Background(), []Row{row})
	if outcomes[0].Status != models.RowStatusRejected ||
		!strings.Contains(outcomes[0].Detail, "no matching RDA header") {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestProcessMissingStagedFile(t *testing.T) {
	f := newFixture()

	row := Row{UID: "u1", FileName: "spec.rda", Token: "no-such-token"}
	outcomes := f.orch.Process(context.Background(), []Row{row})
	if outcomes[0].Status != models.RowStatusRejected ||
		!strings.Contains(outcomes[0].Detail, "staged file is gone") {
		t.Errorf("outcome = %+v", outcomes[0])
	}
}

func TestProcessRecordsHistoryAndProgress(t *testing.T) {
	f := newFixture()
	f.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "20240115"})

	good := f.stageRow("u1", "spec.rda", demoRDA())
	bad := f.stageRow("u2", "other.rda", rdaBytes("PatientID: P1\n"))
	f.orch.Process(context.Background(), []Row{good, bad})

	if len(f.history.Records) != 2 {
		t.Fatalf("history records = %d, want 2", len(f.history.Records))
	}
	if f.history.Records[0].Status != models.RowStatusUploaded ||
		f.history.Records[1].Status != models.RowStatusRejected {
		t.Errorf("history = %+v", f.history.Records)
	}

	var stages []string
	for _, ev := range f.progress.Events {
		if ev.UID == "u1" {
			stages = append(stages, ev.Stage)
		}
	}
	want := []string{"staged", "validating", "uploading", "uploaded"}
	if len(stages) != len(want) {
		t.Fatalf("stages = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Errorf("stage[%d] = %s, want %s", i, stages[i], want[i])
		}
	}
}
