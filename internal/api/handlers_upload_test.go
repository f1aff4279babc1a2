package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/session"
	"github.com/mrs-uploader/backend/internal/testutil"
	"github.com/mrs-uploader/backend/internal/uploader"
	"github.com/mrs-uploader/backend/internal/xnat"
)

func demoRDA() []byte {
	return []byte(">>> Begin of header <<<\n" +
		"StudyDescription: DEMO\n" +
		"PatientName: Foo^Bar\n" +
		"PatientID: P1\n" +
		"StudyDate: 20240115\n" +
		"SeriesNumber: 2\n" +
		"SeriesDescription: svs_se_30\n" +
		">>> End of header <<<\nbinary")
}

// testEnv wires handlers against in-memory fakes.
type testEnv struct {
	deps    *Dependencies
	staging *testutil.MockStaging
	archive *testutil.FakeArchive
	history *testutil.MemoryRecorder
	sid     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		staging: testutil.NewMockStaging(),
		archive: testutil.NewFakeArchive(),
		history: &testutil.MemoryRecorder{},
	}
	env.deps = &Dependencies{
		Staging:  env.staging,
		Sessions: session.NewManager(time.Hour, nil),
		History:  env.history,
		NewClient: func() *xnat.Client {
			return xnat.NewClient(xnat.Options{BaseURL: "http://xnat.test"})
		},
		NewArchive:    func(string) uploader.Archive { return env.archive },
		ShutdownToken: "sekrit",
	}
	env.deps.normalize()

	state := env.deps.Sessions.Create("alice", "JSESS")
	env.sid = state.ID
	return env
}

// multipartBody builds an upload form request body.
func multipartBody(t *testing.T, fields map[string][]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for name, values := range fields {
		for _, v := range values {
			if err := w.WriteField(name, v); err != nil {
				t.Fatal(err)
			}
		}
	}
	for name, data := range files {
		fw, err := w.CreateFormFile("files", name)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(data)
	}
	w.Close()
	return body, w.FormDataContentType()
}

func (env *testEnv) uploadRequest(t *testing.T, fields map[string][]string, files map[string][]byte) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()

	body, contentType := multipartBody(t, fields, files)
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set(echo.HeaderContentType, contentType)
	if env.sid != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: env.sid})
	}
	rec := httptest.NewRecorder()
	return echo.New().NewContext(req, rec), rec
}

func TestHandleUploadRequiresSession(t *testing.T) {
	env := newTestEnv(t)
	env.sid = ""

	c, _ := env.uploadRequest(t, map[string][]string{"file_names": {"a.rda"}}, nil)
	err := NewUploadHandler(env.deps).HandleUpload(c)

	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Status != http.StatusUnauthorized {
		t.Errorf("err = %v, want 401 APIError", err)
	}
}

func TestHandleUploadRejectsRowWithoutTokenOrUID(t *testing.T) {
	env := newTestEnv(t)

	fields := map[string][]string{
		"file_names":  {"good.rda", "bad.rda"},
		"upload_uids": {"u1", ""},
	}
	c, _ := env.uploadRequest(t, fields, map[string][]byte{"good.rda": demoRDA()})
	err := NewUploadHandler(env.deps).HandleUpload(c)

	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("err = %v, want 400 APIError", err)
	}
	// No partial processing: nothing staged, nothing uploaded.
	if env.staging.Count() != 0 {
		t.Errorf("staged count = %d, want 0", env.staging.Count())
	}
	if len(env.archive.Uploads()) != 0 {
		t.Error("nothing should have been uploaded")
	}
}

func TestHandleUploadSuccessFreesStagedFile(t *testing.T) {
	env := newTestEnv(t)
	env.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "20240115"})

	fields := map[string][]string{
		"file_names":  {"spec.rda"},
		"upload_uids": {"u1"},
	}
	c, rec := env.uploadRequest(t, fields, map[string][]byte{"spec.rda": demoRDA()})
	if err := NewUploadHandler(env.deps).HandleUpload(c); err != nil {
		t.Fatalf("HandleUpload() error: %v", err)
	}

	var report models.UploadReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.Uploaded != 1 || report.Failed != 0 {
		t.Errorf("report = %+v", report)
	}
	if len(report.ReloadURLs) != 1 ||
		report.ReloadURLs[0] != "http://xnat.test/data/archive/projects/DEMO/subjects/Foo_Bar/experiments/P1" {
		t.Errorf("reload urls = %v", report.ReloadURLs)
	}

	if env.staging.Count() != 0 {
		t.Errorf("staged count = %d, want 0 after success", env.staging.Count())
	}
	env.deps.Sessions.View(env.sid, func(s *session.State) {
		if len(s.PendingRows) != 0 {
			t.Errorf("pending rows = %v, want none", s.PendingRows)
		}
		if len(s.Uploaded) != 1 {
			t.Errorf("uploaded targets = %v", s.Uploaded)
		}
	})
}

func TestHandleUploadFailureRetainsRowAndFile(t *testing.T) {
	env := newTestEnv(t)
	// No scan registered: validation fails.

	fields := map[string][]string{
		"file_names":  {"spec.rda"},
		"upload_uids": {"u1"},
	}
	c, rec := env.uploadRequest(t, fields, map[string][]byte{"spec.rda": demoRDA()})
	if err := NewUploadHandler(env.deps).HandleUpload(c); err != nil {
		t.Fatalf("HandleUpload() error: %v", err)
	}

	var report models.UploadReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Failed != 1 || report.Uploaded != 0 {
		t.Fatalf("report = %+v", report)
	}
	if report.Rows[0].Status != models.RowStatusRejected || report.Rows[0].Detail == "" {
		t.Errorf("row result = %+v", report.Rows[0])
	}

	if env.staging.Count() != 1 {
		t.Errorf("staged count = %d, want 1 after failure", env.staging.Count())
	}
	env.deps.Sessions.View(env.sid, func(s *session.State) {
		row := s.PendingRows["u1"]
		if row == nil {
			t.Fatal("pending row missing after failure")
		}
		if row.Reason == "" {
			t.Error("pending row should carry the failure reason")
		}
		if s.StagedFor("u1") == nil {
			t.Error("staged record should survive a failed row")
		}
	})
}

func TestHandleUploadRetryWithTokenOnly(t *testing.T) {
	env := newTestEnv(t)
	env.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "20240115"})

	// A previous attempt left the file staged and the row pending.
	staged := env.staging.StageBytes("spec.rda", demoRDA())
	env.deps.Sessions.Mutate(env.sid, func(s *session.State) {
		s.Staged["u1"] = staged
		s.PendingRows["u1"] = &models.PendingRow{
			UID: "u1", FileName: "spec.rda", Token: staged.Token,
			Reason: "scan lookup failed: transient", UpdatedAt: time.Now(),
		}
	})

	fields := map[string][]string{
		"file_names":  {"spec.rda"},
		"row_uids":    {"u1"},
		"file_tokens": {staged.Token},
	}
	c, rec := env.uploadRequest(t, fields, nil)
	if err := NewUploadHandler(env.deps).HandleUpload(c); err != nil {
		t.Fatalf("HandleUpload() error: %v", err)
	}

	var report models.UploadReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Uploaded != 1 {
		t.Fatalf("report = %+v", report)
	}
	if env.staging.Count() != 0 {
		t.Error("staged file should be freed after a successful retry")
	}
}

func TestHandleUploadDATMatchedAlongsideRDA(t *testing.T) {
	env := newTestEnv(t)
	env.archive.AddScan("DEMO", "Foo_Bar", "P1", "2", testutil.FakeScan{
		ImageType: "SPECTROSCOPY", StudyDate: "20240115"})

	fields := map[string][]string{
		"file_names":  {"spec.rda", "meas_2_svs_se_30.dat"},
		"upload_uids": {"u1", "u2"},
	}
	c, rec := env.uploadRequest(t, fields, map[string][]byte{
		"spec.rda":             demoRDA(),
		"meas_2_svs_se_30.dat": []byte("twix"),
	})
	if err := NewUploadHandler(env.deps).HandleUpload(c); err != nil {
		t.Fatalf("HandleUpload() error: %v", err)
	}

	var report models.UploadReport
	json.Unmarshal(rec.Body.Bytes(), &report)
	if report.Uploaded != 2 {
		t.Fatalf("report = %+v", report)
	}
	if got := len(env.archive.Uploads()); got != 2 {
		t.Errorf("uploads = %d", got)
	}
	if len(env.history.Records) != 2 {
		t.Errorf("history records = %d", len(env.history.Records))
	}
}
