// handlers_upload.go - Bulk upload form handler
package api

import (
	"mime/multipart"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/session"
	"github.com/mrs-uploader/backend/internal/uploader"
)

// UploadHandlerImpl implements the UploadHandler interface
type UploadHandlerImpl struct {
	deps *Dependencies
}

// NewUploadHandler creates a new upload handler instance
func NewUploadHandler(deps *Dependencies) *UploadHandlerImpl {
	return &UploadHandlerImpl{deps: deps}
}

// uploadForm is the parallel-array table the frontend posts. Index i
// across every slice describes one row.
type uploadForm struct {
	FileNames        []string
	ScanIDs          []string
	SeriesDescs      []string
	ProjectIDs       []string
	SubjectLabels    []string
	ExperimentLabels []string
	FileTokens       []string
	RowUIDs          []string
	UploadUIDs       []string

	files map[string][]*multipart.FileHeader
}

func parseUploadForm(c echo.Context) (*uploadForm, *APIError) {
	mf, err := c.MultipartForm()
	if err != nil {
		return nil, NewBadRequestError("expected multipart form data", err)
	}

	f := &uploadForm{
		FileNames:        mf.Value["file_names"],
		ScanIDs:          mf.Value["scan_ids"],
		SeriesDescs:      mf.Value["series_descs"],
		ProjectIDs:       mf.Value["project_ids"],
		SubjectLabels:    mf.Value["subject_labels"],
		ExperimentLabels: mf.Value["experiment_labels"],
		FileTokens:       mf.Value["file_tokens"],
		RowUIDs:          mf.Value["row_uids"],
		UploadUIDs:       mf.Value["upload_uids"],
		files:            make(map[string][]*multipart.FileHeader),
	}
	for _, fh := range mf.File["files"] {
		f.files[fh.Filename] = append(f.files[fh.Filename], fh)
	}

	if len(f.FileNames) == 0 {
		return nil, NewValidationError("file_names")
	}
	n := len(f.FileNames)
	for name, arr := range map[string]*[]string{
		"scan_ids":          &f.ScanIDs,
		"series_descs":      &f.SeriesDescs,
		"project_ids":       &f.ProjectIDs,
		"subject_labels":    &f.SubjectLabels,
		"experiment_labels": &f.ExperimentLabels,
		"file_tokens":       &f.FileTokens,
		"row_uids":          &f.RowUIDs,
		"upload_uids":       &f.UploadUIDs,
	} {
		switch len(*arr) {
		case n:
		case 0:
			*arr = make([]string, n)
		default:
			return nil, NewValidationError(name)
		}
	}
	return f, nil
}

// takeFile pops the next uploaded file with the given name.
func (f *uploadForm) takeFile(name string) *multipart.FileHeader {
	headers := f.files[name]
	if len(headers) == 0 {
		return nil
	}
	f.files[name] = headers[1:]
	return headers[0]
}

// HandleUpload stages any newly dropped files, runs every row through
// the validate-and-upload pipeline, and reports per-row outcomes.
// Rows that fail stay in the session for correction and retry.
func (h *UploadHandlerImpl) HandleUpload(c echo.Context) error {
	sid, err := requireSession(c, h.deps.Sessions)
	if err != nil {
		return err
	}

	form, apiErr := parseUploadForm(c)
	if apiErr != nil {
		return apiErr
	}

	// A row with neither a staged-file token nor any row identity is a
	// malformed submission; reject the whole request before touching
	// anything.
	for i, name := range form.FileNames {
		if form.FileTokens[i] == "" && form.RowUIDs[i] == "" && form.UploadUIDs[i] == "" {
			return NewBadRequestError("row for "+name+" carries neither a file token nor a row id", nil)
		}
	}

	rows, apiErr := h.stageRows(sid, form)
	if apiErr != nil {
		return apiErr
	}

	// Persist the submitted rows before the slow part, so a crash mid
	// upload does not lose the table.
	h.deps.Sessions.Mutate(sid, func(s *session.State) {
		for _, row := range rows {
			pending := s.PendingRows[row.UID]
			if pending == nil {
				pending = &models.PendingRow{UID: row.UID}
				s.PendingRows[row.UID] = pending
			}
			pending.FileName = row.FileName
			pending.Kind = models.KindForName(row.FileName)
			pending.Token = row.Token
			pending.Project = row.Project
			pending.Subject = row.Subject
			pending.Experiment = row.Experiment
			pending.Scan = row.ScanID
			pending.SeriesDesc = row.SeriesDesc
			pending.Reason = ""
			pending.UpdatedAt = time.Now()
		}
	})

	var jsession string
	h.deps.Sessions.View(sid, func(s *session.State) { jsession = s.JSession })

	orch := uploader.New(h.deps.Staging, h.deps.NewArchive(jsession),
		h.historyRecorder(), h.progressPublisher(), h.deps.Logger)
	outcomes := orch.Process(c.Request().Context(), rows)

	report := h.applyOutcomes(sid, outcomes)
	return c.JSON(http.StatusOK, report)
}

// stageRows writes newly dropped files into the stage directory and
// assembles the orchestrator rows.
func (h *UploadHandlerImpl) stageRows(sid string, form *uploadForm) ([]uploader.Row, *APIError) {
	n := len(form.FileNames)
	rows := make([]uploader.Row, 0, n)

	for i := 0; i < n; i++ {
		uid := form.RowUIDs[i]
		if uid == "" {
			uid = form.UploadUIDs[i]
		}
		if uid == "" {
			uid = uuid.New().String()
		}

		row := uploader.Row{
			UID:        uid,
			FileName:   form.FileNames[i],
			Token:      form.FileTokens[i],
			ScanID:     form.ScanIDs[i],
			SeriesDesc: form.SeriesDescs[i],
			Project:    form.ProjectIDs[i],
			Subject:    form.SubjectLabels[i],
			Experiment: form.ExperimentLabels[i],
		}

		if fh := form.takeFile(row.FileName); fh != nil {
			var existing *models.StagedFile
			h.deps.Sessions.View(sid, func(s *session.State) { existing = s.StagedFor(uid) })

			src, err := fh.Open()
			if err != nil {
				return nil, NewInternalError("reading uploaded file "+row.FileName, err)
			}
			staged, err := h.deps.Staging.StageForRow(existing, row.FileName, src)
			src.Close()
			if err != nil {
				return nil, NewInternalError("staging "+row.FileName, err)
			}

			row.Token = staged.Token
			h.deps.Sessions.Mutate(sid, func(s *session.State) { s.Staged[uid] = staged })
		} else if row.Token == "" {
			// A retry row without a fresh file: fall back to whatever
			// the session still has staged for it.
			h.deps.Sessions.View(sid, func(s *session.State) {
				if staged := s.StagedFor(uid); staged != nil {
					row.Token = staged.Token
				}
			})
		}

		rows = append(rows, row)
	}
	return rows, nil
}

// applyOutcomes updates the session table: uploaded rows free their
// staged file and leave the table, failed rows keep it for retry.
func (h *UploadHandlerImpl) applyOutcomes(sid string, outcomes []uploader.Outcome) models.UploadReport {
	report := models.UploadReport{Rows: make([]models.RowResult, 0, len(outcomes))}

	h.deps.Sessions.Mutate(sid, func(s *session.State) {
		for _, out := range outcomes {
			report.Rows = append(report.Rows, models.RowResult{
				UID:      out.Row.UID,
				FileName: out.Row.FileName,
				Status:   out.Status,
				Detail:   out.Detail,
			})

			if out.Uploaded() {
				report.Uploaded++
				if staged := s.StagedFor(out.Row.UID); staged != nil {
					h.deps.Staging.Delete(staged.Token)
				} else if out.Row.Token != "" {
					h.deps.Staging.Delete(out.Row.Token)
				}
				delete(s.Staged, out.Row.UID)
				delete(s.PendingRows, out.Row.UID)
				s.RecordUpload(out.Resolved.Project, out.Resolved.Subject, out.Resolved.Session)
				continue
			}

			report.Failed++
			if pending := s.PendingRows[out.Row.UID]; pending != nil {
				pending.Reason = out.Detail
				pending.UpdatedAt = time.Now()
			}
		}
		report.ReloadURLs = reloadURLs(h.deps.baseURL(), s.Uploaded)
	})

	return report
}

func (h *UploadHandlerImpl) historyRecorder() uploader.Recorder {
	if h.deps.History == nil {
		return nil
	}
	return h.deps.History
}

func (h *UploadHandlerImpl) progressPublisher() uploader.Publisher {
	if h.deps.Progress == nil {
		return nil
	}
	return h.deps.Progress
}
