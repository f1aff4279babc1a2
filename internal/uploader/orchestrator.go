// Package uploader drives submitted rows through resolve, validate and
// upload against the XNAT archive.
package uploader

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mrs-uploader/backend/internal/match"
	"github.com/mrs-uploader/backend/internal/models"
	"github.com/mrs-uploader/backend/internal/rda"
	"github.com/mrs-uploader/backend/internal/staging"
	"github.com/mrs-uploader/backend/internal/xnat"
)

// DICOM tags fetched through the dicomdump service.
const (
	fieldImageType  = "00080008"
	fieldStudyDate  = "00080020"
	fieldSeriesDesc = "0008103E"
)

// ResourceLabel is the scan resource MRS raw data is filed under.
const ResourceLabel = "MRS"

// Archive is the slice of the XNAT client the orchestrator needs.
type Archive interface {
	DicomDump(ctx context.Context, project, subject, experiment, scan, field string) ([]string, xnat.Result)
	EnsureResource(ctx context.Context, project, subject, experiment, scan, resource string) xnat.Result
	UploadFile(ctx context.Context, project, subject, experiment, scan, resource, fileName string, data []byte) xnat.Result
}

// Recorder persists per-row outcomes for the history view.
type Recorder interface {
	Record(ctx context.Context, rec models.HistoryRecord) error
}

// Publisher pushes progress events to connected browsers.
type Publisher interface {
	Publish(models.ProgressEvent)
}

// Row is one submitted table row. Identifier fields are user overrides
// and win over anything derived from the staged RDA header.
type Row struct {
	UID        string
	FileName   string
	Token      string
	ScanID     string
	SeriesDesc string
	Project    string
	Subject    string
	Experiment string
}

// Outcome is the terminal state of one processed row.
type Outcome struct {
	Row      Row
	Kind     models.FileKind
	Status   models.RowStatus
	Detail   string
	Resolved rda.Identity
}

// Uploaded reports whether the row's file reached the archive.
func (o Outcome) Uploaded() bool { return o.Status == models.RowStatusUploaded }

// Orchestrator processes upload rows one at a time, the way a user
// watches them tick through the table.
type Orchestrator struct {
	staging  staging.Store
	archive  Archive
	history  Recorder
	progress Publisher
	logger   *log.Logger
}

// New assembles an orchestrator. history and progress may be nil.
func New(store staging.Store, archive Archive, history Recorder, progress Publisher, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		staging:  store,
		archive:  archive,
		history:  history,
		progress: progress,
		logger:   logger,
	}
}

// resolved is a row with its identity worked out from header and
// overrides.
type resolved struct {
	row           Row
	kind          models.FileKind
	identity      rda.Identity
	skipDateCheck bool
	failed        string
}

// Process runs every row through the pipeline and returns the
// per-row outcomes in input order.
func (o *Orchestrator) Process(ctx context.Context, rows []Row) []Outcome {
	resolvedRows := o.resolveAll(rows)

	outcomes := make([]Outcome, len(rows))
	for i, r := range resolvedRows {
		outcomes[i] = o.processOne(ctx, r)
		o.record(ctx, outcomes[i])
	}
	return outcomes
}

// resolveAll computes every row's identity first, since DAT rows match
// against the RDA rows of the same submission.
func (o *Orchestrator) resolveAll(rows []Row) []resolved {
	out := make([]resolved, len(rows))

	// RDA rows first; they are the match candidates.
	var candidates []match.Candidate
	candidateIdentity := make(map[string]rda.Identity)
	for i, row := range rows {
		if models.KindForName(row.FileName) != models.FileKindRDA {
			continue
		}
		out[i] = o.resolveRDA(row)
		if out[i].failed != "" {
			continue
		}
		candidates = append(candidates, match.Candidate{
			UID:        row.UID,
			SeriesDesc: out[i].identity.SeriesDesc,
			ScanID:     out[i].identity.Scan,
		})
		candidateIdentity[row.UID] = out[i].identity
	}

	for i, row := range rows {
		if models.KindForName(row.FileName) == models.FileKindRDA {
			continue
		}
		out[i] = o.resolveDAT(row, candidates, candidateIdentity)
	}
	return out
}

func (o *Orchestrator) resolveRDA(row Row) resolved {
	r := resolved{row: row, kind: models.FileKindRDA}

	data, err := o.staging.Read(row.Token)
	if err != nil {
		r.failed = "staged file is gone; drop it again"
		return r
	}

	r.identity = rda.Derive(rda.ParseHeader(data))
	applyOverrides(&r.identity, row)
	return r
}

func (o *Orchestrator) resolveDAT(row Row, candidates []match.Candidate, identities map[string]rda.Identity) resolved {
	r := resolved{row: row, kind: models.FileKindDAT}

	if best, ok := match.Best(row.FileName, candidates); ok {
		r.identity = identities[best.UID]
	} else {
		// No header to lean on. The table can still carry the row if
		// the user filled in every identifier; the study-date check is
		// skipped because there is no RDA date to compare against.
		r.skipDateCheck = true
	}
	applyOverrides(&r.identity, row)

	if r.identity.Project == "" || r.identity.Subject == "" || r.identity.Session == "" || r.identity.Scan == "" {
		if r.skipDateCheck {
			r.failed = "no matching RDA header and identifiers incomplete"
		}
	}
	return r
}

// applyOverrides lets table edits win over derived values.
func applyOverrides(id *rda.Identity, row Row) {
	if row.Project != "" {
		id.Project = rda.Sanitize(row.Project)
	}
	if row.Subject != "" {
		id.Subject = rda.Sanitize(row.Subject)
	}
	if row.Experiment != "" {
		id.Session = rda.Sanitize(row.Experiment)
	}
	if row.ScanID != "" {
		id.Scan = strings.TrimSpace(row.ScanID)
	}
	if row.SeriesDesc != "" {
		id.SeriesDesc = row.SeriesDesc
	}
}

func (o *Orchestrator) processOne(ctx context.Context, r resolved) Outcome {
	outcome := Outcome{Row: r.row, Kind: r.kind, Resolved: r.identity}

	fail := func(detail string) Outcome {
		outcome.Status = models.RowStatusRejected
		outcome.Detail = detail
		o.publish(r.row, "failed", detail)
		return outcome
	}

	o.publish(r.row, "staged", "")

	if r.failed != "" {
		return fail(r.failed)
	}

	id := r.identity
	if id.Project == "" || id.Subject == "" || id.Session == "" || id.Scan == "" {
		return fail("project, subject, session and scan are all required")
	}

	staged, err := o.staging.Get(r.row.Token)
	if err != nil {
		return fail("staged file is gone; drop it again")
	}

	o.publish(r.row, "validating", "")
	if detail, ok := o.validate(ctx, id, r.skipDateCheck); !ok {
		return fail(detail)
	}

	data, err := o.staging.Read(r.row.Token)
	if err != nil {
		return fail("staged file is gone; drop it again")
	}

	o.publish(r.row, "uploading", "")
	if res := o.archive.EnsureResource(ctx, id.Project, id.Subject, id.Session, id.Scan, ResourceLabel); !res.OK {
		return fail("creating MRS resource failed: " + res.Message)
	}
	if res := o.archive.UploadFile(ctx, id.Project, id.Subject, id.Session, id.Scan, ResourceLabel, staged.Name, data); !res.OK {
		return fail("upload failed: " + res.Message)
	}

	o.logger.Info("uploaded", "file", staged.Name, "project", id.Project,
		"subject", id.Subject, "experiment", id.Session, "scan", id.Scan)

	outcome.Status = models.RowStatusUploaded
	o.publish(r.row, "uploaded", "")
	return outcome
}

// validate checks the target scan through dicomdump: it must be a
// spectroscopy scan, and when the RDA header carries a study date the
// archive's date must agree.
func (o *Orchestrator) validate(ctx context.Context, id rda.Identity, skipDateCheck bool) (string, bool) {
	imageTypes, res := o.archive.DicomDump(ctx, id.Project, id.Subject, id.Session, id.Scan, fieldImageType)
	if !res.OK {
		return "scan lookup failed: " + res.Message, false
	}
	if !containsFold(imageTypes, "SPECTROSCOPY") {
		if descs, res := o.archive.DicomDump(ctx, id.Project, id.Subject, id.Session, id.Scan, fieldSeriesDesc); res.OK && len(descs) > 0 {
			return fmt.Sprintf("scan %s (%s) is not a spectroscopy scan", id.Scan, descs[0]), false
		}
		return fmt.Sprintf("scan %s is not a spectroscopy scan", id.Scan), false
	}

	if !skipDateCheck && id.StudyDate != "" {
		dates, res := o.archive.DicomDump(ctx, id.Project, id.Subject, id.Session, id.Scan, fieldStudyDate)
		if !res.OK {
			return "study date lookup failed: " + res.Message, false
		}
		if len(dates) > 0 && normalizeDate(dates[0]) != normalizeDate(id.StudyDate) {
			return fmt.Sprintf("study date mismatch: archive has %s, header says %s",
				dates[0], id.StudyDate), false
		}
	}

	return "", true
}

func containsFold(values []string, want string) bool {
	for _, v := range values {
		if strings.Contains(strings.ToUpper(v), want) {
			return true
		}
	}
	return false
}

// normalizeDate strips separators so 2024-01-15 and 20240115 compare
// equal.
func normalizeDate(s string) string {
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, ".", "")
	return strings.ReplaceAll(s, " ", "")
}

func (o *Orchestrator) publish(row Row, stage, message string) {
	if o.progress == nil {
		return
	}
	o.progress.Publish(models.ProgressEvent{
		UID:      row.UID,
		FileName: row.FileName,
		Stage:    stage,
		Message:  message,
		Time:     time.Now().UnixMilli(),
	})
}

func (o *Orchestrator) record(ctx context.Context, outcome Outcome) {
	if o.history == nil {
		return
	}
	err := o.history.Record(ctx, models.HistoryRecord{
		At:         time.Now(),
		FileName:   outcome.Row.FileName,
		Kind:       outcome.Kind,
		Project:    outcome.Resolved.Project,
		Subject:    outcome.Resolved.Subject,
		Experiment: outcome.Resolved.Session,
		Scan:       outcome.Resolved.Scan,
		Status:     outcome.Status,
		Detail:     outcome.Detail,
	})
	if err != nil {
		o.logger.Warn("history record failed", "err", err)
	}
}
