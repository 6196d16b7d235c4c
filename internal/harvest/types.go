package harvest

import (
	"context"
	"strings"
	"time"
)

// RunStatus represents the lifecycle state of a harvest run.
type RunStatus string

// Run status values persisted in runlog.status.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Cohort identifies the admissions population a statistic describes.
type Cohort string

// Supported cohorts.
const (
	CohortFreshman Cohort = "freshman"
	CohortTransfer Cohort = "transfer"
)

// SchoolType classifies the school applicants came from.
type SchoolType string

// Supported school types.
const (
	SchoolTypeHighSchool       SchoolType = "HighSchool"
	SchoolTypeCommunityCollege SchoolType = "CommunityCollege"
	SchoolTypeOther            SchoolType = "Other"
)

// Params are caller-supplied adapter parameters. Unrecognized keys are ignored.
type Params map[string]string

// Get returns the value for key or def when missing or blank.
func (p Params) Get(key, def string) string {
	if v, ok := p[key]; ok && v != "" {
		return v
	}
	return def
}

// Clone returns a shallow copy safe to hand to an adapter.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// SourceConfig identifies one external publisher. It is immutable for the
// duration of a run.
type SourceConfig struct {
	Key         string        `json:"key" mapstructure:"key"`
	Name        string        `json:"name" mapstructure:"name"`
	Publisher   string        `json:"publisher" mapstructure:"publisher"`
	BaseURL     string        `json:"base_url" mapstructure:"base_url"`
	Endpoint    string        `json:"endpoint,omitempty" mapstructure:"endpoint"`
	TermsURL    string        `json:"terms_url,omitempty" mapstructure:"terms_url"`
	Throttle    time.Duration `json:"throttle" mapstructure:"throttle"`
	AllowedMIME []string      `json:"allowed_mime" mapstructure:"allowed_mime"`
}

// HarvestURL is the synthetic document URL that stands for one harvest of
// the source.
func (s SourceConfig) HarvestURL() string {
	return strings.TrimRight(s.BaseURL, "/") + "/harvest/" + s.Key
}

// RobotsDecision is the cached outcome of evaluating a host's robots rules.
type RobotsDecision struct {
	URL       string    `json:"url"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason"`
	DecidedAt time.Time `json:"decided_at"`
}

// CitationPayload points a metric back to the document it was read from.
type CitationPayload struct {
	Title              string `json:"title" validate:"required"`
	Publisher          string `json:"publisher" validate:"required"`
	Year               int    `json:"year" validate:"required,gte=1900,lte=2200"`
	SourceURL          string `json:"source_url" validate:"required,url"`
	InterpretationNote string `json:"interpretation_note,omitempty"`
}

// MetricPayload is one normalized statistic produced by an adapter.
type MetricPayload struct {
	Campus       string            `json:"campus" validate:"required"`
	Major        string            `json:"major,omitempty"`
	Discipline   string            `json:"discipline,omitempty"`
	SourceSchool string            `json:"source_school,omitempty"`
	SchoolType   SchoolType        `json:"school_type,omitempty" validate:"omitempty,oneof=HighSchool CommunityCollege Other"`
	Cohort       Cohort            `json:"cohort" validate:"required,oneof=freshman transfer"`
	StatName     string            `json:"stat_name" validate:"required"`
	Value        Value             `json:"value" validate:"-"`
	Unit         string            `json:"unit,omitempty"`
	Percentile   string            `json:"percentile,omitempty"`
	Year         int               `json:"year" validate:"required,gte=1900,lte=2200"`
	Term         string            `json:"term" validate:"required"`
	Notes        string            `json:"notes,omitempty"`
	Citations    []CitationPayload `json:"citations" validate:"min=1,dive"`
}

// DatasetPayload describes the unit of output for one harvest.
type DatasetPayload struct {
	Title  string `json:"title" validate:"required"`
	Year   int    `json:"year" validate:"required,gte=1900,lte=2200"`
	Term   string `json:"term" validate:"required"`
	Cohort Cohort `json:"cohort" validate:"required,oneof=freshman transfer"`
	Notes  string `json:"notes,omitempty"`
}

// Result is the normalized output of one adapter invocation.
type Result struct {
	Dataset DatasetPayload  `json:"dataset"`
	Metrics []MetricPayload `json:"metrics"`
	// Files lists the documents the adapter read, for the provenance ledger.
	Files []string `json:"files,omitempty"`
	// Fetched describes the HTTP responses behind Files, when there were any.
	Fetched  []FetchedFile `json:"fetched,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// FetchedFile is the response metadata of one document an adapter read.
type FetchedFile struct {
	URL        string `json:"url"`
	MIME       string `json:"mime,omitempty"`
	HTTPStatus int    `json:"http_status,omitempty"`
	Bytes      int    `json:"bytes,omitempty"`
}

// Dataset is a persisted dataset row.
type Dataset struct {
	ID       int64
	SourceID int64
	Title    string
	Year     int
	Term     string
	Cohort   Cohort
	Notes    string
}

// Metric is a persisted metric row.
type Metric struct {
	ID               int64
	DatasetID        int64
	Campus           string
	Major            string
	Discipline       string
	SourceSchool     string
	SchoolType       SchoolType
	Cohort           Cohort
	StatName         string
	StatValueNumeric *float64
	StatValueText    *string
	Unit             string
	Percentile       string
	Year             int
	Term             string
	Notes            string
}

// Citation is a persisted citation row.
type Citation struct {
	ID                 int64
	MetricID           int64
	Title              string
	Publisher          string
	Year               int
	SourceURL          string
	InterpretationNote string
	RetrievedAt        time.Time
}

// FileIngestStatusOK marks a file whose contents landed in the dataset.
const FileIngestStatusOK = "ok"

// FileIngest is a persisted file_ingest row: one document behind a dataset.
type FileIngest struct {
	ID         int64
	DatasetID  int64
	URL        string
	FetchedAt  time.Time
	MIME       string
	Bytes      int
	HTTPStatus int
	Status     string
}

// RunLog is the lifecycle record of one runner invocation.
type RunLog struct {
	ID         int64      `json:"id"`
	Adapter    string     `json:"adapter"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     RunStatus  `json:"status"`
	NewRecords int        `json:"new_records"`
	DatasetID  *int64     `json:"dataset_id,omitempty"`
	Message    string     `json:"message,omitempty"`
	Warnings   []string   `json:"warnings,omitempty"`
}

// ProvenanceEntry is one append-only ledger row.
type ProvenanceEntry struct {
	RunID      int64
	SourceName string
	Files      []string
	Warnings   []string
}

// Adapter translates one publisher's data into a Result. Adapters never touch
// the store and make no compliance or throttle decisions.
type Adapter func(ctx context.Context, params Params) (Result, error)

// Job asks for one adapter invocation; batches of jobs are fanned out over a
// worker pool.
type Job struct {
	Adapter string `json:"adapter"`
	Params  Params `json:"params,omitempty"`
}
