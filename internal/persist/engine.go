// Package persist lands a harvest.Result in the store atomically and
// idempotently, keyed by the natural identity of each dataset, metric and
// citation.
package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

// Outcome summarizes one Apply call.
type Outcome struct {
	DatasetID int64
	// Written counts metric rows inserted or updated.
	Written           int
	Inserted          int
	CitationsAdded    int
	CitationsAbsorbed int
	// Files counts file_ingest rows written for the dataset.
	Files int
}

// Engine validates and upserts harvest results.
type Engine struct {
	store    harvest.Store
	validate *validator.Validate
	now      func() time.Time
	logger   *zap.Logger
}

// NewEngine builds an Engine over store.
func NewEngine(store harvest.Store, clock harvest.Clock, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Engine{
		store:    store,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      now,
		logger:   logger,
	}
}

// Validate checks every payload in result without touching the store.
func (e *Engine) Validate(result harvest.Result) error {
	var problems []string
	if err := e.validate.Struct(result.Dataset); err != nil {
		problems = append(problems, describe("dataset", err)...)
	}
	if len(result.Metrics) == 0 {
		problems = append(problems, "metrics: at least one metric required")
	}
	for i, m := range result.Metrics {
		prefix := fmt.Sprintf("metrics[%d]", i)
		if m.StatName != "" {
			prefix = fmt.Sprintf("metrics[%d](%s)", i, m.StatName)
		}
		if err := e.validate.Struct(m); err != nil {
			problems = append(problems, describe(prefix, err)...)
		}
		if !harvest.HasValue(m.Value) {
			problems = append(problems, prefix+".value: numeric or text value required")
		}
	}
	if len(problems) > 0 {
		return harvest.Wrap(harvest.ErrValidationFailed, "%s", strings.Join(problems, "; "))
	}
	return nil
}

func describe(prefix string, err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{fmt.Sprintf("%s: %v", prefix, err)}
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		tag := fe.Tag()
		if fe.Param() != "" {
			tag += "=" + fe.Param()
		}
		out = append(out, fmt.Sprintf("%s.%s: %s", prefix, strings.ToLower(field), tag))
	}
	return out
}

// Apply validates result and upserts source, dataset, metrics and citations
// in one transaction. Nothing is written when validation fails, and any
// store error rolls back the whole call.
func (e *Engine) Apply(ctx context.Context, result harvest.Result, src harvest.SourceConfig) (Outcome, error) {
	if err := e.Validate(result); err != nil {
		return Outcome{}, err
	}
	retrievedAt := e.now()
	var out Outcome
	err := e.store.InTx(ctx, func(tx harvest.HarvestTx) error {
		out = Outcome{}
		sourceID, err := tx.UpsertSource(ctx, src)
		if err != nil {
			return fmt.Errorf("upsert source %s: %w", src.Name, err)
		}
		ds := result.Dataset
		datasetID, _, err := tx.UpsertDataset(ctx, harvest.Dataset{
			SourceID: sourceID,
			Title:    ds.Title,
			Year:     ds.Year,
			Term:     ds.Term,
			Cohort:   ds.Cohort,
			Notes:    ds.Notes,
		})
		if err != nil {
			return fmt.Errorf("upsert dataset %q: %w", ds.Title, err)
		}
		out.DatasetID = datasetID
		for _, payload := range result.Metrics {
			metricID, inserted, err := tx.UpsertMetric(ctx, toMetric(datasetID, payload))
			if err != nil {
				return fmt.Errorf("upsert metric %s/%s: %w", payload.Campus, payload.StatName, err)
			}
			out.Written++
			if inserted {
				out.Inserted++
			}
			for _, c := range payload.Citations {
				_, added, err := tx.UpsertCitation(ctx, harvest.Citation{
					MetricID:           metricID,
					Title:              c.Title,
					Publisher:          c.Publisher,
					Year:               c.Year,
					SourceURL:          c.SourceURL,
					InterpretationNote: c.InterpretationNote,
					RetrievedAt:        retrievedAt,
				})
				if err != nil {
					return fmt.Errorf("upsert citation %q: %w", c.Title, err)
				}
				if added {
					out.CitationsAdded++
				} else {
					out.CitationsAbsorbed++
				}
			}
		}
		for _, f := range ingestedFiles(result, src) {
			f.DatasetID = datasetID
			f.FetchedAt = retrievedAt
			f.Status = harvest.FileIngestStatusOK
			if _, _, err := tx.UpsertFileIngest(ctx, f); err != nil {
				return fmt.Errorf("upsert file ingest %s: %w", f.URL, err)
			}
			out.Files++
		}
		return nil
	})
	if err != nil {
		return Outcome{}, harvest.WrapCause(harvest.ErrPersistenceFailed, err, "apply harvest result")
	}
	e.logger.Info("harvest result applied",
		zap.Int64("dataset_id", out.DatasetID),
		zap.Int("metrics_written", out.Written),
		zap.Int("metrics_inserted", out.Inserted),
		zap.Int("citations_added", out.CitationsAdded),
		zap.Int("files", out.Files),
	)
	return out, nil
}

// ingestedFiles lists one row per document behind result. Fetched responses
// carry their metadata; other files are recorded by URL alone. A result that
// names no file is recorded under the source's harvest URL.
func ingestedFiles(result harvest.Result, src harvest.SourceConfig) []harvest.FileIngest {
	var out []harvest.FileIngest
	seen := make(map[string]bool, len(result.Fetched)+len(result.Files))
	for _, f := range result.Fetched {
		if f.URL == "" || seen[f.URL] {
			continue
		}
		seen[f.URL] = true
		out = append(out, harvest.FileIngest{URL: f.URL, MIME: f.MIME, Bytes: f.Bytes, HTTPStatus: f.HTTPStatus})
	}
	for _, u := range result.Files {
		if u == "" || seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, harvest.FileIngest{URL: u})
	}
	if len(out) == 0 {
		f := harvest.FileIngest{URL: src.HarvestURL()}
		if len(src.AllowedMIME) > 0 {
			f.MIME = src.AllowedMIME[0]
		}
		out = append(out, f)
	}
	return out
}

func toMetric(datasetID int64, p harvest.MetricPayload) harvest.Metric {
	num, text := harvest.SplitValue(p.Value)
	return harvest.Metric{
		DatasetID:        datasetID,
		Campus:           p.Campus,
		Major:            p.Major,
		Discipline:       p.Discipline,
		SourceSchool:     p.SourceSchool,
		SchoolType:       p.SchoolType,
		Cohort:           p.Cohort,
		StatName:         p.StatName,
		StatValueNumeric: num,
		StatValueText:    text,
		Unit:             p.Unit,
		Percentile:       p.Percentile,
		Year:             p.Year,
		Term:             p.Term,
		Notes:            p.Notes,
	}
}
