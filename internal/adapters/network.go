package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	collyfetcher "github.com/JakeFAU/scholar-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

// DocumentFetcher retrieves a publisher document subject to a MIME allow list.
type DocumentFetcher interface {
	Fetch(ctx context.Context, rawURL string, allowed []string) (collyfetcher.Document, error)
}

var errNoMetrics = errors.New("no metrics matched the requested filters")

type ipedsPayload struct {
	Citation struct {
		Title              string `json:"title"`
		Publisher          string `json:"publisher"`
		Year               int    `json:"year"`
		URL                string `json:"url"`
		InterpretationNote string `json:"interpretation_note"`
	} `json:"citation"`
	Metrics []struct {
		MetricKey  string          `json:"metric_key"`
		Year       int             `json:"year"`
		Value      json.RawMessage `json:"value"`
		CampusSlug string          `json:"campus_slug"`
		CampusName string          `json:"campus_name"`
	} `json:"metrics"`
}

// ipedsAdapter reads the IPEDS completions JSON feed. Recognized params:
// since (minimum metric year) and campus (slug or display name).
func ipedsAdapter(src harvest.SourceConfig, fetcher DocumentFetcher) harvest.Adapter {
	return func(ctx context.Context, params harvest.Params) (harvest.Result, error) {
		doc, err := fetcher.Fetch(ctx, src.Endpoint, src.AllowedMIME)
		if err != nil {
			return harvest.Result{}, fmt.Errorf("ipeds fetch: %w", err)
		}
		var payload ipedsPayload
		if err := json.Unmarshal(doc.Body, &payload); err != nil {
			return harvest.Result{}, fmt.Errorf("ipeds decode: %w", err)
		}
		since, err := optionalYear(params, "since")
		if err != nil {
			return harvest.Result{}, fmt.Errorf("ipeds: %w", err)
		}
		campus := strings.ToLower(params.Get("campus", ""))

		citation := harvest.CitationPayload{
			Title:              payload.Citation.Title,
			Publisher:          payload.Citation.Publisher,
			Year:               payload.Citation.Year,
			SourceURL:          payload.Citation.URL,
			InterpretationNote: payload.Citation.InterpretationNote,
		}
		result := harvest.Result{Files: []string{doc.URL}, Fetched: []harvest.FetchedFile{fetchedFile(doc)}}
		latest := 0
		for _, m := range payload.Metrics {
			if m.Year < since {
				continue
			}
			if campus != "" && campus != strings.ToLower(m.CampusSlug) && campus != strings.ToLower(m.CampusName) {
				continue
			}
			value := harvest.CoerceValue(m.Value)
			if !harvest.HasValue(value) {
				result.Warnings = append(result.Warnings, fmt.Sprintf("skipped %s for %s: empty value", m.MetricKey, m.CampusSlug))
				continue
			}
			unit := ""
			if _, numeric := value.(harvest.NumericValue); numeric {
				unit = unitFor(m.MetricKey)
			}
			result.Metrics = append(result.Metrics, harvest.MetricPayload{
				Campus:     m.CampusName,
				Cohort:     harvest.CohortFreshman,
				StatName:   m.MetricKey,
				Value:      value,
				Unit:       unit,
				Percentile: percentileFor(m.MetricKey),
				Year:       m.Year,
				Term:       "Academic Year",
				Notes:      "campus_slug=" + m.CampusSlug,
				Citations:  []harvest.CitationPayload{citation},
			})
			if m.Year > latest {
				latest = m.Year
			}
		}
		if len(result.Metrics) == 0 {
			return harvest.Result{}, fmt.Errorf("ipeds: %w", errNoMetrics)
		}
		result.Dataset = harvest.DatasetPayload{
			Title:  "IPEDS Completions",
			Year:   latest,
			Term:   "Academic Year",
			Cohort: harvest.CohortFreshman,
			Notes:  "IPEDS completions by campus",
		}
		return result, nil
	}
}

var nonWord = regexp.MustCompile(`[^a-z0-9]+`)

// statKey turns a table label such as "ADT Awards (count)" into adt_awards_count.
func statKey(label string) string {
	return strings.Trim(nonWord.ReplaceAllString(strings.ToLower(label), "_"), "_")
}

// ccccoHTMLAdapter reads the first two-column statistics table on the source
// endpoint. Recognized params: since/year and campus.
func ccccoHTMLAdapter(src harvest.SourceConfig, fetcher DocumentFetcher, now func() time.Time) harvest.Adapter {
	return func(ctx context.Context, params harvest.Params) (harvest.Result, error) {
		year, err := yearParam(params)
		if err != nil {
			return harvest.Result{}, fmt.Errorf("cccco_html: %w", err)
		}
		doc, err := fetcher.Fetch(ctx, src.Endpoint, src.AllowedMIME)
		if err != nil {
			return harvest.Result{}, fmt.Errorf("cccco_html fetch: %w", err)
		}
		campus := params.Get("campus", "All CCCs")
		result := harvest.Result{Files: []string{doc.URL}, Fetched: []harvest.FetchedFile{fetchedFile(doc)}}
		for _, table := range doc.Tables {
			title := table.Caption
			if title == "" {
				title = src.Name
			}
			citation := harvest.CitationPayload{
				Title:     title,
				Publisher: src.Publisher,
				Year:      year,
				SourceURL: doc.URL,
			}
			for i, row := range table.Rows {
				if len(row) < 2 {
					result.Warnings = append(result.Warnings, fmt.Sprintf("%s row %d: expected label and value", title, i+1))
					continue
				}
				name := statKey(row[0])
				if name == "" {
					continue
				}
				value := harvest.CoerceValue(strings.ReplaceAll(row[1], ",", ""))
				if !harvest.HasValue(value) {
					result.Warnings = append(result.Warnings, fmt.Sprintf("%s: %s has no value", title, name))
					continue
				}
				unit := ""
				if _, numeric := value.(harvest.NumericValue); numeric {
					unit = unitFor(name)
				} else {
					value = harvest.TextValue(row[1])
				}
				result.Metrics = append(result.Metrics, harvest.MetricPayload{
					Campus:     campus,
					Cohort:     harvest.CohortTransfer,
					StatName:   name,
					Value:      value,
					Unit:       unit,
					Percentile: percentileFor(name),
					Year:       year,
					Term:       "Academic Year",
					Citations:  []harvest.CitationPayload{citation},
				})
			}
			if len(result.Metrics) > 0 {
				break
			}
		}
		if len(result.Metrics) == 0 {
			return harvest.Result{}, fmt.Errorf("cccco_html: %w", errNoMetrics)
		}
		result.Dataset = harvest.DatasetPayload{
			Title:  fmt.Sprintf("%s harvest for %s", src.Key, campus),
			Year:   year,
			Term:   "Academic Year",
			Cohort: harvest.CohortTransfer,
			Notes:  fmt.Sprintf("Scraped from %s on %s.", doc.URL, now().UTC().Format(time.DateOnly)),
		}
		return result, nil
	}
}

func optionalYear(params harvest.Params, key string) (int, error) {
	if params.Get(key, "") == "" {
		return 0, nil
	}
	return yearParam(harvest.Params{"year": params[key]})
}

func fetchedFile(doc collyfetcher.Document) harvest.FetchedFile {
	return harvest.FetchedFile{
		URL:        doc.URL,
		MIME:       doc.ContentType,
		HTTPStatus: doc.StatusCode,
		Bytes:      len(doc.Body),
	}
}
