package adapters

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

const (
	defaultYear     = 2024
	samplePublisher = "ScholarStack Demo"
	sampleNote      = "Seeded demo value; verify with official report."
)

type stat struct {
	name  string
	value any
}

// fixture describes a publisher whose figures are seeded rather than fetched.
// Param names listed in overrides may replace the matching default.
type fixture struct {
	key          string
	cohort       harvest.Cohort
	campus       string
	major        string
	discipline   string
	sourceSchool string
	schoolType   harvest.SchoolType
	term         string
	stats        []stat
	overrides    map[string]string
}

func (f fixture) adapter(now func() time.Time) harvest.Adapter {
	return func(ctx context.Context, params harvest.Params) (harvest.Result, error) {
		if err := ctx.Err(); err != nil {
			return harvest.Result{}, fmt.Errorf("%s: %w", f.key, err)
		}
		year, err := yearParam(params)
		if err != nil {
			return harvest.Result{}, fmt.Errorf("%s: %w", f.key, err)
		}
		resolved := f
		for param, field := range f.overrides {
			v := params.Get(param, "")
			if v == "" {
				continue
			}
			switch field {
			case "campus":
				resolved.campus = v
			case "major":
				resolved.major = v
			case "discipline":
				resolved.discipline = v
			case "source_school":
				resolved.sourceSchool = v
			}
		}
		return resolved.build(year, now()), nil
	}
}

func (f fixture) build(year int, at time.Time) harvest.Result {
	subject := f.major
	if subject == "" {
		subject = f.discipline
	}
	title := strings.TrimSpace(fmt.Sprintf("%s harvest for %s %s", f.key, f.campus, subject))
	result := harvest.Result{
		Dataset: harvest.DatasetPayload{
			Title:  title,
			Year:   year,
			Term:   f.term,
			Cohort: f.cohort,
			Notes:  fmt.Sprintf("Automated sample from %s on %s.", f.key, at.UTC().Format(time.DateOnly)),
		},
		Metrics: make([]harvest.MetricPayload, 0, len(f.stats)),
	}
	for _, s := range f.stats {
		value := harvest.CoerceValue(s.value)
		unit := ""
		if _, numeric := value.(harvest.NumericValue); numeric {
			unit = unitFor(s.name)
		}
		result.Metrics = append(result.Metrics, harvest.MetricPayload{
			Campus:       f.campus,
			Major:        f.major,
			Discipline:   f.discipline,
			SourceSchool: f.sourceSchool,
			SchoolType:   f.schoolType,
			Cohort:       f.cohort,
			StatName:     s.name,
			Value:        value,
			Unit:         unit,
			Percentile:   percentileFor(s.name),
			Year:         year,
			Term:         f.term,
			Citations: []harvest.CitationPayload{{
				Title:              fmt.Sprintf("%s Metric %s", f.key, s.name),
				Publisher:          samplePublisher,
				Year:               year,
				SourceURL:          fmt.Sprintf("https://scholarstack.org/%s/%s", f.key, s.name),
				InterpretationNote: sampleNote,
			}},
		})
	}
	return result
}

// yearParam reads "since", then "year", defaulting to 2024.
func yearParam(params harvest.Params) (int, error) {
	raw := params.Get("since", params.Get("year", ""))
	if raw == "" {
		return defaultYear, nil
	}
	year, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || year < 1900 || year > 2200 {
		return 0, fmt.Errorf("invalid year %q", raw)
	}
	return year, nil
}

func unitFor(statName string) string {
	lower := strings.ToLower(statName)
	switch {
	case strings.HasSuffix(lower, "rate"):
		return "percent"
	case strings.Contains(lower, "gpa"):
		return "GPA"
	default:
		return "headcount"
	}
}

func percentileFor(statName string) string {
	lower := strings.ToLower(statName)
	for _, p := range []string{"p25", "p50", "p75"} {
		if strings.HasSuffix(lower, "_"+p) {
			return p
		}
	}
	return ""
}
