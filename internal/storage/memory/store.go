package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/scholar-harvester/internal/harvest"
)

type datasetKey struct {
	title  string
	year   int
	cohort harvest.Cohort
	term   string
}

type metricKey struct {
	datasetID    int64
	campus       string
	major        string
	discipline   string
	sourceSchool string
	statName     string
	year         int
	term         string
}

type citationKey struct {
	metricID  int64
	title     string
	sourceURL string
}

type fileKey struct {
	datasetID int64
	url       string
}

type sourceRow struct {
	id  int64
	cfg harvest.SourceConfig
}

// state is the full relational content. Transactions work on a clone and
// swap it in on success.
type state struct {
	nextID    int64
	sources   map[string]sourceRow
	datasets  map[datasetKey]harvest.Dataset
	metrics   map[metricKey]harvest.Metric
	citations map[citationKey]harvest.Citation
	files     map[fileKey]harvest.FileIngest
}

func newState() *state {
	return &state{
		sources:   make(map[string]sourceRow),
		datasets:  make(map[datasetKey]harvest.Dataset),
		metrics:   make(map[metricKey]harvest.Metric),
		citations: make(map[citationKey]harvest.Citation),
		files:     make(map[fileKey]harvest.FileIngest),
	}
}

func (s *state) clone() *state {
	out := &state{
		nextID:    s.nextID,
		sources:   make(map[string]sourceRow, len(s.sources)),
		datasets:  make(map[datasetKey]harvest.Dataset, len(s.datasets)),
		metrics:   make(map[metricKey]harvest.Metric, len(s.metrics)),
		citations: make(map[citationKey]harvest.Citation, len(s.citations)),
		files:     make(map[fileKey]harvest.FileIngest, len(s.files)),
	}
	for k, v := range s.sources {
		out.sources[k] = v
	}
	for k, v := range s.datasets {
		out.datasets[k] = v
	}
	for k, v := range s.metrics {
		out.metrics[k] = v
	}
	for k, v := range s.citations {
		out.citations[k] = v
	}
	for k, v := range s.files {
		out.files[k] = v
	}
	return out
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store is an in-memory harvest.Store with all-or-nothing transactions.
type Store struct {
	txMu sync.Mutex // serializes writers
	mu   sync.RWMutex
	data *state

	runMu  sync.RWMutex
	runSeq int64
	runs   map[int64]harvest.RunLog
	now    func() time.Time
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		data: newState(),
		runs: make(map[int64]harvest.RunLog),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// InTx implements harvest.Store.
func (s *Store) InTx(ctx context.Context, fn func(tx harvest.HarvestTx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	working := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&tx{state: working}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.mu.Lock()
	s.data = working
	s.mu.Unlock()
	return nil
}

type tx struct {
	state *state
}

func (t *tx) UpsertSource(_ context.Context, src harvest.SourceConfig) (int64, error) {
	row, ok := t.state.sources[src.Name]
	if !ok {
		row.id = t.state.id()
	}
	row.cfg = src
	t.state.sources[src.Name] = row
	return row.id, nil
}

func (t *tx) UpsertDataset(_ context.Context, ds harvest.Dataset) (int64, bool, error) {
	key := datasetKey{title: ds.Title, year: ds.Year, cohort: ds.Cohort, term: ds.Term}
	existing, ok := t.state.datasets[key]
	if ok {
		existing.Notes = ds.Notes
		existing.SourceID = ds.SourceID
		t.state.datasets[key] = existing
		return existing.ID, false, nil
	}
	ds.ID = t.state.id()
	t.state.datasets[key] = ds
	return ds.ID, true, nil
}

func (t *tx) UpsertMetric(_ context.Context, m harvest.Metric) (int64, bool, error) {
	key := metricKey{
		datasetID: m.DatasetID, campus: m.Campus, major: m.Major, discipline: m.Discipline,
		sourceSchool: m.SourceSchool, statName: m.StatName, year: m.Year, term: m.Term,
	}
	existing, ok := t.state.metrics[key]
	if ok {
		m.ID = existing.ID
		t.state.metrics[key] = m
		return m.ID, false, nil
	}
	m.ID = t.state.id()
	t.state.metrics[key] = m
	return m.ID, true, nil
}

func (t *tx) UpsertCitation(_ context.Context, c harvest.Citation) (int64, bool, error) {
	key := citationKey{metricID: c.MetricID, title: c.Title, sourceURL: c.SourceURL}
	if existing, ok := t.state.citations[key]; ok {
		return existing.ID, false, nil
	}
	c.ID = t.state.id()
	t.state.citations[key] = c
	return c.ID, true, nil
}

func (t *tx) UpsertFileIngest(_ context.Context, f harvest.FileIngest) (int64, bool, error) {
	key := fileKey{datasetID: f.DatasetID, url: f.URL}
	if existing, ok := t.state.files[key]; ok {
		f.ID = existing.ID
		t.state.files[key] = f
		return f.ID, false, nil
	}
	f.ID = t.state.id()
	t.state.files[key] = f
	return f.ID, true, nil
}

// CreateRun implements harvest.Store.
func (s *Store) CreateRun(_ context.Context, adapter string, startedAt time.Time) (harvest.RunLog, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.runSeq++
	run := harvest.RunLog{
		ID:        s.runSeq,
		Adapter:   adapter,
		StartedAt: startedAt,
		Status:    harvest.RunStatusRunning,
	}
	s.runs[run.ID] = run
	return run, nil
}

// FinishRun implements harvest.Store.
func (s *Store) FinishRun(_ context.Context, run harvest.RunLog) (harvest.RunLog, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	existing, ok := s.runs[run.ID]
	if !ok {
		return harvest.RunLog{}, fmt.Errorf("run %d: %w", run.ID, harvest.ErrNotFound)
	}
	if existing.Status.Terminal() {
		return existing, nil
	}
	if !run.Status.Terminal() {
		return harvest.RunLog{}, fmt.Errorf("run %d: status %q is not terminal", run.ID, run.Status)
	}
	finished := s.now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	existing.Status = run.Status
	existing.FinishedAt = &finished
	existing.NewRecords = run.NewRecords
	existing.Message = run.Message
	existing.Warnings = append([]string(nil), run.Warnings...)
	existing.DatasetID = run.DatasetID
	s.runs[run.ID] = existing
	return existing, nil
}

// GetRun implements harvest.Store.
func (s *Store) GetRun(_ context.Context, id int64) (harvest.RunLog, error) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return harvest.RunLog{}, fmt.Errorf("run %d: %w", id, harvest.ErrNotFound)
	}
	return run, nil
}

// ListRuns implements harvest.Store. Newest runs come first.
func (s *Store) ListRuns(_ context.Context, adapter string, limit int) ([]harvest.RunLog, error) {
	s.runMu.RLock()
	defer s.runMu.RUnlock()
	out := make([]harvest.RunLog, 0, len(s.runs))
	for _, run := range s.runs {
		if adapter == "" || run.Adapter == adapter {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Datasets returns every dataset ordered by ID.
func (s *Store) Datasets() []harvest.Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]harvest.Dataset, 0, len(s.data.datasets))
	for _, d := range s.data.datasets {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Metrics returns the metrics of datasetID ordered by ID.
func (s *Store) Metrics(datasetID int64) []harvest.Metric {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Metric
	for _, m := range s.data.metrics {
		if m.DatasetID == datasetID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Citations returns the citations of metricID ordered by ID.
func (s *Store) Citations(metricID int64) []harvest.Citation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.Citation
	for _, c := range s.data.citations {
		if c.MetricID == metricID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Files returns the file_ingest rows of datasetID ordered by ID.
func (s *Store) Files(datasetID int64) []harvest.FileIngest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []harvest.FileIngest
	for _, f := range s.data.files {
		if f.DatasetID == datasetID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SourceID returns the ID of the named source.
func (s *Store) SourceID(name string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.data.sources[name]
	return row.id, ok
}
