// Package runner drives one harvest invocation through gating, throttling,
// fetching and persistence, and records the outcome on the run log.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/scholar-harvester/internal/adapters"
	"github.com/JakeFAU/scholar-harvester/internal/harvest"
	"github.com/JakeFAU/scholar-harvester/internal/metrics"
	"github.com/JakeFAU/scholar-harvester/internal/persist"
)

const (
	defaultFetchTimeout   = 30 * time.Second
	defaultThrottle       = 2 * time.Second
	defaultSnapshotPrefix = "snapshots"

	tracerName = "github.com/JakeFAU/scholar-harvester/internal/runner"
)

// Resolver finds the registry entry for an adapter key.
type Resolver interface {
	Lookup(key string) (adapters.Entry, error)
}

// Gate decides whether a URL may be fetched.
type Gate interface {
	Evaluate(ctx context.Context, rawURL string) (harvest.RobotsDecision, error)
}

// Throttle spaces requests to the same host.
type Throttle interface {
	Acquire(ctx context.Context, host string, interval time.Duration) error
}

// Persister lands a harvest result in the store.
type Persister interface {
	Apply(ctx context.Context, result harvest.Result, src harvest.SourceConfig) (persist.Outcome, error)
}

// Config controls Runner behavior.
type Config struct {
	FetchTimeout    time.Duration
	DefaultThrottle time.Duration
	SnapshotPrefix  string
	// Topic receives completion notifications when a publisher is set.
	Topic string
}

// Notification is published after a completed run.
type Notification struct {
	EventID    string            `json:"event_id"`
	RunID      int64             `json:"run_id"`
	Adapter    string            `json:"adapter"`
	Status     harvest.RunStatus `json:"status"`
	NewRecords int               `json:"new_records"`
	DatasetID  *int64            `json:"dataset_id,omitempty"`
}

type snapshot struct {
	RunID       int64          `json:"run_id"`
	Adapter     string         `json:"adapter"`
	Source      string         `json:"source"`
	Params      harvest.Params `json:"params,omitempty"`
	RetrievedAt time.Time      `json:"retrieved_at"`
	Result      harvest.Result `json:"result"`
}

// Runner executes harvest runs. It is safe for concurrent use.
type Runner struct {
	registry  Resolver
	gate      Gate
	throttle  Throttle
	store     harvest.Store
	engine    Persister
	blobs     harvest.BlobStore
	ledger    harvest.Ledger
	publisher harvest.Publisher
	hasher    harvest.Hasher
	ids       harvest.IDGenerator
	clock     harvest.Clock
	cfg       Config
	logger    *zap.Logger
}

// Option customizes a Runner.
type Option func(*Runner)

// WithSnapshots archives every persisted result through blobs, naming objects by hasher digest.
func WithSnapshots(blobs harvest.BlobStore, hasher harvest.Hasher) Option {
	return func(r *Runner) {
		r.blobs = blobs
		r.hasher = hasher
	}
}

// WithLedger appends a provenance entry after each completed run.
func WithLedger(ledger harvest.Ledger) Option {
	return func(r *Runner) { r.ledger = ledger }
}

// WithPublisher sends a Notification to cfg.Topic after each completed run.
func WithPublisher(publisher harvest.Publisher, ids harvest.IDGenerator) Option {
	return func(r *Runner) {
		r.publisher = publisher
		r.ids = ids
	}
}

// WithClock overrides the run timestamp source.
func WithClock(clock harvest.Clock) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the runner logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// New constructs a Runner.
func New(
	registry Resolver,
	gate Gate,
	throttle Throttle,
	store harvest.Store,
	engine Persister,
	cfg Config,
	opts ...Option,
) *Runner {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.DefaultThrottle <= 0 {
		cfg.DefaultThrottle = defaultThrottle
	}
	if strings.Trim(cfg.SnapshotPrefix, "/") == "" {
		cfg.SnapshotPrefix = defaultSnapshotPrefix
	}
	r := &Runner{
		registry: registry,
		gate:     gate,
		throttle: throttle,
		store:    store,
		engine:   engine,
		clock:    utcClock{},
		cfg:      cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run harvests adapterKey with params. An unknown key fails before any run
// log exists. Every later failure marks the run failed and is returned along
// with the stored run log.
func (r *Runner) Run(ctx context.Context, adapterKey string, params harvest.Params) (harvest.RunLog, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "harvest.run")
	defer span.End()
	span.SetAttributes(attribute.String("harvest.adapter", adapterKey))

	run, err := r.run(ctx, adapterKey, params)
	span.SetAttributes(attribute.Int64("harvest.run_id", run.ID), attribute.String("harvest.status", string(run.Status)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, harvest.KindLabel(err))
	}
	return run, err
}

func (r *Runner) run(ctx context.Context, adapterKey string, params harvest.Params) (harvest.RunLog, error) {
	entry, err := r.registry.Lookup(adapterKey)
	if err != nil {
		return harvest.RunLog{}, err
	}
	src := entry.Source
	started := r.clock.Now()
	run, err := r.store.CreateRun(ctx, src.Key, started)
	if err != nil {
		return harvest.RunLog{}, harvest.WrapCause(harvest.ErrPersistenceFailed, err, "create run")
	}
	log := r.logger.With(zap.String("adapter", src.Key), zap.Int64("run_id", run.ID))
	log.Info("harvest run started", zap.String("base_url", src.BaseURL))

	if err := r.admit(ctx, src, log); err != nil {
		return r.fail(ctx, run, started, err, log)
	}

	result, err := r.collect(ctx, entry, params)
	if err != nil {
		return r.fail(ctx, run, started, err, log)
	}
	log.Info("adapter returned", zap.Int("metrics", len(result.Metrics)), zap.Int("warnings", len(result.Warnings)))

	if err := ctx.Err(); err != nil {
		return r.fail(ctx, run, started, fmt.Errorf("run cancelled before persisting: %w", err), log)
	}

	// Persistence runs to completion or rolls back; cancellation stops here.
	persistCtx := context.WithoutCancel(ctx)
	outcome, err := r.engine.Apply(persistCtx, result, src)
	if err != nil {
		return r.fail(ctx, run, started, err, log)
	}

	warnings := append([]string(nil), result.Warnings...)
	snapshotURI, err := r.archive(persistCtx, run, src, params, result)
	if err != nil {
		metrics.ObserveSnapshotFailure(src.Key)
		log.Warn("snapshot archive failed", zap.Error(err))
		warnings = append(warnings, "snapshot archive failed: "+err.Error())
	}

	finishedAt := r.clock.Now()
	datasetID := outcome.DatasetID
	run.Status = harvest.RunStatusCompleted
	run.FinishedAt = &finishedAt
	run.NewRecords = outcome.Written
	run.DatasetID = &datasetID
	run.Warnings = warnings
	stored, err := r.store.FinishRun(persistCtx, run)
	if err != nil {
		// The harvest is committed; the run log alone is stale.
		log.Error("failed to record completed run",
			zap.Int64("dataset_id", datasetID),
			zap.Int("new_records", outcome.Written),
			zap.Error(err),
		)
		return run, harvest.WrapCause(harvest.ErrPersistenceFailed, err, "finish run")
	}

	metrics.ObserveRun(src.Key, string(stored.Status), finishedAt.Sub(started), outcome.Written)
	log.Info("harvest run completed",
		zap.Int("new_records", stored.NewRecords),
		zap.Int64("dataset_id", datasetID),
		zap.Int("warnings", len(stored.Warnings)),
	)

	r.appendLedger(persistCtx, stored, src, snapshotURI, result.Files, log)
	r.notify(persistCtx, stored, log)
	return stored, nil
}

// admit runs the compliance gate for every host the source contacts, then
// the throttle. A deny never reaches the throttle or the adapter.
func (r *Runner) admit(ctx context.Context, src harvest.SourceConfig, log *zap.Logger) error {
	var hosts []string
	seen := make(map[string]bool, 2)
	for _, target := range sourceTargets(src) {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return harvest.Wrap(harvest.ErrPolicyViolation, "invalid source url %q", target)
		}
		if seen[u.Host] {
			continue
		}
		seen[u.Host] = true
		if err := r.clear(ctx, target, log); err != nil {
			return err
		}
		hosts = append(hosts, u.Host)
	}

	interval := src.Throttle
	if interval <= 0 {
		interval = r.cfg.DefaultThrottle
	}
	for _, host := range hosts {
		if err := r.throttle.Acquire(ctx, host, interval); err != nil {
			return fmt.Errorf("throttle wait for %s: %w", host, err)
		}
	}
	return nil
}

// sourceTargets lists every URL a source's adapter may contact.
func sourceTargets(src harvest.SourceConfig) []string {
	targets := []string{src.BaseURL}
	if src.Endpoint != "" && src.Endpoint != src.BaseURL {
		targets = append(targets, src.Endpoint)
	}
	return targets
}

func (r *Runner) clear(ctx context.Context, target string, log *zap.Logger) error {
	decision, err := r.gate.Evaluate(ctx, target)
	switch {
	case errors.Is(err, harvest.ErrPolicyViolation):
		return err
	case err != nil && ctx.Err() != nil:
		return fmt.Errorf("robots evaluation cancelled: %w", ctx.Err())
	case err != nil:
		return harvest.WrapCause(harvest.ErrPermissionDenied, err, "robots evaluation failed")
	case !decision.Allowed:
		return harvest.Wrap(harvest.ErrPermissionDenied, "%s disallows %s: %s", decision.URL, target, decision.Reason)
	}
	log.Debug("robots allowed", zap.String("robots_url", decision.URL))
	return nil
}

func (r *Runner) collect(ctx context.Context, entry adapters.Entry, params harvest.Params) (harvest.Result, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()

	result, err := entry.Adapter(fetchCtx, params.Clone())
	switch {
	case err == nil:
		return result, nil
	case ctx.Err() != nil:
		return harvest.Result{}, fmt.Errorf("adapter %s cancelled: %w", entry.Source.Key, ctx.Err())
	case errors.Is(fetchCtx.Err(), context.DeadlineExceeded):
		return harvest.Result{}, harvest.Wrap(harvest.ErrHarvestFailed, "adapter %s timed out after %s", entry.Source.Key, r.cfg.FetchTimeout)
	default:
		return harvest.Result{}, harvest.WrapCause(harvest.ErrHarvestFailed, err, "adapter "+entry.Source.Key)
	}
}

func (r *Runner) archive(
	ctx context.Context,
	run harvest.RunLog,
	src harvest.SourceConfig,
	params harvest.Params,
	result harvest.Result,
) (string, error) {
	if r.blobs == nil || r.hasher == nil {
		return "", nil
	}
	data, err := json.MarshalIndent(snapshot{
		RunID:       run.ID,
		Adapter:     src.Key,
		Source:      src.Name,
		Params:      params,
		RetrievedAt: r.clock.Now(),
		Result:      result,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal snapshot: %w", err)
	}
	digest, err := r.hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash snapshot: %w", err)
	}
	path := SnapshotPath(r.cfg.SnapshotPrefix, src.Key, run.ID, digest)
	uri, err := r.blobs.PutObject(ctx, path, "application/json", bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("put snapshot %s: %w", path, err)
	}
	return uri, nil
}

// SnapshotPath names the archived result of one run.
func SnapshotPath(prefix, adapter string, runID int64, digest string) string {
	return fmt.Sprintf("%s/%s/run-%d-%s.json", strings.Trim(prefix, "/"), adapter, runID, digest)
}

// LedgerFiles lists the files recorded in the provenance entry of a run.
func LedgerFiles(src harvest.SourceConfig, snapshotURI string, adapterFiles []string) []string {
	files := []string{src.HarvestURL()}
	if snapshotURI != "" {
		files = append(files, snapshotURI)
	}
	return append(files, adapterFiles...)
}

func (r *Runner) appendLedger(
	ctx context.Context,
	run harvest.RunLog,
	src harvest.SourceConfig,
	snapshotURI string,
	adapterFiles []string,
	log *zap.Logger,
) {
	if r.ledger == nil {
		return
	}
	err := r.ledger.Append(ctx, harvest.ProvenanceEntry{
		RunID:      run.ID,
		SourceName: src.Name,
		Files:      LedgerFiles(src, snapshotURI, adapterFiles),
		Warnings:   run.Warnings,
	})
	if err != nil {
		metrics.ObserveLedgerFailure()
		log.Error("provenance append failed", zap.Error(err))
	}
}

func (r *Runner) notify(ctx context.Context, run harvest.RunLog, log *zap.Logger) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	msg := Notification{
		RunID:      run.ID,
		Adapter:    run.Adapter,
		Status:     run.Status,
		NewRecords: run.NewRecords,
		DatasetID:  run.DatasetID,
	}
	if r.ids != nil {
		id, err := r.ids.NewID()
		if err != nil {
			log.Warn("event id generation failed", zap.Error(err))
		}
		msg.EventID = id
	}
	messageID, err := r.publisher.Publish(ctx, r.cfg.Topic, msg)
	if err != nil {
		metrics.ObserveNotificationFailure()
		log.Warn("completion notification failed", zap.String("topic", r.cfg.Topic), zap.Error(err))
		return
	}
	log.Debug("completion notification published", zap.String("message_id", messageID))
}

func (r *Runner) fail(
	ctx context.Context,
	run harvest.RunLog,
	started time.Time,
	cause error,
	log *zap.Logger,
) (harvest.RunLog, error) {
	finishedAt := r.clock.Now()
	run.Status = harvest.RunStatusFailed
	run.FinishedAt = &finishedAt
	run.NewRecords = 0
	run.Message = cause.Error()
	stored, err := r.store.FinishRun(context.WithoutCancel(ctx), run)
	if err != nil {
		log.Error("failed to record run failure", zap.Error(err))
		stored = run
	}
	metrics.ObserveRun(run.Adapter, string(harvest.RunStatusFailed), finishedAt.Sub(started), 0)
	log.Warn("harvest run failed",
		zap.String("kind", harvest.KindLabel(cause)),
		zap.Error(cause),
	)
	return stored, cause
}
