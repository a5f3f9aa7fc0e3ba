// Package pipeline orchestrates a batch run: extract, normalize, classify,
// merge and commit for every configured source.
//
// Dimension sources run concurrently and all of them finish before any fact
// source starts, so fact rows always resolve against fully merged dimension
// state. Each source commits independently; one source failing does not roll
// back the others.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"dimetl/internal/config"
	"dimetl/internal/detect"
	"dimetl/internal/errors"
	"dimetl/internal/extract"
	"dimetl/internal/facts"
	"dimetl/internal/logging"
	"dimetl/internal/merge"
	"dimetl/internal/model"
	"dimetl/internal/normalize"
	"dimetl/internal/warehouse"
)

// BatchResult summarizes one source's batch.
type BatchResult struct {
	Source    string
	BatchID   string
	Status    model.BatchStatus
	Extracted int
	Loaded    int
	Rejected  int
	Err       error
}

// Pipeline runs batches against one warehouse.
type Pipeline struct {
	cfg    *config.Config
	db     *warehouse.DB
	writer *warehouse.Writer
	logger *logging.Logger
	keys   merge.KeyAllocator
	now    func() time.Time

	mappings map[string]*config.SchemaMapping // source name -> mapping

	mu     sync.Mutex
	staged map[string]*model.MutationSet // entity -> this run's mutations
}

// Option configures a pipeline.
type Option func(*Pipeline)

// WithKeyAllocator overrides surrogate key allocation.
func WithKeyAllocator(keys merge.KeyAllocator) Option {
	return func(p *Pipeline) { p.keys = keys }
}

// WithClock overrides the batch clock.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline. Schema mappings for every source are loaded up
// front so a broken mapping fails the run before anything extracts.
func New(cfg *config.Config, db *warehouse.DB, logger *logging.Logger, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:      cfg,
		db:       db,
		writer:   warehouse.NewWriter(db, logger, cfg.Retry),
		logger:   logger,
		keys:     merge.NewUUIDAllocator(),
		now:      time.Now,
		mappings: make(map[string]*config.SchemaMapping),
		staged:   make(map[string]*model.MutationSet),
	}
	for _, opt := range opts {
		opt(p)
	}

	for name, src := range cfg.Sources {
		mapping, err := config.LoadMapping(src.Mapping)
		if err != nil {
			return nil, errors.Wrap(errors.FatalConfig,
				"failed to load mapping for source "+name, err)
		}
		p.mappings[name] = mapping
	}

	return p, nil
}

// Run executes one batch over every configured source and returns a result
// per source. The returned error is non-nil only for failures that prevented
// the run from starting; per-source failures are reported in their results.
func (p *Pipeline) Run(ctx context.Context) ([]BatchResult, error) {
	started := p.now()

	p.mu.Lock()
	p.staged = make(map[string]*model.MutationSet)
	p.mu.Unlock()

	var mu sync.Mutex
	var results []BatchResult
	collect := func(res BatchResult) {
		mu.Lock()
		results = append(results, res)
		mu.Unlock()
	}

	// Dimension phase. All dimension sources complete before any fact
	// source starts.
	g, gctx := errgroup.WithContext(ctx)
	for _, name := range p.cfg.DimensionSources() {
		g.Go(func() error {
			collect(p.runDimensionSource(gctx, name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	g, gctx = errgroup.WithContext(ctx)
	for _, name := range p.cfg.FactSources() {
		g.Go(func() error {
			collect(p.runFactSource(gctx, name))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}

	succeeded, failed := 0, 0
	for _, res := range results {
		if res.Status == model.BatchFailed {
			failed++
		} else {
			succeeded++
		}
	}
	p.logger.Info("Batch run complete", map[string]interface{}{
		"sources":     len(results),
		"succeeded":   succeeded,
		"failed":      failed,
		"duration_ms": time.Since(started).Milliseconds(),
	})

	return results, nil
}

func (p *Pipeline) runDimensionSource(ctx context.Context, name string) BatchResult {
	src := p.cfg.Sources[name]
	res := BatchResult{Source: name, BatchID: uuid.NewString()}
	started := p.now()

	fail := func(err error) BatchResult {
		return p.failRun(res, name, started, err)
	}

	resume, err := p.resumePoint(name, src)
	if err != nil {
		return fail(err)
	}

	rows, rejects, err := p.extractAndNormalize(ctx, name, src, resume)
	if err != nil {
		return fail(err)
	}
	res.Extracted = len(rows) + len(rejects)

	policy, err := p.cfg.EntityFor(src.Entity)
	if err != nil {
		return fail(err)
	}
	mapping := p.mappings[name]

	snapshot, err := p.db.ActiveSnapshot(src.Entity)
	if err != nil {
		return fail(err)
	}
	retired, err := p.db.RetiredSnapshot(src.Entity)
	if err != nil {
		return fail(err)
	}

	parts := detect.ForSource(src, policy, mapping).Classify(rows, snapshot)

	merger := merge.New(src.Entity, policy, trackedFields(policy, mapping), p.keys)
	set, mergeRejects := merger.Merge(parts, snapshot, retired, started)
	rejects = append(rejects, mergeRejects...)

	res.Loaded = res.Extracted - len(rejects)
	res.Status = batchStatus(rejects)
	finished := p.now()

	commit := warehouse.BatchCommit{
		BatchID:   res.BatchID,
		Source:    name,
		Mutations: &set,
		Rejects:   stampRejects(rejects, res.BatchID),
		Watermark: watermarkFor(src, rows, resume),
		Run: warehouse.RunRecord{
			BatchID:    res.BatchID,
			Source:     name,
			Status:     res.Status,
			Extracted:  res.Extracted,
			Loaded:     res.Loaded,
			Rejected:   len(rejects),
			StartedAt:  started,
			FinishedAt: finished,
		},
	}
	if err := p.writer.CommitBatch(ctx, commit); err != nil {
		return fail(err)
	}

	p.mu.Lock()
	p.staged[src.Entity] = &set
	p.mu.Unlock()

	res.Rejected = len(rejects)
	p.logResult(res)
	return res
}

func (p *Pipeline) runFactSource(ctx context.Context, name string) BatchResult {
	src := p.cfg.Sources[name]
	res := BatchResult{Source: name, BatchID: uuid.NewString()}
	started := p.now()

	fail := func(err error) BatchResult {
		return p.failRun(res, name, started, err)
	}

	resume, err := p.resumePoint(name, src)
	if err != nil {
		return fail(err)
	}

	rows, rejects, err := p.extractAndNormalize(ctx, name, src, resume)
	if err != nil {
		return fail(err)
	}
	res.Extracted = len(rows) + len(rejects)

	factCfg, err := p.cfg.FactFor(src.Fact)
	if err != nil {
		return fail(err)
	}

	snapshot := make(facts.Snapshot)
	for _, entity := range factCfg.Dimensions {
		if _, ok := snapshot[entity]; ok {
			continue
		}
		snap, err := p.db.ActiveSnapshot(entity)
		if err != nil {
			return fail(err)
		}
		snapshot[entity] = snap
	}

	p.mu.Lock()
	staged := make(map[string]*model.MutationSet, len(p.staged))
	for entity, set := range p.staged {
		staged[entity] = set
	}
	p.mu.Unlock()

	loader := facts.NewLoader(src.Fact, p.keys)
	records, loadRejects := loader.Load(rows, staged, snapshot, res.BatchID, started)
	rejects = append(rejects, loadRejects...)

	res.Loaded = len(records)
	res.Status = batchStatus(rejects)
	finished := p.now()

	commit := warehouse.BatchCommit{
		BatchID:   res.BatchID,
		Source:    name,
		Facts:     records,
		Rejects:   stampRejects(rejects, res.BatchID),
		Watermark: watermarkFor(src, rows, resume),
		Run: warehouse.RunRecord{
			BatchID:    res.BatchID,
			Source:     name,
			Status:     res.Status,
			Extracted:  res.Extracted,
			Loaded:     res.Loaded,
			Rejected:   len(rejects),
			StartedAt:  started,
			FinishedAt: finished,
		},
	}
	if err := p.writer.CommitBatch(ctx, commit); err != nil {
		return fail(err)
	}

	res.Rejected = len(rejects)
	p.logResult(res)
	return res
}

// resumePoint returns where extraction should pick up. Full-refresh sources
// always extract everything: filtering them by watermark would make delete
// detection mistake old-but-live rows for deletions.
func (p *Pipeline) resumePoint(name string, src config.SourceConfig) (*time.Time, error) {
	if src.WatermarkField == "" || src.Mode == config.ModeFullRefresh {
		return nil, nil
	}
	return p.db.ResumePoint(name)
}

func (p *Pipeline) extractAndNormalize(ctx context.Context, name string, src config.SourceConfig, resume *time.Time) ([]model.CanonicalRow, []model.RejectedRow, error) {
	ex, err := extract.FromConfig(src)
	if err != nil {
		return nil, nil, err
	}

	var n *normalize.Normalizer
	if src.Entity != "" {
		n = normalize.NewDimension(name, src.Entity, p.mappings[name], src.WatermarkField)
	} else {
		factCfg, err := p.cfg.FactFor(src.Fact)
		if err != nil {
			return nil, nil, err
		}
		dimKeys, err := p.dimensionKeyFields(factCfg)
		if err != nil {
			return nil, nil, err
		}
		n = normalize.NewFact(name, src.Fact, p.mappings[name], &factCfg, dimKeys, src.WatermarkField)
	}

	return n.Normalize(ex.Extract(ctx, resume))
}

// dimensionKeyFields maps each entity referenced by a fact to the canonical
// field carrying its natural key, taken from the entity's own source mapping.
func (p *Pipeline) dimensionKeyFields(factCfg config.FactConfig) (map[string]string, error) {
	keys := make(map[string]string)
	for _, entity := range factCfg.Dimensions {
		if _, ok := keys[entity]; ok {
			continue
		}
		found := false
		for name, src := range p.cfg.Sources {
			if src.Entity != entity {
				continue
			}
			fields := p.mappings[name].NaturalKeyFields()
			if len(fields) > 0 {
				keys[entity] = fields[0]
				found = true
			}
			break
		}
		if !found {
			return nil, errors.Newf(errors.FatalConfig,
				"no dimension source defines entity %q", entity)
		}
	}
	return keys, nil
}

func (p *Pipeline) failRun(res BatchResult, name string, started time.Time, err error) BatchResult {
	res.Status = model.BatchFailed
	res.Err = err

	p.logger.Error("Batch failed", map[string]interface{}{
		"source": name,
		"batch":  res.BatchID,
		"error":  err.Error(),
	})

	if recErr := p.db.RecordFailedRun(warehouse.RunRecord{
		BatchID:    res.BatchID,
		Source:     name,
		Error:      err.Error(),
		StartedAt:  started,
		FinishedAt: p.now(),
	}); recErr != nil {
		p.logger.Error("failed to record failed run", map[string]interface{}{
			"source": name,
			"error":  recErr.Error(),
		})
	}

	return res
}

func (p *Pipeline) logResult(res BatchResult) {
	p.logger.Info("Batch committed", map[string]interface{}{
		"source":    res.Source,
		"batch":     res.BatchID,
		"status":    string(res.Status),
		"extracted": res.Extracted,
		"loaded":    res.Loaded,
		"rejected":  res.Rejected,
	})
}

func trackedFields(policy config.EntityPolicy, mapping *config.SchemaMapping) []string {
	if len(policy.Tracked) > 0 {
		return policy.Tracked
	}
	return mapping.TrackedFields()
}

func batchStatus(rejects []model.RejectedRow) model.BatchStatus {
	if len(rejects) > 0 {
		return model.BatchPartial
	}
	return model.BatchSuccess
}

func stampRejects(rejects []model.RejectedRow, batchID string) []model.RejectedRow {
	for i := range rejects {
		if rejects[i].BatchID == "" {
			rejects[i].BatchID = batchID
		}
	}
	return rejects
}

// watermarkFor computes the new resume point: the maximum event time seen in
// the batch. Sources without a watermark field never advance a resume point,
// and an empty batch keeps the previous one.
func watermarkFor(src config.SourceConfig, rows []model.CanonicalRow, resume *time.Time) *time.Time {
	if src.WatermarkField == "" {
		return nil
	}
	max := time.Time{}
	if resume != nil {
		max = *resume
	}
	for _, row := range rows {
		if row.SourceTimestamp.After(max) {
			max = row.SourceTimestamp
		}
	}
	if max.IsZero() {
		return nil
	}
	return &max
}
