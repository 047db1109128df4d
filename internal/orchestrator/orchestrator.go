// Package orchestrator drives the daily run: pre-flight checks, one
// collection pass per enabled collector and target ZIP, processing, and a
// finalized report no matter how the run went.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/desertmls/harvester/internal/collector"
	"github.com/desertmls/harvester/internal/config"
	"github.com/desertmls/harvester/internal/domain"
	"github.com/desertmls/harvester/internal/errs"
	"github.com/desertmls/harvester/internal/metrics"
	"github.com/desertmls/harvester/internal/pipeline"
	"github.com/desertmls/harvester/internal/ratelimit"
	"github.com/desertmls/harvester/internal/repo"
	"github.com/desertmls/harvester/internal/report"
)

// defaultErrorThreshold is the run-level error count above which a run
// with processed items still exits unsuccessfully.
const defaultErrorThreshold = 100

// HealthChecker is the LLM pre-flight surface.
type HealthChecker interface {
	Health(ctx context.Context) bool
}

// usageCounter tallies limiter traffic for the report.
type usageCounter struct {
	mu       sync.Mutex
	requests int
	hits     int
}

func (u *usageCounter) OnRequest(string) {
	u.mu.Lock()
	u.requests++
	u.mu.Unlock()
}

func (u *usageCounter) OnLimitHit(string, time.Duration) {
	u.mu.Lock()
	u.hits++
	u.mu.Unlock()
}

func (u *usageCounter) OnReset(string) {}

func (u *usageCounter) snapshot() (int, int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.requests, u.hits
}

// Orchestrator owns one daily run.
type Orchestrator struct {
	cfg        *config.Config
	collectors []collector.Collector
	pipe       *pipeline.Pipeline
	store      repo.Repository
	llm        HealthChecker
	builder    *report.Builder
	ops        *metrics.Server
	mets       *metrics.Registry
	usage      *usageCounter

	errorThreshold int
}

// New wires an orchestrator. store, llm, ops and mets may be nil;
// limiter may be nil when no collector uses one.
func New(cfg *config.Config, collectors []collector.Collector, pipe *pipeline.Pipeline, store repo.Repository, llmCheck HealthChecker, builder *report.Builder, limiter *ratelimit.Limiter, ops *metrics.Server, mets *metrics.Registry) *Orchestrator {
	o := &Orchestrator{
		cfg:            cfg,
		collectors:     collectors,
		pipe:           pipe,
		store:          store,
		llm:            llmCheck,
		builder:        builder,
		ops:            ops,
		mets:           mets,
		usage:          &usageCounter{},
		errorThreshold: defaultErrorThreshold,
	}
	if limiter != nil {
		limiter.AddObserver(o.usage)
	}
	return o
}

// RunResult is the outcome of one daily run.
type RunResult struct {
	RunID        string
	Report       *domain.DailyReport
	ArtifactPath string
	Degraded     bool
	Succeeded    bool
}

// Run executes the daily pipeline under the overall time budget. The
// report is finalized and persisted even when collection fails; only a
// configuration problem aborts before any work.
func (o *Orchestrator) Run(ctx context.Context) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.Orchestration.Budget)
	defer cancel()

	result := &RunResult{RunID: o.builder.RunID()}
	result.Degraded = o.preflight(runCtx)

	log.Info().
		Str("run_id", result.RunID).
		Str("mode", string(o.cfg.Orchestration.Mode)).
		Int("collectors", len(o.collectors)).
		Int("zips", len(o.cfg.TargetZipCodes)).
		Msg("run start")

	var degraded bool
	switch o.cfg.Orchestration.Mode {
	case config.ModeParallel:
		degraded = o.runParallel(runCtx)
	default:
		degraded = o.runSequential(runCtx)
	}
	result.Degraded = result.Degraded || degraded

	o.finalize(ctx, result)
	return result, nil
}

// preflight checks the backing services. Failures degrade the run rather
// than abort it: the pipeline still works without storage or the LLM.
func (o *Orchestrator) preflight(ctx context.Context) bool {
	degraded := false

	if o.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := o.store.Ping(pingCtx)
		cancel()
		if err != nil {
			log.Warn().Err(err).Msg("repository unreachable, run continues degraded")
			o.setCheck("repository", "unreachable")
			degraded = true
		} else {
			o.setCheck("repository", "ok")
		}
	}

	if o.llm != nil {
		if !o.llm.Health(ctx) {
			log.Warn().Msg("llm server unhealthy, rule fallback will carry extraction")
			o.setCheck("llm", "unhealthy")
			degraded = true
		} else {
			o.setCheck("llm", "ok")
		}
	}

	for _, c := range o.collectors {
		if err := c.Validate(); err != nil {
			log.Warn().Err(err).Str("collector", c.Name()).Msg("collector misconfigured, skipping")
			o.setCheck(c.Name(), "misconfigured")
			degraded = true
		}
	}
	return degraded
}

func (o *Orchestrator) setCheck(name, status string) {
	if o.ops != nil {
		o.ops.SetCheck(name, status)
	}
}

// runSequential walks collectors in order, each over every target ZIP.
func (o *Orchestrator) runSequential(ctx context.Context) bool {
	degraded := false
	for _, c := range o.collectors {
		if o.runCollector(ctx, c) {
			degraded = true
		}
		if ctx.Err() != nil {
			return true
		}
	}
	return degraded
}

// runParallel runs each collector concurrently; within a collector the
// ZIP walk stays sequential so one source never hits itself in parallel.
func (o *Orchestrator) runParallel(ctx context.Context) bool {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		degraded bool
	)
	for _, c := range o.collectors {
		wg.Add(1)
		go func(c collector.Collector) {
			defer wg.Done()
			if o.runCollector(ctx, c) {
				mu.Lock()
				degraded = true
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return degraded
}

// runCollector runs one collector over every target ZIP under its own
// timeout. An auth failure disables the collector for the rest of the
// run; other failures skip the region and move on.
func (o *Orchestrator) runCollector(ctx context.Context, c collector.Collector) bool {
	if err := c.Validate(); err != nil {
		return true
	}

	collCtx, cancel := context.WithTimeout(ctx, o.cfg.Orchestration.PerCollectorTimeout)
	defer cancel()

	degraded := false
	for _, zip := range o.cfg.TargetZipCodes {
		if collCtx.Err() != nil {
			log.Warn().Str("collector", c.Name()).Msg("collector budget exhausted")
			o.builder.RecordError()
			return true
		}

		start := time.Now()
		records, err := c.Collect(collCtx, zip)
		if o.mets != nil {
			o.mets.CollectDuration.WithLabelValues(c.Name()).Observe(time.Since(start).Seconds())
		}
		if err != nil {
			degraded = true
			o.builder.RecordError()
			kind := errs.KindOf(err)
			switch {
			case kind == errs.KindAuth:
				log.Error().Err(err).Str("collector", c.Name()).Msg("auth failure, collector disabled for this run")
				o.setCheck(c.Name(), "auth_failed")
				if len(records) == 0 {
					return true
				}
			case errors.Is(err, context.DeadlineExceeded):
				log.Warn().Str("collector", c.Name()).Str("zip", zip).Msg("collection timed out")
			default:
				log.Warn().Err(err).Str("collector", c.Name()).Str("zip", zip).Msg("region failed, continuing")
			}
		}

		if len(records) > 0 {
			out := o.pipe.ProcessBatch(collCtx, records)
			log.Info().
				Str("collector", c.Name()).
				Str("zip", zip).
				Int("collected", len(records)).
				Int("processed", out.Processed).
				Int("failed", out.Failed).
				Msg("region complete")
		}

		if kind := errs.KindOf(err); kind == errs.KindAuth {
			return true
		}
	}
	return degraded
}

// finalize always runs: derive the report, persist it best-effort, write
// the artifact best-effort, and compute the exit status.
func (o *Orchestrator) finalize(ctx context.Context, result *RunResult) {
	requests, hits := o.usage.snapshot()
	o.builder.SetUsage(requests, hits)
	o.builder.SetRawMetric("degraded", result.Degraded)

	rep := o.builder.Finalize(time.Now())
	result.Report = rep
	result.Succeeded = rep.TotalProcessed > 0 && rep.ErrorCount < o.errorThreshold

	if o.store != nil {
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		if _, err := o.store.UpsertDailyReport(saveCtx, rep); err != nil {
			log.Error().Err(err).Msg("daily report not persisted")
			result.Degraded = true
		}
		cancel()
	}

	if path, err := o.builder.WriteArtifact(o.cfg.ReportsDir, rep, time.Now()); err != nil {
		log.Error().Err(err).Msg("report artifact not written")
		result.Degraded = true
	} else {
		result.ArtifactPath = path
	}

	log.Info().
		Str("run_id", result.RunID).
		Int("processed", rep.TotalProcessed).
		Int("new", rep.NewProperties).
		Int("updated", rep.UpdatedProperties).
		Int("errors", rep.ErrorCount).
		Bool("succeeded", result.Succeeded).
		Bool("degraded", result.Degraded).
		Msg("run complete")
}
