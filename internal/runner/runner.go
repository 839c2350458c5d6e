// Package runner fans batch jobs (index builds, links, map populations) out
// over a bounded worker pool and records each one in the run ledger.
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/spacerat/internal/resilience"
)

// Ledger records the lifecycle of a run.
type Ledger interface {
	StartRun(ctx context.Context, kind, target string) (string, error)
	CompleteRun(ctx context.Context, id string, rows int64, metadata map[string]any) error
	FailRun(ctx context.Context, id string, msg string) error
}

// Outcome is what a successful job reports back to the ledger.
type Outcome struct {
	Rows     int64
	Metadata map[string]any
}

// Job is one unit of batch work.
type Job struct {
	Kind   string // index, link, populate
	Target string
	Run    func(ctx context.Context) (Outcome, error)
}

// Failure is a job that returned an error.
type Failure struct {
	Kind   string
	Target string
	Err    error
}

// Report summarizes a Run.
type Report struct {
	Succeeded int64
	Failed    int64
	Failures  []Failure
}

// Err joins every failure, or returns nil when all jobs succeeded. The
// joined error keeps each cause reachable with errors.As.
func (r *Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = eris.Wrapf(f.Err, "runner: %s %s", f.Kind, f.Target)
	}
	return errors.Join(errs...)
}

// Runner executes jobs with bounded parallelism.
type Runner struct {
	ledger Ledger
	limit  int
	retry  *resilience.Policy
}

// Option configures a Runner.
type Option func(*Runner)

// WithRetry re-runs a job whose error is transient (a deadlock between
// concurrent builds, a dropped connection) before recording it as failed.
func WithRetry(p resilience.Policy) Option {
	return func(r *Runner) { r.retry = &p }
}

// New creates a Runner. A nil ledger disables run recording; limit < 1
// runs jobs one at a time.
func New(ledger Ledger, limit int, opts ...Option) *Runner {
	if limit < 1 {
		limit = 1
	}
	r := &Runner{ledger: ledger, limit: limit}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run executes jobs and waits for all of them. An individual failure is
// recorded and does not stop the others; cancelling ctx does.
func (r *Runner) Run(ctx context.Context, jobs []Job) (*Report, error) {
	log := zap.L().With(zap.String("component", "runner"))
	report := &Report{}
	if len(jobs) == 0 {
		return report, nil
	}

	var succeeded, failed atomic.Int64
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)

	for _, job := range jobs {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			jLog := log.With(zap.String("kind", job.Kind), zap.String("target", job.Target))
			runID := r.start(gctx, jLog, job)

			start := time.Now()
			out, err := r.exec(gctx, job)
			elapsed := time.Since(start)

			if err != nil {
				jLog.Error("run failed", zap.Error(err), zap.Duration("elapsed", elapsed))
				if runID != "" {
					if logErr := r.ledger.FailRun(gctx, runID, err.Error()); logErr != nil {
						jLog.Error("failed to record run failure", zap.Error(logErr))
					}
				}
				mu.Lock()
				report.Failures = append(report.Failures, Failure{Kind: job.Kind, Target: job.Target, Err: err})
				mu.Unlock()
				failed.Add(1)
				return nil
			}

			if runID != "" {
				if err := r.ledger.CompleteRun(gctx, runID, out.Rows, out.Metadata); err != nil {
					jLog.Error("failed to record run completion", zap.Error(err))
				}
			}
			jLog.Info("run complete", zap.Int64("rows", out.Rows), zap.Duration("elapsed", elapsed))
			succeeded.Add(1)
			return nil
		})
	}

	err := g.Wait()
	report.Succeeded = succeeded.Load()
	report.Failed = failed.Load()
	if err != nil {
		return report, eris.Wrap(err, "runner: cancelled")
	}

	log.Info("batch complete",
		zap.Int64("succeeded", report.Succeeded),
		zap.Int64("failed", report.Failed),
	)
	return report, nil
}

func (r *Runner) exec(ctx context.Context, job Job) (Outcome, error) {
	if r.retry == nil {
		return job.Run(ctx)
	}
	p := *r.retry
	if p.OnRetry == nil {
		p.OnRetry = resilience.LogRetries(job.Kind, job.Target)
	}
	return resilience.DoVal(ctx, p, job.Run)
}

func (r *Runner) start(ctx context.Context, log *zap.Logger, job Job) string {
	if r.ledger == nil {
		return ""
	}
	id, err := r.ledger.StartRun(ctx, job.Kind, job.Target)
	if err != nil {
		log.Warn("failed to record run start", zap.Error(err))
		return ""
	}
	return id
}
