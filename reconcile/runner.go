package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Checkpoint persists the start time of the last clean run.
type Checkpoint interface {
	Load() (time.Time, error)
	Save(t time.Time) error
}

// Summary is the result of one invocation over several entities.
type Summary struct {
	RunID        string
	Reports      []*Report
	Interrupted  bool
	Checkpointed bool
	// Partial is set when a limit, a custom filter or an entity selection left
	// records out of the run.
	Partial      bool
}

// Errors returns the number of failed records over all entities.
func (s *Summary) Errors() int {
	n := 0
	for _, r := range s.Reports {
		n += r.Errors
	}
	return n
}

// Err combines the per-record errors of every entity.
func (s *Summary) Err() error {
	var err error
	for _, r := range s.Reports {
		err = multierr.Append(err, r.Err)
	}
	return err
}

// Runner runs entities in dependency order and advances the checkpoint.
type Runner struct {
	reconciler  *Reconciler
	checkpoint  Checkpoint
	incremental bool
	scope       []string
	logger      *zap.Logger
	now         func() time.Time
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithCheckpoint sets the checkpoint store. With incremental set, the source
// fetch only reads records written after the stored time.
func WithCheckpoint(cp Checkpoint, incremental bool) RunnerOption {
	return func(r *Runner) {
		r.checkpoint = cp
		r.incremental = incremental
	}
}

// WithScope names every entity a run must cover before it may advance the
// checkpoint. A run over a subset of scope leaves the checkpoint unchanged, since
// the entities it skipped would be read incrementally from a later point.
func WithScope(names []string) RunnerOption {
	return func(r *Runner) { r.scope = names }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *zap.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner returns a runner over rec.
func NewRunner(rec *Reconciler, opts ...RunnerOption) *Runner {
	r := &Runner{reconciler: rec, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunAll reconciles entities in dependency order. It stops at the first fatal
// error. The checkpoint moves to the start of this run only when every entity of
// the scope ran over its whole dataset and finished without errors and without
// interruption.
func (r *Runner) RunAll(ctx context.Context, entities []Entity) (*Summary, error) {
	summary := &Summary{RunID: uuid.NewString()}
	start := r.now().UTC()
	logger := r.logger.With(zap.String("run_id", summary.RunID))

	ordered, err := Order(entities)
	if err != nil {
		return summary, &FatalError{State: StateInit, Err: err}
	}

	info := RunInfo{ID: summary.RunID}
	if r.checkpoint != nil && r.incremental {
		since, err := r.checkpoint.Load()
		if err != nil {
			return summary, &FatalError{State: StateInit, Err: fmt.Errorf("load checkpoint: %w", err)}
		}
		info.Since = since
		if since.IsZero() {
			logger.Info("No checkpoint yet, running a full fetch")
		}
	}

	logger.Info("Sync started", zap.Int("entities", len(ordered)), zap.Time("since", info.Since))
	for _, e := range ordered {
		if ctx.Err() != nil {
			summary.Interrupted = true
			break
		}
		report, err := r.reconciler.Run(ctx, e, info)
		summary.Reports = append(summary.Reports, report)
		if report.Interrupted {
			summary.Interrupted = true
		}
		if err != nil {
			return summary, err
		}
		if summary.Interrupted {
			break
		}
	}

	clean := !summary.Interrupted
	ran := make(map[string]bool, len(summary.Reports))
	for _, report := range summary.Reports {
		clean = clean && report.Clean()
		summary.Partial = summary.Partial || report.Partial
		ran[report.Entity] = true
	}
	var missing []string
	for _, name := range r.scope {
		if !ran[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		summary.Partial = true
	}
	switch {
	case r.checkpoint == nil:
	case clean && !summary.Partial:
		if err := r.checkpoint.Save(start); err != nil {
			logger.Error("Failed to save checkpoint", zap.Error(err))
			break
		}
		summary.Checkpointed = true
		logger.Info("Checkpoint advanced", zap.Time("checkpoint", start))
	default:
		logger.Warn("Checkpoint not advanced",
			zap.Int("errors", summary.Errors()),
			zap.Bool("interrupted", summary.Interrupted),
			zap.Bool("partial", summary.Partial),
			zap.Strings("not_run", missing),
		)
	}

	logger.Info("Sync finished",
		zap.Int("entities", len(summary.Reports)),
		zap.Int("errors", summary.Errors()),
		zap.Bool("interrupted", summary.Interrupted),
	)
	return summary, nil
}

// Order sorts entities so that every entity comes after the entities it depends
// on. Dependencies outside the list are ignored; the input order is kept
// otherwise.
func Order(entities []Entity) ([]Entity, error) {
	index := make(map[string]int, len(entities))
	for i, e := range entities {
		if _, dup := index[e.Name]; dup {
			return nil, fmt.Errorf("reconcile: entity %s listed twice", e.Name)
		}
		index[e.Name] = i
	}

	const (
		unvisited = iota
		visiting
		done
	)
	mark := make([]int, len(entities))
	out := make([]Entity, 0, len(entities))
	var visit func(i int) error
	visit = func(i int) error {
		switch mark[i] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("reconcile: dependency cycle through %s", entities[i].Name)
		}
		mark[i] = visiting
		for _, dep := range entities[i].DependsOn {
			if j, ok := index[dep]; ok {
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		mark[i] = done
		out = append(out, entities[i])
		return nil
	}
	for i := range entities {
		if err := visit(i); err != nil {
			return nil, err
		}
	}
	return out, nil
}
