package reconcile

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Kind classifies the outcome of one source record.
type Kind int

const (
	Unchanged Kind = iota
	Updated
	Archived
	Activated
	Created
	Skipped
	SkippedNoKey
	Ambiguous
	Failed
)

var kindNames = [...]string{"unchanged", "updated", "archived", "activated", "created", "skipped", "skipped_no_key", "ambiguous", "error"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Outcome is the typed result of reconciling one source record.
type Outcome struct {
	Kind     Kind
	Key      string
	SourceID int64
	TargetID int64
	// Matched is set when a target counterpart was found.
	Matched  bool
	Warnings int
	Reason   string
	Err      error
}

// Report is the end-of-run summary of one entity.
type Report struct {
	Entity       string
	RunID        string
	State        State
	Processed    int
	Matched      int
	Created      int
	Updated      int
	Archived     int
	Activated    int
	Unchanged    int
	Skipped      int
	SkippedNoKey int
	Ambiguous    int
	Orphans      int
	Warnings     int
	Errors       int
	Interrupted  bool
	// Partial is set when a limit or a custom filter left source records out.
	Partial      bool
	Elapsed      time.Duration

	// Err aggregates the per-record errors.
	Err error
}

func (r *Report) add(o Outcome) {
	r.Processed++
	if o.Matched {
		r.Matched++
	}
	r.Warnings += o.Warnings
	switch o.Kind {
	case Unchanged:
		r.Unchanged++
	case Updated:
		r.Updated++
	case Archived:
		r.Archived++
	case Activated:
		r.Activated++
	case Created:
		r.Created++
	case Skipped:
		r.Skipped++
	case SkippedNoKey:
		r.SkippedNoKey++
	case Ambiguous:
		r.Ambiguous++
	case Failed:
		r.Errors++
		r.Err = multierr.Append(r.Err, fmt.Errorf("%s %q: %w", r.Entity, o.Key, o.Err))
	}
}

// Clean reports whether the run may advance the checkpoint.
func (r *Report) Clean() bool {
	return r.Errors == 0 && !r.Interrupted && r.State == StateDone
}

// MarshalLogObject renders the report as structured log fields.
func (r *Report) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("entity", r.Entity)
	enc.AddString("state", string(r.State))
	enc.AddInt("processed", r.Processed)
	enc.AddInt("matched", r.Matched)
	enc.AddInt("created", r.Created)
	enc.AddInt("updated", r.Updated)
	enc.AddInt("archived", r.Archived)
	enc.AddInt("activated", r.Activated)
	enc.AddInt("unchanged", r.Unchanged)
	enc.AddInt("skipped", r.Skipped)
	enc.AddInt("skipped_no_key", r.SkippedNoKey)
	enc.AddInt("ambiguous", r.Ambiguous)
	enc.AddInt("orphans", r.Orphans)
	enc.AddInt("warnings", r.Warnings)
	enc.AddInt("errors", r.Errors)
	enc.AddBool("interrupted", r.Interrupted)
	enc.AddBool("partial", r.Partial)
	enc.AddDuration("elapsed", r.Elapsed)
	return nil
}

func (r *Report) log(logger *zap.Logger) {
	logger.Info("Sync run report", zap.String("run_id", r.RunID), zap.Object("report", r))
}
