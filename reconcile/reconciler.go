// Package reconcile runs the fetch, match, diff and write cycle of one entity
// type between a source and a target Odoo instance, and the ordered run of
// several entity types that advances the incremental checkpoint.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ilcreatore32/odoosync/godoo"
	"github.com/ilcreatore32/odoosync/identity"
	"github.com/ilcreatore32/odoosync/mapper"
)

// State is a state of the reconciler.
type State string

const (
	StateInit            State = "INIT"
	StateLoadingMappings State = "LOADING_MAPPINGS"
	StateFetchingSource  State = "FETCHING_SOURCE"
	StateFetchingTarget  State = "FETCHING_TARGET"
	StateMatching        State = "MATCHING"
	StateWriting         State = "WRITING"
	StateReporting       State = "REPORTING"
	StateDone            State = "DONE"
	StateError           State = "ERROR"
)

// errNothingWritten is returned by updateWithFallback when the target rejected
// every changed field.
var errNothingWritten = errors.New("reconcile: target rejected every changed field")

// ErrEmptyDataset is the fatal condition of a required entity whose full source
// fetch returned nothing.
var ErrEmptyDataset = errors.New("reconcile: required source dataset is empty")

// FatalError aborts a run. It is the only error Run returns; per-record failures
// are outcomes in the report.
type FatalError struct {
	Entity string
	State  State
	Err    error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("reconcile %s: fatal in %s: %v", e.Entity, e.State, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// RunInfo identifies one invocation.
type RunInfo struct {
	ID string
	// Since restricts the source fetch to records written after it; zero means
	// a full fetch.
	Since time.Time
}

// Reconciler reconciles entity types from source into target.
type Reconciler struct {
	source Store
	target Store
	links  Identity
	mapper *mapper.Mapper
	differ mapper.Differ
	logger *zap.Logger

	onlyActive    bool
	limit         int
	syncImages    bool
	imagePageSize int
	filters       map[string]godoo.Domain

	// target fields rejected by the target instance, per entity
	dropped map[string]map[string]bool
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Reconciler) { r.logger = logger }
}

// WithOnlyActive restricts source fetches to active records. Archive-only
// entities always read archived records.
func WithOnlyActive(only bool) Option {
	return func(r *Reconciler) { r.onlyActive = only }
}

// WithLimit caps the number of source records per entity (0 = unlimited).
func WithLimit(n int) Option {
	return func(r *Reconciler) { r.limit = n }
}

// WithImages enables the image pass, read pageSize records at a time.
func WithImages(enabled bool, pageSize int) Option {
	return func(r *Reconciler) {
		r.syncImages = enabled
		r.imagePageSize = pageSize
	}
}

// WithFilters adds a source domain per entity name.
func WithFilters(filters map[string]godoo.Domain) Option {
	return func(r *Reconciler) { r.filters = filters }
}

// WithPlaces sets the decimals compared when diffing floats.
func WithPlaces(places int32) Option {
	return func(r *Reconciler) { r.differ = mapper.Differ{Places: places} }
}

// New returns a reconciler.
func New(source, target Store, links Identity, m *mapper.Mapper, opts ...Option) *Reconciler {
	r := &Reconciler{
		source:        source,
		target:        target,
		links:         links,
		mapper:        m,
		logger:        zap.NewNop(),
		imagePageSize: 20,
		dropped:       map[string]map[string]bool{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run holds the state of one entity run.
type run struct {
	r      *Reconciler
	e      Entity
	info   RunInfo
	logger *zap.Logger
	report *Report
	table  mapper.Table

	sourceRecs   []godoo.Record
	targetFields godoo.Fields
	targets      map[int64]godoo.Record
	byKey        map[string][]int64
	plan         []*planItem
	imageDiff    bool
}

type planItem struct {
	rec      godoo.Record
	key      string
	targetID int64
	matched  bool
	linked   bool // matched through an identity link
	outcome  *Outcome
}

// Run reconciles one entity type. The report is always returned and logged; the
// error is a *FatalError or nil.
func (r *Reconciler) Run(ctx context.Context, e Entity, info RunInfo) (*Report, error) {
	start := time.Now()
	ru := &run{
		r:      r,
		e:      e,
		info:   info,
		logger: r.logger.With(zap.String("entity", e.Name), zap.String("run_id", info.ID)),
		report: &Report{Entity: e.Name, RunID: info.ID, State: StateInit},
	}
	defer func() {
		ru.report.Elapsed = time.Since(start)
		ru.report.log(ru.logger)
	}()

	if err := e.validate(); err != nil {
		return ru.report, ru.fail(err)
	}

	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateLoadingMappings, ru.loadMappings},
		{StateFetchingSource, ru.fetchSource},
		{StateFetchingTarget, ru.fetchTarget},
		{StateMatching, ru.match},
		{StateWriting, ru.write},
		{StateReporting, ru.finish},
	}
	for _, step := range steps {
		ru.transition(step.state)
		err := step.fn(ctx)
		if e.Optional && errors.Is(err, godoo.ErrInvalidModel) {
			ru.report.Warnings++
			ru.logger.Warn("Model not available, entity skipped", zap.Error(err))
			break
		}
		if err != nil {
			return ru.report, ru.fail(err)
		}
	}
	ru.transition(StateDone)
	return ru.report, nil
}

func (ru *run) transition(to State) {
	ru.logger.Debug("Reconciler state transition", zap.String("from", string(ru.report.State)), zap.String("to", string(to)))
	ru.report.State = to
}

func (ru *run) fail(err error) error {
	at := ru.report.State
	if errors.Is(err, context.Canceled) {
		ru.report.Interrupted = true
	}
	ru.logger.Error("Reconciler aborted", zap.String("state", string(at)), zap.Error(err))
	ru.transition(StateError)
	return &FatalError{Entity: ru.e.Name, State: at, Err: err}
}

func (ru *run) loadMappings(ctx context.Context) error {
	if err := ru.r.links.Load(ctx, ru.e.linkEntity(), ru.e.TargetModel); err != nil {
		return err
	}
	if ru.e.ArchiveOnly {
		return nil
	}
	table, ok := ru.r.mapper.Table(ru.e.Name)
	if !ok {
		return fmt.Errorf("%w: %s", mapper.ErrUnknownEntity, ru.e.Name)
	}
	ru.table = table
	return ru.r.mapper.Prepare(ctx, ru.e.Name)
}

func (ru *run) fullFetch() bool {
	return ru.info.Since.IsZero() && ru.r.limit == 0 && len(ru.r.filters[ru.e.Name]) == 0
}

func (ru *run) fetchSource(ctx context.Context) error {
	e := ru.e
	domain := e.Domain.And()
	if ru.r.onlyActive && !e.ArchiveOnly && e.LivenessField != "" {
		domain = domain.And(godoo.DomainCondition{e.LivenessField, "=", true})
	}
	if !ru.info.Since.IsZero() {
		domain = domain.And(godoo.DomainCondition{"write_date", ">", ru.info.Since.UTC().Format(godoo.DateTimeFormat)})
		ru.logger.Info("Incremental fetch", zap.Time("since", ru.info.Since))
	}
	domain = domain.And(ru.r.filters[e.Name]...)

	fields := union(e.SourceFields, e.LinkFields, ru.table.SourceFields(), godoo.Fields{e.LivenessField, e.ParentField})
	recs, err := ru.r.source.FindAll(ctx, e.SourceModel, domain, fields, godoo.FindOptions{IncludeArchived: true, Limit: ru.r.limit})
	if err != nil {
		return fmt.Errorf("fetch source %s: %w", e.SourceModel, err)
	}
	ru.logger.Info("Source records fetched", zap.Int("count", len(recs)))
	if len(ru.r.filters[e.Name]) > 0 || (ru.r.limit > 0 && len(recs) >= ru.r.limit) {
		ru.report.Partial = true
		ru.logger.Info("Source fetch restricted by a limit or a custom filter, the checkpoint will not advance")
	}

	if len(recs) == 0 && e.Required && ru.fullFetch() {
		return fmt.Errorf("%w: %s", ErrEmptyDataset, e.SourceModel)
	}

	if ru.images() && len(recs) > 0 {
		ids := make([]int64, len(recs))
		byID := make(map[int64]godoo.Record, len(recs))
		for i, rec := range recs {
			ids[i] = rec.ID()
			byID[rec.ID()] = rec
		}
		imgs, err := ru.r.source.FindByIDs(ctx, e.SourceModel, ids, godoo.Fields{e.ImageField}, ru.r.imagePageSize, godoo.FindOptions{IncludeArchived: true})
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			ru.report.Warnings++
			ru.logger.Warn("Image pass failed, records will be written without images", zap.Error(err))
		}
		for _, img := range imgs {
			if rec, ok := byID[img.ID()]; ok {
				rec.Merge(img)
			}
		}
	}

	if e.ParentField != "" {
		recs = parentFirst(recs, e.ParentField)
	}
	ru.sourceRecs = recs
	return nil
}

func (ru *run) images() bool {
	return ru.r.syncImages && ru.e.ImageField != "" && !ru.e.ArchiveOnly
}

func (ru *run) fetchTarget(ctx context.Context) error {
	e := ru.e
	ru.targetFields = union(e.TargetFields, ru.table.TargetFields(), godoo.Fields{e.LivenessField})
	recs, err := ru.r.target.FindAll(ctx, e.TargetModel, e.TargetDomain, ru.targetFields, godoo.FindOptions{IncludeArchived: true})
	if err != nil {
		return fmt.Errorf("fetch target %s: %w", e.TargetModel, err)
	}
	ru.targets = make(map[int64]godoo.Record, len(recs))
	ru.byKey = map[string][]int64{}
	for _, rec := range recs {
		ru.index(rec)
	}
	ru.logger.Info("Target records fetched", zap.Int("count", len(recs)))
	return nil
}

func (ru *run) index(rec godoo.Record) {
	ru.targets[rec.ID()] = rec
	if k := ru.e.TargetKey(rec); k != "" {
		ru.byKey[k] = append(ru.byKey[k], rec.ID())
	}
}

func (ru *run) match(ctx context.Context) error {
	e := ru.e
	linkEntity := e.linkEntity()

	linkCount := map[string]int{}
	matchCount := map[string]int{}
	for _, rec := range ru.sourceRecs {
		if k := e.linkKey(rec); k != "" {
			linkCount[k]++
		}
		if e.NaturalKeyFallback {
			if k := e.SourceKey(rec); k != "" {
				matchCount[k]++
			}
		}
	}

	linkedTargets := map[int64]bool{}
	for _, k := range ru.r.links.Keys(linkEntity) {
		if id, ok := ru.r.links.Lookup(linkEntity, k); ok {
			linkedTargets[id] = true
		}
	}

	claimed := map[int64]bool{}
	var missing []int64
	for _, rec := range ru.sourceRecs {
		item := &planItem{rec: rec, key: e.linkKey(rec)}
		ru.plan = append(ru.plan, item)

		switch {
		case item.key == "":
			item.skip(SkippedNoKey, "source record has no key")
			continue
		case linkCount[item.key] > 1:
			item.skip(Ambiguous, fmt.Sprintf("%d source records share the key", linkCount[item.key]))
			continue
		}

		if id, ok := ru.r.links.Lookup(linkEntity, item.key); ok {
			item.targetID, item.matched, item.linked = id, true, true
			if _, have := ru.targets[id]; !have {
				missing = append(missing, id)
			}
			claimed[id] = true
			continue
		}

		if e.NaturalKeyFallback {
			if mk := e.SourceKey(rec); mk != "" {
				if matchCount[mk] > 1 {
					item.skip(Ambiguous, fmt.Sprintf("%d source records share the natural key %q", matchCount[mk], mk))
					continue
				}
				var candidates []int64
				for _, id := range ru.byKey[mk] {
					if !linkedTargets[id] && !claimed[id] {
						candidates = append(candidates, id)
					}
				}
				if len(candidates) > 1 {
					item.skip(Ambiguous, fmt.Sprintf("%d target records share the natural key %q", len(candidates), mk))
					continue
				}
				if len(candidates) == 1 {
					item.targetID, item.matched = candidates[0], true
					claimed[candidates[0]] = true
					continue
				}
			}
		}

		if e.ArchiveOnly {
			item.skip(Skipped, "no counterpart in target")
		}
	}

	if len(missing) > 0 {
		recs, err := ru.r.target.FindByIDs(ctx, e.TargetModel, missing, ru.targetFields, 0, godoo.FindOptions{IncludeArchived: true})
		if err != nil {
			return fmt.Errorf("fetch linked targets: %w", err)
		}
		for _, rec := range recs {
			ru.index(rec)
		}
		for _, item := range ru.plan {
			if item.outcome != nil || !item.matched {
				continue
			}
			if _, have := ru.targets[item.targetID]; !have {
				item.skip(Ambiguous, fmt.Sprintf("stale link: target record %d no longer exists", item.targetID))
			}
		}
	}

	if ru.fullFetch() && (!ru.r.onlyActive || e.ArchiveOnly || e.LivenessField == "") {
		ru.orphans(claimed)
	}

	if ru.images() {
		var ids []int64
		for id := range claimed {
			if _, ok := ru.targets[id]; ok {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			imgs, err := ru.r.target.FindByIDs(ctx, e.TargetModel, ids, godoo.Fields{e.ImageField}, ru.r.imagePageSize, godoo.FindOptions{IncludeArchived: true})
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				ru.logger.Warn("Target image pass failed, images of existing records will not be updated", zap.Error(err))
			} else {
				for _, img := range imgs {
					if rec, ok := ru.targets[img.ID()]; ok {
						rec.Merge(img)
					}
				}
				ru.imageDiff = true
			}
		}
	}
	return nil
}

const maxOrphanLogs = 20

func (ru *run) orphans(claimed map[int64]bool) {
	for id, rec := range ru.targets {
		if claimed[id] {
			continue
		}
		ru.report.Orphans++
		if ru.report.Orphans <= maxOrphanLogs {
			ru.logger.Warn("Target record has no source counterpart",
				zap.Int64("target_id", id),
				zap.String("key", ru.e.TargetKey(rec)),
			)
		}
	}
	if ru.report.Orphans > maxOrphanLogs {
		ru.logger.Warn("More orphan target records not listed", zap.Int("orphans", ru.report.Orphans))
	}
}

func (item *planItem) skip(kind Kind, reason string) {
	item.outcome = &Outcome{
		Kind:     kind,
		Key:      item.key,
		SourceID: item.rec.ID(),
		TargetID: item.targetID,
		Matched:  item.matched,
		Reason:   reason,
	}
}

func (ru *run) write(ctx context.Context) error {
	for _, item := range ru.plan {
		if item.outcome != nil {
			ru.record(*item.outcome)
			continue
		}
		if ru.report.Interrupted {
			continue
		}
		if ctx.Err() != nil {
			ru.report.Interrupted = true
			ru.logger.Warn("Interrupted, no further records will be written")
			continue
		}
		// A started record is finished even if the run is interrupted meanwhile.
		wctx := context.WithoutCancel(ctx)
		if item.targetID == 0 {
			ru.record(ru.create(wctx, item))
		} else {
			ru.record(ru.update(wctx, item))
		}
	}
	return nil
}

func (ru *run) finish(context.Context) error {
	return nil
}

func (ru *run) record(o Outcome) {
	ru.report.add(o)
	fields := []zap.Field{
		zap.String("key", o.Key),
		zap.Int64("source_id", o.SourceID),
		zap.Int64("target_id", o.TargetID),
		zap.Stringer("outcome", o.Kind),
	}
	switch o.Kind {
	case Failed:
		ru.logger.Error("Record failed", append(fields, zap.Error(o.Err))...)
	case Skipped, SkippedNoKey, Ambiguous:
		ru.logger.Warn("Record skipped", append(fields, zap.String("reason", o.Reason))...)
	default:
		ru.logger.Debug("Record reconciled", fields...)
	}
}

func (ru *run) mapRecord(item *planItem) (godoo.Data, int, error) {
	values := godoo.Data{}
	warnings := 0
	if !ru.e.ArchiveOnly {
		res, err := ru.r.mapper.Map(ru.e.Name, item.rec)
		if err != nil {
			return nil, 0, err
		}
		for _, w := range res.Warnings {
			ru.logger.Warn("Field omitted", zap.String("key", item.key), zap.String("field", w.Field), zap.String("reason", w.Reason))
		}
		values, warnings = res.Values, len(res.Warnings)
	}

	if lf := ru.e.LivenessField; lf != "" {
		values[lf] = item.rec.Bool(lf, true)
	}
	if ru.images() {
		if img := item.rec.String(ru.e.ImageField); img != "" {
			values[ru.e.ImageField] = img
		}
	}
	for f := range ru.r.dropped[ru.e.Name] {
		delete(values, f)
	}
	return values, warnings, nil
}

func (ru *run) create(ctx context.Context, item *planItem) Outcome {
	e := ru.e
	o := Outcome{Key: item.key, SourceID: item.rec.ID()}

	// A crashed or concurrent run may have created and linked it since Load.
	id, ok, err := ru.r.links.ResolveFresh(ctx, e.linkEntity(), item.key)
	if err != nil {
		o.Kind, o.Err = Failed, err
		return o
	}
	if ok {
		item.targetID, item.matched, item.linked = id, true, true
		if _, have := ru.targets[id]; !have {
			recs, err := ru.r.target.FindByIDs(ctx, e.TargetModel, []int64{id}, ru.targetFields, 0, godoo.FindOptions{IncludeArchived: true})
			if err != nil {
				o.Kind, o.Err, o.Matched = Failed, err, true
				return o
			}
			if len(recs) == 0 {
				o.Kind, o.Matched, o.TargetID = Ambiguous, true, id
				o.Reason = fmt.Sprintf("stale link: target record %d no longer exists", id)
				return o
			}
			ru.index(recs[0])
		}
		return ru.update(ctx, item)
	}

	values, warnings, err := ru.mapRecord(item)
	o.Warnings = warnings
	if err != nil {
		o.Kind, o.Err = Failed, err
		return o
	}
	for _, f := range e.RequiredOnCreate {
		if _, ok := values[f]; !ok {
			o.Kind, o.Reason = Skipped, fmt.Sprintf("required field %s could not be mapped", f)
			return o
		}
	}

	newID, err := ru.createWithFallback(ctx, values)
	if err != nil {
		o.Kind, o.Err = Failed, err
		return o
	}
	o.TargetID = newID

	if err := ru.r.links.Bind(ctx, e.linkEntity(), e.TargetModel, item.key, newID); err != nil {
		ru.logger.Error("Created record could not be linked, the next run may create a duplicate",
			zap.String("key", item.key),
			zap.Int64("orphan_target_id", newID),
			zap.Error(err),
		)
		o.Kind = Failed
		o.Err = &identity.BindError{Entity: e.linkEntity(), Key: item.key, TargetID: newID, Err: err}
		return o
	}
	o.Kind = Created
	return o
}

func (ru *run) update(ctx context.Context, item *planItem) Outcome {
	e := ru.e
	o := Outcome{Key: item.key, SourceID: item.rec.ID(), TargetID: item.targetID, Matched: true}

	values, warnings, err := ru.mapRecord(item)
	o.Warnings = warnings
	if err != nil {
		o.Kind, o.Err = Failed, err
		return o
	}
	if ru.images() && !ru.imageDiff {
		delete(values, e.ImageField)
	}

	if !item.linked {
		if err := ru.r.links.Bind(ctx, e.linkEntity(), e.TargetModel, item.key, item.targetID); err != nil {
			o.Kind = Failed
			o.Err = &identity.BindError{Entity: e.linkEntity(), Key: item.key, TargetID: item.targetID, Err: err}
			return o
		}
		item.linked = true
	}

	changes := ru.r.differ.Changes(ru.targets[item.targetID], values)
	if len(changes) == 0 {
		o.Kind = Unchanged
		return o
	}

	if err := ru.updateWithFallback(ctx, item.targetID, changes); err != nil {
		if errors.Is(err, errNothingWritten) {
			o.Kind = Unchanged
			o.Warnings++
			ru.logger.Warn("Target rejected every changed field, nothing written",
				zap.String("key", item.key),
				zap.Int64("target_id", item.targetID),
			)
			return o
		}
		o.Kind, o.Err = Failed, err
		return o
	}

	o.Kind = Updated
	active, livenessChanged := changes[e.LivenessField].(bool)
	if e.LivenessField == "" || !livenessChanged {
		return o
	}
	o.Kind = Archived
	if active {
		o.Kind = Activated
	}
	if e.AfterLiveness != nil {
		if err := e.AfterLiveness(ctx, ru.r.target, item.targetID, active); err != nil {
			o.Kind, o.Err = Failed, fmt.Errorf("propagate liveness: %w", err)
		}
	}
	return o
}

func (ru *run) createWithFallback(ctx context.Context, values godoo.Data) (int64, error) {
	for {
		id, err := ru.r.target.Create(ctx, ru.e.TargetModel, values)
		if ru.rejected(err, values) {
			continue
		}
		return id, err
	}
}

func (ru *run) updateWithFallback(ctx context.Context, id int64, values godoo.Data) error {
	for {
		err := ru.r.target.Update(ctx, ru.e.TargetModel, []int64{id}, values)
		if ru.rejected(err, values) {
			if len(values) == 0 {
				return errNothingWritten
			}
			continue
		}
		return err
	}
}

// rejected drops a field the target does not know from values, and from every
// later write of the entity.
func (ru *run) rejected(err error, values godoo.Data) bool {
	var fieldErr *godoo.InvalidFieldError
	if !errors.As(err, &fieldErr) {
		return false
	}
	if _, ok := values[fieldErr.Field]; !ok {
		return false
	}
	delete(values, fieldErr.Field)
	if ru.r.dropped[ru.e.Name] == nil {
		ru.r.dropped[ru.e.Name] = map[string]bool{}
	}
	if !ru.r.dropped[ru.e.Name][fieldErr.Field] {
		ru.r.dropped[ru.e.Name][fieldErr.Field] = true
		ru.logger.Warn("Target rejected a field, it will not be written for this entity", zap.String("field", fieldErr.Field))
	}
	return true
}

// parentFirst orders records so that every parent present in recs comes before
// its children. Siblings keep their order.
func parentFirst(recs []godoo.Record, field string) []godoo.Record {
	index := make(map[int64]int, len(recs))
	for i, rec := range recs {
		index[rec.ID()] = i
	}
	children := map[int64][]int{}
	var roots []int
	for i, rec := range recs {
		p, ok := rec.Ref(field)
		if _, inSet := index[p.ID]; ok && inSet && p.ID != rec.ID() {
			children[p.ID] = append(children[p.ID], i)
			continue
		}
		roots = append(roots, i)
	}

	out := make([]godoo.Record, 0, len(recs))
	visited := make([]bool, len(recs))
	var visit func(i int)
	visit = func(i int) {
		if visited[i] {
			return
		}
		visited[i] = true
		out = append(out, recs[i])
		for _, c := range children[recs[i].ID()] {
			visit(c)
		}
	}
	for _, i := range roots {
		visit(i)
	}
	// members of a parent cycle
	for i := range recs {
		visit(i)
	}
	return out
}
