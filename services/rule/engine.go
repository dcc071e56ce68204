package rule

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"smallbiznis-autopost/pkg/errutil"
	"smallbiznis-autopost/pkg/gen"
	"smallbiznis-autopost/pkg/taskname"
	"smallbiznis-autopost/services/trigger"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrNotEligible is returned by Fire for a disabled rule or an event the rule
// does not listen to.
var ErrNotEligible = errors.New("rule not eligible for event")

var runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "rule_runs_total",
	Help: "Rule runs by final status.",
}, []string{"status"})

func init() {
	prometheus.MustRegister(runsTotal)
}

// Engine fires rules for trigger events and records each attempt as a run.
type Engine struct {
	db       *gorm.DB
	repo     Repository
	cache    *RuleCache
	exec     *Executor
	bus      trigger.Bus
	node     *snowflake.Node
	maxDepth int
	runLease time.Duration
	now      func() time.Time

	mu         sync.Mutex
	subscribed map[string]bool
}

// Fire runs one rule for one event. A repeated delivery of a finished event
// returns the run already recorded for it; a delivery racing an unfinished
// run gets a transient error. The returned error is the cause of a failed run.
func (e *Engine) Fire(ctx context.Context, cr *CompiledRule, ev trigger.Event) (*RuleRun, error) {
	if !cr.Rule.Enabled || cr.Rule.Trigger != ev.Name || cr.Rule.OrgID != ev.OrgID {
		return nil, ErrNotEligible
	}

	run, err := e.open(ctx, cr, ev)
	if err != nil || run.Status != RunPending {
		return run, err
	}

	if err := e.claim(ctx, run); err != nil {
		e.release(ctx, run, err)
		return nil, errutil.Transient("rule run not claimed", err)
	}

	if cr.Err != nil {
		return e.finish(ctx, run, RunFailed, cr.Err, nil)
	}

	vars := ev.Context()
	matched, err := cr.evaluate(ev.Name, vars)
	if err != nil {
		return e.finish(ctx, run, RunFailed, errutil.Terminal("condition evaluation failed", err), nil)
	}
	if !matched {
		return e.finish(ctx, run, RunSkipped, nil, nil)
	}

	sc := &scope{orgID: ev.OrgID, ruleID: cr.ID, dedupKey: *run.DedupKey, vars: vars}
	execErr := e.exec.Execute(trigger.WithEvent(ctx, ev), sc, cr.Action)
	if execErr != nil {
		return e.finish(ctx, run, RunFailed, execErr, sc.steps)
	}
	return e.finish(ctx, run, RunSuccess, nil, sc.steps)
}

// open inserts a pending run holding the event's dedup key. When the key is
// already held it returns the holder, after failing it and retrying once if
// the holder outlived the run lease without finishing.
func (e *Engine) open(ctx context.Context, cr *CompiledRule, ev trigger.Event) (*RuleRun, error) {
	key := DedupKey(cr.ID, ev.ID)
	for attempt := 0; attempt < 2; attempt++ {
		run := &RuleRun{
			ID:       gen.ID(e.node),
			RuleID:   cr.ID,
			OrgID:    ev.OrgID,
			EventID:  ev.ID,
			Trigger:  ev.Name,
			Status:   RunPending,
			DedupKey: &key,
		}
		err := e.db.WithContext(ctx).Create(run).Error
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, errutil.Transient("failed to create rule run", err)
		}

		held, err := e.runByDedup(ctx, key)
		if err != nil {
			return nil, err
		}
		if held == nil {
			// Released between the insert and the lookup.
			continue
		}
		if held.Status.Terminal() {
			runsTotal.WithLabelValues("duplicate").Inc()
			zap.L().Debug("duplicate rule delivery", zap.String("rule_id", cr.ID), zap.String("event_id", ev.ID))
			return held, nil
		}
		if !e.expired(held) {
			return held, errutil.Transient("rule run in progress", nil,
				errutil.WithDetails(errutil.Detail{Field: "run_id", Message: held.ID}))
		}
		if err := e.abandon(ctx, held); err != nil {
			return nil, err
		}
	}
	return nil, errutil.Transient("rule run contended", nil,
		errutil.WithDetails(errutil.Detail{Field: "dedup_key", Message: key}))
}

func (e *Engine) expired(run *RuleRun) bool {
	since := run.CreatedAt
	if run.StartedAt != nil {
		since = *run.StartedAt
	}
	return e.now().Sub(since) > e.runLease
}

// abandon fails an unfinished run that outlived its lease and frees its key.
func (e *Engine) abandon(ctx context.Context, run *RuleRun) error {
	res := e.db.WithContext(ctx).Model(&RuleRun{}).
		Where("id = ? AND status = ?", run.ID, run.Status).
		Updates(map[string]any{
			"status":       RunFailed,
			"completed_at": e.now().UTC(),
			"error":        "abandoned: no progress within run lease",
			"dedup_key":    nil,
		})
	if res.Error != nil {
		return errutil.Transient("failed to abandon rule run", res.Error)
	}
	if res.RowsAffected > 0 {
		runsTotal.WithLabelValues("abandoned").Inc()
		zap.L().Warn("abandoned stale rule run",
			zap.String("run_id", run.ID),
			zap.String("rule_id", run.RuleID),
			zap.String("event_id", run.EventID),
			zap.String("status", string(run.Status)),
		)
	}
	return nil
}

func (e *Engine) claim(ctx context.Context, run *RuleRun) error {
	now := e.now().UTC()
	res := e.db.WithContext(ctx).Model(&RuleRun{}).
		Where("id = ? AND status = ?", run.ID, RunPending).
		Updates(map[string]any{"status": RunRunning, "started_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errutil.Conflict("rule run already claimed", nil, errutil.WithDetails(errutil.Detail{Field: "run_id", Message: run.ID}))
	}
	run.Status = RunRunning
	run.StartedAt = &now
	return nil
}

// release fails a run that could not be claimed so its key does not block
// redelivery. When this write also fails the run lease frees the key later.
func (e *Engine) release(ctx context.Context, run *RuleRun, cause error) {
	res := e.db.WithContext(context.WithoutCancel(ctx)).Model(&RuleRun{}).
		Where("id = ? AND status = ?", run.ID, RunPending).
		Updates(map[string]any{
			"status":       RunFailed,
			"completed_at": e.now().UTC(),
			"error":        cause.Error(),
			"dedup_key":    nil,
		})
	if res.Error != nil {
		zap.L().Error("failed to release unclaimed rule run", zap.String("run_id", run.ID), zap.Error(res.Error))
		return
	}
	if res.RowsAffected > 0 {
		runsTotal.WithLabelValues(string(RunFailed)).Inc()
	}
}

// finish moves a running run to its terminal status. A failed run releases
// its dedup key so the event can be redelivered.
func (e *Engine) finish(ctx context.Context, run *RuleRun, to RunStatus, cause error, steps []map[string]any) (*RuleRun, error) {
	if !CanTransition(run.Status, to) {
		return nil, errutil.Invariant("illegal rule run transition "+string(run.Status)+" -> "+string(to), nil)
	}

	now := e.now().UTC()
	fields := map[string]any{
		"status":       to,
		"completed_at": now,
	}
	if steps != nil {
		raw, err := json.Marshal(map[string]any{"steps": steps})
		if err != nil {
			return nil, errutil.Internal("failed to encode run metadata", err)
		}
		fields["metadata"] = datatypes.JSON(raw)
		run.Metadata = raw
	}
	if cause != nil {
		fields["error"] = cause.Error()
		run.Error = cause.Error()
	}
	if to == RunFailed {
		fields["dedup_key"] = nil
		run.DedupKey = nil
	}

	res := e.db.WithContext(ctx).Model(&RuleRun{}).
		Where("id = ? AND status = ?", run.ID, RunRunning).
		Updates(fields)
	if res.Error != nil {
		return nil, errutil.Transient("failed to finish rule run", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, errutil.Conflict("rule run is no longer running", nil, errutil.WithDetails(errutil.Detail{Field: "run_id", Message: run.ID}))
	}
	run.Status = to
	run.CompletedAt = &now
	runsTotal.WithLabelValues(string(to)).Inc()

	fieldsLog := []zap.Field{
		zap.String("run_id", run.ID),
		zap.String("rule_id", run.RuleID),
		zap.String("event_id", run.EventID),
		zap.String("status", string(to)),
	}
	if cause != nil {
		zap.L().Warn("rule run failed", append(fieldsLog, zap.Error(cause))...)
		return run, cause
	}
	zap.L().Info("rule run finished", fieldsLog...)
	return run, nil
}

func (e *Engine) runByDedup(ctx context.Context, key string) (*RuleRun, error) {
	var run RuleRun
	if err := e.db.WithContext(ctx).Where("dedup_key = ?", key).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errutil.Transient("failed to load deduplicated rule run", err)
	}
	return &run, nil
}

// Handle fires every enabled rule for the event, highest priority first. It
// returns the transient failures so the delivery can be retried; rules that
// already succeeded are deduplicated on redelivery.
func (e *Engine) Handle(ctx context.Context, ev trigger.Event) error {
	if e.maxDepth > 0 && ev.Depth > e.maxDepth {
		zap.L().Warn("dropping event past cascade limit",
			zap.String("event_id", ev.ID),
			zap.String("trigger", ev.Name),
			zap.Int("depth", ev.Depth),
		)
		return nil
	}

	set, err := e.RuleSet(ctx, ev.OrgID, ev.Name)
	if err != nil {
		return err
	}

	var errs []error
	for _, cr := range set.Rules {
		if _, err := e.Fire(ctx, cr, ev); err != nil && errutil.IsTransient(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RuleSet returns the compiled enabled rules for (org, trigger). A rule that
// fails to compile stays in the set with its error so firing it records a
// failed run.
func (e *Engine) RuleSet(ctx context.Context, orgID, name string) (*CompiledRuleSet, error) {
	key := RuleSetKey{OrgID: orgID, Trigger: name}
	return e.cache.GetOrLoad(key, func() (*CompiledRuleSet, error) {
		rules, err := e.repo.ListEnabledByTrigger(ctx, orgID, name)
		if err != nil {
			return nil, errutil.Transient("failed to load rules", err)
		}
		set := &CompiledRuleSet{LoadedAt: e.now()}
		for _, r := range rules {
			cr, err := Compile(r)
			if err != nil {
				zap.L().Error("invalid stored rule", zap.String("rule_id", r.RuleID), zap.Error(err))
				cr = &CompiledRule{ID: r.RuleID, Rule: r, Err: err}
			}
			set.Rules = append(set.Rules, cr)
		}
		return set, nil
	})
}

// Invalidate drops the cached rule set for (org, trigger).
func (e *Engine) Invalidate(orgID, name string) {
	e.cache.Invalidate(RuleSetKey{OrgID: orgID, Trigger: name})
}

// Subscribe makes the engine handle events named name. Repeated calls are
// no-ops.
func (e *Engine) Subscribe(name string) {
	if e.bus == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.subscribed[name] {
		return
	}
	e.subscribed[name] = true
	e.bus.Subscribe(name, e.Handle)
}

// Start subscribes to the built-in events and every trigger a stored rule
// listens to.
func (e *Engine) Start(ctx context.Context) error {
	for _, name := range taskname.Known {
		e.Subscribe(name)
	}
	names, err := e.repo.Triggers(ctx)
	if err != nil {
		return errutil.Transient("failed to load rule triggers", err)
	}
	for _, name := range names {
		e.Subscribe(name)
	}
	return nil
}

func (e *Engine) GetRun(ctx context.Context, orgID, id string) (*RuleRun, error) {
	var run RuleRun
	if err := e.db.WithContext(ctx).Where("org_id = ? AND id = ?", orgID, id).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errutil.NotFound("rule run not found", err, errutil.WithDetails(errutil.Detail{Field: "run_id", Message: id}))
		}
		return nil, errutil.Transient("failed to load rule run", err)
	}
	return &run, nil
}

// ListRuns returns a rule's runs, newest first.
func (e *Engine) ListRuns(ctx context.Context, orgID, ruleID string, limit int) ([]RuleRun, error) {
	q := e.db.WithContext(ctx).
		Where("org_id = ? AND rule_id = ?", orgID, ruleID).
		Order("created_at desc").Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []RuleRun
	if err := q.Find(&out).Error; err != nil {
		return nil, errutil.Transient("failed to list rule runs", err)
	}
	return out, nil
}
