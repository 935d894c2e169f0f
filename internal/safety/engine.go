package safety

import (
	"context"
	"sort"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/internal/instrumentation/metrics"
	"github.com/sirupsen/logrus"
)

type Outcome string

const (
	OutcomeAccepted Outcome = "ACCEPTED"
	OutcomeRefused  Outcome = "REFUSED"
	OutcomeModified Outcome = "MODIFIED"
)

// Context carries everything a rule may look at. RelatedDeviceStates holds
// the twin snapshots of sibling devices in the same functional system, keyed
// by canonical device id; interlocks read the siblings' Desired state so
// they evaluate intent-to-change, not transient hardware reality.
type Context struct {
	DeviceId            domain.DeviceId
	DeviceType          domain.DeviceType
	ProposedValue       domain.DeviceValue
	CurrentSnapshot     *domain.DeviceTwinSnapshot
	System              *domain.FunctionalSystem
	RelatedDeviceStates map[string]domain.DeviceTwinSnapshot
	Metadata            map[string]string
}

// RuleResult is the sum-type verdict of a single rule.
type RuleResult struct {
	Outcome Outcome
	Value   domain.DeviceValue
	Reason  string
}

func Accepted() RuleResult {
	return RuleResult{Outcome: OutcomeAccepted}
}

func Refused(reason string) RuleResult {
	return RuleResult{Outcome: OutcomeRefused, Reason: reason}
}

func Modified(value domain.DeviceValue, reason string) RuleResult {
	return RuleResult{Outcome: OutcomeModified, Value: value, Reason: reason}
}

// Rule is the capability interface implemented by both hardcoded and
// declaratively loaded rules. Rules must be deterministic, thread-safe and
// free of blocking I/O.
type Rule interface {
	Id() string
	Name() string
	Category() domain.OverrideCategory
	Priority() int
	AppliesTo(sc Context) bool
	Evaluate(sc Context) RuleResult
}

// Suggester is an optional extension: rules that can propose a corrected
// value for an otherwise refused transition.
type Suggester interface {
	Suggest(sc Context) (domain.DeviceValue, bool)
}

// EvaluationResult is the engine's verdict over the whole rule set.
type EvaluationResult struct {
	Outcome          Outcome
	FinalValue       domain.DeviceValue
	OriginalValue    domain.DeviceValue
	Reason           string
	EvaluatedRuleIds []string
}

// Engine runs rules in fixed precedence order: safety categories first
// (HARDCODED_SAFETY, then SYSTEM_SAFETY), then the operator categories in
// descending priority, USER_INTENT last. Within a category, rules run by
// ascending Priority.
type Engine struct {
	rules   []Rule
	timeout time.Duration
	log     logrus.FieldLogger
	metrics *metrics.KernelMetrics
}

func NewEngine(rules []Rule, ruleTimeout time.Duration, log logrus.FieldLogger, m *metrics.KernelMetrics) *Engine {
	ordered := make([]Rule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Category() != ordered[j].Category() {
			return ordered[i].Category() > ordered[j].Category()
		}
		return ordered[i].Priority() < ordered[j].Priority()
	})
	if ruleTimeout <= 0 {
		ruleTimeout = 100 * time.Millisecond
	}
	return &Engine{rules: ordered, timeout: ruleTimeout, log: log, metrics: m}
}

// Evaluate runs every applicable rule against the context. A refusal from a
// safety category terminates immediately; a modification replaces the
// running proposed value so downstream rules see the corrected value.
func (e *Engine) Evaluate(ctx context.Context, sc Context) EvaluationResult {
	return e.evaluate(ctx, sc, false)
}

// EvaluateHardcodedOnly is the fallback path: only HARDCODED_SAFETY rules
// run. Used when full evaluation failed, so the non-negotiable interlocks
// still hold.
func (e *Engine) EvaluateHardcodedOnly(ctx context.Context, sc Context) EvaluationResult {
	return e.evaluate(ctx, sc, true)
}

func (e *Engine) evaluate(ctx context.Context, sc Context, hardcodedOnly bool) EvaluationResult {
	original := sc.ProposedValue
	current := sc.ProposedValue
	modified := false
	var evaluated []string

	for _, rule := range e.rules {
		if hardcodedOnly && rule.Category() != domain.CategoryHardcodedSafety {
			continue
		}
		sc.ProposedValue = current
		if !e.applies(rule, sc) {
			continue
		}
		result := e.runRule(ctx, rule, sc)
		evaluated = append(evaluated, rule.Id())

		switch result.Outcome {
		case OutcomeRefused:
			if rule.Category() == domain.CategoryHardcodedSafety || rule.Category() == domain.CategorySystemSafety {
				return EvaluationResult{
					Outcome:          OutcomeRefused,
					OriginalValue:    original,
					Reason:           result.Reason,
					EvaluatedRuleIds: evaluated,
				}
			}
			// Non-safety refusals do not abort the pipeline.
			e.log.Warnf("rule %s refused outside a safety category, ignoring: %s", rule.Id(), result.Reason)
		case OutcomeModified:
			current = result.Value
			modified = true
		}
	}

	out := EvaluationResult{
		Outcome:          OutcomeAccepted,
		FinalValue:       current,
		OriginalValue:    original,
		EvaluatedRuleIds: evaluated,
	}
	if modified {
		out.Outcome = OutcomeModified
	}
	return out
}

func (e *Engine) applies(rule Rule, sc Context) bool {
	applies := false
	err := e.guard(rule, func() { applies = rule.AppliesTo(sc) })
	if err != nil {
		e.recordFailure(rule, err)
		return false
	}
	return applies
}

// runRule bounds a single rule evaluation by the per-rule timeout and
// recovers panics. A failing rule counts as ACCEPTED, it must not abort the
// pipeline.
func (e *Engine) runRule(ctx context.Context, rule Rule, sc Context) RuleResult {
	type outcome struct {
		result RuleResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		var result RuleResult
		err := e.guard(rule, func() { result = rule.Evaluate(sc) })
		ch <- outcome{result: result, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			e.recordFailure(rule, o.err)
			return Accepted()
		}
		return o.result
	case <-time.After(e.timeout):
		e.recordFailure(rule, errRuleTimeout)
		return Accepted()
	case <-ctx.Done():
		return Accepted()
	}
}

func (e *Engine) recordFailure(rule Rule, err error) {
	e.metrics.RuleFailures.WithLabelValues(rule.Id()).Inc()
	e.log.WithError(err).Errorf("safety rule %s (%s) failed, treating as accepted", rule.Id(), rule.Name())
}

func (e *Engine) guard(rule Rule, fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{rule: rule.Id(), value: r}
		}
	}()
	fn()
	return nil
}
