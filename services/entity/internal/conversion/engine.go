package conversion

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/redbco/redb-entities/pkg/adapter"
	"github.com/redbco/redb-entities/pkg/logger"
	"github.com/redbco/redb-entities/services/entity/internal/entities"
	"github.com/redbco/redb-entities/services/entity/internal/events"
	"github.com/redbco/redb-entities/services/entity/internal/faults"
	"github.com/redbco/redb-entities/services/entity/internal/fields"
)

// Status is the outcome of one conversion attempt
type Status string

const (
	StatusCompleted       Status = "completed"
	StatusConditionNotMet Status = "condition_not_met"
	StatusPendingApproval Status = "pending_approval"
	StatusFailed          Status = "failed"
)

// Result describes one conversion attempt. Failed results carry the error and
// zeroed metrics.
type Result struct {
	ExecutionID              string      `json:"execution_id"`
	RuleID                   string      `json:"rule_id"`
	RuleName                 string      `json:"rule_name"`
	TenantID                 string      `json:"tenant_id"`
	SourceEntity             string      `json:"source_entity"`
	SourceID                 string      `json:"source_id"`
	TargetEntity             string      `json:"target_entity"`
	TargetID                 string      `json:"target_id,omitempty"`
	Status                   Status      `json:"status"`
	Success                  bool        `json:"success"`
	ConvertedFields          []string    `json:"converted_fields"`
	SkippedFields            []string    `json:"skipped_fields"`
	ConvertedExtensionFields []string    `json:"converted_extension_fields"`
	SkippedExtensionFields   []string    `json:"skipped_extension_fields"`
	Warnings                 []string    `json:"warnings"`
	Error                    string      `json:"error,omitempty"`
	ErrorKind                faults.Kind `json:"error_type,omitempty"`
	StartedAt                time.Time   `json:"started_at"`
	DurationMs               int64       `json:"duration_ms"`

	Target *entities.EntityWithExtensions `json:"target,omitempty"`
}

// Codes reported in failed results
const (
	CodeRuleInactive   = "RULE_INACTIVE"
	CodeSourceNotFound = "SOURCE_NOT_FOUND"
)

// Rules supplies rules; *Store satisfies it
type Rules interface {
	ActiveRules(ctx context.Context, tenantID, sourceEntity string) ([]Rule, error)
	GetRule(ctx context.Context, tenantID, id string) (*Rule, error)
}

// Entities reads sources and writes targets; *entities.Service satisfies it
type Entities interface {
	Get(ctx context.Context, tenantID, entity, id string, opts ...entities.CallOption) (*entities.EntityWithExtensions, error)
	Create(ctx context.Context, tenantID, entity string, in entities.Input, opts ...entities.CallOption) (*entities.EntityWithExtensions, error)
	Update(ctx context.Context, tenantID, entity, id string, in entities.Input, opts ...entities.CallOption) (*entities.EntityWithExtensions, error)
}

// Publisher is the fire-and-forget event sink; *events.Bus satisfies it
type Publisher interface {
	Publish(ctx context.Context, eventType, tenantID string, payload any)
}

type discard struct{}

func (discard) Publish(ctx context.Context, eventType, tenantID string, payload any) {}

// Engine runs conversion rules
type Engine struct {
	rules     Rules
	entities  Entities
	defs      entities.Definitions
	events    Publisher
	evaluator *Evaluator
	logger    *logger.Logger
	now       func() time.Time
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithMaxDepth bounds trigger evaluation depth
func WithMaxDepth(depth int) EngineOption {
	return func(e *Engine) { e.evaluator = NewEvaluator(depth) }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func NewEngine(rules Rules, ents Entities, defs entities.Definitions, pub Publisher, log *logger.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:     rules,
		entities:  ents,
		defs:      defs,
		events:    pub,
		evaluator: NewEvaluator(DefaultMaxDepth),
		logger:    log,
		now:       time.Now,
	}
	if pub == nil {
		e.events = discard{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteOption customizes a manual execution
type ExecuteOption func(*executeOptions)

type executeOptions struct {
	credential string
	approved   bool
}

// WithCredential reads and writes with the caller's bearer credential
func WithCredential(credential string) ExecuteOption {
	return func(o *executeOptions) { o.credential = credential }
}

// Approved skips the approval gate; used once an approver accepts the conversion
func Approved() ExecuteOption {
	return func(o *executeOptions) { o.approved = true }
}

func (o executeOptions) entityOpts() []entities.CallOption {
	opts := []entities.CallOption{entities.SkipHooks()}
	if o.credential != "" {
		opts = append(opts, entities.WithCredential(o.credential))
	}
	return opts
}

func (e *Engine) newResult(tenantID, sourceID string) *Result {
	return &Result{
		ExecutionID:              uuid.NewString(),
		TenantID:                 tenantID,
		SourceID:                 sourceID,
		ConvertedFields:          []string{},
		SkippedFields:            []string{},
		ConvertedExtensionFields: []string{},
		SkippedExtensionFields:   []string{},
		Warnings:                 []string{},
		StartedAt:                e.now().UTC(),
	}
}

func (e *Engine) fail(ctx context.Context, res *Result, err error) *Result {
	fe := faults.Normalize(err, faults.Scope{
		TenantID:    res.TenantID,
		EntityTable: res.SourceEntity,
		EntityID:    res.SourceID,
		Context:     map[string]any{"rule_id": res.RuleID, "execution_id": res.ExecutionID},
	})
	res.Status = StatusFailed
	res.Success = false
	res.Error = fe.Message
	res.ErrorKind = fe.Kind
	res.TargetID = ""
	res.Target = nil
	res.ConvertedFields = []string{}
	res.SkippedFields = []string{}
	res.ConvertedExtensionFields = []string{}
	res.SkippedExtensionFields = []string{}
	res.DurationMs = 0

	e.logger.Warnf("Conversion %s of %s/%s failed: %s", res.RuleName, res.SourceEntity, res.SourceID, fe.Message)
	e.events.Publish(ctx, events.ConversionFailed, res.TenantID, res)
	return res
}

func (e *Engine) finish(res *Result) *Result {
	res.DurationMs = e.now().Sub(res.StartedAt).Milliseconds()
	return res
}

// Execute runs one rule against one stored source record. It never returns an
// error: every failure is reported in the result.
func (e *Engine) Execute(ctx context.Context, tenantID, ruleID, sourceID string, opts ...ExecuteOption) *Result {
	var o executeOptions
	for _, opt := range opts {
		opt(&o)
	}
	res := e.newResult(tenantID, sourceID)
	res.RuleID = ruleID

	rule, err := e.rules.GetRule(ctx, tenantID, ruleID)
	if err != nil {
		return e.fail(ctx, res, err)
	}
	describe(res, rule)
	if !rule.IsActive {
		return e.fail(ctx, res, faults.New(faults.KindConfiguration, CodeRuleInactive,
			fmt.Sprintf("conversion rule %s is inactive", rule.Name)))
	}

	source, err := e.entities.Get(ctx, tenantID, rule.SourceEntity, sourceID, o.entityOpts()...)
	if err != nil {
		return e.fail(ctx, res, err)
	}
	if source == nil {
		return e.fail(ctx, res, faults.New(faults.KindValidation, CodeSourceNotFound,
			fmt.Sprintf("%s record %s not found", rule.SourceEntity, sourceID), faults.WithEntityID(sourceID)))
	}
	return e.run(ctx, rule, source, res, o)
}

func describe(res *Result, rule *Rule) {
	res.RuleID = rule.ID
	res.RuleName = rule.Name
	res.SourceEntity = rule.SourceEntity
	res.TargetEntity = rule.TargetEntity
}

func sourceOf(ent *entities.EntityWithExtensions) Source {
	return Source{ID: ent.ID, Attributes: ent.Attributes, Extensions: ent.ExtensionValues()}
}

func (e *Engine) run(ctx context.Context, rule *Rule, ent *entities.EntityWithExtensions, res *Result, o executeOptions) *Result {
	src := sourceOf(ent)
	res.SourceID = src.ID

	met, err := e.evaluator.Evaluate(rule.TriggerConditions.Root, src.view())
	if err != nil {
		return e.fail(ctx, res, faults.New(faults.KindValidation, CodeInvalidRule,
			fmt.Sprintf("failed to evaluate trigger of %s: %v", rule.Name, err), faults.WithCause(err)))
	}
	if !met {
		res.Status = StatusConditionNotMet
		e.logger.Debugf("Conversion %s skipped for %s/%s: condition not met", rule.Name, rule.SourceEntity, src.ID)
		return e.finish(res)
	}

	targetDefs, err := e.defs.GetFieldDefinitionsForTenant(ctx, res.TenantID, rule.TargetEntity)
	if err != nil {
		return e.fail(ctx, res, err)
	}
	mapped := ApplyMapping(rule, src, targetDefs)
	res.ConvertedFields = mapped.ConvertedFields
	res.SkippedFields = mapped.SkippedFields
	res.ConvertedExtensionFields = mapped.ConvertedExtensionFields
	res.SkippedExtensionFields = mapped.SkippedExtensionFields
	res.Warnings = append(res.Warnings, mapped.Warnings...)
	for _, w := range mapped.Warnings {
		e.logger.Warnf("Conversion %s: %s", rule.Name, w)
	}

	if rule.ApprovalSettings.RequireApproval && !o.approved {
		res.Status = StatusPendingApproval
		e.finish(res)
		e.logger.Infof("Conversion %s of %s/%s awaits approval", rule.Name, rule.SourceEntity, src.ID)
		e.events.Publish(ctx, events.ConversionApprovalRequested, res.TenantID, map[string]any{
			"result":    res,
			"approvers": rule.ApprovalSettings.Approvers,
			"preview":   mapped,
		})
		return res
	}

	target, err := e.entities.Create(ctx, res.TenantID, rule.TargetEntity,
		entities.Input{Attributes: mapped.Attributes, Extensions: mapped.Extensions}, o.entityOpts()...)
	if err != nil {
		return e.fail(ctx, res, err)
	}
	res.Target = target
	res.TargetID = target.ID
	for _, w := range target.Warnings {
		res.Warnings = append(res.Warnings, w.Message)
	}

	if rule.ConversionSettings.MarkSourceConverted {
		mark := entities.Input{Attributes: adapter.Record{
			rule.ConversionSettings.statusField(): rule.ConversionSettings.statusValue(),
		}}
		if _, err := e.entities.Update(ctx, res.TenantID, rule.SourceEntity, src.ID, mark, o.entityOpts()...); err != nil {
			res.Warnings = append(res.Warnings, fmt.Sprintf("failed to mark source converted: %v", err))
			e.logger.Warnf("Conversion %s: failed to mark %s/%s converted: %v", rule.Name, rule.SourceEntity, src.ID, err)
		}
	}

	res.Status = StatusCompleted
	res.Success = true
	e.finish(res)
	e.logger.Infof("Converted %s/%s into %s/%s with rule %s (%d fields, %d extension fields)",
		rule.SourceEntity, src.ID, rule.TargetEntity, res.TargetID, rule.Name,
		len(res.ConvertedFields), len(res.ConvertedExtensionFields))
	e.events.Publish(ctx, events.ConversionCompleted, res.TenantID, res)
	return res
}

// alreadyConverted reports whether the source carries the converted marker
func alreadyConverted(rule *Rule, src Source) bool {
	if !rule.ConversionSettings.MarkSourceConverted {
		return false
	}
	v, ok := src.Attributes[rule.ConversionSettings.statusField()]
	return ok && adapter.EqualValues(v, rule.ConversionSettings.statusValue())
}

// EvaluateWrite runs every active auto-conversion rule of the written entity,
// one after another in name order. A failing rule does not stop the rest.
func (e *Engine) EvaluateWrite(ctx context.Context, ev entities.WriteEvent) []*Result {
	if ev.Entity == nil {
		return nil
	}
	rules, err := e.rules.ActiveRules(ctx, ev.TenantID, ev.EntityTable)
	if err != nil {
		e.logger.Warnf("Failed to load conversion rules for %s:%s: %v", ev.TenantID, ev.EntityTable, err)
		return nil
	}

	o := executeOptions{credential: ev.Credential}
	src := sourceOf(ev.Entity)
	var results []*Result
	for i := range rules {
		rule := &rules[i]
		if !rule.IsActive || !rule.ConversionSettings.AutoConversionEnabled {
			continue
		}
		if alreadyConverted(rule, src) {
			e.logger.Debugf("Skipping rule %s: %s/%s already converted", rule.Name, ev.EntityTable, src.ID)
			continue
		}
		res := e.newResult(ev.TenantID, src.ID)
		describe(res, rule)
		results = append(results, e.run(ctx, rule, ev.Entity, res, o))
	}
	return results
}

// AfterWrite lets the engine be registered as an entities.WriteHook
func (e *Engine) AfterWrite(ctx context.Context, ev entities.WriteEvent) {
	e.EvaluateWrite(ctx, ev)
}

// Preview is a dry run of a rule against an in-memory record
type Preview struct {
	ConditionMet bool    `json:"condition_met"`
	Mapped       *Mapped `json:"mapped,omitempty"`
}

// PreviewRule evaluates the trigger and, when it holds, computes the target
// record without writing anything.
func PreviewRule(rule *Rule, src Source, targetDefs []fields.Definition, maxDepth int) (*Preview, error) {
	met, err := NewEvaluator(maxDepth).Evaluate(rule.TriggerConditions.Root, src.view())
	if err != nil {
		return nil, err
	}
	p := &Preview{ConditionMet: met}
	if met {
		p.Mapped = ApplyMapping(rule, src, targetDefs)
	}
	return p, nil
}
