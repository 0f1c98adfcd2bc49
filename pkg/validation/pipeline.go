package validation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
)

// Result is the outcome of validating one user message
type Result struct {
	MessageID string
	PModeID   string
	Findings  []Finding
	Rejected  bool

	// Transition is the state the caller must move the unit to, "" when
	// processing continues
	Transition model.ProcessingState

	// Errors are the errors added to the generated errors map
	Errors []model.EbmsError
}

// HasFailures reports whether any finding is a failure
func (r *Result) HasFailures() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityFailure {
			return true
		}
	}
	return false
}

// Reporter is notified of every completed validation
type Reporter interface {
	ValidationCompleted(res *Result, elapsed time.Duration)
}

// Pipeline applies P-Mode validation policies to user messages
type Pipeline struct {
	resolver pmode.Resolver
	registry *Registry
	reporter Reporter
	logger   *slog.Logger
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithReporter sets the reporter notified of each outcome
func WithReporter(r Reporter) Option {
	return func(p *Pipeline) { p.reporter = r }
}

// NewPipeline creates a pipeline resolving policies with resolver and
// creating validators from registry
func NewPipeline(resolver pmode.Resolver, registry *Registry, opts ...Option) *Pipeline {
	p := &Pipeline{
		resolver: resolver,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "validation")
	return p
}

// Run resolves the P-Mode of um and evaluates its validation policy.
// Errors for a rejected message are added to generated.
func (p *Pipeline) Run(ctx context.Context, um *model.UserMessage, generated model.GeneratedErrors) (*Result, error) {
	pm, err := p.resolver.ResolveUserMessage(um)
	if err != nil {
		return nil, fmt.Errorf("resolving P-Mode of %s: %w", um.MessageID(), err)
	}
	res, err := p.Evaluate(ctx, um, pm.CustomValidation, generated)
	if res != nil {
		res.PModeID = pm.ID
	}
	return res, err
}

// Evaluate applies policy to um. A nil, disabled or empty policy passes
// without findings.
//
// A policy that cannot be applied marks the message as failed, adds an
// EBMS:0004 error and returns ErrPolicyMisconfiguration together with the
// Result.
func (p *Pipeline) Evaluate(ctx context.Context, um *model.UserMessage, policy *pmode.CustomValidation, generated model.GeneratedErrors) (*Result, error) {
	start := time.Now()
	res := &Result{MessageID: um.MessageID()}
	defer func() {
		if p.reporter != nil {
			p.reporter.ValidationCompleted(res, time.Since(start))
		}
	}()

	if !policy.Active() {
		return res, nil
	}

	validators := make([]Validator, len(policy.Validators))
	for i, spec := range policy.Validators {
		v, err := p.registry.New(spec)
		if err != nil {
			p.logger.Error("cannot create validator",
				"message_id", res.MessageID,
				"validator", spec.ID,
				"type", spec.Type,
				"error", err)
			p.reject(res, generated, "Validation could not be performed", err.Error())
			return res, fmt.Errorf("%w: %v", ErrPolicyMisconfiguration, err)
		}
		validators[i] = v
	}

	for i, v := range validators {
		id := policy.Validators[i].ID
		for _, f := range p.runValidator(ctx, id, v, um) {
			if f.ValidatorID == "" {
				f.ValidatorID = id
			}
			res.Findings = append(res.Findings, f)
		}
	}

	if !rejects(policy, res.Findings) {
		if len(res.Findings) > 0 {
			p.logger.Info("message has validation findings",
				"message_id", res.MessageID,
				"findings", len(res.Findings))
		}
		return res, nil
	}

	details := make([]string, len(res.Findings))
	for i, f := range res.Findings {
		details[i] = f.String()
	}
	p.reject(res, generated, "Message content is invalid", strings.Join(details, "; "))
	p.logger.Warn("message rejected by custom validation",
		"message_id", res.MessageID,
		"findings", len(res.Findings))
	return res, nil
}

func (p *Pipeline) reject(res *Result, generated model.GeneratedErrors, description, detail string) {
	e := model.ErrorOther.New(res.MessageID, description)
	e.ErrorDetail = detail
	res.Rejected = true
	res.Transition = model.StateFailure
	res.Errors = append(res.Errors, e)
	if generated != nil {
		generated.Add(res.MessageID, e)
	}
}

// runValidator runs v and turns a returned error or a panic into a
// failure finding
func (p *Pipeline) runValidator(ctx context.Context, id string, v Validator, um *model.UserMessage) (findings []Finding) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("validator panicked", "validator", id, "message_id", um.MessageID(), "panic", r)
			findings = []Finding{{ValidatorID: id, Severity: SeverityFailure, Message: fmt.Sprintf("validator error: %v", r)}}
		}
	}()

	found, err := v.Validate(ctx, um)
	if err != nil {
		p.logger.Error("validator failed", "validator", id, "message_id", um.MessageID(), "error", err)
		return append(found, Finding{ValidatorID: id, Severity: SeverityFailure, Message: fmt.Sprintf("validator error: %v", err)})
	}
	return found
}

func rejects(policy *pmode.CustomValidation, findings []Finding) bool {
	for _, f := range findings {
		if policy.RejectOnWarning {
			return true
		}
		if policy.RejectOnFailure && f.Severity == SeverityFailure {
			return true
		}
	}
	return false
}
