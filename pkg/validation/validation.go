package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
)

var (
	// ErrUnknownValidator is returned for a validator type nobody registered
	ErrUnknownValidator = errors.New("unknown validator type")
	// ErrPolicyMisconfiguration is returned when a P-Mode's validation
	// policy cannot be applied
	ErrPolicyMisconfiguration = errors.New("validation policy misconfigured")
)

// Severity classifies a finding
type Severity string

const (
	SeverityWarning Severity = "WARNING"
	SeverityFailure Severity = "FAILURE"
)

// Finding is one problem reported by a validator
type Finding struct {
	ValidatorID string   `json:"validatorId"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
}

func (f Finding) String() string {
	if f.ValidatorID == "" {
		return fmt.Sprintf("[%s] %s", f.Severity, f.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", f.Severity, f.ValidatorID, f.Message)
}

// Warning returns a warning finding
func Warning(format string, args ...any) Finding {
	return Finding{Severity: SeverityWarning, Message: fmt.Sprintf(format, args...)}
}

// Failure returns a failure finding
func Failure(format string, args ...any) Finding {
	return Finding{Severity: SeverityFailure, Message: fmt.Sprintf(format, args...)}
}

// Validator checks the content of a user message
type Validator interface {
	Validate(ctx context.Context, um *model.UserMessage) ([]Finding, error)
}

// ValidatorFunc adapts a function to the Validator interface
type ValidatorFunc func(ctx context.Context, um *model.UserMessage) ([]Finding, error)

// Validate implements Validator
func (f ValidatorFunc) Validate(ctx context.Context, um *model.UserMessage) ([]Finding, error) {
	return f(ctx, um)
}

// Factory creates a validator from its P-Mode parameters
type Factory func(params map[string]string) (Validator, error)

// Registry maps validator types to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for typ
func (r *Registry) Register(typ string, f Factory) error {
	if typ == "" || f == nil {
		return fmt.Errorf("validator type and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[typ]; ok {
		return fmt.Errorf("validator type %q already registered", typ)
	}
	r.factories[typ] = f
	return nil
}

// Types returns the registered validator types, sorted
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// New creates the validator described by spec
func (r *Registry) New(spec pmode.ValidatorSpec) (Validator, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownValidator, spec.Type)
	}
	v, err := f(spec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("creating validator %q: %w", spec.ID, err)
	}
	return v, nil
}
