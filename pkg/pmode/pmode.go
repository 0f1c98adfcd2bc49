package pmode

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

// MEP constants for Message Exchange Patterns
const (
	MEPOneWay          = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/oneWay"
	MEPTwoWay          = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/twoWay"
	MEPBindingPush     = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/push"
	MEPBindingPull     = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pull"
	MEPBindingPushPush = "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/pushAndPush"
)

// ErrPModeNotFound is returned when no P-Mode governs a message unit
var ErrPModeNotFound = errors.New("no matching P-Mode")

// ProcessingMode represents the exchange agreement governing message units
type ProcessingMode struct {
	ID string `yaml:"id"`

	// General parameters
	Agreement  *Agreement `yaml:"agreement,omitempty"`
	MEP        string     `yaml:"mep,omitempty"`         // MEP URI
	MEPBinding string     `yaml:"mep_binding,omitempty"` // MEP binding URI

	// Business info
	BusinessInfo *BusinessInfo `yaml:"business_info,omitempty"`

	// Custom validation of received user messages
	CustomValidation *CustomValidation `yaml:"custom_validation,omitempty"`

	// Reception Awareness
	ReceptionAwareness *ReceptionAwareness `yaml:"reception_awareness,omitempty"`

	// Error handling
	ErrorHandling *ErrorHandling `yaml:"error_handling,omitempty"`
}

// Agreement contains agreement reference information
type Agreement struct {
	Name string `yaml:"name"`
	Type string `yaml:"type,omitempty"`
}

// BusinessInfo contains business-level message information
type BusinessInfo struct {
	Service    *Service         `yaml:"service,omitempty"`
	Action     string           `yaml:"action,omitempty"`
	MPC        string           `yaml:"mpc,omitempty"` // Message Partition Channel (for Pull)
	Properties []model.Property `yaml:"properties,omitempty"`
}

// Service represents a service
type Service struct {
	Value string `yaml:"value"`
	Type  string `yaml:"type,omitempty"`
}

// CustomValidation is the validation policy applied to received user
// messages before delivery
type CustomValidation struct {
	// Disabled switches the policy off without removing it
	Disabled bool `yaml:"disabled,omitempty"`

	Validators []ValidatorSpec `yaml:"validators,omitempty"`

	// RejectOnFailure rejects the message when a validator reports a failure
	RejectOnFailure bool `yaml:"reject_on_failure"`
	// RejectOnWarning rejects the message on any finding, warnings included
	RejectOnWarning bool `yaml:"reject_on_warning"`
}

// Active reports whether the policy has validators to run
func (cv *CustomValidation) Active() bool {
	return cv != nil && !cv.Disabled && len(cv.Validators) > 0
}

// ValidatorSpec configures one validator by registered type
type ValidatorSpec struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	Parameters map[string]string `yaml:"parameters,omitempty"`
}

// ReceptionAwareness contains reliability parameters
type ReceptionAwareness struct {
	Enabled bool         `yaml:"enabled"`
	Retry   *RetryConfig `yaml:"retry,omitempty"`
}

// RetryConfig contains retry parameters
type RetryConfig struct {
	Enabled         bool          `yaml:"enabled"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
}

// ErrorHandling selects which generated errors are reported. Without it
// every error is reported.
type ErrorHandling struct {
	// ReportErrors reports errors found in received user messages
	ReportErrors bool `yaml:"report_errors"`
	// DeliveryFailuresNotifyProducer reports failures to send user messages
	// to the back-end that submitted them
	DeliveryFailuresNotifyProducer bool `yaml:"delivery_failures_notify_producer,omitempty"`
}

// Retry returns the enabled retry configuration, or nil
func (pm *ProcessingMode) Retry() *RetryConfig {
	if pm.ReceptionAwareness == nil || !pm.ReceptionAwareness.Enabled {
		return nil
	}
	if r := pm.ReceptionAwareness.Retry; r != nil && r.Enabled {
		return r
	}
	return nil
}

// ReportsErrors reports whether errors generated for received user
// messages are passed to the error handler
func (pm *ProcessingMode) ReportsErrors() bool {
	return pm.ErrorHandling == nil || pm.ErrorHandling.ReportErrors
}

// NotifiesProducer reports whether send failures of outgoing user
// messages are passed to the error handler
func (pm *ProcessingMode) NotifiesProducer() bool {
	return pm.ErrorHandling == nil || pm.ErrorHandling.DeliveryFailuresNotifyProducer
}

// MPC returns the partition channel of the P-Mode, DefaultMPC when unset
func (pm *ProcessingMode) MPC() string {
	if pm.BusinessInfo == nil || pm.BusinessInfo.MPC == "" {
		return model.DefaultMPC
	}
	return pm.BusinessInfo.MPC
}

func (pm *ProcessingMode) matches(service, action, agreement string) bool {
	bi := pm.BusinessInfo
	if bi == nil || bi.Service == nil || bi.Service.Value != service {
		return false
	}
	if bi.Action != "" && bi.Action != action {
		return false
	}
	if pm.Agreement != nil && pm.Agreement.Name != "" && pm.Agreement.Name != agreement {
		return false
	}
	return true
}

// Resolver finds the P-Mode governing a message unit
type Resolver interface {
	// GetPMode returns the P-Mode with the given id, or nil
	GetPMode(id string) *ProcessingMode

	// ResolveUserMessage returns the P-Mode governing um
	ResolveUserMessage(um *model.UserMessage) (*ProcessingMode, error)
}

// PModeManager manages processing modes. It is safe for concurrent use.
type PModeManager struct {
	mu     sync.RWMutex
	pmodes map[string]*ProcessingMode
}

// NewPModeManager creates a new P-Mode manager
func NewPModeManager() *PModeManager {
	return &PModeManager{
		pmodes: make(map[string]*ProcessingMode),
	}
}

// AddPMode adds a processing mode, replacing one with the same id
func (m *PModeManager) AddPMode(pmode *ProcessingMode) error {
	if pmode == nil || pmode.ID == "" {
		return fmt.Errorf("P-Mode id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pmodes[pmode.ID] = pmode
	return nil
}

// GetPMode retrieves a processing mode by ID
func (m *PModeManager) GetPMode(id string) *ProcessingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pmodes[id]
}

// RemovePMode removes a processing mode
func (m *PModeManager) RemovePMode(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pmodes, id)
}

// IDs returns the sorted ids of all P-Modes
func (m *PModeManager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idsLocked(func(*ProcessingMode) bool { return true })
}

// RetryPModeIDs returns the sorted ids of P-Modes with retries enabled
func (m *PModeManager) RetryPModeIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idsLocked(func(pm *ProcessingMode) bool { return pm.Retry() != nil })
}

func (m *PModeManager) idsLocked(keep func(*ProcessingMode) bool) []string {
	var ids []string
	for id, pm := range m.pmodes {
		if keep(pm) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FindPMode finds a matching P-Mode based on business parameters. When
// several match, the one with the lowest id wins.
func (m *PModeManager) FindPMode(service, action, agreement string) *ProcessingMode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.idsLocked(func(*ProcessingMode) bool { return true }) {
		if pm := m.pmodes[id]; pm.matches(service, action, agreement) {
			return pm
		}
	}
	return nil
}

// ResolveUserMessage returns the P-Mode of um: the one named by its
// P-Mode id, then by the agreement reference, then by service and action.
func (m *PModeManager) ResolveUserMessage(um *model.UserMessage) (*ProcessingMode, error) {
	if id := um.PModeID(); id != "" {
		if pm := m.GetPMode(id); pm != nil {
			return pm, nil
		}
		return nil, fmt.Errorf("%w: %q", ErrPModeNotFound, id)
	}

	ci := um.CollaborationInfo()
	if ci == nil {
		return nil, fmt.Errorf("%w: message %s has no collaboration info", ErrPModeNotFound, um.MessageID())
	}
	var agreement string
	if ci.AgreementRef != nil {
		if ci.AgreementRef.PModeID != "" {
			if pm := m.GetPMode(ci.AgreementRef.PModeID); pm != nil {
				return pm, nil
			}
			return nil, fmt.Errorf("%w: %q", ErrPModeNotFound, ci.AgreementRef.PModeID)
		}
		agreement = ci.AgreementRef.Name
	}

	if pm := m.FindPMode(ci.Service.Name, ci.Action, agreement); pm != nil {
		return pm, nil
	}
	return nil, fmt.Errorf("%w: service %q action %q", ErrPModeNotFound, ci.Service.Name, ci.Action)
}

// File is the YAML document holding a set of P-Modes
type File struct {
	PModes []*ProcessingMode `yaml:"pmodes"`
}

// LoadFile reads P-Modes from a YAML file into the manager
func (m *PModeManager) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading P-Mode file: %w", err)
	}
	return m.Load(data)
}

// Load reads P-Modes from YAML data into the manager. Either all P-Modes
// are added or none.
func (m *PModeManager) Load(data []byte) error {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parsing P-Modes: %w", err)
	}

	seen := make(map[string]bool)
	for i, pm := range f.PModes {
		if pm == nil || pm.ID == "" {
			return fmt.Errorf("P-Mode %d: id is required", i)
		}
		if seen[pm.ID] {
			return fmt.Errorf("P-Mode %q defined twice", pm.ID)
		}
		seen[pm.ID] = true
		if err := pm.Validate(); err != nil {
			return fmt.Errorf("P-Mode %q: %w", pm.ID, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pm := range f.PModes {
		m.pmodes[pm.ID] = pm
	}
	return nil
}

// Validate checks the P-Mode for settings that cannot work
func (pm *ProcessingMode) Validate() error {
	switch pm.MEPBinding {
	case "", MEPBindingPush, MEPBindingPull, MEPBindingPushPush:
	default:
		return fmt.Errorf("unknown mep_binding %q", pm.MEPBinding)
	}
	if cv := pm.CustomValidation; cv != nil {
		for i, v := range cv.Validators {
			if v.Type == "" {
				return fmt.Errorf("validator %d: type is required", i)
			}
		}
	}
	if r := pm.Retry(); r != nil {
		if r.MaxRetries < 0 {
			return fmt.Errorf("max_retries must not be negative")
		}
		if r.RetryInterval <= 0 {
			return fmt.Errorf("retry_interval must be positive")
		}
		if r.RetryMultiplier != 0 && r.RetryMultiplier < 1 {
			return fmt.Errorf("retry_multiplier must be at least 1")
		}
	}
	return nil
}

// DefaultPMode creates a default P-Mode for testing
func DefaultPMode() *ProcessingMode {
	return &ProcessingMode{
		ID:         "default-pmode",
		MEP:        MEPOneWay,
		MEPBinding: MEPBindingPush,
		BusinessInfo: &BusinessInfo{
			Service: &Service{Value: "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/service"},
			Action:  "http://docs.oasis-open.org/ebxml-msg/ebms/v3.0/ns/core/200704/test",
		},
		ReceptionAwareness: &ReceptionAwareness{
			Enabled: true,
			Retry: &RetryConfig{
				Enabled:         true,
				MaxRetries:      3,
				RetryInterval:   time.Minute,
				RetryMultiplier: 2.0,
			},
		},
		ErrorHandling: &ErrorHandling{
			ReportErrors:                   true,
			DeliveryFailuresNotifyProducer: true,
		},
	}
}
