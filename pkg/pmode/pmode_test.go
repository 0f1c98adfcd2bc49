package pmode

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirosfoundation/go-ebms/pkg/model"
)

func businessPMode(id, service, action string) *ProcessingMode {
	return &ProcessingMode{
		ID: id,
		BusinessInfo: &BusinessInfo{
			Service: &Service{Value: service},
			Action:  action,
		},
	}
}

func userMessage(service, action string) *model.UserMessage {
	um := model.NewUserMessage()
	um.SetMessageID("m-1")
	um.SetCollaborationInfo(&model.CollaborationInfo{
		Service: model.Service{Name: service},
		Action:  action,
	})
	return um
}

func TestNewPModeManager(t *testing.T) {
	manager := NewPModeManager()
	if manager == nil {
		t.Fatal("expected non-nil manager")
	}
	if manager.pmodes == nil {
		t.Error("expected pmodes map to be initialized")
	}
}

func TestPModeManager_AddAndGetPMode(t *testing.T) {
	manager := NewPModeManager()

	if err := manager.AddPMode(businessPMode("test-pmode-1", "urn:test:service", "test-action")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	retrieved := manager.GetPMode("test-pmode-1")
	if retrieved == nil {
		t.Fatal("expected to retrieve pmode")
	}
	if retrieved.BusinessInfo.Service.Value != "urn:test:service" {
		t.Errorf("expected service 'urn:test:service', got '%s'", retrieved.BusinessInfo.Service.Value)
	}

	if err := manager.AddPMode(&ProcessingMode{}); err == nil {
		t.Error("expected error for P-Mode without id")
	}
}

func TestPModeManager_RemovePMode(t *testing.T) {
	manager := NewPModeManager()
	_ = manager.AddPMode(&ProcessingMode{ID: "test-pmode-1"})

	manager.RemovePMode("test-pmode-1")

	if manager.GetPMode("test-pmode-1") != nil {
		t.Error("pmode should be removed")
	}
}

func TestPModeManager_FindPMode(t *testing.T) {
	manager := NewPModeManager()
	_ = manager.AddPMode(businessPMode("pmode-b", "urn:service:a", ""))
	_ = manager.AddPMode(businessPMode("pmode-a", "urn:service:a", "action-a"))
	_ = manager.AddPMode(businessPMode("pmode-c", "urn:service:c", "action-c"))

	tests := []struct {
		name    string
		service string
		action  string
		want    string
	}{
		{"exact match with lowest id", "urn:service:a", "action-a", "pmode-a"},
		{"wildcard action", "urn:service:a", "other", "pmode-b"},
		{"other service", "urn:service:c", "action-c", "pmode-c"},
		{"no match", "urn:service:x", "action-a", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found := manager.FindPMode(tt.service, tt.action, "")
			got := ""
			if found != nil {
				got = found.ID
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestPModeManager_FindPMode_Agreement(t *testing.T) {
	manager := NewPModeManager()
	pm := businessPMode("agreed", "urn:service:a", "action-a")
	pm.Agreement = &Agreement{Name: "urn:agreement:1"}
	_ = manager.AddPMode(pm)

	if manager.FindPMode("urn:service:a", "action-a", "urn:agreement:2") != nil {
		t.Error("expected no match for a different agreement")
	}
	if manager.FindPMode("urn:service:a", "action-a", "urn:agreement:1") == nil {
		t.Error("expected match for the same agreement")
	}
}

func TestPModeManager_ResolveUserMessage(t *testing.T) {
	manager := NewPModeManager()
	_ = manager.AddPMode(businessPMode("by-service", "urn:service:a", "action-a"))
	_ = manager.AddPMode(&ProcessingMode{ID: "by-ref"})

	t.Run("pmode id on the unit", func(t *testing.T) {
		um := userMessage("urn:service:a", "action-a")
		um.SetPModeID("by-ref")
		pm, err := manager.ResolveUserMessage(um)
		if err != nil || pm.ID != "by-ref" {
			t.Errorf("expected by-ref, got %v, %v", pm, err)
		}
	})

	t.Run("agreement reference", func(t *testing.T) {
		um := userMessage("urn:service:a", "action-a")
		ci := um.CollaborationInfo()
		ci.AgreementRef = &model.AgreementReference{Name: "x", PModeID: "by-ref"}
		um.SetCollaborationInfo(ci)
		pm, err := manager.ResolveUserMessage(um)
		if err != nil || pm.ID != "by-ref" {
			t.Errorf("expected by-ref, got %v, %v", pm, err)
		}
	})

	t.Run("service and action", func(t *testing.T) {
		pm, err := manager.ResolveUserMessage(userMessage("urn:service:a", "action-a"))
		if err != nil || pm.ID != "by-service" {
			t.Errorf("expected by-service, got %v, %v", pm, err)
		}
	})

	t.Run("unknown id", func(t *testing.T) {
		um := userMessage("urn:service:a", "action-a")
		um.SetPModeID("missing")
		_, err := manager.ResolveUserMessage(um)
		if !errors.Is(err, ErrPModeNotFound) {
			t.Errorf("expected ErrPModeNotFound, got %v", err)
		}
	})

	t.Run("no collaboration info", func(t *testing.T) {
		_, err := manager.ResolveUserMessage(model.NewUserMessage())
		if !errors.Is(err, ErrPModeNotFound) {
			t.Errorf("expected ErrPModeNotFound, got %v", err)
		}
	})
}

func TestPModeManager_IDs(t *testing.T) {
	manager := NewPModeManager()
	_ = manager.AddPMode(&ProcessingMode{ID: "b"})
	_ = manager.AddPMode(DefaultPMode())
	_ = manager.AddPMode(&ProcessingMode{ID: "a"})

	ids := manager.IDs()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "default-pmode" {
		t.Errorf("unexpected ids %v", ids)
	}

	retry := manager.RetryPModeIDs()
	if len(retry) != 1 || retry[0] != "default-pmode" {
		t.Errorf("unexpected retry ids %v", retry)
	}
}

func TestPModeManager_Concurrent(t *testing.T) {
	manager := NewPModeManager()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = manager.AddPMode(DefaultPMode())
			_ = manager.FindPMode("urn:x", "y", "")
			_ = manager.IDs()
		}()
	}
	wg.Wait()
	if manager.GetPMode("default-pmode") == nil {
		t.Error("expected default P-Mode")
	}
}

func TestProcessingMode_Retry(t *testing.T) {
	pm := DefaultPMode()
	if pm.Retry() == nil {
		t.Fatal("expected retry config on default P-Mode")
	}

	pm.ReceptionAwareness.Enabled = false
	if pm.Retry() != nil {
		t.Error("expected no retry when reception awareness is disabled")
	}

	if (&ProcessingMode{}).Retry() != nil {
		t.Error("expected no retry without reception awareness")
	}
}

func TestProcessingMode_ErrorHandling(t *testing.T) {
	pm := &ProcessingMode{}
	if !pm.ReportsErrors() || !pm.NotifiesProducer() {
		t.Error("expected every error to be reported without error handling")
	}

	pm.ErrorHandling = &ErrorHandling{ReportErrors: true}
	if !pm.ReportsErrors() {
		t.Error("expected errors of received messages to be reported")
	}
	if pm.NotifiesProducer() {
		t.Error("expected no producer notification")
	}

	pm.ErrorHandling = &ErrorHandling{DeliveryFailuresNotifyProducer: true}
	if pm.ReportsErrors() || !pm.NotifiesProducer() {
		t.Errorf("unexpected error handling %+v", pm.ErrorHandling)
	}
}

func TestProcessingMode_ValidateBinding(t *testing.T) {
	for _, binding := range []string{"", MEPBindingPush, MEPBindingPull, MEPBindingPushPush} {
		pm := &ProcessingMode{ID: "a", MEPBinding: binding}
		if err := pm.Validate(); err != nil {
			t.Errorf("binding %q: unexpected error: %v", binding, err)
		}
	}
	if err := (&ProcessingMode{ID: "a", MEPBinding: MEPTwoWay}).Validate(); err == nil {
		t.Error("expected a MEP used as binding to be rejected")
	}
}

func TestProcessingMode_MPC(t *testing.T) {
	pm := &ProcessingMode{}
	if pm.MPC() != model.DefaultMPC {
		t.Errorf("expected default MPC, got %s", pm.MPC())
	}
	pm.BusinessInfo = &BusinessInfo{MPC: "urn:mpc:1"}
	if pm.MPC() != "urn:mpc:1" {
		t.Errorf("expected urn:mpc:1, got %s", pm.MPC())
	}
}

func TestCustomValidation_Active(t *testing.T) {
	var cv *CustomValidation
	if cv.Active() {
		t.Error("nil policy must not be active")
	}
	cv = &CustomValidation{Validators: []ValidatorSpec{{ID: "v", Type: "t"}}}
	if !cv.Active() {
		t.Error("expected policy with validators to be active")
	}
	cv.Disabled = true
	if cv.Active() {
		t.Error("disabled policy must not be active")
	}
}

const testPModes = `
pmodes:
  - id: orders
    agreement:
      name: urn:agreement:orders
    business_info:
      service:
        value: urn:orders
      action: submitOrder
    custom_validation:
      reject_on_failure: true
      validators:
        - id: props
          type: required-properties
          parameters:
            names: originalSender,finalRecipient
    reception_awareness:
      enabled: true
      retry:
        enabled: true
        max_retries: 3
        retry_interval: 90s
        retry_multiplier: 1.5
`

func TestPModeManager_Load(t *testing.T) {
	manager := NewPModeManager()
	if err := manager.Load([]byte(testPModes)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pm := manager.GetPMode("orders")
	if pm == nil {
		t.Fatal("expected orders P-Mode")
	}
	if !pm.CustomValidation.RejectOnFailure || pm.CustomValidation.RejectOnWarning {
		t.Errorf("unexpected policy %+v", pm.CustomValidation)
	}
	if got := pm.CustomValidation.Validators[0].Parameters["names"]; got != "originalSender,finalRecipient" {
		t.Errorf("unexpected parameter %q", got)
	}
	if r := pm.Retry(); r == nil || r.RetryInterval != 90*time.Second || r.MaxRetries != 3 {
		t.Errorf("unexpected retry config %+v", r)
	}
}

func TestPModeManager_LoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing id", "pmodes:\n  - mep: x\n"},
		{"duplicate id", "pmodes:\n  - id: a\n  - id: a\n"},
		{"validator without type", "pmodes:\n  - id: a\n    custom_validation:\n      validators:\n        - id: v\n"},
		{"zero retry interval", "pmodes:\n  - id: a\n    reception_awareness:\n      enabled: true\n      retry:\n        enabled: true\n"},
		{"unknown mep binding", "pmodes:\n  - id: a\n    mep_binding: urn:carrier-pigeon\n"},
		{"malformed yaml", "pmodes: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := NewPModeManager()
			if err := manager.Load([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
			if len(manager.IDs()) != 0 {
				t.Error("no P-Mode may be added on error")
			}
		})
	}
}

func TestPModeManager_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pmodes.yaml")
	if err := os.WriteFile(path, []byte(testPModes), 0o600); err != nil {
		t.Fatal(err)
	}

	manager := NewPModeManager()
	if err := manager.LoadFile(path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if manager.GetPMode("orders") == nil {
		t.Error("expected orders P-Mode")
	}

	if err := manager.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDefaultPMode(t *testing.T) {
	pm := DefaultPMode()
	if pm.MEP != MEPOneWay || pm.MEPBinding != MEPBindingPush {
		t.Errorf("unexpected MEP %s / %s", pm.MEP, pm.MEPBinding)
	}
	if err := pm.Validate(); err != nil {
		t.Errorf("default P-Mode must be valid: %v", err)
	}
}
