package validation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
)

func fixed(findings ...Finding) Factory {
	return func(map[string]string) (Validator, error) {
		return ValidatorFunc(func(context.Context, *model.UserMessage) ([]Finding, error) {
			return findings, nil
		}), nil
	}
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	require.NoError(t, r.Register("warn", fixed(Warning("looks odd"))))
	require.NoError(t, r.Register("fail", fixed(Failure("is wrong"))))
	require.NoError(t, r.Register("clean", fixed()))
	require.NoError(t, r.Register("broken", func(map[string]string) (Validator, error) {
		return ValidatorFunc(func(context.Context, *model.UserMessage) ([]Finding, error) {
			return nil, errors.New("boom")
		}), nil
	}))
	require.NoError(t, r.Register("panics", func(map[string]string) (Validator, error) {
		return ValidatorFunc(func(context.Context, *model.UserMessage) ([]Finding, error) {
			panic("nil pointer")
		}), nil
	}))
	require.NoError(t, r.Register("needs-param", func(params map[string]string) (Validator, error) {
		if params["x"] == "" {
			return nil, errors.New("parameter x is required")
		}
		return fixed()(params)
	}))
	return r
}

func policy(onFailure, onWarning bool, types ...string) *pmode.CustomValidation {
	cv := &pmode.CustomValidation{RejectOnFailure: onFailure, RejectOnWarning: onWarning}
	for _, typ := range types {
		cv.Validators = append(cv.Validators, pmode.ValidatorSpec{ID: typ + "-1", Type: typ})
	}
	return cv
}

func testMessage() *model.UserMessage {
	um := model.NewUserMessage()
	um.SetMessageID("msg-1@test")
	return um
}

func TestEvaluate_RejectOnFailure(t *testing.T) {
	p := NewPipeline(pmode.NewPModeManager(), testRegistry(t))

	t.Run("warnings only", func(t *testing.T) {
		generated := make(model.GeneratedErrors)
		res, err := p.Evaluate(context.Background(), testMessage(), policy(true, false, "warn", "warn"), generated)
		require.NoError(t, err)
		assert.False(t, res.Rejected)
		assert.Empty(t, res.Transition)
		assert.Len(t, res.Findings, 2)
		assert.Zero(t, generated.Len())
	})

	t.Run("one failure", func(t *testing.T) {
		generated := make(model.GeneratedErrors)
		res, err := p.Evaluate(context.Background(), testMessage(), policy(true, false, "warn", "fail"), generated)
		require.NoError(t, err)
		assert.True(t, res.Rejected)
		assert.Equal(t, model.StateFailure, res.Transition)

		errs := generated.Get("msg-1@test")
		require.Len(t, errs, 1)
		assert.Equal(t, "EBMS:0004", errs[0].ErrorCode)
		assert.Equal(t, "msg-1@test", errs[0].RefToMessageInError)
		assert.Contains(t, errs[0].ErrorDetail, "is wrong")
		assert.Contains(t, errs[0].ErrorDetail, "looks odd")
	})
}

func TestEvaluate_RejectOnWarning(t *testing.T) {
	p := NewPipeline(pmode.NewPModeManager(), testRegistry(t))

	generated := make(model.GeneratedErrors)
	res, err := p.Evaluate(context.Background(), testMessage(), policy(false, true, "warn"), generated)
	require.NoError(t, err)
	assert.True(t, res.Rejected)
	require.Len(t, generated.Get("msg-1@test"), 1)
	assert.Equal(t, "EBMS:0004", generated.Get("msg-1@test")[0].ErrorCode)

	generated = make(model.GeneratedErrors)
	res, err = p.Evaluate(context.Background(), testMessage(), policy(false, true, "clean"), generated)
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.Zero(t, generated.Len())
}

func TestEvaluate_LenientPolicy(t *testing.T) {
	p := NewPipeline(pmode.NewPModeManager(), testRegistry(t))

	generated := make(model.GeneratedErrors)
	res, err := p.Evaluate(context.Background(), testMessage(), policy(false, false, "fail", "warn"), generated)
	require.NoError(t, err)
	assert.False(t, res.Rejected)
	assert.True(t, res.HasFailures())
	assert.Zero(t, generated.Len())
}

func TestEvaluate_NoValidators(t *testing.T) {
	p := NewPipeline(pmode.NewPModeManager(), NewRegistry())

	for name, cv := range map[string]*pmode.CustomValidation{
		"nil policy":    nil,
		"no validators": policy(true, true),
		"disabled":      {Disabled: true, RejectOnWarning: true, Validators: []pmode.ValidatorSpec{{ID: "x", Type: "unregistered"}}},
	} {
		t.Run(name, func(t *testing.T) {
			generated := make(model.GeneratedErrors)
			res, err := p.Evaluate(context.Background(), testMessage(), cv, generated)
			require.NoError(t, err)
			assert.Empty(t, res.Findings)
			assert.False(t, res.Rejected)
			assert.Zero(t, generated.Len())
		})
	}
}

func TestEvaluate_ValidatorFaults(t *testing.T) {
	p := NewPipeline(pmode.NewPModeManager(), testRegistry(t))

	for _, typ := range []string{"broken", "panics"} {
		t.Run(typ, func(t *testing.T) {
			generated := make(model.GeneratedErrors)
			res, err := p.Evaluate(context.Background(), testMessage(), policy(true, false, typ, "warn"), generated)
			require.NoError(t, err)

			// the faulty validator does not hide the one after it
			require.Len(t, res.Findings, 2)
			assert.Equal(t, SeverityFailure, res.Findings[0].Severity)
			assert.Contains(t, res.Findings[0].Message, "validator error")
			assert.Equal(t, typ+"-1", res.Findings[0].ValidatorID)
			assert.Equal(t, "warn-1", res.Findings[1].ValidatorID)

			assert.True(t, res.Rejected)
			assert.Len(t, generated.Get("msg-1@test"), 1)
		})
	}
}

func TestEvaluate_Misconfiguration(t *testing.T) {
	p := NewPipeline(pmode.NewPModeManager(), testRegistry(t))

	for _, typ := range []string{"unregistered", "needs-param"} {
		t.Run(typ, func(t *testing.T) {
			generated := make(model.GeneratedErrors)
			res, err := p.Evaluate(context.Background(), testMessage(), policy(false, false, "warn", typ), generated)
			assert.ErrorIs(t, err, ErrPolicyMisconfiguration)
			require.NotNil(t, res)
			assert.Equal(t, model.StateFailure, res.Transition)
			require.Len(t, generated.Get("msg-1@test"), 1)
			assert.Equal(t, "EBMS:0004", generated.Get("msg-1@test")[0].ErrorCode)
		})
	}
}

func TestRun_ResolvesPMode(t *testing.T) {
	manager := pmode.NewPModeManager()
	require.NoError(t, manager.AddPMode(&pmode.ProcessingMode{
		ID:               "reject-on-failure",
		CustomValidation: policy(true, false, "fail"),
	}))
	require.NoError(t, manager.AddPMode(&pmode.ProcessingMode{
		ID:               "reject-on-warn",
		CustomValidation: policy(false, true, "clean"),
	}))
	p := NewPipeline(manager, testRegistry(t))

	um := testMessage()
	um.SetPModeID("reject-on-failure")
	generated := make(model.GeneratedErrors)
	res, err := p.Run(context.Background(), um, generated)
	require.NoError(t, err)
	assert.Equal(t, "reject-on-failure", res.PModeID)
	require.Len(t, generated.Get(um.MessageID()), 1)
	assert.Equal(t, "EBMS:0004", generated.Get(um.MessageID())[0].ErrorCode)

	um = testMessage()
	um.SetPModeID("reject-on-warn")
	generated = make(model.GeneratedErrors)
	_, err = p.Run(context.Background(), um, generated)
	require.NoError(t, err)
	assert.Zero(t, generated.Len())

	um.SetPModeID("missing")
	_, err = p.Run(context.Background(), um, generated)
	assert.ErrorIs(t, err, pmode.ErrPModeNotFound)
}

type recordingReporter struct {
	mu      sync.Mutex
	results []*Result
}

func (r *recordingReporter) ValidationCompleted(res *Result, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
}

func TestPipeline_Reporter(t *testing.T) {
	rep := &recordingReporter{}
	p := NewPipeline(pmode.NewPModeManager(), testRegistry(t), WithReporter(rep))

	_, err := p.Evaluate(context.Background(), testMessage(), policy(true, false, "fail"), nil)
	require.NoError(t, err)
	_, err = p.Evaluate(context.Background(), testMessage(), nil, nil)
	require.NoError(t, err)

	require.Len(t, rep.results, 2)
	assert.True(t, rep.results[0].Rejected)
	assert.False(t, rep.results[1].Rejected)
}

func TestPipeline_Concurrent(t *testing.T) {
	p := NewPipeline(pmode.NewPModeManager(), testRegistry(t))
	cv := policy(true, false, "fail", "warn")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			generated := make(model.GeneratedErrors)
			res, err := p.Evaluate(context.Background(), testMessage(), cv, generated)
			assert.NoError(t, err)
			assert.True(t, res.Rejected)
			assert.Equal(t, 1, generated.Len())
		}()
	}
	wg.Wait()
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("b", fixed()))
	require.NoError(t, r.Register("a", fixed()))
	assert.Error(t, r.Register("a", fixed()))
	assert.Error(t, r.Register("", fixed()))
	assert.Equal(t, []string{"a", "b"}, r.Types())

	_, err := r.New(pmode.ValidatorSpec{ID: "x", Type: "c"})
	assert.ErrorIs(t, err, ErrUnknownValidator)
}

func TestFinding_String(t *testing.T) {
	assert.Equal(t, "[WARNING] v: odd", Finding{ValidatorID: "v", Severity: SeverityWarning, Message: "odd"}.String())
	assert.Equal(t, "[FAILURE] bad 3", Failure("bad %d", 3).String())
}
