package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-ebms/internal/storage/sqlite"
	"github.com/sirosfoundation/go-ebms/pkg/model"
	"github.com/sirosfoundation/go-ebms/pkg/pmode"
)

type fixture struct {
	config  string
	sent    string
	receipt string
}

// newFixture seeds a SQLite database with an outgoing user message awaiting
// a receipt for two hours and the receipt that references it
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "ebms.db")

	past := time.Now().Add(-2 * time.Hour)
	st, err := sqlite.Open(ctx, dbPath, sqlite.WithClock(func() time.Time { return past }))
	require.NoError(t, err)

	um := model.NewUserMessage()
	um.SetMessageID("m-1@test")
	um.SetPModeID(pmode.DefaultPMode().ID)
	um.SetTimestamp(past)
	sent, err := st.StoreOutgoingMessageUnit(ctx, um)
	require.NoError(t, err)
	require.NoError(t, st.SetProcessingState(ctx, sent, model.StateSending))
	require.NoError(t, st.SetProcessingState(ctx, sent, model.StateAwaitingReceipt))

	receipt := model.NewReceipt()
	receipt.SetMessageID("r-1@test")
	receipt.SetRefToMessageID("m-1@test")
	storedReceipt, err := st.StoreIncomingMessageUnit(ctx, receipt)
	require.NoError(t, err)
	require.NoError(t, st.Close(ctx))

	config := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(config, []byte(`
storage:
  backend: sqlite
  sqlite:
    path: `+dbPath+`
logging:
  level: error
`), 0o600))

	return &fixture{config: config, sent: sent.CoreID(), receipt: storedReceipt.CoreID()}
}

func (f *fixture) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, logs bytes.Buffer
	cmd := newRootCmd(&out, &logs)
	cmd.SetArgs(append([]string{"--config", f.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestUnits(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "units", "--state", "AWAITING_RECEIPT", "--direction", "out")
	require.NoError(t, err)
	assert.Contains(t, out, "CORE ID")
	assert.Contains(t, out, f.sent)
	assert.Contains(t, out, "m-1@test")

	out, err = f.run(t, "units", "--kind", "Receipt", "--state", "received", "--json")
	require.NoError(t, err)
	var rows []unitRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, f.receipt, rows[0].CoreID)
	assert.Equal(t, model.DirectionIn, rows[0].Direction)
	assert.Equal(t, "m-1@test", rows[0].RefToMessageID)

	_, err = f.run(t, "units", "--state", "NOT_A_STATE")
	assert.ErrorContains(t, err, "unknown state")
	_, err = f.run(t, "units", "--kind", "Letter", "--state", "RECEIVED")
	assert.ErrorContains(t, err, "unknown kind")
	_, err = f.run(t, "units", "--state", "RECEIVED", "--direction", "sideways")
	assert.ErrorContains(t, err, "direction must be IN or OUT")
}

func TestShow(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "show", f.sent)
	require.NoError(t, err)
	assert.Contains(t, out, "m-1@test")
	assert.Contains(t, out, pmode.DefaultPMode().ID)
	for _, state := range []string{"SUBMITTED", "SENDING", "AWAITING_RECEIPT"} {
		assert.Contains(t, out, state)
	}

	_, err = f.run(t, "show", "unknown")
	assert.ErrorContains(t, err, "not found")
}

func TestMessageAndRelated(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "message", "m-1@test", "--json")
	require.NoError(t, err)
	var rows []unitRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, f.sent, rows[0].CoreID)

	out, err = f.run(t, "message", "m-1@test", "--direction", "IN", "--json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))

	out, err = f.run(t, "related", f.sent)
	require.NoError(t, err)
	assert.Contains(t, out, f.receipt)
	assert.NotContains(t, out, f.sent)
}

func TestTransmissions(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "transmissions", f.sent)
	require.NoError(t, err)
	assert.Equal(t, "1", strings.TrimSpace(out))

	_, err = f.run(t, "transmissions", f.receipt)
	assert.Error(t, err)
}

func TestStale(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "stale", "--idle", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, f.sent)
	assert.Contains(t, out, f.receipt)

	out, err = f.run(t, "stale", "--idle", "3h", "--json")
	require.NoError(t, err)
	assert.Equal(t, "[]", strings.TrimSpace(out))
}

func TestSweep(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "sweep", "--dry-run")
	require.NoError(t, err)
	assert.Contains(t, out, f.sent)
	assert.Contains(t, out, "resend")
	assert.NotContains(t, out, "changed")

	out, err = f.run(t, "sweep", "--expire-after", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "changed 1, failed 0, expired 1")

	out, err = f.run(t, "units", "--state", "READY_TO_PUSH")
	require.NoError(t, err)
	assert.Contains(t, out, f.sent)

	out, err = f.run(t, "units", "--kind", "Receipt", "--state", "FAILURE")
	require.NoError(t, err)
	assert.Contains(t, out, f.receipt)
}

func TestPModes(t *testing.T) {
	f := newFixture(t)

	out, err := f.run(t, "pmodes")
	require.NoError(t, err)
	assert.Contains(t, out, pmode.DefaultPMode().ID)
	assert.Contains(t, out, "3 every 1m0s")
}

func TestUnknownBackend(t *testing.T) {
	config := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(config, []byte("storage:\n  backend: redis\n"), 0o600))

	cmd := newRootCmd(&bytes.Buffer{}, &bytes.Buffer{})
	cmd.SetArgs([]string{"--config", config, "units", "--state", "RECEIVED"})
	assert.Error(t, cmd.Execute())
}
