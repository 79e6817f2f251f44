package approval

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prism-desktop/prismd/internal/store"
)

type fakeForwarder struct {
	err      error
	resolved []string
	approved []bool
}

func (f *fakeForwarder) ResolveApproval(threadID, toolCallID string, approved bool) error {
	if f.err != nil {
		return f.err
	}
	f.resolved = append(f.resolved, toolCallID)
	f.approved = append(f.approved, approved)
	return nil
}

type nopSupervisor struct{}

func (nopSupervisor) Start(threadID, workDir string, gen uint64) error { return nil }
func (nopSupervisor) Send(threadID, text string) error                 { return nil }
func (nopSupervisor) Stop(threadID string)                             {}

type nopLedger struct{}

func (nopLedger) Record(inputTokens, outputTokens int64, model string) {}
func (nopLedger) RecordSession()                                       {}

func newGateFixture(t *testing.T) (*Gate, *store.Store, *fakeForwarder, string) {
	t.Helper()
	st := store.New(zap.NewNop(), nopLedger{}, "claude-sonnet-4")
	st.SetSupervisor(nopSupervisor{})

	p := st.CreateProject("test", "/tmp/repo")
	th, err := st.CreateThread(p.ID, "work", store.CreateThreadOptions{})
	require.NoError(t, err)
	require.NoError(t, st.SendUserMessage(th.ID, "go"))

	fwd := &fakeForwarder{}
	g := NewGate(st, fwd, zap.NewNop())
	g.SetRiskSets([]string{"Bash", "Write", "Edit"}, []string{"Read", "Grep", "Glob"})
	return g, st, fwd, th.ID
}

func TestClassify(t *testing.T) {
	g, _, _, _ := newGateFixture(t)
	assert.Equal(t, RiskHigh, g.Classify("Bash"))
	assert.Equal(t, RiskMedium, g.Classify("Read"))
	assert.Equal(t, RiskLow, g.Classify("WebFetch"))
	assert.Equal(t, RiskLow, g.Classify(""))
}

func TestRequestAndResolveApprove(t *testing.T) {
	g, st, fwd, threadID := newGateFixture(t)
	gen, err := st.Generation(threadID)
	require.NoError(t, err)

	require.NoError(t, g.Request(threadID, gen, "toolu_01", "Bash"))

	p, ok := st.PendingPermission(threadID)
	require.True(t, ok)
	assert.Equal(t, "toolu_01", p.ToolCallID)
	assert.Equal(t, "Bash", p.ToolName)

	g.Resolve(threadID, "toolu_01", true)

	assert.Equal(t, []string{"toolu_01"}, fwd.resolved)
	assert.Equal(t, []bool{true}, fwd.approved)
	_, ok = st.PendingPermission(threadID)
	assert.False(t, ok)
}

func TestRequestConflictRejected(t *testing.T) {
	g, st, _, threadID := newGateFixture(t)
	gen, _ := st.Generation(threadID)

	require.NoError(t, g.Request(threadID, gen, "toolu_01", "Bash"))
	err := g.Request(threadID, gen, "toolu_02", "Write")
	assert.ErrorIs(t, err, store.ErrConflictingApproval)

	p, _ := st.PendingPermission(threadID)
	assert.Equal(t, "toolu_01", p.ToolCallID)
}

func TestResolveDeny(t *testing.T) {
	g, st, fwd, threadID := newGateFixture(t)
	gen, _ := st.Generation(threadID)

	require.NoError(t, g.Request(threadID, gen, "toolu_01", "Bash"))
	g.Resolve(threadID, "toolu_01", false)

	assert.Equal(t, []bool{false}, fwd.approved)
	_, ok := st.PendingPermission(threadID)
	assert.False(t, ok)
}

func TestResolveClearsPendingDespiteForwardFailure(t *testing.T) {
	g, st, fwd, threadID := newGateFixture(t)
	fwd.err = errors.New("subprocess gone")
	gen, _ := st.Generation(threadID)

	require.NoError(t, g.Request(threadID, gen, "toolu_01", "Bash"))
	g.Resolve(threadID, "toolu_01", true)

	_, ok := st.PendingPermission(threadID)
	assert.False(t, ok, "pending cleared even when the decision cannot be delivered")
}

func TestResolveWithNothingPending(t *testing.T) {
	g, _, fwd, threadID := newGateFixture(t)
	g.Resolve(threadID, "toolu_01", true)
	assert.Empty(t, fwd.resolved)
}

func TestSetRiskSetsReplaces(t *testing.T) {
	g, _, _, _ := newGateFixture(t)
	g.SetRiskSets([]string{"WebFetch"}, nil)
	assert.Equal(t, RiskHigh, g.Classify("WebFetch"))
	assert.Equal(t, RiskLow, g.Classify("Bash"))
}
