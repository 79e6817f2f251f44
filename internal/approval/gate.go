// Package approval serializes human permission decisions for tool calls.
// At most one decision is outstanding per thread; the gate never blocks
// the event stream itself.
package approval

import (
	"sync"

	"go.uber.org/zap"

	"github.com/prism-desktop/prismd/internal/metrics"
	"github.com/prism-desktop/prismd/internal/store"
)

// Risk is an advisory classification for UI emphasis. It never changes
// how a tool is gated.
type Risk string

const (
	RiskHigh   Risk = "high"
	RiskMedium Risk = "medium"
	RiskLow    Risk = "low"
)

// Forwarder carries the human decision back to the subprocess.
type Forwarder interface {
	ResolveApproval(threadID, toolCallID string, approved bool) error
}

type Gate struct {
	store     *store.Store
	forwarder Forwarder
	log       *zap.Logger
	met       *metrics.Metrics

	// risk sets are hot-reloadable through the config watcher
	riskMu     sync.RWMutex
	highRisk   map[string]struct{}
	mediumRisk map[string]struct{}
}

func NewGate(st *store.Store, forwarder Forwarder, log *zap.Logger) *Gate {
	g := &Gate{
		store:     st,
		forwarder: forwarder,
		log:       log,
	}
	g.SetRiskSets(nil, nil)
	return g
}

func (g *Gate) SetMetrics(met *metrics.Metrics) { g.met = met }

// SetRiskSets replaces the tool-name risk classification.
func (g *Gate) SetRiskSets(high, medium []string) {
	g.riskMu.Lock()
	g.highRisk = toSet(high)
	g.mediumRisk = toSet(medium)
	g.riskMu.Unlock()
}

func toSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Classify returns the advisory risk for a tool name.
func (g *Gate) Classify(toolName string) Risk {
	g.riskMu.RLock()
	defer g.riskMu.RUnlock()
	if _, ok := g.highRisk[toolName]; ok {
		return RiskHigh
	}
	if _, ok := g.mediumRisk[toolName]; ok {
		return RiskMedium
	}
	return RiskLow
}

// Request installs a pending permission for the thread. A request while
// another is outstanding fails with store.ErrConflictingApproval; the
// first request is never overwritten.
func (g *Gate) Request(threadID string, gen uint64, toolCallID, toolName string) error {
	if err := g.store.SetPendingPermission(threadID, gen, toolCallID, toolName); err != nil {
		return err
	}
	g.log.Info("permission requested",
		zap.String("thread_id", threadID),
		zap.String("tool_call_id", toolCallID),
		zap.String("tool", toolName),
		zap.String("risk", string(g.Classify(toolName))))
	return nil
}

// Resolve clears the thread's pending permission and forwards the
// decision to the subprocess. The local pending state is cleared even
// when forwarding fails: the user already acted, and the UI must never
// stay stuck on a decided permission. Forward failures are the
// supervisor's problem to resend.
func (g *Gate) Resolve(threadID, toolCallID string, approved bool) {
	pending, ok := g.store.ResolvePendingPermission(threadID, approved)
	if !ok {
		g.log.Warn("resolve with no pending permission", zap.String("thread_id", threadID))
		return
	}
	if pending.ToolCallID != toolCallID {
		g.log.Warn("resolved permission id mismatch",
			zap.String("thread_id", threadID),
			zap.String("pending", pending.ToolCallID),
			zap.String("resolved", toolCallID))
	}

	decision := "deny"
	if approved {
		decision = "allow"
	}
	if g.met != nil {
		g.met.Approvals.WithLabelValues(decision).Inc()
	}
	g.log.Info("permission resolved",
		zap.String("thread_id", threadID),
		zap.String("tool_call_id", pending.ToolCallID),
		zap.String("decision", decision))

	if g.forwarder == nil {
		return
	}
	if err := g.forwarder.ResolveApproval(threadID, pending.ToolCallID, approved); err != nil {
		// Swallowed at this layer; pending state is already cleared.
		g.log.Warn("approval decision did not reach subprocess",
			zap.String("thread_id", threadID),
			zap.Error(err))
	}
}
