package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prism-desktop/prismd/internal/protocol"
)

// SendUserMessage appends a user message and moves the thread to running,
// starting the subprocess on first use. A delivery failure surfaces the
// thread into the error state.
func (s *Store) SendUserMessage(threadID, text string) error {
	ts, err := s.threadState(threadID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	if ts.t.Status == StatusRunning {
		ts.mu.Unlock()
		return ErrThreadRunning
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Role:      RoleUser,
		Content:   text,
		CreatedAt: time.Now(),
	}
	ts.t.Messages = append(ts.t.Messages, msg)
	s.setStatusLocked(ts, StatusRunning)
	ts.t.LastError = ""
	ts.cur = nil
	ts.lastToolID = ""
	gen := ts.gen
	started := ts.started
	workDir := ts.t.WorkDir
	ts.mu.Unlock()
	s.notify(threadID)

	if s.sup == nil {
		return s.failSend(ts, threadID, fmt.Errorf("no supervisor attached"))
	}
	if !started {
		if err := s.sup.Start(threadID, workDir, gen); err != nil {
			return s.failSend(ts, threadID, err)
		}
		ts.mu.Lock()
		ts.started = true
		ts.mu.Unlock()
	}
	if err := s.sup.Send(threadID, text); err != nil {
		return s.failSend(ts, threadID, err)
	}

	if s.ledger != nil {
		s.ledger.RecordSession()
	}
	return nil
}

func (s *Store) failSend(ts *threadState, threadID string, cause error) error {
	ts.mu.Lock()
	s.setStatusLocked(ts, StatusError)
	ts.t.LastError = cause.Error()
	ts.cur = nil
	ts.mu.Unlock()

	s.log.Error("user message delivery failed", zap.String("thread_id", threadID), zap.Error(cause))
	s.notify(threadID)
	return fmt.Errorf("%w: %v", ErrSendFailed, cause)
}

// StopThread cancels a run: the subprocess is signalled, the stop
// generation is bumped so late events are dropped, and any pending
// permission is cleared without forwarding a decision.
func (s *Store) StopThread(threadID string) error {
	ts, err := s.threadState(threadID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	ts.gen++
	ts.cur = nil
	ts.lastToolID = ""
	ts.inputBuf = make(map[string]*strings.Builder)
	ts.pending = nil
	ts.started = false
	if ts.t.Status == StatusRunning {
		s.setStatusLocked(ts, StatusIdle)
	}
	ts.mu.Unlock()

	if s.sup != nil {
		s.sup.Stop(threadID)
	}
	s.log.Info("thread stopped", zap.String("thread_id", threadID))
	s.notify(threadID)
	return nil
}

// Apply mutates the thread according to one decoded event. Events carrying
// a stale generation, or arriving for a thread that is not running, are
// dropped before any mutation. Callers must apply a given thread's events
// in arrival order.
func (s *Store) Apply(threadID string, gen uint64, ev *protocol.Event) {
	if ev == nil {
		return
	}
	ts, err := s.threadState(threadID)
	if err != nil {
		s.log.Debug("event for unknown thread dropped", zap.String("thread_id", threadID))
		return
	}

	ts.mu.Lock()
	if gen != ts.gen || ts.t.Status != StatusRunning {
		ts.mu.Unlock()
		s.log.Debug("stale event dropped",
			zap.String("thread_id", threadID),
			zap.String("kind", ev.Kind.String()))
		return
	}

	switch ev.Kind {
	case protocol.KindStreamStart:
		s.ensureCurrentLocked(ts)

	case protocol.KindTextDelta:
		cur := s.ensureCurrentLocked(ts)
		cur.Content += ev.Text
		ts.t.UpdatedAt = time.Now()

	case protocol.KindToolStart:
		cur := s.ensureCurrentLocked(ts)
		tc := &ToolCall{
			ID:        ev.ToolID,
			Name:      ev.ToolName,
			Status:    ToolPending,
			CreatedAt: time.Now(),
		}
		cur.ToolCalls = append(cur.ToolCalls, tc)
		ts.lastToolID = ev.ToolID
		ts.t.UpdatedAt = tc.CreatedAt

	case protocol.KindToolInputDelta:
		id := ev.ToolID
		if id == "" {
			// The wire omits the id on input fragments; attribute to the
			// most recently started tool call of this stream.
			id = ts.lastToolID
		}
		if id == "" {
			ts.mu.Unlock()
			s.log.Warn("tool input fragment with no attributable tool call",
				zap.String("thread_id", threadID))
			return
		}
		buf, ok := ts.inputBuf[id]
		if !ok {
			buf = &strings.Builder{}
			ts.inputBuf[id] = buf
		}
		buf.WriteString(ev.Partial)

	case protocol.KindToolComplete:
		tc := findToolCall(ts.t, ev.ToolID)
		if tc == nil {
			ts.mu.Unlock()
			if s.met != nil {
				s.met.UnmatchedToolResults.Inc()
			}
			s.log.Warn("tool result for unknown tool call",
				zap.String("thread_id", threadID),
				zap.String("tool_call_id", ev.ToolID))
			return
		}
		if tc.Status.terminal() {
			ts.mu.Unlock()
			s.log.Debug("tool result after terminal status ignored",
				zap.String("tool_call_id", ev.ToolID))
			return
		}
		if buf, ok := ts.inputBuf[ev.ToolID]; ok {
			if input := parseAccumulatedInput(buf.String()); input != nil && tc.Input == nil {
				tc.Input = input
				tc.Summary = toolInputSummary(tc.Name, input)
			}
			delete(ts.inputBuf, ev.ToolID)
		}
		tc.Output = ev.Result
		if resultIsError(ev.Result) {
			tc.Status = ToolError
		} else {
			tc.Status = ToolSuccess
		}
		ts.t.UpdatedAt = time.Now()

	case protocol.KindUsage:
		cur := s.ensureCurrentLocked(ts)
		cur.InputTokens += ev.InputTokens
		cur.OutputTokens += ev.OutputTokens
		ts.t.InputTokens += ev.InputTokens
		ts.t.OutputTokens += ev.OutputTokens
		ts.t.UpdatedAt = time.Now()

	case protocol.KindStreamStop:
		s.setStatusLocked(ts, StatusDone)
		ts.cur = nil
		ts.lastToolID = ""

	case protocol.KindStreamError:
		s.setStatusLocked(ts, StatusError)
		ts.t.LastError = ev.Message
		ts.cur = nil
		ts.lastToolID = ""

	case protocol.KindUnknown:
		ts.mu.Unlock()
		s.log.Warn("unrecognized stream line",
			zap.String("thread_id", threadID),
			zap.String("raw", ev.Raw))
		return

	default:
		ts.mu.Unlock()
		return
	}
	ts.mu.Unlock()

	if ev.Kind == protocol.KindUsage && s.ledger != nil {
		s.ledger.Record(ev.InputTokens, ev.OutputTokens, s.model)
	}
	s.notify(threadID)
}

// ProcessExited handles the subprocess dying. An exit mid-run is an
// error; an exit after the stream already closed is uninteresting.
func (s *Store) ProcessExited(threadID string, gen uint64, exitErr error) {
	ts, err := s.threadState(threadID)
	if err != nil {
		return
	}

	ts.mu.Lock()
	if gen != ts.gen {
		ts.mu.Unlock()
		return
	}
	ts.started = false
	if ts.t.Status != StatusRunning {
		ts.mu.Unlock()
		return
	}
	s.setStatusLocked(ts, StatusError)
	if exitErr != nil {
		ts.t.LastError = exitErr.Error()
	} else {
		ts.t.LastError = "subprocess exited unexpectedly"
	}
	ts.cur = nil
	ts.lastToolID = ""
	ts.pending = nil
	ts.mu.Unlock()

	s.log.Warn("subprocess exited mid-run", zap.String("thread_id", threadID), zap.Error(exitErr))
	s.notify(threadID)
}

// ensureCurrentLocked returns the in-progress assistant message, opening
// one if the stream has not produced it yet.
func (s *Store) ensureCurrentLocked(ts *threadState) *Message {
	if ts.cur != nil {
		return ts.cur
	}
	msg := &Message{
		ID:        uuid.NewString(),
		Role:      RoleAssistant,
		CreatedAt: time.Now(),
	}
	ts.t.Messages = append(ts.t.Messages, msg)
	ts.t.UpdatedAt = msg.CreatedAt
	ts.cur = msg
	return msg
}

func (s *Store) setStatusLocked(ts *threadState, status ThreadStatus) {
	if ts.t.Status == status {
		return
	}
	if s.met != nil {
		if status == StatusRunning {
			s.met.ThreadsRunning.Inc()
		} else if ts.t.Status == StatusRunning {
			s.met.ThreadsRunning.Dec()
		}
	}
	ts.t.Status = status
	ts.t.UpdatedAt = time.Now()
}

// resultIsError decides the terminal tool status from result content.
func resultIsError(result string) bool {
	trimmed := strings.TrimSpace(strings.ToLower(result))
	return strings.HasPrefix(trimmed, "error") || strings.HasPrefix(trimmed, "tool execution failed")
}

// toolInputSummary renders the typed input of a known tool as the single
// line the surface shows in the tool-call header.
func toolInputSummary(name string, input map[string]any) string {
	switch in := protocol.ParseToolInput(name, input).(type) {
	case protocol.BashInput:
		return in.Command
	case protocol.EditInput:
		return in.FilePath
	case protocol.WriteInput:
		return in.FilePath
	case protocol.ReadInput:
		return in.FilePath
	case protocol.GlobInput:
		return in.Pattern
	case protocol.GrepInput:
		return in.Pattern
	}
	return ""
}

// parseAccumulatedInput parses the concatenated partial_json fragments of
// a tool call's streamed input. Incomplete JSON yields nil.
func parseAccumulatedInput(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return nil
	}
	return input
}
