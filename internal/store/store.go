// Package store owns the project → thread → message → tool-call tree and
// the per-thread state machine that applies decoded stream events to it.
//
// Locking: the store-level RWMutex guards the project list, selection and
// thread-id index. Each thread carries its own mutex, so event application
// for one thread never serializes against unrelated threads.
package store

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/prism-desktop/prismd/internal/metrics"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrThreadNotFound  = errors.New("thread not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrThreadRunning   = errors.New("thread is running")
	// ErrSendFailed wraps a user message that could not reach the subprocess.
	ErrSendFailed = errors.New("send failed")
	// ErrConflictingApproval is returned when a permission is requested
	// while another is still pending for the same thread.
	ErrConflictingApproval = errors.New("permission already pending for thread")
)

// Supervisor is the process-side collaborator the store drives.
type Supervisor interface {
	Start(threadID, workDir string, gen uint64) error
	Send(threadID, text string) error
	Stop(threadID string)
}

// WorkspaceManager isolates thread working directories.
type WorkspaceManager interface {
	Create(projectID, repoPath, branch string) (path string, resolvedBranch string, err error)
	Remove(path string)
}

// UsageRecorder receives token deltas as they stream in.
type UsageRecorder interface {
	Record(inputTokens, outputTokens int64, model string)
	RecordSession()
}

// threadState is the runtime (non-persisted) side of a thread.
type threadState struct {
	mu sync.Mutex
	t  *Thread

	// gen is bumped on every stop; events carrying an older generation
	// are dropped before touching the thread.
	gen uint64

	cur        *Message // in-progress assistant message, nil when not streaming
	lastToolID string   // most recently started tool call, for fragment attribution
	inputBuf   map[string]*strings.Builder
	pending    *PendingPermission
	started    bool // subprocess is alive
}

type Store struct {
	mu              sync.RWMutex
	projects        []*Project
	threads         map[string]*threadState
	selectedProject string
	selectedThread  string

	sup    Supervisor
	ws     WorkspaceManager
	ledger UsageRecorder
	model  string

	log      *zap.Logger
	met      *metrics.Metrics
	onChange func(threadID string)
}

func New(log *zap.Logger, ledger UsageRecorder, defaultModel string) *Store {
	return &Store{
		threads: make(map[string]*threadState),
		ledger:  ledger,
		model:   defaultModel,
		log:     log,
	}
}

func (s *Store) SetSupervisor(sup Supervisor)         { s.sup = sup }
func (s *Store) SetWorkspaces(ws WorkspaceManager)    { s.ws = ws }
func (s *Store) SetMetrics(met *metrics.Metrics)      { s.met = met }
func (s *Store) SetOnChange(fn func(threadID string)) { s.onChange = fn }

func (s *Store) notify(threadID string) {
	if s.onChange != nil {
		s.onChange(threadID)
	}
}

// ── Projects ─────────────────────────────────────────────

func (s *Store) CreateProject(name, workDir string) *Project {
	now := time.Now()
	p := &Project{
		ID:        uuid.NewString(),
		Name:      name,
		WorkDir:   workDir,
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	s.projects = append([]*Project{p}, s.projects...)
	s.selectedProject = p.ID
	s.selectedThread = ""
	s.mu.Unlock()

	s.log.Info("project created", zap.String("project_id", p.ID), zap.String("work_dir", workDir))
	s.notify("")
	return cloneProject(p)
}

func (s *Store) DeleteProject(projectID string) error {
	s.mu.Lock()
	var target *Project
	idx := -1
	for i, p := range s.projects {
		if p.ID == projectID {
			target, idx = p, i
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return ErrProjectNotFound
	}
	threads := target.Threads
	s.projects = append(s.projects[:idx], s.projects[idx+1:]...)
	if s.selectedProject == projectID {
		s.selectedProject = ""
		s.selectedThread = ""
	}
	for _, t := range threads {
		delete(s.threads, t.ID)
	}
	s.mu.Unlock()

	for _, t := range threads {
		s.teardownThread(t)
	}
	s.notify("")
	return nil
}

// teardownThread stops the subprocess and releases the worktree for a
// thread whose record is already unlinked.
func (s *Store) teardownThread(t *Thread) {
	if s.sup != nil {
		s.sup.Stop(t.ID)
	}
	if t.HasWorktree && s.ws != nil {
		// Fire and forget: removal failure must not block deletion.
		s.ws.Remove(t.WorkDir)
	}
}

// ── Threads ──────────────────────────────────────────────

// CreateThreadOptions controls worktree isolation for a new thread.
type CreateThreadOptions struct {
	Isolate bool
	Branch  string
}

// CreateThread appends a thread to a project. With Isolate set, the
// workspace is created first; on failure no thread record is left behind.
func (s *Store) CreateThread(projectID, title string, opts CreateThreadOptions) (*Thread, error) {
	s.mu.RLock()
	repoDir, found := "", false
	for _, p := range s.projects {
		if p.ID == projectID {
			repoDir, found = p.WorkDir, true
			break
		}
	}
	s.mu.RUnlock()
	if !found {
		return nil, ErrProjectNotFound
	}

	workDir := repoDir
	branch := ""
	if opts.Isolate {
		if s.ws == nil {
			return nil, fmt.Errorf("workspace isolation unavailable")
		}
		path, resolved, err := s.ws.Create(projectID, repoDir, opts.Branch)
		if err != nil {
			return nil, err
		}
		workDir = path
		branch = resolved
	}

	now := time.Now()
	t := &Thread{
		ID:          uuid.NewString(),
		ProjectID:   projectID,
		Title:       title,
		WorkDir:     workDir,
		Branch:      branch,
		HasWorktree: opts.Isolate,
		Status:      StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.mu.Lock()
	// Re-resolve: the lock was released during worktree setup, and the
	// project may have been deleted in that window.
	var project *Project
	for _, p := range s.projects {
		if p.ID == projectID {
			project = p
			break
		}
	}
	if project == nil {
		s.mu.Unlock()
		if opts.Isolate && s.ws != nil {
			s.ws.Remove(workDir)
		}
		return nil, ErrProjectNotFound
	}
	project.Threads = append([]*Thread{t}, project.Threads...)
	project.UpdatedAt = now
	s.threads[t.ID] = &threadState{t: t, inputBuf: make(map[string]*strings.Builder)}
	s.selectedThread = t.ID
	s.mu.Unlock()

	s.log.Info("thread created",
		zap.String("thread_id", t.ID),
		zap.String("project_id", projectID),
		zap.Bool("isolated", opts.Isolate),
		zap.String("work_dir", workDir))
	s.notify(t.ID)
	return cloneThread(t), nil
}

func (s *Store) DeleteThread(threadID string) error {
	s.mu.Lock()
	ts, ok := s.threads[threadID]
	if !ok {
		s.mu.Unlock()
		return ErrThreadNotFound
	}
	delete(s.threads, threadID)
	for _, p := range s.projects {
		if p.ID != ts.t.ProjectID {
			continue
		}
		for i, t := range p.Threads {
			if t.ID == threadID {
				p.Threads = append(p.Threads[:i], p.Threads[i+1:]...)
				p.UpdatedAt = time.Now()
				break
			}
		}
	}
	if s.selectedThread == threadID {
		s.selectedThread = ""
	}
	s.mu.Unlock()

	s.teardownThread(ts.t)
	s.notify(threadID)
	return nil
}

func (s *Store) RenameThread(threadID, title string) error {
	ts, err := s.threadState(threadID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.t.Title = title
	ts.t.UpdatedAt = time.Now()
	ts.mu.Unlock()
	s.notify(threadID)
	return nil
}

// ToggleThreadArchive flips the archived flag. Archiving is reversible
// and leaves messages and the worktree untouched.
func (s *Store) ToggleThreadArchive(threadID string) error {
	ts, err := s.threadState(threadID)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.t.Archived = !ts.t.Archived
	ts.t.UpdatedAt = time.Now()
	ts.mu.Unlock()
	s.notify(threadID)
	return nil
}

func (s *Store) ToggleToolCall(threadID, messageID, toolCallID string) error {
	ts, err := s.threadState(threadID)
	if err != nil {
		return err
	}
	found := false
	ts.mu.Lock()
	for _, m := range ts.t.Messages {
		if m.ID != messageID {
			continue
		}
		for _, tc := range m.ToolCalls {
			if tc.ID == toolCallID {
				tc.Expanded = !tc.Expanded
				found = true
				break
			}
		}
		break
	}
	ts.mu.Unlock()
	if !found {
		return ErrMessageNotFound
	}
	s.notify(threadID)
	return nil
}

// ── Selection ────────────────────────────────────────────

func (s *Store) SelectProject(projectID string) {
	s.mu.Lock()
	s.selectedProject = projectID
	s.selectedThread = ""
	s.mu.Unlock()
	s.notify("")
}

func (s *Store) SelectThread(threadID string) {
	s.mu.Lock()
	s.selectedThread = threadID
	s.mu.Unlock()
	s.notify("")
}

func (s *Store) Selection() (projectID, threadID string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selectedProject, s.selectedThread
}

// ── Lookup ───────────────────────────────────────────────

func (s *Store) threadState(threadID string) (*threadState, error) {
	s.mu.RLock()
	ts, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrThreadNotFound
	}
	return ts, nil
}

// Thread returns a deep copy of one thread.
func (s *Store) Thread(threadID string) (*Thread, error) {
	ts, err := s.threadState(threadID)
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return cloneThread(ts.t), nil
}

// Generation returns the thread's current stop generation.
func (s *Store) Generation(threadID string) (uint64, error) {
	ts, err := s.threadState(threadID)
	if err != nil {
		return 0, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.gen, nil
}

// ── Pending permission ───────────────────────────────────

// SetPendingPermission installs the single outstanding approval for a
// thread. A second request while one is pending is rejected, never
// overwritten.
func (s *Store) SetPendingPermission(threadID string, gen uint64, toolCallID, toolName string) error {
	ts, err := s.threadState(threadID)
	if err != nil {
		return err
	}

	ts.mu.Lock()
	if gen != ts.gen || ts.t.Status != StatusRunning {
		ts.mu.Unlock()
		s.log.Debug("stale permission request dropped", zap.String("thread_id", threadID))
		return nil
	}
	if ts.pending != nil {
		existing := ts.pending.ToolCallID
		ts.mu.Unlock()
		s.log.Warn("conflicting permission request rejected",
			zap.String("thread_id", threadID),
			zap.String("pending_tool_call", existing),
			zap.String("rejected_tool_call", toolCallID))
		return ErrConflictingApproval
	}
	ts.pending = &PendingPermission{ThreadID: threadID, ToolCallID: toolCallID, ToolName: toolName}
	ts.mu.Unlock()

	s.notify(threadID)
	return nil
}

// ResolvePendingPermission clears the pending entry and, on approval,
// moves the referenced tool call to running.
func (s *Store) ResolvePendingPermission(threadID string, approved bool) (PendingPermission, bool) {
	ts, err := s.threadState(threadID)
	if err != nil {
		return PendingPermission{}, false
	}

	ts.mu.Lock()
	if ts.pending == nil {
		ts.mu.Unlock()
		return PendingPermission{}, false
	}
	p := *ts.pending
	ts.pending = nil
	if approved {
		if tc := findToolCall(ts.t, p.ToolCallID); tc != nil && tc.Status == ToolPending {
			tc.Status = ToolRunning
		}
	}
	ts.mu.Unlock()

	s.notify(threadID)
	return p, true
}

// PendingPermission returns the outstanding approval, if any.
func (s *Store) PendingPermission(threadID string) (PendingPermission, bool) {
	ts, err := s.threadState(threadID)
	if err != nil {
		return PendingPermission{}, false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.pending == nil {
		return PendingPermission{}, false
	}
	return *ts.pending, true
}

// ── Snapshot / restore ───────────────────────────────────

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		SelectedProject: s.selectedProject,
		SelectedThread:  s.selectedThread,
	}
	// Threads are cloned one at a time under their own locks, so an
	// in-flight apply is never observed mid-mutation. Lock order is
	// always store then thread.
	for _, p := range s.projects {
		cp := *p
		cp.Threads = make([]*Thread, 0, len(p.Threads))
		for _, t := range p.Threads {
			if ts, ok := s.threads[t.ID]; ok {
				ts.mu.Lock()
				cp.Threads = append(cp.Threads, cloneThread(t))
				ts.mu.Unlock()
			} else {
				cp.Threads = append(cp.Threads, cloneThread(t))
			}
		}
		snap.Projects = append(snap.Projects, &cp)
	}
	return snap
}

// Restore replaces the tree from a persisted snapshot. Threads that were
// persisted mid-run come back idle: their subprocess did not survive.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	s.projects = nil
	s.threads = make(map[string]*threadState)
	for _, p := range snap.Projects {
		cp := cloneProject(p)
		s.projects = append(s.projects, cp)
		for _, t := range cp.Threads {
			if t.Status == StatusRunning {
				t.Status = StatusIdle
			}
			s.threads[t.ID] = &threadState{t: t, inputBuf: make(map[string]*strings.Builder)}
		}
	}
	s.selectedProject = snap.SelectedProject
	s.selectedThread = snap.SelectedThread
	s.mu.Unlock()
	s.notify("")
}

// ── Clone helpers ────────────────────────────────────────

func cloneProject(p *Project) *Project {
	cp := *p
	cp.Threads = make([]*Thread, len(p.Threads))
	for i, t := range p.Threads {
		cp.Threads[i] = cloneThread(t)
	}
	return &cp
}

func cloneThread(t *Thread) *Thread {
	ct := *t
	ct.Messages = make([]*Message, len(t.Messages))
	for i, m := range t.Messages {
		ct.Messages[i] = cloneMessage(m)
	}
	return &ct
}

func cloneMessage(m *Message) *Message {
	cm := *m
	cm.ToolCalls = make([]*ToolCall, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		ctc := *tc
		if tc.Input != nil {
			ctc.Input = make(map[string]any, len(tc.Input))
			for k, v := range tc.Input {
				ctc.Input[k] = v
			}
		}
		cm.ToolCalls[i] = &ctc
	}
	return &cm
}

func findToolCall(t *Thread, toolCallID string) *ToolCall {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		for _, tc := range t.Messages[i].ToolCalls {
			if tc.ID == toolCallID {
				return tc
			}
		}
	}
	return nil
}
