package store

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeSupervisor struct {
	mu       sync.Mutex
	starts   []string
	sends    []string
	stops    []string
	startErr error
	sendErr  error
}

func (f *fakeSupervisor) Start(threadID, workDir string, gen uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts = append(f.starts, threadID)
	return nil
}

func (f *fakeSupervisor) Send(threadID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sends = append(f.sends, text)
	return nil
}

func (f *fakeSupervisor) Stop(threadID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, threadID)
}

type fakeWorkspaces struct {
	err      error
	path     string
	removed  []string
	onCreate func()
}

func (f *fakeWorkspaces) Create(projectID, repoPath, branch string) (string, string, error) {
	if f.onCreate != nil {
		f.onCreate()
	}
	if f.err != nil {
		return "", "", f.err
	}
	if branch == "" {
		branch = "prism/generated"
	}
	return f.path, branch, nil
}

func (f *fakeWorkspaces) Remove(path string) {
	f.removed = append(f.removed, path)
}

type fakeLedger struct {
	mu       sync.Mutex
	input    int64
	output   int64
	sessions int
}

func (f *fakeLedger) Record(inputTokens, outputTokens int64, model string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input += inputTokens
	f.output += outputTokens
}

func (f *fakeLedger) RecordSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions++
}

func newTestStore(t *testing.T) (*Store, *fakeSupervisor, *fakeLedger) {
	t.Helper()
	sup := &fakeSupervisor{}
	ledger := &fakeLedger{}
	s := New(zap.NewNop(), ledger, "claude-sonnet-4")
	s.SetSupervisor(sup)
	return s, sup, ledger
}

func newRunningThread(t *testing.T, s *Store) string {
	t.Helper()
	p := s.CreateProject("test", "/tmp/repo")
	th, err := s.CreateThread(p.ID, "work", CreateThreadOptions{})
	require.NoError(t, err)
	require.NoError(t, s.SendUserMessage(th.ID, "do the thing"))
	return th.ID
}

func TestCreateProjectSelectsIt(t *testing.T) {
	s, _, _ := newTestStore(t)
	p1 := s.CreateProject("one", "/tmp/a")
	p2 := s.CreateProject("two", "/tmp/b")

	projectID, threadID := s.Selection()
	assert.Equal(t, p2.ID, projectID)
	assert.Empty(t, threadID)

	snap := s.Snapshot()
	require.Len(t, snap.Projects, 2)
	assert.Equal(t, p2.ID, snap.Projects[0].ID, "newest project first")
	assert.Equal(t, p1.ID, snap.Projects[1].ID)
}

func TestCreateThreadUnknownProject(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.CreateThread("nope", "t", CreateThreadOptions{})
	assert.ErrorIs(t, err, ErrProjectNotFound)
}

func TestCreateThreadIsolated(t *testing.T) {
	s, _, _ := newTestStore(t)
	ws := &fakeWorkspaces{path: "/tmp/worktrees/x"}
	s.SetWorkspaces(ws)

	p := s.CreateProject("test", "/tmp/repo")
	th, err := s.CreateThread(p.ID, "feature", CreateThreadOptions{Isolate: true, Branch: "feat/x"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/worktrees/x", th.WorkDir)
	assert.Equal(t, "feat/x", th.Branch)
	assert.True(t, th.HasWorktree)
}

func TestCreateThreadWorkspaceFailureLeavesNoRecord(t *testing.T) {
	s, _, _ := newTestStore(t)
	s.SetWorkspaces(&fakeWorkspaces{err: errors.New("git exploded")})

	p := s.CreateProject("test", "/tmp/repo")
	_, err := s.CreateThread(p.ID, "feature", CreateThreadOptions{Isolate: true})
	require.Error(t, err)

	snap := s.Snapshot()
	assert.Empty(t, snap.Projects[0].Threads)
}

func TestCreateThreadProjectDeletedDuringWorkspaceSetup(t *testing.T) {
	s, _, _ := newTestStore(t)
	ws := &fakeWorkspaces{path: "/tmp/worktrees/x"}
	s.SetWorkspaces(ws)

	p := s.CreateProject("test", "/tmp/repo")
	// Worktree setup runs outside the store lock; delete the project in
	// exactly that window.
	ws.onCreate = func() { require.NoError(t, s.DeleteProject(p.ID)) }

	_, err := s.CreateThread(p.ID, "feature", CreateThreadOptions{Isolate: true})
	assert.ErrorIs(t, err, ErrProjectNotFound)
	assert.Equal(t, []string{"/tmp/worktrees/x"}, ws.removed, "orphaned worktree released")
	assert.Empty(t, s.Snapshot().Projects)
}

func TestSendUserMessageStartsAndSends(t *testing.T) {
	s, sup, ledger := newTestStore(t)
	threadID := newRunningThread(t, s)

	th, err := s.Thread(threadID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, th.Status)
	require.Len(t, th.Messages, 1)
	assert.Equal(t, RoleUser, th.Messages[0].Role)
	assert.Equal(t, "do the thing", th.Messages[0].Content)

	assert.Equal(t, []string{threadID}, sup.starts)
	assert.Equal(t, []string{"do the thing"}, sup.sends)
	assert.Equal(t, 1, ledger.sessions)
}

func TestSendUserMessageWhileRunning(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)

	err := s.SendUserMessage(threadID, "again")
	assert.ErrorIs(t, err, ErrThreadRunning)
}

func TestSendUserMessageDeliveryFailure(t *testing.T) {
	s, sup, _ := newTestStore(t)
	sup.sendErr = errors.New("broken pipe")

	p := s.CreateProject("test", "/tmp/repo")
	th, err := s.CreateThread(p.ID, "work", CreateThreadOptions{})
	require.NoError(t, err)

	err = s.SendUserMessage(th.ID, "hello")
	assert.ErrorIs(t, err, ErrSendFailed)

	got, err := s.Thread(th.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Contains(t, got.LastError, "broken pipe")
}

func TestApplyStreamLifecycle(t *testing.T) {
	s, _, ledger := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, err := s.Generation(threadID)
	require.NoError(t, err)

	s.Apply(threadID, gen, usageEvent(120, 0))
	s.Apply(threadID, gen, textEvent("Let me "))
	s.Apply(threadID, gen, textEvent("look."))
	s.Apply(threadID, gen, toolStartEvent("toolu_01", "Bash"))
	s.Apply(threadID, gen, inputDeltaEvent("", `{"command":`))
	s.Apply(threadID, gen, inputDeltaEvent("", `"ls -la"}`))
	s.Apply(threadID, gen, toolCompleteEvent("toolu_01", "file1\nfile2"))
	s.Apply(threadID, gen, usageEvent(0, 45))
	s.Apply(threadID, gen, streamStopEvent())

	th, err := s.Thread(threadID)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, th.Status)
	require.Len(t, th.Messages, 2)

	asst := th.Messages[1]
	assert.Equal(t, RoleAssistant, asst.Role)
	assert.Equal(t, "Let me look.", asst.Content)
	require.Len(t, asst.ToolCalls, 1)

	tc := asst.ToolCalls[0]
	assert.Equal(t, "Bash", tc.Name)
	assert.Equal(t, ToolSuccess, tc.Status)
	assert.Equal(t, "file1\nfile2", tc.Output)
	assert.Equal(t, "ls -la", tc.Input["command"], "accumulated fragments parsed at completion")
	assert.Equal(t, "ls -la", tc.Summary)

	assert.Equal(t, int64(120), asst.InputTokens)
	assert.Equal(t, int64(45), asst.OutputTokens)
	assert.Equal(t, int64(120), th.InputTokens)
	assert.Equal(t, int64(45), th.OutputTokens)
	assert.Equal(t, int64(120), ledger.input)
	assert.Equal(t, int64(45), ledger.output)
}

func TestToolCompleteSummarizesTypedInput(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, toolStartEvent("toolu_01", "Edit"))
	s.Apply(threadID, gen, inputDeltaEvent("", `{"file_path":"main.go","old_string":"a","new_string":"b"}`))
	s.Apply(threadID, gen, toolCompleteEvent("toolu_01", "ok"))

	s.Apply(threadID, gen, toolStartEvent("toolu_02", "NotebookEdit"))
	s.Apply(threadID, gen, inputDeltaEvent("", `{"notebook_path":"nb.ipynb"}`))
	s.Apply(threadID, gen, toolCompleteEvent("toolu_02", "ok"))

	th, _ := s.Thread(threadID)
	calls := th.Messages[1].ToolCalls
	require.Len(t, calls, 2)
	assert.Equal(t, "main.go", calls[0].Summary)
	assert.Empty(t, calls[1].Summary, "no summary for tools without a known schema")
	assert.Equal(t, "nb.ipynb", calls[1].Input["notebook_path"])
}

func TestApplyKeepsDrainingWhilePermissionPending(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, toolStartEvent("toolu_01", "Bash"))
	require.NoError(t, s.SetPendingPermission(threadID, gen, "toolu_01", "Bash"))

	// The stream keeps flowing while the approval waits on the user.
	s.Apply(threadID, gen, textEvent("still streaming"))
	s.Apply(threadID, gen, toolStartEvent("toolu_02", "Read"))
	s.Apply(threadID, gen, toolCompleteEvent("toolu_02", "contents"))
	s.Apply(threadID, gen, usageEvent(10, 5))

	th, _ := s.Thread(threadID)
	asst := th.Messages[1]
	assert.Equal(t, "still streaming", asst.Content)
	require.Len(t, asst.ToolCalls, 2)
	assert.Equal(t, ToolSuccess, asst.ToolCalls[1].Status)
	assert.Equal(t, int64(10), asst.InputTokens)

	p, ok := s.PendingPermission(threadID)
	require.True(t, ok)
	assert.Equal(t, "toolu_01", p.ToolCallID)
}

func TestThreadTokensSumMessages(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, usageEvent(100, 10))
	s.Apply(threadID, gen, streamStopEvent())

	require.NoError(t, s.SendUserMessage(threadID, "more"))
	s.Apply(threadID, gen, usageEvent(200, 20))
	s.Apply(threadID, gen, streamStopEvent())

	th, err := s.Thread(threadID)
	require.NoError(t, err)

	var inSum, outSum int64
	for _, m := range th.Messages {
		inSum += m.InputTokens
		outSum += m.OutputTokens
	}
	assert.Equal(t, th.InputTokens, inSum)
	assert.Equal(t, th.OutputTokens, outSum)
	assert.Equal(t, int64(300), th.InputTokens)
	assert.Equal(t, int64(30), th.OutputTokens)
}

func TestApplyStreamError(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, &streamErrorEv)

	th, _ := s.Thread(threadID)
	assert.Equal(t, StatusError, th.Status)
	assert.Equal(t, "overloaded", th.LastError)
}

func TestApplyToolResultError(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, toolStartEvent("toolu_01", "Bash"))
	s.Apply(threadID, gen, toolCompleteEvent("toolu_01", "Error: command not found"))

	th, _ := s.Thread(threadID)
	tc := th.Messages[1].ToolCalls[0]
	assert.Equal(t, ToolError, tc.Status)
}

func TestApplyTerminalToolStatusNotRegressed(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, toolStartEvent("toolu_01", "Bash"))
	s.Apply(threadID, gen, toolCompleteEvent("toolu_01", "ok"))
	s.Apply(threadID, gen, toolCompleteEvent("toolu_01", "Error: late duplicate"))

	th, _ := s.Thread(threadID)
	tc := th.Messages[1].ToolCalls[0]
	assert.Equal(t, ToolSuccess, tc.Status)
	assert.Equal(t, "ok", tc.Output)
}

func TestApplyUnmatchedToolResultIgnored(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, toolCompleteEvent("toolu_ghost", "output"))

	th, _ := s.Thread(threadID)
	require.Len(t, th.Messages, 1, "no assistant message opened")
	assert.Equal(t, StatusRunning, th.Status)
}

func TestStopThreadDropsLateEvents(t *testing.T) {
	s, sup, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	require.NoError(t, s.StopThread(threadID))
	assert.Equal(t, []string{threadID}, sup.stops)

	th, _ := s.Thread(threadID)
	assert.Equal(t, StatusIdle, th.Status)

	// Events from the killed run carry the old generation.
	s.Apply(threadID, gen, textEvent("late"))
	s.Apply(threadID, gen, streamStopEvent())

	th, _ = s.Thread(threadID)
	assert.Equal(t, StatusIdle, th.Status)
	assert.Len(t, th.Messages, 1)
}

func TestApplyToIdleThreadDropped(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := s.CreateProject("test", "/tmp/repo")
	th, err := s.CreateThread(p.ID, "work", CreateThreadOptions{})
	require.NoError(t, err)

	s.Apply(th.ID, 0, textEvent("unsolicited"))

	got, _ := s.Thread(th.ID)
	assert.Empty(t, got.Messages)
}

func TestProcessExitedMidRun(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.ProcessExited(threadID, gen, nil)

	th, _ := s.Thread(threadID)
	assert.Equal(t, StatusError, th.Status)
	assert.Equal(t, "subprocess exited unexpectedly", th.LastError)
}

func TestProcessExitedAfterDone(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, streamStopEvent())
	s.ProcessExited(threadID, gen, errors.New("signal: killed"))

	th, _ := s.Thread(threadID)
	assert.Equal(t, StatusDone, th.Status)
	assert.Empty(t, th.LastError)
}

func TestProcessExitedStaleGeneration(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	require.NoError(t, s.StopThread(threadID))
	require.NoError(t, s.SendUserMessage(threadID, "second run"))

	// The first run's pump reports its exit with the old generation.
	s.ProcessExited(threadID, gen, errors.New("signal: killed"))

	th, _ := s.Thread(threadID)
	assert.Equal(t, StatusRunning, th.Status)
}

func TestPendingPermissionSingleSlot(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	require.NoError(t, s.SetPendingPermission(threadID, gen, "toolu_01", "Bash"))

	err := s.SetPendingPermission(threadID, gen, "toolu_02", "Write")
	assert.ErrorIs(t, err, ErrConflictingApproval)

	p, ok := s.PendingPermission(threadID)
	require.True(t, ok)
	assert.Equal(t, "toolu_01", p.ToolCallID, "original request survives")
}

func TestPendingPermissionStaleGenerationDropped(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	require.NoError(t, s.StopThread(threadID))
	require.NoError(t, s.SetPendingPermission(threadID, gen, "toolu_01", "Bash"))

	_, ok := s.PendingPermission(threadID)
	assert.False(t, ok)
}

func TestResolvePendingPermissionApproved(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, toolStartEvent("toolu_01", "Bash"))
	require.NoError(t, s.SetPendingPermission(threadID, gen, "toolu_01", "Bash"))

	p, ok := s.ResolvePendingPermission(threadID, true)
	require.True(t, ok)
	assert.Equal(t, "toolu_01", p.ToolCallID)

	th, _ := s.Thread(threadID)
	assert.Equal(t, ToolRunning, th.Messages[1].ToolCalls[0].Status)

	_, ok = s.PendingPermission(threadID)
	assert.False(t, ok)
}

func TestResolvePendingPermissionNothingPending(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)

	_, ok := s.ResolvePendingPermission(threadID, true)
	assert.False(t, ok)
}

func TestStopThreadClearsPendingPermission(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	require.NoError(t, s.SetPendingPermission(threadID, gen, "toolu_01", "Bash"))
	require.NoError(t, s.StopThread(threadID))

	_, ok := s.PendingPermission(threadID)
	assert.False(t, ok)
}

func TestDeleteThreadTearsDown(t *testing.T) {
	s, sup, _ := newTestStore(t)
	ws := &fakeWorkspaces{path: "/tmp/worktrees/x"}
	s.SetWorkspaces(ws)

	p := s.CreateProject("test", "/tmp/repo")
	th, err := s.CreateThread(p.ID, "feature", CreateThreadOptions{Isolate: true})
	require.NoError(t, err)

	require.NoError(t, s.DeleteThread(th.ID))

	assert.Contains(t, sup.stops, th.ID)
	assert.Equal(t, []string{"/tmp/worktrees/x"}, ws.removed)

	_, err = s.Thread(th.ID)
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestDeleteProjectTearsDownAllThreads(t *testing.T) {
	s, sup, _ := newTestStore(t)

	p := s.CreateProject("test", "/tmp/repo")
	t1, err := s.CreateThread(p.ID, "a", CreateThreadOptions{})
	require.NoError(t, err)
	t2, err := s.CreateThread(p.ID, "b", CreateThreadOptions{})
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(p.ID))

	assert.ElementsMatch(t, []string{t1.ID, t2.ID}, sup.stops)
	assert.Empty(t, s.Snapshot().Projects)
}

func TestToggleToolCall(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	s.Apply(threadID, gen, toolStartEvent("toolu_01", "Bash"))

	th, _ := s.Thread(threadID)
	msgID := th.Messages[1].ID

	require.NoError(t, s.ToggleToolCall(threadID, msgID, "toolu_01"))
	th, _ = s.Thread(threadID)
	assert.True(t, th.Messages[1].ToolCalls[0].Expanded)

	require.NoError(t, s.ToggleToolCall(threadID, msgID, "toolu_01"))
	th, _ = s.Thread(threadID)
	assert.False(t, th.Messages[1].ToolCalls[0].Expanded)

	err := s.ToggleToolCall(threadID, msgID, "missing")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestRenameThread(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := s.CreateProject("test", "/tmp/repo")
	th, err := s.CreateThread(p.ID, "old", CreateThreadOptions{})
	require.NoError(t, err)

	require.NoError(t, s.RenameThread(th.ID, "new"))
	got, _ := s.Thread(th.ID)
	assert.Equal(t, "new", got.Title)
}

func TestToggleThreadArchive(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := s.CreateProject("test", "/tmp/repo")
	th, err := s.CreateThread(p.ID, "done with this", CreateThreadOptions{})
	require.NoError(t, err)

	require.NoError(t, s.ToggleThreadArchive(th.ID))
	got, _ := s.Thread(th.ID)
	assert.True(t, got.Archived)

	// The flag survives a snapshot round trip.
	s2, _, _ := newTestStore(t)
	s2.Restore(s.Snapshot())
	got, _ = s2.Thread(th.ID)
	assert.True(t, got.Archived)

	require.NoError(t, s2.ToggleThreadArchive(th.ID))
	got, _ = s2.Thread(th.ID)
	assert.False(t, got.Archived, "archiving is reversible")

	err = s.ToggleThreadArchive("missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
}

func TestSnapshotRestoreNormalizesRunning(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)
	s.Apply(threadID, gen, textEvent("partial"))

	snap := s.Snapshot()

	s2, _, _ := newTestStore(t)
	s2.Restore(snap)

	th, err := s2.Thread(threadID)
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, th.Status, "persisted running threads come back idle")
	require.Len(t, th.Messages, 2)
	assert.Equal(t, "partial", th.Messages[1].Content)

	projectID, selThread := s2.Selection()
	assert.Equal(t, snap.SelectedProject, projectID)
	assert.Equal(t, snap.SelectedThread, selThread)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	s, _, _ := newTestStore(t)
	threadID := newRunningThread(t, s)
	gen, _ := s.Generation(threadID)

	snap := s.Snapshot()
	s.Apply(threadID, gen, textEvent("after snapshot"))

	require.Len(t, snap.Projects, 1)
	assert.Len(t, snap.Projects[0].Threads[0].Messages, 1, "snapshot unaffected by later writes")
}

func TestConcurrentApplyAcrossThreads(t *testing.T) {
	s, _, _ := newTestStore(t)
	p := s.CreateProject("test", "/tmp/repo")

	var ids []string
	for i := 0; i < 4; i++ {
		th, err := s.CreateThread(p.ID, fmt.Sprintf("t%d", i), CreateThreadOptions{})
		require.NoError(t, err)
		require.NoError(t, s.SendUserMessage(th.ID, "go"))
		ids = append(ids, th.ID)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			gen, _ := s.Generation(threadID)
			for j := 0; j < 100; j++ {
				s.Apply(threadID, gen, textEvent("x"))
			}
			s.Apply(threadID, gen, streamStopEvent())
		}(id)
	}
	wg.Wait()

	for _, id := range ids {
		th, err := s.Thread(id)
		require.NoError(t, err)
		assert.Equal(t, StatusDone, th.Status)
		assert.Len(t, th.Messages[1].Content, 100)
	}
}
