// Package supervisor runs one agent CLI subprocess per thread and pumps
// its line-oriented stdout through the protocol decoder. Each pump is a
// dedicated goroutine, which gives every thread's events a single
// producer applied strictly in arrival order.
package supervisor

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/prism-desktop/prismd/internal/metrics"
	"github.com/prism-desktop/prismd/internal/protocol"
)

// ErrNotRunning means there is no live subprocess for the thread.
var ErrNotRunning = errors.New("no subprocess for thread")

type EventHandler func(threadID string, gen uint64, ev *protocol.Event)
type ExitHandler func(threadID string, gen uint64, err error)

type Options struct {
	Bin     string
	Args    []string
	UsePTY  bool
	PTYRows uint16
	PTYCols uint16
}

type Supervisor struct {
	opts Options
	log  *zap.Logger
	met  *metrics.Metrics

	mu    sync.Mutex
	procs map[string]*process

	onEvent EventHandler
	onExit  ExitHandler
}

type process struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	ptmx  *os.File // pty mode only
	gen   uint64
}

func New(opts Options, log *zap.Logger) *Supervisor {
	return &Supervisor{
		opts:  opts,
		log:   log,
		procs: make(map[string]*process),
	}
}

func (s *Supervisor) SetMetrics(met *metrics.Metrics) { s.met = met }
func (s *Supervisor) SetEventHandler(fn EventHandler) { s.onEvent = fn }
func (s *Supervisor) SetExitHandler(fn ExitHandler)   { s.onExit = fn }

// Start spawns the CLI for a thread in its working directory. The given
// generation is attached to every event the pump produces, so the store
// can discard output from a run that was since stopped.
func (s *Supervisor) Start(threadID, workDir string, gen uint64) error {
	s.mu.Lock()
	if _, exists := s.procs[threadID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("subprocess already running for thread %s", threadID)
	}
	s.mu.Unlock()

	cmd := exec.Command(s.opts.Bin, s.opts.Args...)
	cmd.Dir = workDir

	proc := &process{cmd: cmd, gen: gen}
	var out io.Reader

	if s.opts.UsePTY {
		ptmx, err := pty.Start(cmd)
		if err != nil {
			return fmt.Errorf("failed to start %s under pty: %w", s.opts.Bin, err)
		}
		_ = pty.Setsize(ptmx, &pty.Winsize{Rows: s.opts.PTYRows, Cols: s.opts.PTYCols})
		proc.ptmx = ptmx
		proc.stdin = ptmx
		out = ptmx
	} else {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}
		// stderr is discarded; the protocol rides stdout
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("failed to start %s: %w", s.opts.Bin, err)
		}
		proc.stdin = stdin
		out = stdout
	}

	s.mu.Lock()
	s.procs[threadID] = proc
	s.mu.Unlock()

	s.log.Info("subprocess started",
		zap.String("thread_id", threadID),
		zap.String("bin", s.opts.Bin),
		zap.String("work_dir", workDir),
		zap.Int("pid", cmd.Process.Pid))

	go s.pump(threadID, proc, out)
	return nil
}

// pump reads stdout lines until EOF, decoding each into an event.
func (s *Supervisor) pump(threadID string, proc *process, out io.Reader) {
	scanner := bufio.NewScanner(out)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		ev := protocol.Decode(scanner.Text())
		if ev == nil {
			continue
		}
		if s.met != nil {
			s.met.EventsDecoded.WithLabelValues(ev.Kind.String()).Inc()
			if ev.Kind == protocol.KindUnknown {
				s.met.DecodeAnomalies.Inc()
			}
		}
		if s.onEvent != nil {
			s.onEvent(threadID, proc.gen, ev)
		}
	}
	if err := scanner.Err(); err != nil {
		s.log.Warn("subprocess output read error",
			zap.String("thread_id", threadID), zap.Error(err))
	}

	waitErr := proc.cmd.Wait()

	s.mu.Lock()
	// Only clear the table entry if it is still this run.
	if cur, ok := s.procs[threadID]; ok && cur == proc {
		delete(s.procs, threadID)
	}
	s.mu.Unlock()

	s.log.Info("subprocess exited", zap.String("thread_id", threadID), zap.Error(waitErr))
	if s.onExit != nil {
		s.onExit(threadID, proc.gen, waitErr)
	}
}

// Send writes one user message line to the subprocess stdin.
func (s *Supervisor) Send(threadID, text string) error {
	proc, err := s.proc(threadID)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(proc.stdin, text+"\n"); err != nil {
		return fmt.Errorf("failed to write to stdin: %w", err)
	}
	return nil
}

// ResolveApproval writes the permission decision line to stdin.
func (s *Supervisor) ResolveApproval(threadID, toolCallID string, approved bool) error {
	proc, err := s.proc(threadID)
	if err != nil {
		return err
	}
	response := "n\n"
	if approved {
		response = "y\n"
	}
	if _, err := io.WriteString(proc.stdin, response); err != nil {
		return fmt.Errorf("failed to write permission response: %w", err)
	}
	return nil
}

// Stop kills the thread's subprocess. The pump goroutine observes EOF and
// reports the exit through the exit handler.
func (s *Supervisor) Stop(threadID string) {
	s.mu.Lock()
	proc, ok := s.procs[threadID]
	if ok {
		delete(s.procs, threadID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	if proc.ptmx != nil {
		_ = proc.ptmx.Close()
	} else if proc.stdin != nil {
		_ = proc.stdin.Close()
	}
	if proc.cmd.Process != nil {
		_ = proc.cmd.Process.Kill()
	}
}

// Running reports whether a subprocess is alive for the thread.
func (s *Supervisor) Running(threadID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[threadID]
	return ok
}

// StopAll kills every subprocess; used on daemon shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.Stop(id)
	}
}

func (s *Supervisor) proc(threadID string) (*process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.procs[threadID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, threadID)
	}
	return proc, nil
}
