package term

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
)

// Manager is the global registry of terminal processes, keyed by
// (session id, pty id). Buffer access uses per-process mutexes; the
// registry mutex covers only lookup, insert, and remove.
type Manager struct {
	mu        sync.Mutex
	processes map[processKey]*Process

	bufferSize  int
	idleTimeout time.Duration
	logger      *slog.Logger

	sweeperStop chan struct{}
	sweeperDone chan struct{}
}

type processKey struct {
	sessionID string
	ptyID     string
}

// NewManager creates a Manager. bufferSize is clamped to
// [1, MaxBufferSize] with DefaultBufferSize for zero.
func NewManager(bufferSize int, idleTimeout time.Duration, logger *slog.Logger) *Manager {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if bufferSize > MaxBufferSize {
		bufferSize = MaxBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		processes:   make(map[processKey]*Process),
		bufferSize:  bufferSize,
		idleTimeout: idleTimeout,
		logger:      logger.With("component", "term_manager"),
	}
}

// Open starts command under a PTY in workDir and registers it. The reader
// goroutine drains the PTY into the ring until EOF.
func (m *Manager) Open(sessionID, command, workDir string) (*Process, error) {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = workDir

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	proc := &Process{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Command:   command,
		StartedAt: time.Now(),
		ring:      newRingBuffer(m.bufferSize),
		state:     StateRunning,
		write:     ptmx.Write,
		terminate: func() error {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			return ptmx.Close()
		},
	}
	proc.lastOutputAt = proc.StartedAt

	m.mu.Lock()
	m.processes[processKey{sessionID, proc.ID}] = proc
	m.mu.Unlock()
	m.startSweeper()

	go m.readLoop(proc, ptmx)
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		proc.markExited(code)
		m.logger.Debug("terminal exited", "id", proc.ID, "code", code)
	}()

	m.logger.Info("terminal opened", "id", proc.ID, "session", sessionID, "command", command)
	return proc, nil
}

func (m *Manager) readLoop(proc *Process, r interface{ Read([]byte) (int, error) }) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			proc.appendOutput(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// Get returns a registered process.
func (m *Manager) Get(sessionID, ptyID string) (*Process, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proc, ok := m.processes[processKey{sessionID, ptyID}]
	return proc, ok
}

// List returns the processes for a session.
func (m *Manager) List(sessionID string) []*Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Process
	for key, proc := range m.processes {
		if key.sessionID == sessionID {
			out = append(out, proc)
		}
	}
	return out
}

// Close closes a process and removes it from the registry.
func (m *Manager) Close(sessionID, ptyID string) error {
	m.mu.Lock()
	key := processKey{sessionID, ptyID}
	proc, ok := m.processes[key]
	if ok {
		delete(m.processes, key)
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("term: no process %s in session %s", ptyID, sessionID)
	}
	proc.close()
	m.logger.Info("terminal closed", "id", ptyID, "session", sessionID)
	return nil
}

// Shutdown closes every process and stops the sweeper.
func (m *Manager) Shutdown() {
	m.stopSweeper()

	m.mu.Lock()
	procs := make([]*Process, 0, len(m.processes))
	for _, proc := range m.processes {
		procs = append(procs, proc)
	}
	m.processes = make(map[processKey]*Process)
	m.mu.Unlock()

	for _, proc := range procs {
		proc.close()
	}
}

func (m *Manager) startSweeper() {
	if m.idleTimeout <= 0 {
		return
	}
	m.mu.Lock()
	if m.sweeperStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	m.sweeperStop = stop
	m.sweeperDone = done
	m.mu.Unlock()

	go m.sweepLoop(stop, done)
}

func (m *Manager) stopSweeper() {
	m.mu.Lock()
	stop := m.sweeperStop
	done := m.sweeperDone
	m.sweeperStop = nil
	m.sweeperDone = nil
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (m *Manager) sweepLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	interval := m.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.sweepIdle()
		}
	}
}

func (m *Manager) sweepIdle() {
	now := time.Now()

	m.mu.Lock()
	var stale []processKey
	for key, proc := range m.processes {
		if proc.idleSince(now) > m.idleTimeout {
			stale = append(stale, key)
		}
	}
	m.mu.Unlock()

	for _, key := range stale {
		if err := m.Close(key.sessionID, key.ptyID); err == nil {
			m.logger.Debug("swept idle terminal", "id", key.ptyID)
		}
	}
}
