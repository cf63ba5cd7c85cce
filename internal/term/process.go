package term

import (
	"errors"
	"io"
	"sync"
	"time"
)

// Buffer limits for process output rings.
const (
	DefaultBufferSize = 2 * 1024 * 1024
	MaxBufferSize     = 5 * 1024 * 1024
)

// State represents the lifecycle of a terminal process.
type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
	StateClosed  State = "closed" // terminal
)

// ErrClosed is returned for operations on a closed process.
var ErrClosed = errors.New("term: process closed")

// Process is one interactive terminal. Output flows from the reader
// goroutine into the ring; clients consume it through cursor-based reads.
type Process struct {
	ID        string
	SessionID string
	Command   string
	StartedAt time.Time

	mu           sync.Mutex
	ring         *ringBuffer
	state        State
	exitCode     *int
	lastOutputAt time.Time

	write     func([]byte) (int, error)
	terminate func() error
}

// appendOutput adds raw bytes produced by the process.
func (p *Process) appendOutput(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	p.ring.append(data)
	p.lastOutputAt = time.Now()
}

// Read returns decoded output from cursor, at most maxOutput bytes of the
// raw stream. reset reports that the cursor fell below the buffered
// window (head eviction) and was snapped forward; clients should treat
// the returned text as a fresh start.
func (p *Process) Read(cursor int64, maxOutput int) (text string, newCursor int64, reset bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	raw, next, reset := p.ring.read(cursor, maxOutput)
	return decodeOutput(raw), next, reset
}

// TotalBytes returns the absolute size of the output stream so far.
func (p *Process) TotalBytes() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.total
}

// Write sends bytes to the process stdin.
func (p *Process) Write(data []byte) (int, error) {
	p.mu.Lock()
	state := p.state
	w := p.write
	p.mu.Unlock()

	if state == StateClosed {
		return 0, ErrClosed
	}
	if state == StateExited || w == nil {
		return 0, io.ErrClosedPipe
	}
	return w(data)
}

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ExitCode returns the exit code once the process has exited.
func (p *Process) ExitCode() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}

// markExited transitions running → exited. Closed is terminal and wins.
func (p *Process) markExited(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateClosed {
		return
	}
	p.state = StateExited
	p.exitCode = &code
}

// close transitions to closed and terminates the process best-effort.
func (p *Process) close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	p.state = StateClosed
	term := p.terminate
	p.mu.Unlock()

	if term != nil {
		_ = term()
	}
}

// idleSince returns how long the process has been without output.
func (p *Process) idleSince(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastOutputAt)
}
