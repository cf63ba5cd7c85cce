package agent

import "sync"

// StopFlag is an edge-triggered cancellation signal for one turn. The
// loop polls it between iterations and at every streaming chunk.
type StopFlag struct {
	mu  sync.Mutex
	set bool
}

// Set raises the flag.
func (f *StopFlag) Set() {
	f.mu.Lock()
	f.set = true
	f.mu.Unlock()
}

// IsSet reports whether the flag has been raised.
func (f *StopFlag) IsSet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set
}

// StopRegistry maps running assistant message ids to their stop flags.
type StopRegistry struct {
	mu    sync.Mutex
	flags map[int64]*StopFlag
}

// NewStopRegistry creates an empty registry.
func NewStopRegistry() *StopRegistry {
	return &StopRegistry{flags: make(map[int64]*StopFlag)}
}

// Register creates and tracks the flag for an assistant message.
func (r *StopRegistry) Register(messageID int64) *StopFlag {
	r.mu.Lock()
	defer r.mu.Unlock()
	flag := &StopFlag{}
	r.flags[messageID] = flag
	return flag
}

// Stop raises the flag for messageID. It reports whether a turn was
// registered under that id.
func (r *StopRegistry) Stop(messageID int64) bool {
	r.mu.Lock()
	flag, ok := r.flags[messageID]
	r.mu.Unlock()
	if ok {
		flag.Set()
	}
	return ok
}

// Clear removes the flag for messageID. Called on every turn exit path.
func (r *StopRegistry) Clear(messageID int64) {
	r.mu.Lock()
	delete(r.flags, messageID)
	r.mu.Unlock()
}
