package term

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"golang.org/x/text/encoding/charmap"
)

func TestRingAppendAndRead(t *testing.T) {
	r := newRingBuffer(32)
	r.append([]byte("hello "))
	r.append([]byte("world"))

	data, cursor, reset := r.read(0, 0)
	if string(data) != "hello world" {
		t.Errorf("data = %q, want hello world", data)
	}
	if cursor != 11 || reset {
		t.Errorf("cursor = %d reset = %v, want 11 false", cursor, reset)
	}

	// Reading again from the returned cursor yields nothing new.
	data, cursor, reset = r.read(cursor, 0)
	if len(data) != 0 || cursor != 11 || reset {
		t.Errorf("follow-up read = (%q, %d, %v), want empty at 11", data, cursor, reset)
	}
}

func TestRingCursorReadsConcatenate(t *testing.T) {
	r := newRingBuffer(1024)
	chunks := []string{"alpha", "beta", "gamma", "delta"}
	for _, c := range chunks {
		r.append([]byte(c))
	}

	var got bytes.Buffer
	var cursor int64
	for {
		data, next, reset := r.read(cursor, 3)
		if reset {
			t.Fatal("unexpected reset without eviction")
		}
		if len(data) == 0 {
			break
		}
		if next != cursor+int64(len(data)) {
			t.Fatalf("cursor %d -> %d for %d bytes", cursor, next, len(data))
		}
		got.Write(data)
		cursor = next
	}
	if got.String() != strings.Join(chunks, "") {
		t.Errorf("concatenated reads = %q", got.String())
	}
}

func TestRingEvictionResetsStaleCursor(t *testing.T) {
	r := newRingBuffer(8)
	r.append([]byte("12345678"))
	r.append([]byte("abcd")) // evicts "1234"

	if r.len() != 8 {
		t.Fatalf("len = %d, want 8", r.len())
	}

	data, cursor, reset := r.read(0, 0)
	if !reset {
		t.Error("reset = false for cursor below the window")
	}
	if string(data) != "5678abcd" {
		t.Errorf("data = %q, want 5678abcd", data)
	}
	if cursor != 12 {
		t.Errorf("cursor = %d, want 12", cursor)
	}
}

func TestRingOversizedChunkKeepsTail(t *testing.T) {
	r := newRingBuffer(4)
	r.append([]byte("abcdefghij"))

	data, cursor, reset := r.read(0, 0)
	if !reset {
		t.Error("reset = false after whole-window eviction")
	}
	if string(data) != "ghij" {
		t.Errorf("data = %q, want ghij", data)
	}
	if cursor != 10 {
		t.Errorf("cursor = %d, want total 10", cursor)
	}
}

func TestRingCursorBeyondTotalClamps(t *testing.T) {
	r := newRingBuffer(16)
	r.append([]byte("abc"))

	data, cursor, reset := r.read(99, 0)
	if len(data) != 0 || cursor != 3 || reset {
		t.Errorf("read past end = (%q, %d, %v), want empty at 3", data, cursor, reset)
	}
}

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want string
	}{
		{"empty", nil, ""},
		{"plain utf8", []byte("ls -la\r\n"), "ls -la\r\n"},
		{"multibyte utf8", []byte("héllo"), "héllo"},
		{
			"utf16le bom",
			[]byte{0xFF, 0xFE, 'h', 0, 'i', 0},
			"hi",
		},
		{
			"utf16be bom",
			[]byte{0xFE, 0xFF, 0, 'h', 0, 'i'},
			"hi",
		},
		{
			"bare utf16le by nul density",
			[]byte{'d', 0, 'i', 0, 'r', 0, '\n', 0},
			"dir\n",
		},
		{
			"windows-1252 fallback",
			[]byte{'c', 'a', 'f', 0xE9}, // é in cp1252, invalid utf8
			"café",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := decodeOutput(tt.raw); got != tt.want {
				t.Errorf("decodeOutput(%v) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestLocaleEncoding(t *testing.T) {
	t.Setenv("LC_ALL", "")
	t.Setenv("LC_CTYPE", "")

	t.Setenv("LANG", "en_US.UTF-8")
	if enc := localeEncoding(); enc != charmap.Windows1252 {
		t.Errorf("utf-8 locale resolved to %v, want Windows-1252 fallback", enc)
	}

	t.Setenv("LANG", "C")
	if enc := localeEncoding(); enc != charmap.Windows1252 {
		t.Errorf("no-charset locale resolved to %v, want Windows-1252 fallback", enc)
	}

	// 0xA4 is the euro sign in ISO-8859-15, the currency sign in 1252.
	t.Setenv("LANG", "de_DE.ISO-8859-15")
	if got := decodeWith(localeEncoding(), []byte{0xA4}); got != "€" {
		t.Errorf("ISO-8859-15 locale decoded 0xA4 as %q, want €", got)
	}

	// LC_ALL wins over LANG.
	t.Setenv("LC_ALL", "ru_RU.KOI8-R")
	if got := decodeWith(localeEncoding(), []byte{0xC1}); got != "а" {
		t.Errorf("KOI8-R locale decoded 0xC1 as %q, want Cyrillic a", got)
	}
}

func TestDecodeOutputShortBinaryFallsBack(t *testing.T) {
	// Too short for the NUL heuristic; cp1252 decodes every byte.
	got := decodeOutput([]byte{0xFF, 0x00})
	if got == "" {
		t.Error("decodeOutput returned empty for undecodable input")
	}
}

func newTestProcess(capacity int) *Process {
	return &Process{
		ID:        "pty-1",
		SessionID: "sess-1",
		Command:   "sh",
		StartedAt: time.Now(),
		ring:      newRingBuffer(capacity),
		state:     StateRunning,
	}
}

func TestProcessReadDecodes(t *testing.T) {
	p := newTestProcess(64)
	p.appendOutput([]byte("prompt$ "))

	text, cursor, reset := p.Read(0, 0)
	if text != "prompt$ " || cursor != 8 || reset {
		t.Errorf("Read = (%q, %d, %v)", text, cursor, reset)
	}
	if p.TotalBytes() != 8 {
		t.Errorf("TotalBytes = %d, want 8", p.TotalBytes())
	}
}

func TestProcessLifecycle(t *testing.T) {
	p := newTestProcess(64)
	p.write = func(data []byte) (int, error) { return len(data), nil }

	if p.State() != StateRunning {
		t.Fatalf("state = %s, want running", p.State())
	}
	if _, err := p.Write([]byte("ls\n")); err != nil {
		t.Fatalf("write to running process: %v", err)
	}

	p.markExited(7)
	if p.State() != StateExited {
		t.Errorf("state = %s, want exited", p.State())
	}
	if code, ok := p.ExitCode(); !ok || code != 7 {
		t.Errorf("exit code = (%d, %v), want (7, true)", code, ok)
	}
	if _, err := p.Write([]byte("x")); err != io.ErrClosedPipe {
		t.Errorf("write after exit = %v, want ErrClosedPipe", err)
	}

	p.close()
	if p.State() != StateClosed {
		t.Errorf("state = %s, want closed", p.State())
	}
	if _, err := p.Write([]byte("x")); err != ErrClosed {
		t.Errorf("write after close = %v, want ErrClosed", err)
	}

	// Closed is terminal; a late exit does not resurrect the process.
	p.markExited(0)
	if p.State() != StateClosed {
		t.Errorf("state after late exit = %s, want closed", p.State())
	}
}

func TestProcessOutputDroppedAfterClose(t *testing.T) {
	p := newTestProcess(64)
	p.appendOutput([]byte("before"))
	p.close()
	p.appendOutput([]byte("after"))

	text, _, _ := p.Read(0, 0)
	if text != "before" {
		t.Errorf("buffered output = %q, want before only", text)
	}
}

func TestManagerRegistry(t *testing.T) {
	m := NewManager(1024, 0, nil)

	p := newTestProcess(64)
	m.processes[processKey{p.SessionID, p.ID}] = p

	got, ok := m.Get("sess-1", "pty-1")
	if !ok || got != p {
		t.Fatalf("Get = (%v, %v), want the registered process", got, ok)
	}
	if _, ok := m.Get("sess-1", "missing"); ok {
		t.Error("Get returned a process for an unknown id")
	}

	list := m.List("sess-1")
	if len(list) != 1 || list[0] != p {
		t.Errorf("List = %v, want one process", list)
	}
	if list := m.List("other"); len(list) != 0 {
		t.Errorf("List for other session = %v, want empty", list)
	}

	if err := m.Close("sess-1", "pty-1"); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if p.State() != StateClosed {
		t.Errorf("state after Close = %s, want closed", p.State())
	}
	if err := m.Close("sess-1", "pty-1"); err == nil {
		t.Error("second Close returned nil error")
	}
}

func TestManagerShutdownClosesAll(t *testing.T) {
	m := NewManager(1024, 0, nil)
	a := newTestProcess(64)
	b := newTestProcess(64)
	b.ID = "pty-2"
	m.processes[processKey{a.SessionID, a.ID}] = a
	m.processes[processKey{b.SessionID, b.ID}] = b

	m.Shutdown()

	if a.State() != StateClosed || b.State() != StateClosed {
		t.Errorf("states = %s, %s, want closed", a.State(), b.State())
	}
	if list := m.List("sess-1"); len(list) != 0 {
		t.Errorf("registry not emptied: %v", list)
	}
}

func TestNewManagerClampsBufferSize(t *testing.T) {
	if m := NewManager(0, 0, nil); m.bufferSize != DefaultBufferSize {
		t.Errorf("zero size -> %d, want default", m.bufferSize)
	}
	if m := NewManager(MaxBufferSize+1, 0, nil); m.bufferSize != MaxBufferSize {
		t.Errorf("oversize -> %d, want max", m.bufferSize)
	}
}
