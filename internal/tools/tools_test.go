package tools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/permission"
	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/pkg/models"
)

type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "Echo the input text" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"]
	}`)
}
func (echoTool) Execute(ctx context.Context, tc *Context, params json.RawMessage) (*Result, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	return &Result{Content: p.Text}, nil
}

func testConfigStore(t *testing.T, mutate func(*config.Config)) *config.Store {
	t.Helper()
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	return config.NewStore(cfg, "")
}

func testBroker(t *testing.T) (*permission.Broker, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	b := permission.NewBroker(st, nil)
	b.SetPollInterval(10 * time.Millisecond)
	return b, st
}

func TestParseArgumentsLenient(t *testing.T) {
	tool := echoTool{}

	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"object passthrough", `{"text":"hi"}`, `{"text":"hi"}`},
		{"bare string", "hi there", `{"text":"hi there"}`},
		{"quoted scalar", `"just text"`, `{"text":"\"just text\""}`},
		{"empty", "", `{}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseArguments(tool, tc.raw)
			if err != nil {
				t.Fatalf("ParseArguments(%q): %v", tc.raw, err)
			}
			if string(got) != tc.want {
				t.Errorf("ParseArguments(%q) = %s, want %s", tc.raw, got, tc.want)
			}
		})
	}
}

func TestRegistryCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"echo", "Echo", "ECHO", " echo "} {
		if _, ok := reg.Resolve(name); !ok {
			t.Errorf("Resolve(%q) failed", name)
		}
	}
	if _, ok := reg.Resolve("banana"); ok {
		t.Error("Resolve(banana) should fail")
	}
	defs := reg.Definitions()
	if len(defs) != 1 || defs[0].Name != "echo" {
		t.Errorf("Definitions() = %+v", defs)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	broker, _ := testBroker(t)
	d := NewDispatcher(NewRegistry(), broker, testConfigStore(t, nil), nil)

	_, err := d.Dispatch(context.Background(), "banana", "x", &Context{AgentMode: ModeDefault})
	if err == nil || !strings.Contains(err.Error(), "tool not found") {
		t.Fatalf("err = %v, want tool not found", err)
	}
}

func TestDispatchRefusesMutatingToolsWithoutWorkPath(t *testing.T) {
	broker, _ := testBroker(t)
	reg := NewRegistry()
	reg.Register(NewRunShellTool(testConfigStore(t, nil)))
	reg.Register(NewWriteFileTool())
	reg.Register(echoTool{})
	d := NewDispatcher(reg, broker, testConfigStore(t, nil), nil)
	ctx := context.Background()

	// No work path bound: commands would run in the server's own cwd,
	// outside any snapshot.
	for name, input := range map[string]string{
		"run_shell":  `{"command":"ls"}`,
		"write_file": `{"path":"x.txt","content":"data"}`,
	} {
		res, err := d.Dispatch(ctx, name, input, &Context{AgentMode: ModeSuper})
		if err != nil {
			t.Fatalf("Dispatch(%s): %v", name, err)
		}
		if !res.IsError || !strings.Contains(res.Content, "work path") {
			t.Errorf("%s result = %+v, want work path refusal", name, res)
		}
	}

	// Read-only tools are unaffected.
	res, err := d.Dispatch(ctx, "echo", `{"text":"hi"}`, &Context{AgentMode: ModeDefault})
	if err != nil {
		t.Fatalf("Dispatch(echo): %v", err)
	}
	if res.IsError || res.Content != "hi" {
		t.Errorf("echo result = %+v", res)
	}

	// With a work path bound, the same command executes.
	res, err = d.Dispatch(ctx, "run_shell", `{"command":"ls"}`,
		&Context{AgentMode: ModeSuper, WorkPath: t.TempDir()})
	if err != nil {
		t.Fatalf("Dispatch(run_shell): %v", err)
	}
	if !strings.Contains(res.Content, "[exit_code=0]") {
		t.Errorf("run_shell result = %+v, want exit code 0", res)
	}
}

func TestDispatchValidatesArguments(t *testing.T) {
	broker, _ := testBroker(t)
	reg := NewRegistry()
	reg.Register(echoTool{})
	d := NewDispatcher(reg, broker, testConfigStore(t, nil), nil)

	res, err := d.Dispatch(context.Background(), "echo", `{"text": 42}`, &Context{AgentMode: ModeDefault})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "Invalid arguments") {
		t.Errorf("result = %+v, want validation error", res)
	}
}

func TestShellGateRules(t *testing.T) {
	cfg := config.Default()
	cfg.Shell.Allowlist = []string{"ls"}

	cases := []struct {
		name    string
		command string
		tc      Context
		blocked bool
		reason  string
	}{
		{"allowlisted", "ls", Context{AgentMode: ModeDefault, WorkPath: "/tmp/w"}, false, ""},
		{"not allowlisted", "rm file.txt", Context{AgentMode: ModeDefault, WorkPath: "/tmp/w"}, true, "not in allowlist"},
		{"operators in default", "ls | head", Context{AgentMode: ModeDefault, WorkPath: "/tmp/w"}, true, "shell operators"},
		{"operators allowed in shell_safe", "ls | head", Context{AgentMode: ModeShellSafe, WorkPath: "/tmp/w"}, false, ""},
		{"parent escape", "ls ../secret", Context{AgentMode: ModeDefault, WorkPath: "/tmp/w"}, true, "parent directory"},
		{"absolute escape", "ls /etc/passwd", Context{AgentMode: ModeDefault, WorkPath: "/tmp/w"}, true, "escapes the work path"},
		{"super bypasses", "rm -rf /anything; ls ..", Context{AgentMode: ModeSuper, WorkPath: "/tmp/w"}, false, ""},
		{"unrestricted skips allowlist", "banana", Context{AgentMode: ModeShellSafe, ShellUnrestricted: true, WorkPath: "/tmp/w"}, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := shellGate(cfg, &tc.tc, tc.command)
			if (v != nil) != tc.blocked {
				t.Fatalf("shellGate(%q) = %+v, blocked want %v", tc.command, v, tc.blocked)
			}
			if v != nil && !strings.Contains(v.Reason, tc.reason) {
				t.Errorf("reason = %q, want contains %q", v.Reason, tc.reason)
			}
		})
	}
}

func TestShellGateBasenameStripping(t *testing.T) {
	if got := commandBasename("/usr/bin/python3.exe"); got != "python3" {
		t.Errorf("commandBasename = %q, want python3", got)
	}
	if got := commandBasename("ls"); got != "ls" {
		t.Errorf("commandBasename = %q, want ls", got)
	}
}

func TestPathGateModes(t *testing.T) {
	work := t.TempDir()

	if v := pathGate(&Context{AgentMode: ModeDefault, WorkPath: work}, "inside.txt", true); v != nil {
		t.Errorf("contained read blocked: %+v", v)
	}
	if v := pathGate(&Context{AgentMode: ModeDefault, WorkPath: work}, "/etc/passwd", true); v == nil {
		t.Error("outside read should be blocked in default mode")
	}
	if v := pathGate(&Context{AgentMode: ModeShellSafe, WorkPath: work}, "/etc/passwd", true); v != nil {
		t.Errorf("shell_safe read should pass: %+v", v)
	}
	if v := pathGate(&Context{AgentMode: ModeShellSafe, WorkPath: work}, "/etc/passwd", false); v == nil {
		t.Error("shell_safe write outside should be blocked")
	}
	if v := pathGate(&Context{AgentMode: ModeSuper, WorkPath: work}, "/etc/passwd", false); v != nil {
		t.Errorf("super should bypass: %+v", v)
	}
}

func TestShellPermissionApprovalAppendsAllowlist(t *testing.T) {
	work := t.TempDir()
	broker, st := testBroker(t)
	cfgStore := testConfigStore(t, func(c *config.Config) {
		c.Shell.Allowlist = nil
		c.Shell.PermissionTimeoutSec = 5
	})

	reg := NewRegistry()
	reg.Register(NewRunShellTool(cfgStore))
	d := NewDispatcher(reg, broker, cfgStore, nil)

	// Approve the pending request as an external approver would.
	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			pending, err := st.ListPendingPermissions(context.Background(), "")
			if err == nil && len(pending) == 1 {
				req := pending[0]
				if !strings.Contains(req.Reason, "not in allowlist") {
					panic("reason missing allowlist text: " + req.Reason)
				}
				broker.Update(context.Background(), req.ID, models.PermissionApproved)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	res, err := d.Dispatch(context.Background(), "run_shell", `{"command":"ls"}`,
		&Context{SessionID: "s1", WorkPath: work, AgentMode: ModeDefault})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.IsError {
		t.Fatalf("result = %+v, want success", res)
	}
	if !strings.HasPrefix(res.Content, "[exit_code=0]") {
		t.Errorf("content = %q, want exit_code prefix", res.Content)
	}

	allowlist := cfgStore.Get().Shell.Allowlist
	found := false
	for _, entry := range allowlist {
		if entry == "ls" {
			found = true
		}
	}
	if !found {
		t.Errorf("allowlist = %v, want ls appended", allowlist)
	}
}

func TestShellPermissionDenied(t *testing.T) {
	work := t.TempDir()
	broker, st := testBroker(t)
	cfgStore := testConfigStore(t, func(c *config.Config) {
		c.Shell.Allowlist = nil
		c.Shell.PermissionTimeoutSec = 5
	})

	reg := NewRegistry()
	reg.Register(NewRunShellTool(cfgStore))
	d := NewDispatcher(reg, broker, cfgStore, nil)

	go func() {
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			pending, err := st.ListPendingPermissions(context.Background(), "")
			if err == nil && len(pending) == 1 {
				broker.Update(context.Background(), pending[0].ID, models.PermissionDenied)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	res, err := d.Dispatch(context.Background(), "run_shell", `{"command":"ls"}`,
		&Context{SessionID: "s1", WorkPath: work, AgentMode: ModeDefault})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if res.Content != DeniedMessage {
		t.Errorf("content = %q, want %q", res.Content, DeniedMessage)
	}
	if len(cfgStore.Get().Shell.Allowlist) != 0 {
		t.Errorf("denied command must not extend the allowlist")
	}
}

func TestRunShellOutputCapAndExitCode(t *testing.T) {
	work := t.TempDir()
	broker, _ := testBroker(t)
	cfgStore := testConfigStore(t, func(c *config.Config) {
		c.Shell.Allowlist = []string{"sh", "seq", "false"}
		c.Shell.MaxOutput = 50
	})
	reg := NewRegistry()
	reg.Register(NewRunShellTool(cfgStore))
	d := NewDispatcher(reg, broker, cfgStore, nil)
	tc := &Context{SessionID: "s1", WorkPath: work, AgentMode: ModeShellSafe}

	res, err := d.Dispatch(context.Background(), "run_shell", `{"command":"seq 1000"}`, tc)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.Contains(res.Content, TruncatedMarker) {
		t.Errorf("long output should carry %q: %q", TruncatedMarker, res.Content)
	}

	res, err = d.Dispatch(context.Background(), "run_shell", `{"command":"false"}`, tc)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !strings.HasPrefix(res.Content, "[exit_code=1]") {
		t.Errorf("content = %q, want [exit_code=1] prefix", res.Content)
	}
	if !res.IsError {
		t.Error("non-zero exit should be an error result")
	}
}

func TestFileToolsRoundTrip(t *testing.T) {
	work := t.TempDir()
	broker, _ := testBroker(t)
	cfgStore := testConfigStore(t, nil)

	reg := NewRegistry()
	reg.Register(NewReadFileTool(cfgStore))
	reg.Register(NewWriteFileTool())
	reg.Register(NewListDirTool())
	d := NewDispatcher(reg, broker, cfgStore, nil)
	tc := &Context{SessionID: "s1", WorkPath: work, AgentMode: ModeDefault}

	res, err := d.Dispatch(context.Background(), "write_file",
		`{"path":"sub/hello.txt","content":"hello world"}`, tc)
	if err != nil || res.IsError {
		t.Fatalf("write_file: %v %+v", err, res)
	}

	res, err = d.Dispatch(context.Background(), "read_file", `{"path":"sub/hello.txt"}`, tc)
	if err != nil {
		t.Fatalf("read_file: %v", err)
	}
	if res.Content != "hello world" {
		t.Errorf("read back %q, want hello world", res.Content)
	}

	res, err = d.Dispatch(context.Background(), "list_dir", `{"path":"sub"}`, tc)
	if err != nil {
		t.Fatalf("list_dir: %v", err)
	}
	if !strings.Contains(res.Content, "hello.txt") {
		t.Errorf("list_dir = %q, want hello.txt", res.Content)
	}

	data, err := os.ReadFile(filepath.Join(work, "sub", "hello.txt"))
	if err != nil || string(data) != "hello world" {
		t.Errorf("on-disk content = %q, %v", data, err)
	}
}

func TestReadFileCapped(t *testing.T) {
	work := t.TempDir()
	big := strings.Repeat("a", 100)
	os.WriteFile(filepath.Join(work, "big.txt"), []byte(big), 0o644)

	cfgStore := testConfigStore(t, func(c *config.Config) { c.Files.MaxBytes = 10 })
	tool := NewReadFileTool(cfgStore)
	res, err := tool.Execute(context.Background(),
		&Context{WorkPath: work}, json.RawMessage(`{"path":"big.txt"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(res.Content, strings.Repeat("a", 10)) ||
		!strings.Contains(res.Content, "truncated") {
		t.Errorf("capped read = %q", res.Content)
	}
}
