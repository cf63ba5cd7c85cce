package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/anvil/internal/config"
	"github.com/haasonsaas/anvil/internal/model"
	"github.com/haasonsaas/anvil/internal/permission"
	"github.com/haasonsaas/anvil/internal/store"
	"github.com/haasonsaas/anvil/internal/tools"
	"github.com/haasonsaas/anvil/pkg/models"
)

// scriptedClient replays one event script per model call.
type scriptedClient struct {
	scripts [][]model.Event
	calls   int
}

func (s *scriptedClient) Name() string { return "scripted" }

func (s *scriptedClient) Stream(ctx context.Context, req *model.Request) (<-chan model.Event, error) {
	var script []model.Event
	if s.calls < len(s.scripts) {
		script = s.scripts[s.calls]
	}
	s.calls++
	ch := make(chan model.Event)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (s *scriptedClient) Complete(ctx context.Context, req *model.Request) (string, error) {
	return "", nil
}

type calcTool struct{}

func (calcTool) Name() string        { return "calc" }
func (calcTool) Description() string { return "Evaluate a math expression" }
func (calcTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"expression": {"type": "string"}},
		"required": ["expression"]
	}`)
}
func (calcTool) Execute(ctx context.Context, tc *tools.Context, params json.RawMessage) (*tools.Result, error) {
	var p struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	if p.Expression == "2+2" {
		return &tools.Result{Content: "4"}, nil
	}
	return &tools.Result{Content: "unsupported expression", IsError: true}, nil
}

func newTestLoop(t *testing.T, client model.Client, maxIterations int, tls ...tools.Tool) *Loop {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	reg := tools.NewRegistry()
	for _, tool := range tls {
		reg.Register(tool)
	}
	broker := permission.NewBroker(st, nil)
	broker.SetPollInterval(10 * time.Millisecond)
	dispatcher := tools.NewDispatcher(reg, broker, config.NewStore(config.Default(), ""), nil)
	return NewLoop(client, dispatcher, maxIterations, nil)
}

func collect(t *testing.T, steps <-chan models.AgentStep) []models.AgentStep {
	t.Helper()
	var out []models.AgentStep
	deadline := time.After(5 * time.Second)
	for {
		select {
		case step, ok := <-steps:
			if !ok {
				return out
			}
			out = append(out, step)
		case <-deadline:
			t.Fatal("timed out collecting steps")
		}
	}
}

func kinds(steps []models.AgentStep) []models.StepKind {
	out := make([]models.StepKind, len(steps))
	for i, s := range steps {
		out[i] = s.Kind
	}
	return out
}

func TestLoopSimpleAnswer(t *testing.T) {
	client := &scriptedClient{scripts: [][]model.Event{{
		{Type: model.EventContent, Text: "Hel"},
		{Type: model.EventContent, Text: "lo."},
		{Type: model.EventDone, FinalText: "Hello."},
	}}}
	loop := newTestLoop(t, client, 5)

	steps := collect(t, loop.Run(context.Background(), &RunInput{
		UserText:    "hi",
		ToolContext: &tools.Context{AgentMode: tools.ModeDefault},
	}))

	want := []models.StepKind{models.StepContentDelta, models.StepContentDelta, models.StepAnswer}
	got := kinds(steps)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	final := steps[len(steps)-1]
	if final.Content != "Hello." {
		t.Errorf("answer = %q, want Hello.", final.Content)
	}
	if final.Metadata["iterations"] != 1 {
		t.Errorf("iterations = %v, want 1", final.Metadata["iterations"])
	}
}

func TestLoopToolRoundTrip(t *testing.T) {
	client := &scriptedClient{scripts: [][]model.Event{
		{{Type: model.EventDone, FinalText: "Thought: need math\nAction: calc\nAction Input: 2+2"}},
		{{Type: model.EventDone, FinalText: "Final Answer: 4"}},
	}}
	loop := newTestLoop(t, client, 5, calcTool{})

	steps := collect(t, loop.Run(context.Background(), &RunInput{
		UserText:    "what is 2+2?",
		ToolContext: &tools.Context{AgentMode: tools.ModeDefault},
	}))

	want := []models.StepKind{
		models.StepThought, models.StepAction, models.StepObservation, models.StepAnswer,
	}
	got := kinds(steps)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", got, want)
		}
	}
	if steps[0].Content != "need math" {
		t.Errorf("thought = %q", steps[0].Content)
	}
	if steps[1].Content != "calc" || steps[1].Metadata["input"] != "2+2" {
		t.Errorf("action = %+v", steps[1])
	}
	if steps[2].Content != "4" {
		t.Errorf("observation = %q, want 4", steps[2].Content)
	}
	if steps[3].Content != "4" {
		t.Errorf("answer = %q, want 4", steps[3].Content)
	}
	if steps[3].Metadata["scratchpad_len"] != 2 {
		t.Errorf("scratchpad_len = %v, want 2", steps[3].Metadata["scratchpad_len"])
	}
}

func TestLoopUnknownTool(t *testing.T) {
	script := []model.Event{
		{Type: model.EventDone, FinalText: "Thought: hm\nAction: banana\nAction Input: x"},
	}
	client := &scriptedClient{scripts: [][]model.Event{script, script}}
	loop := newTestLoop(t, client, 2)

	steps := collect(t, loop.Run(context.Background(), &RunInput{
		UserText:    "do it",
		ToolContext: &tools.Context{AgentMode: tools.ModeDefault},
	}))

	want := []models.StepKind{
		models.StepThought, models.StepAction, models.StepError,
		models.StepThought, models.StepAction, models.StepError,
		models.StepAnswer,
	}
	got := kinds(steps)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	final := steps[len(steps)-1]
	if final.Content != ExhaustedAnswer {
		t.Errorf("answer = %q, want exhaustion notice", final.Content)
	}
	if final.Metadata["iterations"] != 2 {
		t.Errorf("iterations = %v, want 2", final.Metadata["iterations"])
	}
}

func TestLoopEmptyActionInput(t *testing.T) {
	client := &scriptedClient{scripts: [][]model.Event{
		{{Type: model.EventDone, FinalText: "Action: calc\nAction Input:"}},
		{{Type: model.EventDone, FinalText: "Final Answer: never mind"}},
	}}
	loop := newTestLoop(t, client, 5, calcTool{})

	steps := collect(t, loop.Run(context.Background(), &RunInput{
		UserText:    "hm",
		ToolContext: &tools.Context{AgentMode: tools.ModeDefault},
	}))

	if steps[0].Kind != models.StepThought || steps[0].Content != "(no action determined)" {
		t.Fatalf("first step = %+v, want (no action determined) thought", steps[0])
	}
	if steps[len(steps)-1].Kind != models.StepAnswer {
		t.Fatalf("final step = %+v, want answer", steps[len(steps)-1])
	}
}

func TestLoopNativeToolCalls(t *testing.T) {
	client := &scriptedClient{scripts: [][]model.Event{
		{{Type: model.EventDone, Calls: []model.ToolInvocation{
			{ID: "call_1", Name: "calc", Arguments: `{"expression":"2+2"}`},
		}}},
		{{Type: model.EventDone, FinalText: "Final Answer: 4"}},
	}}
	loop := newTestLoop(t, client, 5, calcTool{})

	steps := collect(t, loop.Run(context.Background(), &RunInput{
		UserText:    "what is 2+2?",
		ToolContext: &tools.Context{AgentMode: tools.ModeDefault},
	}))

	want := []models.StepKind{models.StepAction, models.StepObservation, models.StepAnswer}
	got := kinds(steps)
	if len(got) != len(want) {
		t.Fatalf("kinds = %v, want %v", got, want)
	}
	if steps[0].Metadata["call_id"] != "call_1" {
		t.Errorf("action metadata = %+v", steps[0].Metadata)
	}
	if steps[1].Content != "4" {
		t.Errorf("observation = %q, want 4", steps[1].Content)
	}
}

func TestLoopStopAbortsStreaming(t *testing.T) {
	// A long stream of content chunks; stop after the first.
	script := make([]model.Event, 0, 101)
	for i := 0; i < 100; i++ {
		script = append(script, model.Event{Type: model.EventContent, Text: "x"})
	}
	script = append(script, model.Event{Type: model.EventDone, FinalText: "long"})
	client := &scriptedClient{scripts: [][]model.Event{script}}
	loop := newTestLoop(t, client, 5)

	stop := &StopFlag{}
	steps := loop.Run(context.Background(), &RunInput{
		UserText:    "go",
		ToolContext: &tools.Context{AgentMode: tools.ModeDefault},
		Stop:        stop,
	})

	emittedAfterStop := 0
	stopped := false
	for range steps {
		if stopped {
			emittedAfterStop++
		} else {
			stop.Set()
			stopped = true
		}
	}
	if emittedAfterStop > 1 {
		t.Errorf("%d steps emitted after stop, want at most 1", emittedAfterStop)
	}
}

func TestLoopModelErrorEndsTurn(t *testing.T) {
	client := &scriptedClient{scripts: [][]model.Event{
		{{Type: model.EventError, Err: context.DeadlineExceeded}},
	}}
	loop := newTestLoop(t, client, 5)

	steps := collect(t, loop.Run(context.Background(), &RunInput{
		UserText:    "hi",
		ToolContext: &tools.Context{AgentMode: tools.ModeDefault},
	}))

	if len(steps) != 1 || steps[0].Kind != models.StepError {
		t.Fatalf("steps = %+v, want single error step", steps)
	}
}

func TestStopRegistry(t *testing.T) {
	reg := NewStopRegistry()
	flag := reg.Register(42)
	if flag.IsSet() {
		t.Error("fresh flag should be unset")
	}
	if !reg.Stop(42) {
		t.Error("Stop(42) should find the flag")
	}
	if !flag.IsSet() {
		t.Error("flag should be set after Stop")
	}
	if reg.Stop(99) {
		t.Error("Stop(99) should report no registered turn")
	}
	reg.Clear(42)
	if reg.Stop(42) {
		t.Error("cleared flag should be gone")
	}
}
