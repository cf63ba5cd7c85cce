package agent

import "testing"

func TestParseReply(t *testing.T) {
	cases := []struct {
		name string
		text string
		want reply
	}{
		{
			name: "tool step",
			text: "Thought: need math\nAction: calc\nAction Input: 2+2",
			want: reply{Thought: "need math", Action: "calc", ActionInput: "2+2", HasAction: true},
		},
		{
			name: "final answer",
			text: "Final Answer: 4",
			want: reply{FinalAnswer: "4", HasFinal: true},
		},
		{
			name: "case insensitive",
			text: "THOUGHT: hm\nACTION: calc\naction input: 1+1",
			want: reply{Thought: "hm", Action: "calc", ActionInput: "1+1", HasAction: true},
		},
		{
			name: "final answer and action both present",
			text: "Action: calc\nAction Input: 2+2\nFinal Answer: done",
			want: reply{Action: "calc", ActionInput: "2+2", HasAction: true, FinalAnswer: "done", HasFinal: true},
		},
		{
			name: "empty action input",
			text: "Action: calc\nAction Input:",
			want: reply{Action: "calc", HasAction: true},
		},
		{
			name: "no markers",
			text: "Hello there.",
			want: reply{},
		},
		{
			name: "multiline final answer runs to end",
			text: "Final Answer: line one\nline two",
			want: reply{FinalAnswer: "line one\nline two", HasFinal: true},
		},
		{
			name: "first marker occurrence wins",
			text: "Thought: a\nThought: b",
			want: reply{Thought: "a"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := parseReply(tc.text)
			if got != tc.want {
				t.Errorf("parseReply(%q) = %+v, want %+v", tc.text, got, tc.want)
			}
		})
	}
}
