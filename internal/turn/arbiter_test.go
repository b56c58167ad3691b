package turn

import "testing"

func TestStartOfTurnFromIdle(t *testing.T) {
	a := New()
	d := a.OnStartOfTurn()
	if d.Action != ActionNone {
		t.Fatalf("Action = %v, want ActionNone", d.Action)
	}
	if a.State() != StateUserSpeaking {
		t.Fatalf("State = %v, want user_speaking", a.State())
	}
	if a.Owner() != OwnerUser {
		t.Fatalf("Owner = %v, want user", a.Owner())
	}
}

func TestRepeatedStartOfTurnIsIdempotent(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	a.OnUpdate("hello th")

	d := a.OnStartOfTurn()
	if d.Action != ActionNone {
		t.Fatalf("Action = %v, want ActionNone", d.Action)
	}
	if a.State() != StateUserSpeaking {
		t.Fatalf("State = %v, want user_speaking", a.State())
	}
	if a.BufferedTranscript() != "hello th" {
		t.Fatalf("BufferedTranscript = %q, want buffer preserved", a.BufferedTranscript())
	}
}

func TestEndOfTurnWithoutStartIsIgnored(t *testing.T) {
	a := New()
	d := a.OnEndOfTurn("orphan")
	if d.Action != ActionNone {
		t.Fatalf("Action = %v, want ActionNone", d.Action)
	}
	if a.State() != StateIdle {
		t.Fatalf("State = %v, want idle", a.State())
	}
}

func TestEndOfTurnEmptyTranscriptReturnsToIdle(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	d := a.OnEndOfTurn("   ")
	if d.Action != ActionNone {
		t.Fatalf("Action = %v, want ActionNone", d.Action)
	}
	if a.State() != StateIdle {
		t.Fatalf("State = %v, want idle", a.State())
	}
}

func TestEndOfTurnStartsResponseWithFinalText(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	a.OnUpdate("my iPhone")

	d := a.OnEndOfTurn("My iPhone screen is cracked")
	if d.Action != ActionStartResponse {
		t.Fatalf("Action = %v, want ActionStartResponse", d.Action)
	}
	if d.Transcript != "My iPhone screen is cracked" {
		t.Fatalf("Transcript = %q, want provider final text", d.Transcript)
	}
	if a.State() != StateAgentResponding {
		t.Fatalf("State = %v, want agent_responding", a.State())
	}
	if a.Owner() != OwnerAgent {
		t.Fatalf("Owner = %v, want agent", a.Owner())
	}
	if a.BufferedTranscript() != "" {
		t.Fatalf("BufferedTranscript = %q, want cleared", a.BufferedTranscript())
	}
}

func TestUpdateNeverTransitions(t *testing.T) {
	a := New()
	if d := a.OnUpdate("early"); d.Action != ActionNone {
		t.Fatalf("idle update Action = %v, want ActionNone", d.Action)
	}
	if a.State() != StateIdle {
		t.Fatalf("State = %v, want idle", a.State())
	}

	a.OnStartOfTurn()
	d := a.OnUpdate("hello")
	if d.Action != ActionPublishUpdate || d.Transcript != "hello" {
		t.Fatalf("Decision = %+v, want publish of %q", d, "hello")
	}
	if a.State() != StateUserSpeaking {
		t.Fatalf("State = %v, want user_speaking", a.State())
	}
}

func TestBargeInCancelsResponse(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	a.OnEndOfTurn("book me in")

	d := a.OnStartOfTurn()
	if d.Action != ActionCancelResponse {
		t.Fatalf("Action = %v, want ActionCancelResponse", d.Action)
	}
	if a.State() != StateAgentInterrupted {
		t.Fatalf("State = %v, want agent_interrupted", a.State())
	}
	if a.Owner() != OwnerUser {
		t.Fatalf("Owner = %v, want user", a.Owner())
	}
}

func TestCancelCompleteReturnsToUserSpeaking(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	a.OnEndOfTurn("book me in")
	a.OnStartOfTurn()

	d := a.OnCancelComplete()
	if d.Action != ActionNone {
		t.Fatalf("Action = %v, want ActionNone", d.Action)
	}
	if a.State() != StateUserSpeaking {
		t.Fatalf("State = %v, want user_speaking", a.State())
	}
}

func TestEndOfTurnDuringCancelIsParked(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	a.OnEndOfTurn("first question")
	a.OnStartOfTurn()

	d := a.OnEndOfTurn("actually a second question")
	if d.Action != ActionNone {
		t.Fatalf("Action = %v, want ActionNone while cancel pending", d.Action)
	}
	if a.State() != StateAgentInterrupted {
		t.Fatalf("State = %v, want agent_interrupted", a.State())
	}

	d = a.OnCancelComplete()
	if d.Action != ActionStartResponse {
		t.Fatalf("Action = %v, want ActionStartResponse", d.Action)
	}
	if d.Transcript != "actually a second question" {
		t.Fatalf("Transcript = %q, want parked final text", d.Transcript)
	}
	if a.State() != StateAgentResponding {
		t.Fatalf("State = %v, want agent_responding", a.State())
	}
}

func TestEmptyParkedTranscriptReturnsToIdle(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	a.OnEndOfTurn("first question")
	a.OnStartOfTurn()
	a.OnEndOfTurn("  ")

	d := a.OnCancelComplete()
	if d.Action != ActionNone {
		t.Fatalf("Action = %v, want ActionNone", d.Action)
	}
	if a.State() != StateIdle {
		t.Fatalf("State = %v, want idle", a.State())
	}
}

func TestResponseDoneReturnsToIdle(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	a.OnEndOfTurn("question")

	a.OnResponseDone()
	if a.State() != StateIdle {
		t.Fatalf("State = %v, want idle", a.State())
	}
	if a.Owner() != OwnerNone {
		t.Fatalf("Owner = %v, want none", a.Owner())
	}
}

func TestResponseDoneOutsideAgentRespondingIsIgnored(t *testing.T) {
	a := New()
	a.OnStartOfTurn()

	a.OnResponseDone()
	if a.State() != StateUserSpeaking {
		t.Fatalf("State = %v, want user_speaking", a.State())
	}
}

func TestResetClearsEverything(t *testing.T) {
	a := New()
	a.OnStartOfTurn()
	a.OnEndOfTurn("question")
	a.OnStartOfTurn()
	a.OnEndOfTurn("second")

	a.Reset()
	if a.State() != StateIdle {
		t.Fatalf("State = %v, want idle", a.State())
	}
	if d := a.OnCancelComplete(); d.Action != ActionNone {
		t.Fatalf("Action after reset = %v, want ActionNone", d.Action)
	}
	if a.State() != StateIdle {
		t.Fatalf("State after stray cancel ack = %v, want idle", a.State())
	}
}

func TestTransitionTable(t *testing.T) {
	type event struct {
		apply func(a *Arbiter) Decision
		name  string
	}
	start := event{func(a *Arbiter) Decision { return a.OnStartOfTurn() }, "start"}
	update := event{func(a *Arbiter) Decision { return a.OnUpdate("x") }, "update"}
	end := event{func(a *Arbiter) Decision { return a.OnEndOfTurn("x") }, "end"}
	done := event{func(a *Arbiter) Decision { return a.OnResponseDone() }, "done"}
	ack := event{func(a *Arbiter) Decision { return a.OnCancelComplete() }, "ack"}

	cases := []struct {
		name   string
		events []event
		want   State
	}{
		{"idle stays on update", []event{update}, StateIdle},
		{"idle stays on end", []event{end}, StateIdle},
		{"idle stays on done", []event{done}, StateIdle},
		{"idle stays on ack", []event{ack}, StateIdle},
		{"full happy path", []event{start, update, end, done}, StateIdle},
		{"barge-in path", []event{start, end, start, ack, end, done}, StateIdle},
		{"responding ignores stray end", []event{start, end, end}, StateAgentResponding},
		{"responding ignores update", []event{start, end, update}, StateAgentResponding},
		{"interrupted ignores repeated start", []event{start, end, start, start}, StateAgentInterrupted},
		{"interrupted ignores done", []event{start, end, start, done}, StateAgentInterrupted},
	}
	for _, tc := range cases {
		a := New()
		for _, ev := range tc.events {
			ev.apply(a)
		}
		if a.State() != tc.want {
			t.Fatalf("%s: State = %v, want %v", tc.name, a.State(), tc.want)
		}
	}
}
