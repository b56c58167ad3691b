package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dmop77/voicedesk/internal/llm"
	"github.com/dmop77/voicedesk/internal/protocol"
	"github.com/dmop77/voicedesk/internal/pulpoo"
	"github.com/dmop77/voicedesk/internal/session"
)

const createAppointmentTool = "create_appointment"

var createAppointmentSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"name":        {"type": "string", "description": "Caller's full name"},
		"email":       {"type": "string", "description": "Caller's email address"},
		"time":        {"type": "string", "description": "Requested appointment time, as stated by the caller"},
		"description": {"type": "string", "description": "What the appointment is about"}
	},
	"required": ["name", "email", "time"]
}`)

type appointmentArgs struct {
	Name        string `json:"name"`
	Email       string `json:"email"`
	Time        string `json:"time"`
	Description string `json:"description"`
}

// runPipeline executes one response turn: LLM completion, optional
// appointment booking, then streamed TTS. It reports whether it was
// cancelled; the caller owns the arbiter and the response slot.
func (c *Controller) runPipeline(
	ctx context.Context,
	sessionID, voice, turnID, transcript string,
	endedAt time.Time,
	outbound chan<- any,
) (cancelled bool) {
	defer func() {
		if !cancelled {
			c.metrics.ObserveTurnStage("turn_total", time.Since(endedAt))
		}
	}()

	snapshot, err := c.sessions.Get(sessionID)
	if err != nil {
		return ctx.Err() != nil
	}

	reply, err := c.adapter.Complete(ctx, llm.Request{
		System:   c.systemPrompt(snapshot),
		Messages: historyToMessages(snapshot.History),
		Tools: []llm.Tool{{
			Name:        createAppointmentTool,
			Description: "Book an appointment once the caller has provided their name, email and a time.",
			Parameters:  createAppointmentSchema,
		}},
	})
	if ctx.Err() != nil {
		return true
	}
	if err != nil {
		c.metrics.ProviderErrors.WithLabelValues("llm", "complete_failed").Inc()
		c.send(outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "llm_complete_failed",
			Source:    "llm",
			Retryable: true,
			Detail:    err.Error(),
		})
		return c.finishReply(ctx, sessionID, voice, turnID, apologyText, endedAt, outbound)
	}
	c.metrics.ObserveTurnStage("end_of_turn_to_llm_reply", time.Since(endedAt))

	text := strings.TrimSpace(reply.Text)
	if reply.ToolCall != nil && reply.ToolCall.Name == createAppointmentTool {
		text = c.handleAppointment(ctx, snapshot, turnID, reply, endedAt, outbound)
		if ctx.Err() != nil {
			return true
		}
	}
	if text == "" {
		text = apologyText
	}

	return c.finishReply(ctx, sessionID, voice, turnID, text, endedAt, outbound)
}

// finishReply records the agent's reply and speaks it. The reply enters the
// conversation history before synthesis starts, so a barge-in mid-playback
// still leaves the (partially heard) reply on record.
func (c *Controller) finishReply(
	ctx context.Context,
	sessionID, voice, turnID, text string,
	endedAt time.Time,
	outbound chan<- any,
) (cancelled bool) {
	_ = c.sessions.RecordMessage(sessionID, session.RoleAgent, text)

	cancelled = c.streamSpeech(ctx, sessionID, voice, turnID, text, endedAt, outbound)
	c.saveEntryBestEffort(sessionID, string(session.RoleAgent), text, cancelled)
	return cancelled
}

// handleAppointment resolves a create_appointment tool call. Collected
// fields merge first so partial information survives a failed booking; the
// task call only fires when name, email and time are all known.
func (c *Controller) handleAppointment(
	ctx context.Context,
	snapshot *session.Session,
	turnID string,
	reply llm.Response,
	endedAt time.Time,
	outbound chan<- any,
) string {
	var args appointmentArgs
	if err := json.Unmarshal([]byte(reply.ToolCall.Arguments), &args); err != nil {
		c.metrics.ToolCalls.WithLabelValues(createAppointmentTool, "malformed").Inc()
		return apologyText
	}

	_ = c.sessions.MergeFields(snapshot.ID, map[string]string{
		"name":        strings.TrimSpace(args.Name),
		"email":       strings.TrimSpace(args.Email),
		"time":        strings.TrimSpace(args.Time),
		"description": strings.TrimSpace(args.Description),
	})

	fields, err := c.sessions.Fields(snapshot.ID)
	if err != nil {
		return apologyText
	}
	if missing := missingAppointmentFields(fields); len(missing) > 0 {
		c.metrics.ToolCalls.WithLabelValues(createAppointmentTool, "deferred").Inc()
		return clarifyingQuestion(missing)
	}

	c.send(outbound, protocol.ToolStatus{
		Type:      protocol.TypeToolStatus,
		SessionID: snapshot.ID,
		TurnID:    turnID,
		Tool:      createAppointmentTool,
		Status:    "started",
	})

	toolStart := time.Now()
	result, err := c.createAppointment(ctx, fields)
	c.metrics.ObserveTurnStage("tool_call_total", time.Since(toolStart))
	if ctx.Err() != nil {
		return ""
	}
	if err != nil {
		c.metrics.ToolCalls.WithLabelValues(createAppointmentTool, "failed").Inc()
		c.send(outbound, protocol.ToolStatus{
			Type:      protocol.TypeToolStatus,
			SessionID: snapshot.ID,
			TurnID:    turnID,
			Tool:      createAppointmentTool,
			Status:    "failed",
			Detail:    err.Error(),
		})
		return taskApologyText
	}

	c.metrics.ToolCalls.WithLabelValues(createAppointmentTool, "succeeded").Inc()
	c.send(outbound, protocol.ToolStatus{
		Type:      protocol.TypeToolStatus,
		SessionID: snapshot.ID,
		TurnID:    turnID,
		Tool:      createAppointmentTool,
		Status:    "succeeded",
		Detail:    result.ID,
	})

	return c.wordConfirmation(ctx, snapshot, reply, result, fields)
}

// createAppointment maps the collected fields onto a task and books it.
// Transient task-service failures are retried once inside the client.
func (c *Controller) createAppointment(ctx context.Context, fields map[string]string) (pulpoo.TaskResult, error) {
	if c.tasks == nil {
		return pulpoo.TaskResult{}, fmt.Errorf("task service not configured")
	}

	assignee := c.assigneeEmail
	if assignee == "" {
		assignee = fields["email"]
	}
	description := fmt.Sprintf("Caller: %s (%s). Requested time: %s.", fields["name"], fields["email"], fields["time"])
	if d := fields["description"]; d != "" {
		description += " " + d
	}

	return c.tasks.CreateTask(ctx, pulpoo.TaskRequest{
		Title:         fmt.Sprintf("Appointment: %s at %s", fields["name"], fields["time"]),
		Description:   description,
		AssignedEmail: assignee,
	})
}

// wordConfirmation asks the model to phrase the booking confirmation. A
// second provider failure falls back to a fixed confirmation so the booking
// is never reported as uncertain.
func (c *Controller) wordConfirmation(
	ctx context.Context,
	snapshot *session.Session,
	reply llm.Response,
	result pulpoo.TaskResult,
	fields map[string]string,
) string {
	fallback := fmt.Sprintf("You're all set, %s. I've booked your appointment for %s.", fields["name"], fields["time"])

	messages := historyToMessages(snapshot.History)
	messages = append(messages,
		llm.Message{Role: "assistant", ToolCalls: []llm.ToolCall{*reply.ToolCall}},
		llm.Message{
			Role:       "tool",
			ToolCallID: reply.ToolCall.ID,
			Content:    fmt.Sprintf(`{"status":"created","task_id":%q}`, result.ID),
		},
	)

	worded, err := c.adapter.Complete(ctx, llm.Request{
		System:   c.systemPrompt(snapshot),
		Messages: messages,
	})
	if err != nil || strings.TrimSpace(worded.Text) == "" {
		return fallback
	}
	return strings.TrimSpace(worded.Text)
}

func (c *Controller) systemPrompt(snapshot *session.Session) string {
	var b strings.Builder
	b.WriteString("You are a friendly receptionist answering phone calls for a business. ")
	b.WriteString("Keep replies short and natural; they will be spoken aloud. ")
	b.WriteString("Your job is to help callers book appointments. ")
	b.WriteString("Before calling " + createAppointmentTool + ", collect the caller's name, email and a time. ")
	b.WriteString("If any of those are missing, ask for them instead of calling the tool.")

	if len(snapshot.CollectedFields) > 0 {
		b.WriteString("\n\nKnown caller details:")
		for _, k := range []string{"name", "email", "time", "context", "description"} {
			if v := snapshot.CollectedFields[k]; v != "" {
				b.WriteString(fmt.Sprintf("\n- %s: %s", k, v))
			}
		}
	}
	return b.String()
}

func historyToMessages(msgs []session.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == session.RoleAgent {
			role = "assistant"
		}
		out = append(out, llm.Message{Role: role, Content: m.Text})
	}
	return out
}

func missingAppointmentFields(fields map[string]string) []string {
	var missing []string
	for _, k := range []string{"name", "email", "time"} {
		if strings.TrimSpace(fields[k]) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

func clarifyingQuestion(missing []string) string {
	switch {
	case len(missing) == 1 && missing[0] == "email":
		return "Sure, I can book that. What's the best email address for you?"
	case len(missing) == 1 && missing[0] == "name":
		return "Happy to help with that. Can I have your name, please?"
	case len(missing) == 1 && missing[0] == "time":
		return "Of course. What time works for you?"
	default:
		return "I can set that up. Could you give me your " + strings.Join(missing, ", ") + "?"
	}
}
