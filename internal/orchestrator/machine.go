package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/acme/outbound-ivr-call/internal/domain"
	"github.com/acme/outbound-ivr-call/internal/telephony"
	apperrors "github.com/acme/outbound-ivr-call/pkg/errors"
)

// State is the lifecycle position of the tracked call.
type State string

const (
	StateIdle    State = "idle"
	StateDialing State = "dialing"
	// StateConnected: the provider reported the callee answered.
	StateConnected State = "connected"
	// StatePrompting: a scripted prompt finished and the next one is playing.
	StatePrompting State = "prompting"
	// StateHangupPending: the last prompt finished and a deferred hangup is armed.
	StateHangupPending State = "hangup_pending"
	// StateDisconnecting: the hangup was issued, waiting for the provider.
	StateDisconnecting State = "disconnecting"
)

var (
	// ErrCallInProgress rejects an initiation while another call is live.
	ErrCallInProgress = fmt.Errorf("%w: a call is already in progress", apperrors.ErrConflict)
	// ErrProtocolViolation marks a webhook for a call that is not current.
	ErrProtocolViolation = errors.New("webhook does not match the current call")
	// ErrUnhandledEvent marks a webhook with no matching transition.
	ErrUnhandledEvent = errors.New("unhandled webhook event")
	// ErrDuplicateEvent marks a redelivered webhook.
	ErrDuplicateEvent = errors.New("duplicate webhook event")
	// ErrStaleSession marks a result or timer belonging to a replaced session.
	ErrStaleSession = errors.New("stale session")
)

// Snapshot is the orchestrator state at one point in time.
type Snapshot struct {
	State     State
	Session   domain.CallSession
	Completed map[string]bool
	// Retired holds provider ids of replaced sessions, newest last.
	Retired []string
}

// retiredLimit bounds how many replaced call ids are remembered.
const retiredLimit = 8

// Live reports whether a call occupies the orchestrator. A disconnecting
// call no longer blocks a new initiation.
func (s Snapshot) Live() bool {
	switch s.State {
	case StateDialing, StateConnected, StatePrompting, StateHangupPending:
		return true
	default:
		return false
	}
}

func (s Snapshot) clone() Snapshot {
	out := s
	out.Completed = make(map[string]bool, len(s.Completed))
	for k, v := range s.Completed {
		out.Completed[k] = v
	}
	out.Retired = append([]string(nil), s.Retired...)
	return out
}

func (s Snapshot) retired(voiceID string) bool {
	for _, id := range s.Retired {
		if id == voiceID {
			return true
		}
	}
	return false
}

// Input is something that can move the machine.
type Input interface{ inputName() string }

// Initiated starts a new session.
type Initiated struct{ Session domain.CallSession }

// CallCreated carries the provider id from the create-call response.
type CallCreated struct {
	SessionID   uuid.UUID
	VoiceCallID string
}

// CreateFailed reports a failed create-call request.
type CreateFailed struct {
	SessionID uuid.UUID
	Err       error
}

// WebhookReceived carries a decoded provider notification.
type WebhookReceived struct{ Event domain.WebhookEvent }

// HangupTimerFired reports that the deferred hangup elapsed.
type HangupTimerFired struct{ SessionID uuid.UUID }

func (Initiated) inputName() string        { return "initiated" }
func (CallCreated) inputName() string      { return "call_created" }
func (CreateFailed) inputName() string     { return "create_failed" }
func (WebhookReceived) inputName() string  { return "webhook" }
func (HangupTimerFired) inputName() string { return "hangup_timer_fired" }

// Command is a side effect requested by a transition.
type Command interface{ commandName() string }

// PlayPrompt asks the provider to speak a prompt.
type PlayPrompt struct {
	SessionID   uuid.UUID
	VoiceCallID string
	Prompt      telephony.Prompt
}

// ScheduleHangup arms the deferred hangup for a session.
type ScheduleHangup struct {
	SessionID uuid.UUID
	Delay     time.Duration
}

// CancelHangup disarms the deferred hangup for a session.
type CancelHangup struct{ SessionID uuid.UUID }

// Hangup terminates the call at the provider.
type Hangup struct {
	SessionID   uuid.UUID
	VoiceCallID string
}

// Notify publishes status text to viewers.
type Notify struct{ Text string }

func (PlayPrompt) commandName() string     { return "play_prompt" }
func (ScheduleHangup) commandName() string { return "schedule_hangup" }
func (CancelHangup) commandName() string   { return "cancel_hangup" }
func (Hangup) commandName() string         { return "hangup" }
func (Notify) commandName() string         { return "notify" }

// Status texts shown to the viewer.
const (
	noticeConnected     = "Outbound Call is connected"
	noticeDisconnected  = "Outbound Call is disconnected"
	noticeDisconnecting = "Disconnecting the call"
)

// Machine holds the IVR script and computes transitions. It has no side
// effects; the Engine executes the returned commands.
type Machine struct {
	Script domain.Script
}

// Transition applies in to s. On error the returned snapshot is s and no
// commands are returned.
func (m Machine) Transition(s Snapshot, in Input) (Snapshot, []Command, error) {
	switch in := in.(type) {
	case Initiated:
		return m.initiated(s, in)
	case CallCreated:
		return m.callCreated(s, in)
	case CreateFailed:
		return m.createFailed(s, in)
	case WebhookReceived:
		return m.webhook(s, in.Event)
	case HangupTimerFired:
		return m.timerFired(s, in)
	default:
		return s, nil, fmt.Errorf("orchestrator: unknown input %T", in)
	}
}

func (m Machine) initiated(s Snapshot, in Initiated) (Snapshot, []Command, error) {
	if s.Live() {
		return s, nil, ErrCallInProgress
	}
	next := Snapshot{State: StateDialing, Session: in.Session, Completed: map[string]bool{}}
	next.Retired = append(next.Retired, s.Retired...)
	if s.Session.HasVoiceCallID() && !s.retired(s.Session.VoiceCallID) {
		next.Retired = append(next.Retired, s.Session.VoiceCallID)
	}
	if n := len(next.Retired); n > retiredLimit {
		next.Retired = next.Retired[n-retiredLimit:]
	}
	return next, []Command{
		Notify{Text: fmt.Sprintf("Initiating a call from %s to %s", in.Session.From, in.Session.To)},
	}, nil
}

func (m Machine) callCreated(s Snapshot, in CallCreated) (Snapshot, []Command, error) {
	if s.Session.ID != in.SessionID {
		return s, nil, fmt.Errorf("%w: create-call result for %s", ErrStaleSession, in.SessionID)
	}
	next := s.clone()
	next.Session.VoiceCallID = in.VoiceCallID
	return next, nil, nil
}

func (m Machine) createFailed(s Snapshot, in CreateFailed) (Snapshot, []Command, error) {
	if s.Session.ID != in.SessionID {
		return s, nil, fmt.Errorf("%w: create-call failure for %s", ErrStaleSession, in.SessionID)
	}
	next := s.clone()
	next.State = StateIdle
	return next, []Command{Notify{Text: fmt.Sprintf("Outbound call failed: %v", in.Err)}}, nil
}

func (m Machine) webhook(s Snapshot, ev domain.WebhookEvent) (Snapshot, []Command, error) {
	if s.State == StateIdle {
		return s, nil, fmt.Errorf("%w: no call in progress (voice_id %q)", ErrProtocolViolation, ev.VoiceID)
	}
	// The current id is unknown until create-call returns, so events of a
	// replaced call are matched against the retired ids as well.
	if ev.VoiceID != "" && ev.VoiceID != s.Session.VoiceCallID && s.retired(ev.VoiceID) {
		return s, nil, fmt.Errorf("%w: voice_id %q belongs to a replaced call", ErrProtocolViolation, ev.VoiceID)
	}
	if ev.VoiceID != "" && s.Session.HasVoiceCallID() && ev.VoiceID != s.Session.VoiceCallID {
		return s, nil, fmt.Errorf("%w: got voice_id %q, current %q", ErrProtocolViolation, ev.VoiceID, s.Session.VoiceCallID)
	}

	// A provider-side disconnect ends the script wherever it is.
	if ev.Is(domain.CallStateDisconnected) {
		next := s.clone()
		next.State = StateIdle
		return next, []Command{
			CancelHangup{SessionID: s.Session.ID},
			Notify{Text: noticeDisconnected},
		}, nil
	}

	next := s.clone()
	var (
		cmds    []Command
		handled bool
		errs    []error
	)

	if ev.Is(domain.CallStateConnected) {
		if next.State == StateDialing {
			next.State = StateConnected
			cmds = append(cmds, Notify{Text: noticeConnected})
			handled = true
		} else {
			errs = append(errs, fmt.Errorf("%w: connected while %s", ErrDuplicateEvent, next.State))
		}
	}

	if ev.PlayFinished() {
		playCmds, err := m.promptFinished(&next, ev.PromptRef)
		if err != nil {
			errs = append(errs, err)
		} else {
			cmds = append(cmds, playCmds...)
			handled = true
		}
	}

	if !handled {
		if len(errs) == 0 {
			errs = append(errs, ErrUnhandledEvent)
		}
		return s, nil, errors.Join(errs...)
	}
	return next, cmds, nil
}

func (m Machine) promptFinished(next *Snapshot, ref string) ([]Command, error) {
	switch next.State {
	case StateConnected, StatePrompting, StateHangupPending:
	default:
		return nil, fmt.Errorf("%w: prompt %q finished while %s", ErrUnhandledEvent, ref, next.State)
	}

	step, ok := m.Script.Step(ref)
	if !ok {
		return nil, fmt.Errorf("%w: prompt ref %q is not in the script", ErrUnhandledEvent, ref)
	}
	if next.Completed[ref] {
		return nil, fmt.Errorf("%w: prompt %q already completed", ErrDuplicateEvent, ref)
	}

	// Every follow-up ends in a per-call request, so refuse to advance
	// before the create-call response has assigned the provider id.
	if !next.Session.HasVoiceCallID() {
		return nil, fmt.Errorf("orchestrator: prompt %q finished: %w", ref, telephony.ErrMissingCallID)
	}

	var cmds []Command
	switch step.OnComplete.Kind {
	case domain.ActionPlayNext:
		voice := step.OnComplete.Voice
		if voice == "" {
			voice = next.Session.Voice
		}
		cmds = append(cmds, PlayPrompt{
			SessionID:   next.Session.ID,
			VoiceCallID: next.Session.VoiceCallID,
			Prompt: telephony.Prompt{
				Text:      step.OnComplete.Text,
				Voice:     voice,
				PromptRef: step.OnComplete.PromptRef,
			},
		})
		next.State = StatePrompting
	case domain.ActionScheduleHangup:
		cmds = append(cmds, ScheduleHangup{SessionID: next.Session.ID, Delay: step.OnComplete.Delay})
		next.State = StateHangupPending
	default:
		return nil, fmt.Errorf("%w: prompt %q has action %q", ErrUnhandledEvent, ref, step.OnComplete.Kind)
	}

	next.Completed[ref] = true
	if step.Notice != "" {
		cmds = append([]Command{Notify{Text: step.Notice}}, cmds...)
	}
	return cmds, nil
}

func (m Machine) timerFired(s Snapshot, in HangupTimerFired) (Snapshot, []Command, error) {
	if s.Session.ID != in.SessionID || s.State != StateHangupPending {
		return s, nil, fmt.Errorf("%w: hangup timer for %s while %s", ErrStaleSession, in.SessionID, s.State)
	}

	if !s.Session.HasVoiceCallID() {
		return s, nil, fmt.Errorf("orchestrator: hangup: %w", telephony.ErrMissingCallID)
	}

	next := s.clone()
	next.State = StateDisconnecting
	return next, []Command{
		Notify{Text: noticeDisconnecting},
		Hangup{SessionID: s.Session.ID, VoiceCallID: s.Session.VoiceCallID},
	}, nil
}
