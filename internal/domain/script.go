package domain

import (
	"fmt"
	"time"

	apperrors "github.com/acme/outbound-ivr-call/pkg/errors"
)

// GreetingPromptRef tags the prompt played when the callee answers.
const GreetingPromptRef = "1"

// ActionKind enumerates what happens once a scripted prompt finishes.
type ActionKind string

const (
	ActionPlayNext       ActionKind = "play_next"
	ActionScheduleHangup ActionKind = "schedule_hangup"
)

// Action is the follow-up of an IVR step.
type Action struct {
	Kind ActionKind
	// Text, Voice and PromptRef apply to ActionPlayNext. An empty Voice
	// reuses the session voice.
	Text      string
	Voice     Voice
	PromptRef string
	// Delay applies to ActionScheduleHangup.
	Delay time.Duration
}

// IvrStep binds a finished prompt to the next action.
type IvrStep struct {
	PromptRef  string
	Notice     string
	OnComplete Action
}

// Script is the ordered IVR sequence.
type Script []IvrStep

// Step looks up the step triggered by a finished prompt.
func (s Script) Step(promptRef string) (IvrStep, bool) {
	for _, step := range s {
		if step.PromptRef == promptRef {
			return step, true
		}
	}
	return IvrStep{}, false
}

// Validate checks the script for duplicate refs, incomplete actions and a
// missing greeting step.
func (s Script) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: ivr script is empty", apperrors.ErrValidation)
	}
	seen := make(map[string]bool, len(s))
	for i, step := range s {
		if step.PromptRef == "" {
			return fmt.Errorf("%w: ivr step %d has no prompt ref", apperrors.ErrValidation, i)
		}
		if seen[step.PromptRef] {
			return fmt.Errorf("%w: duplicate prompt ref %q", apperrors.ErrValidation, step.PromptRef)
		}
		seen[step.PromptRef] = true

		switch step.OnComplete.Kind {
		case ActionPlayNext:
			if step.OnComplete.PromptRef == "" {
				return fmt.Errorf("%w: ivr step %q plays a prompt without a ref", apperrors.ErrValidation, step.PromptRef)
			}
		case ActionScheduleHangup:
			if step.OnComplete.Delay < 0 {
				return fmt.Errorf("%w: ivr step %q has a negative hangup delay", apperrors.ErrValidation, step.PromptRef)
			}
		default:
			return fmt.Errorf("%w: ivr step %q has unknown action %q", apperrors.ErrValidation, step.PromptRef, step.OnComplete.Kind)
		}
	}
	if !seen[GreetingPromptRef] {
		return fmt.Errorf("%w: ivr script has no step for greeting prompt %q", apperrors.ErrValidation, GreetingPromptRef)
	}
	return nil
}

// DefaultScript builds the greeting, menu and delayed hangup sequence.
func DefaultScript(menuText string, hangupDelay time.Duration) Script {
	return Script{
		{
			PromptRef: GreetingPromptRef,
			Notice:    "Greeting is completed, Playing IVR Menu",
			OnComplete: Action{
				Kind:      ActionPlayNext,
				Text:      menuText,
				PromptRef: "2",
			},
		},
		{
			PromptRef: "2",
			Notice:    fmt.Sprintf("1st Level IVR menu is Completed, Disconnecting the call in %d Sec", int(hangupDelay/time.Second)),
			OnComplete: Action{
				Kind:  ActionScheduleHangup,
				Delay: hangupDelay,
			},
		},
	}
}
