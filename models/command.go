package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// RawCommand is the loosely typed form submitted by operators and stored in
// script blueprints. It only becomes a Command after validation.
type RawCommand struct {
	AppID              string `json:"app_id"`
	SessionID          string `json:"session_id,omitempty"`
	Action             string `json:"action"`
	X                  *int   `json:"x,omitempty"`
	Y                  *int   `json:"y,omitempty"`
	From               *Point `json:"from,omitempty"`
	To                 *Point `json:"to,omitempty"`
	Text               string `json:"text,omitempty"`
	Target             string `json:"target,omitempty"`
	Direction          string `json:"direction,omitempty"`
	TargetSelectorHint string `json:"target_selector_hint,omitempty"`
	DurationMs         int    `json:"duration_ms,omitempty"`
	DelayMs            int    `json:"delay_ms,omitempty"`
	CausedBy           string `json:"caused_by,omitempty"`
}

// Blueprint is a command template owned by an AutomationScript.
type Blueprint RawCommand

// Instantiate turns the blueprint into a concrete raw command for one run.
func (b Blueprint) Instantiate(appID, sessionID string) RawCommand {
	raw := RawCommand(b)
	if raw.AppID == "" {
		raw.AppID = appID
	}
	raw.SessionID = sessionID
	raw.CausedBy = ""
	return raw
}

// Command is immutable once created; retries are new commands linked through
// CausedBy.
type Command struct {
	ID                 string    `json:"id"`
	AppID              string    `json:"app_id"`
	SessionID          string    `json:"session_id"`
	Action             Action    `json:"-"`
	TargetSelectorHint string    `json:"target_selector_hint,omitempty"`
	DurationMs         int       `json:"duration_ms"`
	DelayMs            int       `json:"delay_ms"`
	CreatedAt          time.Time `json:"created_at"`
	CausedBy           string    `json:"caused_by,omitempty"`
}

func (c Command) MarshalJSON() ([]byte, error) {
	type alias Command
	var kind ActionKind
	if c.Action != nil {
		kind = c.Action.Kind()
	}
	return json.Marshal(struct {
		alias
		Kind   ActionKind `json:"action"`
		Params Action     `json:"params,omitempty"`
	}{alias(c), kind, c.Action})
}

func (c *Command) UnmarshalJSON(data []byte) error {
	type alias Command
	aux := struct {
		*alias
		Kind   ActionKind      `json:"action"`
		Params json.RawMessage `json:"params"`
	}{alias: (*alias)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	action, err := DecodeAction(aux.Kind, aux.Params)
	if err != nil {
		return err
	}
	c.Action = action
	return nil
}

// DecodeAction rebuilds an action variant from its kind and JSON parameters.
func DecodeAction(kind ActionKind, params json.RawMessage) (Action, error) {
	var target Action
	switch kind {
	case ActionTap:
		target = &Tap{}
	case ActionSwipe:
		target = &Swipe{}
	case ActionTypeText:
		target = &TypeText{}
	case ActionLike:
		target = &Like{}
	case ActionComment:
		target = &Comment{}
	case ActionFollow:
		target = &Follow{}
	case ActionSendMessage:
		target = &SendMessage{}
	case ActionScroll:
		target = &Scroll{}
	case ActionBack:
		return Back{}, nil
	case ActionHome:
		return Home{}, nil
	case ActionLaunchApp:
		return LaunchApp{}, nil
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if len(params) > 0 && string(params) != "null" {
		if err := json.Unmarshal(params, target); err != nil {
			return nil, err
		}
	}
	return derefAction(target), nil
}

func derefAction(a Action) Action {
	switch v := a.(type) {
	case *Tap:
		return *v
	case *Swipe:
		return *v
	case *TypeText:
		return *v
	case *Like:
		return *v
	case *Comment:
		return *v
	case *Follow:
		return *v
	case *SendMessage:
		return *v
	case *Scroll:
		return *v
	}
	return a
}
