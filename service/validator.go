package service

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"mobilecontrol/adb"
	"mobilecontrol/errors"
	"mobilecontrol/models"
)

var scrollDirections = map[string]bool{"up": true, "down": true, "left": true, "right": true}

// Validator turns raw commands into typed Commands. It is the only place a
// Command is constructed from caller input.
type Validator struct {
	catalog      *Catalog
	screenWidth  int
	screenHeight int
}

func NewValidator(catalog *Catalog, screenWidth, screenHeight int) *Validator {
	return &Validator{catalog: catalog, screenWidth: screenWidth, screenHeight: screenHeight}
}

// Validate checks raw against the catalog and the action's field rules and
// reports the first failing field. Rules run in order: app, declared
// action, then the action's own fields.
func (v *Validator) Validate(raw models.RawCommand) (*models.Command, error) {
	appID := strings.TrimSpace(raw.AppID)
	if appID == "" {
		return nil, errors.Invalid("app_id", "must not be empty")
	}
	profile, ok := v.catalog.Lookup(appID)
	if !ok {
		return nil, errors.InvalidBecause("app_id", errors.Wrapf(errors.ErrUnknownApp, "app %q", appID))
	}
	if !profile.AutomationEnabled {
		return nil, errors.Invalid("app_id", fmt.Sprintf("automation is disabled for app %q", appID))
	}

	kind := models.ActionKind(strings.TrimSpace(raw.Action))
	if !knownKind(kind) {
		return nil, errors.Invalid("action", fmt.Sprintf("unknown action kind %q", raw.Action))
	}
	if kind.NeedsSelector() {
		if _, err := v.catalog.Resolve(appID, kind); err != nil {
			return nil, errors.InvalidBecause("action", err)
		}
	}

	action, err := v.buildAction(kind, raw)
	if err != nil {
		return nil, err
	}

	if raw.TargetSelectorHint != "" {
		if _, ok := adb.ParseSelector(raw.TargetSelectorHint); !ok {
			return nil, errors.Invalid("target_selector_hint", "must be a selector expression such as id:<resource-id>")
		}
	}
	if raw.DurationMs < 0 {
		return nil, errors.Invalid("duration_ms", "must not be negative")
	}
	if raw.DelayMs < 0 {
		return nil, errors.Invalid("delay_ms", "must not be negative")
	}
	if strings.TrimSpace(raw.SessionID) == "" {
		return nil, errors.Invalid("session_id", "must not be empty")
	}

	return &models.Command{
		ID:                 uuid.New().String(),
		AppID:              appID,
		SessionID:          strings.TrimSpace(raw.SessionID),
		Action:             action,
		TargetSelectorHint: raw.TargetSelectorHint,
		DurationMs:         raw.DurationMs,
		DelayMs:            raw.DelayMs,
		CreatedAt:          time.Now(),
		CausedBy:           raw.CausedBy,
	}, nil
}

func (v *Validator) buildAction(kind models.ActionKind, raw models.RawCommand) (models.Action, error) {
	switch kind {
	case models.ActionTap:
		if raw.X == nil {
			return nil, errors.Invalid("x", "is required")
		}
		if raw.Y == nil {
			return nil, errors.Invalid("y", "is required")
		}
		if *raw.X < 0 || *raw.X >= v.screenWidth {
			return nil, errors.Invalid("x", fmt.Sprintf("%d is outside the screen width %d", *raw.X, v.screenWidth))
		}
		if *raw.Y < 0 || *raw.Y >= v.screenHeight {
			return nil, errors.Invalid("y", fmt.Sprintf("%d is outside the screen height %d", *raw.Y, v.screenHeight))
		}
		return models.Tap{X: *raw.X, Y: *raw.Y}, nil

	case models.ActionSwipe:
		if raw.From == nil {
			return nil, errors.Invalid("from", "is required")
		}
		if raw.To == nil {
			return nil, errors.Invalid("to", "is required")
		}
		if err := v.checkPoint("from", *raw.From); err != nil {
			return nil, err
		}
		if err := v.checkPoint("to", *raw.To); err != nil {
			return nil, err
		}
		return models.Swipe{From: *raw.From, To: *raw.To}, nil

	case models.ActionTypeText:
		if raw.Text == "" {
			return nil, errors.Invalid("text", "must not be empty")
		}
		if err := checkText(raw.Text); err != nil {
			return nil, err
		}
		return models.TypeText{Value: raw.Text}, nil

	case models.ActionLike:
		if err := requireTarget(raw); err != nil {
			return nil, err
		}
		return models.Like{Target: raw.Target}, nil

	case models.ActionFollow:
		if err := requireTarget(raw); err != nil {
			return nil, err
		}
		return models.Follow{Target: raw.Target}, nil

	case models.ActionComment:
		if err := requireTarget(raw); err != nil {
			return nil, err
		}
		if strings.TrimSpace(raw.Text) == "" {
			return nil, errors.Invalid("text", "must not be empty")
		}
		if err := checkText(raw.Text); err != nil {
			return nil, err
		}
		return models.Comment{Target: raw.Target, Text: raw.Text}, nil

	case models.ActionSendMessage:
		if err := requireTarget(raw); err != nil {
			return nil, err
		}
		if strings.TrimSpace(raw.Text) == "" {
			return nil, errors.Invalid("text", "must not be empty")
		}
		if err := checkText(raw.Text); err != nil {
			return nil, err
		}
		return models.SendMessage{Target: raw.Target, Text: raw.Text}, nil

	case models.ActionScroll:
		if !scrollDirections[raw.Direction] {
			return nil, errors.Invalid("direction", "must be one of up, down, left, right")
		}
		return models.Scroll{Direction: raw.Direction}, nil

	case models.ActionBack:
		return models.Back{}, nil
	case models.ActionHome:
		return models.Home{}, nil
	case models.ActionLaunchApp:
		return models.LaunchApp{}, nil
	}
	return nil, errors.Invalid("action", fmt.Sprintf("unknown action kind %q", kind))
}

func (v *Validator) checkPoint(field string, p models.Point) error {
	if p.X < 0 || p.Y < 0 || p.X >= v.screenWidth || p.Y >= v.screenHeight {
		return errors.Invalid(field, fmt.Sprintf("point (%d,%d) is outside the %dx%d screen", p.X, p.Y, v.screenWidth, v.screenHeight))
	}
	return nil
}

// checkText rejects control characters. `input text` types a single line
// and the device shell would treat a newline as a command separator.
func checkText(text string) error {
	for i, r := range text {
		if unicode.IsControl(r) {
			return errors.Invalid("text", fmt.Sprintf("control character %U at byte %d is not allowed", r, i))
		}
	}
	return nil
}

func requireTarget(raw models.RawCommand) error {
	if strings.TrimSpace(raw.Target) == "" {
		return errors.Invalid("target", "must not be empty")
	}
	return nil
}

func knownKind(k models.ActionKind) bool {
	switch k {
	case models.ActionTap, models.ActionSwipe, models.ActionTypeText, models.ActionLike,
		models.ActionComment, models.ActionFollow, models.ActionSendMessage, models.ActionScroll,
		models.ActionBack, models.ActionHome, models.ActionLaunchApp:
		return true
	}
	return false
}
