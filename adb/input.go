package adb

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"mobilecontrol/models"
)

// Android keycodes used by the controller.
const (
	KeycodeHome  = 3
	KeycodeBack  = 4
	KeycodeEnter = 66
)

// Tap sends a tap event to the device
func (c *Client) Tap(ctx context.Context, deviceID string, p models.Point) error {
	if _, err := c.shell(ctx, deviceID, fmt.Sprintf("input tap %d %d", p.X, p.Y)); err != nil {
		return fmt.Errorf("tap failed: %w", err)
	}
	return nil
}

// Swipe sends a straight swipe gesture to the device
func (c *Client) Swipe(ctx context.Context, deviceID string, from, to models.Point, durationMs int) error {
	command := fmt.Sprintf("input swipe %d %d %d %d %d", from.X, from.Y, to.X, to.Y, durationMs)
	if _, err := c.shell(ctx, deviceID, command); err != nil {
		return fmt.Errorf("swipe failed: %w", err)
	}
	return nil
}

// Gesture replays a multi-point pointer path as one touch: DOWN on the
// first point, MOVE through the rest, UP on the last.
func (c *Client) Gesture(ctx context.Context, deviceID string, path []models.Point, durationMs int) error {
	if len(path) == 0 {
		return fmt.Errorf("gesture failed: empty path")
	}
	if _, err := c.shell(ctx, deviceID, motionEventScript(path, durationMs)); err != nil {
		return fmt.Errorf("gesture failed: %w", err)
	}
	return nil
}

// Text sends text input to the device
func (c *Client) Text(ctx context.Context, deviceID, text string) error {
	if _, err := c.shell(ctx, deviceID, "input text "+escapeInputText(text)); err != nil {
		return fmt.Errorf("text input failed: %w", err)
	}
	return nil
}

// Key sends a key event to the device
func (c *Client) Key(ctx context.Context, deviceID string, keycode int) error {
	if _, err := c.shell(ctx, deviceID, fmt.Sprintf("input keyevent %d", keycode)); err != nil {
		return fmt.Errorf("key event failed: %w", err)
	}
	return nil
}

// Launch starts an app. With an entry activity it uses `am start -n`,
// otherwise the launcher intent through monkey.
func (c *Client) Launch(ctx context.Context, deviceID, packageName, activity string) error {
	command := fmt.Sprintf("monkey -p %s -c android.intent.category.LAUNCHER 1", packageName)
	if activity != "" {
		component := activity
		if !strings.Contains(activity, "/") {
			component = packageName + "/" + activity
		}
		command = "am start -W -n " + component
	}
	out, err := c.shell(ctx, deviceID, command)
	if err != nil {
		return fmt.Errorf("app launch failed: %w", err)
	}
	if strings.Contains(out, "Error:") {
		return fmt.Errorf("app launch failed: %s", strings.TrimSpace(out))
	}
	return nil
}

// motionEventScript builds the shell script for a pointer path. Pauses are
// spread evenly across the moves so the whole gesture takes about durationMs.
func motionEventScript(path []models.Point, durationMs int) string {
	var b strings.Builder
	first, last := path[0], path[len(path)-1]
	fmt.Fprintf(&b, "input motionevent DOWN %d %d", first.X, first.Y)

	pause := 0.0
	if len(path) > 1 && durationMs > 0 {
		pause = float64(durationMs) / 1000 / float64(len(path)-1)
	}
	for _, p := range path[1:] {
		if pause >= 0.01 {
			fmt.Fprintf(&b, " && sleep %.3f", pause)
		}
		fmt.Fprintf(&b, " && input motionevent MOVE %d %d", p.X, p.Y)
	}
	fmt.Fprintf(&b, " && input motionevent UP %d %d", last.X, last.Y)
	return b.String()
}

// escapeInputText prepares text for `input text`: spaces and tabs become %s,
// shell metacharacters are backslash-escaped and other control characters
// are dropped so the device shell always sees a single command.
func escapeInputText(text string) string {
	const special = "\\'\"`&|<>;()$*~!?#[]{}"
	var b strings.Builder
	for _, r := range text {
		switch {
		case r == ' ' || r == '\t':
			b.WriteString("%s")
		case unicode.IsControl(r):
			continue
		case strings.ContainsRune(special, r):
			b.WriteRune('\\')
			b.WriteRune(r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
