package adb

import (
	"strings"
	"testing"

	"mobilecontrol/models"
)

func TestEscapeInputText(t *testing.T) {
	cases := map[string]string{
		"hello":         "hello",
		"great post":    "great%spost",
		"it's $5 & up!": `it\'s%s\$5%s\&%sup\!`,
		"a(b)":          `a\(b\)`,
		"a\nb":          "ab",
		"a\tb":          "a%sb",
		"hi\r\nreboot":  "hireboot",
		"x;\nreboot":    `x\;reboot`,
	}
	for in, want := range cases {
		if got := escapeInputText(in); got != want {
			t.Errorf("escapeInputText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMotionEventScript(t *testing.T) {
	path := []models.Point{{X: 10, Y: 20}, {X: 15, Y: 40}, {X: 30, Y: 80}}

	script := motionEventScript(path, 0)
	want := "input motionevent DOWN 10 20 && input motionevent MOVE 15 40 && input motionevent MOVE 30 80 && input motionevent UP 30 80"
	if script != want {
		t.Fatalf("unexpected script:\n got: %s\nwant: %s", script, want)
	}

	timed := motionEventScript(path, 400)
	if n := strings.Count(timed, "sleep 0.200"); n != 2 {
		t.Errorf("expected 2 pauses of 0.200s, got %d in %q", n, timed)
	}
}

func TestMotionEventScriptSinglePoint(t *testing.T) {
	script := motionEventScript([]models.Point{{X: 5, Y: 6}}, 100)
	want := "input motionevent DOWN 5 6 && input motionevent UP 5 6"
	if script != want {
		t.Errorf("got %q, want %q", script, want)
	}
}
