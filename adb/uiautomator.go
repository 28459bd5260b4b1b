package adb

import (
	"context"
	"encoding/xml"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"mobilecontrol/models"
)

const (
	dumpFile       = "/data/local/tmp/mobilecontrol_view.xml"
	dumpMaxRetries = 3
)

// UINode is one element of a uiautomator hierarchy dump.
type UINode struct {
	XMLName     xml.Name `xml:"node" json:"-"`
	Text        string   `xml:"text,attr" json:"text"`
	ResourceID  string   `xml:"resource-id,attr" json:"resourceId"`
	Class       string   `xml:"class,attr" json:"class"`
	Package     string   `xml:"package,attr" json:"package"`
	ContentDesc string   `xml:"content-desc,attr" json:"contentDesc"`
	Clickable   string   `xml:"clickable,attr" json:"clickable"`
	Enabled     string   `xml:"enabled,attr" json:"enabled"`
	Bounds      string   `xml:"bounds,attr" json:"bounds"`
	Nodes       []UINode `xml:"node" json:"nodes"`
}

type uiHierarchy struct {
	XMLName xml.Name `xml:"hierarchy"`
	Nodes   []UINode `xml:"node"`
}

// DumpUI dumps the current window hierarchy. uiautomator is flaky on busy
// screens, so the dump is retried a few times before giving up.
func (c *Client) DumpUI(ctx context.Context, deviceID string) (*UINode, error) {
	var (
		out string
		err error
	)
	for i := 0; i < dumpMaxRetries; i++ {
		if i > 0 {
			_, _ = c.shell(ctx, deviceID, "pkill uiautomator")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(300 * time.Millisecond):
			}
		}

		out, err = c.shell(ctx, deviceID, fmt.Sprintf("uiautomator dump %s >/dev/null && cat %s", dumpFile, dumpFile))
		if err == nil && strings.Contains(out, "<?xml") {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Debug().Str("device", deviceID).Int("attempt", i+1).Err(err).Msg("ui dump retry")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dump UI after %d attempts: %w", dumpMaxRetries, err)
	}
	return ParseHierarchy(out)
}

// ParseHierarchy parses raw uiautomator XML. Trailing shell noise around the
// document is discarded.
func ParseHierarchy(raw string) (*UINode, error) {
	start := strings.Index(raw, "<?xml")
	if start == -1 {
		return nil, fmt.Errorf("no XML document in ui dump")
	}
	raw = raw[start:]
	if end := strings.LastIndex(raw, ">"); end != -1 {
		raw = raw[:end+1]
	}

	var h uiHierarchy
	if err := xml.Unmarshal([]byte(raw), &h); err != nil {
		return nil, fmt.Errorf("failed to parse UI XML (length: %d): %w", len(raw), err)
	}
	switch len(h.Nodes) {
	case 0:
		return nil, fmt.Errorf("empty ui hierarchy")
	case 1:
		return &h.Nodes[0], nil
	}
	return &UINode{
		Class:   "android.view.View",
		Package: h.Nodes[0].Package,
		Bounds:  "[0,0][0,0]",
		Nodes:   h.Nodes,
	}, nil
}

// Selector locates a UI element. Expressions have the form kind:value where
// kind is one of id, text, desc, class or contains.
type Selector struct {
	Kind  string
	Value string
}

func (s Selector) String() string {
	return s.Kind + ":" + s.Value
}

// ParseSelector splits expr on its first colon. ok is false when expr is not
// a selector expression, in which case it is a plain label.
func ParseSelector(expr string) (Selector, bool) {
	kind, value, found := strings.Cut(expr, ":")
	if !found || value == "" {
		return Selector{}, false
	}
	switch kind {
	case "id", "text", "desc", "class", "contains":
		return Selector{Kind: kind, Value: value}, true
	}
	return Selector{}, false
}

// Matches reports whether node satisfies the selector.
func (s Selector) Matches(node *UINode) bool {
	switch s.Kind {
	case "text":
		return node.Text == s.Value
	case "id":
		return node.ResourceID == s.Value || strings.HasSuffix(node.ResourceID, ":id/"+s.Value)
	case "class":
		return node.Class == s.Value
	case "desc":
		return node.ContentDesc == s.Value
	case "contains":
		return strings.Contains(node.Text, s.Value) || strings.Contains(node.ContentDesc, s.Value)
	}
	return false
}

// Find returns the first node in depth-first order that matches the selector
// and has non-empty bounds, or nil.
func Find(root *UINode, s Selector) *UINode {
	if root == nil {
		return nil
	}
	if s.Matches(root) {
		if _, ok := ParseBounds(root.Bounds); ok {
			return root
		}
	}
	for i := range root.Nodes {
		if n := Find(&root.Nodes[i], s); n != nil {
			return n
		}
	}
	return nil
}

// Rect is a screen rectangle in device pixels.
type Rect struct {
	Left, Top, Right, Bottom int
}

func (r Rect) Center() models.Point {
	return models.Point{X: (r.Left + r.Right) / 2, Y: (r.Top + r.Bottom) / 2}
}

var boundsRe = regexp.MustCompile(`^\[(-?\d+),(-?\d+)\]\[(-?\d+),(-?\d+)\]$`)

// ParseBounds parses "[l,t][r,b]". Zero-area rectangles are rejected.
func ParseBounds(bounds string) (Rect, bool) {
	m := boundsRe.FindStringSubmatch(strings.TrimSpace(bounds))
	if m == nil {
		return Rect{}, false
	}
	var v [4]int
	for i := range v {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Rect{}, false
		}
		v[i] = n
	}
	r := Rect{Left: v[0], Top: v[1], Right: v[2], Bottom: v[3]}
	if r.Right <= r.Left || r.Bottom <= r.Top {
		return Rect{}, false
	}
	return r, true
}
