package adb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobilecontrol/models"
)

const sampleDump = `UI hierchary dumped to: /data/local/tmp/view.xml
<?xml version='1.0' encoding='UTF-8' standalone='yes' ?><hierarchy rotation="0"><node index="0" text="" resource-id="" class="android.widget.FrameLayout" package="com.instagram.android" content-desc="" clickable="false" enabled="true" bounds="[0,0][1080,2400]"><node index="0" text="Like" resource-id="com.instagram.android:id/row_feed_button_like" class="android.widget.ImageView" package="com.instagram.android" content-desc="Like" clickable="true" enabled="true" bounds="[30,1800][130,1900]" /><node index="1" text="Follow back" resource-id="com.instagram.android:id/follow" class="android.widget.Button" package="com.instagram.android" content-desc="" clickable="true" enabled="true" bounds="[700,300][1000,380]" /><node index="2" text="ghost" resource-id="" class="android.view.View" package="com.instagram.android" content-desc="" clickable="false" enabled="true" bounds="[0,0][0,0]" /></node></hierarchy>
`

func TestParseHierarchy(t *testing.T) {
	root, err := ParseHierarchy(sampleDump)
	require.NoError(t, err)
	assert.Equal(t, "android.widget.FrameLayout", root.Class)
	require.Len(t, root.Nodes, 3)
	assert.Equal(t, "Like", root.Nodes[0].ContentDesc)
}

func TestParseHierarchyRejectsGarbage(t *testing.T) {
	_, err := ParseHierarchy("ERROR: could not get idle state.")
	assert.Error(t, err)
}

func TestParseSelector(t *testing.T) {
	tests := []struct {
		expr string
		want Selector
		ok   bool
	}{
		{"id:row_feed_button_like", Selector{Kind: "id", Value: "row_feed_button_like"}, true},
		{"text:Follow back", Selector{Kind: "text", Value: "Follow back"}, true},
		{"desc:Like", Selector{Kind: "desc", Value: "Like"}, true},
		{"contains:a:b", Selector{Kind: "contains", Value: "a:b"}, true},
		{"post_123", Selector{}, false},
		{"user:alice", Selector{}, false},
		{"id:", Selector{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, ok := ParseSelector(tt.expr)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFind(t *testing.T) {
	root, err := ParseHierarchy(sampleDump)
	require.NoError(t, err)

	n := Find(root, Selector{Kind: "id", Value: "row_feed_button_like"})
	require.NotNil(t, n)
	r, ok := ParseBounds(n.Bounds)
	require.True(t, ok)
	assert.Equal(t, models.Point{X: 80, Y: 1850}, r.Center())

	n = Find(root, Selector{Kind: "contains", Value: "Follow"})
	require.NotNil(t, n)
	assert.Equal(t, "Follow back", n.Text)

	// Zero-area nodes are never returned.
	assert.Nil(t, Find(root, Selector{Kind: "text", Value: "ghost"}))
	assert.Nil(t, Find(root, Selector{Kind: "text", Value: "missing"}))
}

func TestParseBounds(t *testing.T) {
	r, ok := ParseBounds("[10,20][110,220]")
	require.True(t, ok)
	assert.Equal(t, Rect{Left: 10, Top: 20, Right: 110, Bottom: 220}, r)

	_, ok = ParseBounds("[5,5][5,9]")
	assert.False(t, ok)
	_, ok = ParseBounds("bogus")
	assert.False(t, ok)
}
