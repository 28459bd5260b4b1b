package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.ExecuteContext(context.Background()))
	assert.Equal(t, Version, strings.TrimSpace(out.String()))
}

func TestRootRegistersSubcommands(t *testing.T) {
	root := NewRootCommand()
	for _, name := range []string{"serve", "devices", "version"} {
		c, _, err := root.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, c.Name())
	}
}

func TestBadConfigFileFails(t *testing.T) {
	root := NewRootCommand()
	root.SetArgs([]string{"devices", "--config", "/nonexistent/config.yaml"})
	assert.Error(t, root.ExecuteContext(context.Background()))
}
