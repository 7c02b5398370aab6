package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerator_ScanID(t *testing.T) {
	g, err := New(1)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := g.ScanID()
		require.True(t, strings.HasPrefix(id, "SCN-"))
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestNew_RejectsOutOfRangeNode(t *testing.T) {
	_, err := New(1 << 20)
	require.Error(t, err)
}
