package cluster

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	require.True(t, NewStatic(true).IsLeader())
	require.False(t, NewStatic(false).IsLeader())
}

func TestAdvisoryLock_RequiresDatabase(t *testing.T) {
	_, err := NewAdvisoryLock(nil, 1, zerolog.Nop())
	require.Error(t, err)
}
