package migrate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSource_ListsMigrationsInOrder(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)
}

func TestSource_EveryUpHasADown(t *testing.T) {
	src, err := Source()
	require.NoError(t, err)
	defer src.Close()

	for v := uint(1); v <= 2; v++ {
		up, _, err := src.ReadUp(v)
		require.NoError(t, err, "up %d", v)
		_ = up.Close()
		down, _, err := src.ReadDown(v)
		require.NoError(t, err, "down %d", v)
		_ = down.Close()
	}
}

func TestDown_RejectsNonPositiveSteps(t *testing.T) {
	assert.Error(t, Down("postgres://unused", 0))
}
