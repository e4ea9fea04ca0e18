package session

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSweeper struct {
	calls atomic.Int32
}

func (s *countingSweeper) Sweep() int {
	s.calls.Add(1)
	return 1
}

func TestNewJanitor(t *testing.T) {
	t.Run("should require a sweeper", func(t *testing.T) {
		_, err := NewJanitor(zerolog.Nop(), nil, "")
		assert.Error(t, err)
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		_, err := NewJanitor(zerolog.Nop(), &countingSweeper{}, "every minute")
		assert.Error(t, err)
	})

	t.Run("should accept cron expressions", func(t *testing.T) {
		_, err := NewJanitor(zerolog.Nop(), &countingSweeper{}, "*/5 * * * *")
		assert.NoError(t, err)
	})
}

func TestJanitor_StartStop(t *testing.T) {
	sweeper := &countingSweeper{}
	j, err := NewJanitor(zerolog.Nop(), sweeper, "@every 1s")
	require.NoError(t, err)

	var extra atomic.Int32
	require.NoError(t, j.AddJob("extra", "@every 1s", func() { extra.Add(1) }))

	require.NoError(t, j.Start())
	assert.True(t, j.IsRunning())
	assert.Error(t, j.Start())

	assert.Eventually(t, func() bool {
		return sweeper.calls.Load() > 0 && extra.Load() > 0
	}, 3*time.Second, 50*time.Millisecond)

	require.NoError(t, j.Stop())
	assert.False(t, j.IsRunning())
	assert.Error(t, j.Stop())
}

func TestJanitor_RecoversPanics(t *testing.T) {
	j, err := NewJanitor(zerolog.Nop(), &countingSweeper{}, "@every 1s")
	require.NoError(t, err)

	var after atomic.Bool
	require.NoError(t, j.AddJob("boom", "@every 1s", func() { panic("boom") }))
	require.NoError(t, j.AddJob("after", "@every 1s", func() { after.Store(true) }))

	require.NoError(t, j.Start())
	defer j.Stop()

	assert.Eventually(t, after.Load, 3*time.Second, 50*time.Millisecond)
}
