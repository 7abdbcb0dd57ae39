package log

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwarderKeepsOnlyWarningsAndErrors(t *testing.T) {
	f := NewForwarder(10)
	l := zerolog.New(&bytes.Buffer{}).Hook(f)

	l.Debug().Msg("debug")
	l.Info().Msg("info")
	l.Warn().Msg("careful")
	l.Error().Msg("broken")

	got := f.Entries()
	require.Len(t, got, 2)
	assert.Equal(t, "warn", got[0].Level)
	assert.Equal(t, "careful", got[0].Message)
	assert.Equal(t, "error", got[1].Level)
}

func TestForwarderDropsOldest(t *testing.T) {
	f := NewForwarder(3)
	l := zerolog.New(&bytes.Buffer{}).Hook(f)
	for i := 0; i < 5; i++ {
		l.Warn().Msg(fmt.Sprintf("w%d", i))
	}
	got := f.Entries()
	require.Len(t, got, 3)
	assert.Equal(t, "w2", got[0].Message)
	assert.Equal(t, "w4", got[2].Message)
}

func TestForwarderSink(t *testing.T) {
	f := NewForwarder(0)
	var seen []string
	f.SetSink(func(e Entry) { seen = append(seen, e.Message) })
	l := zerolog.New(&bytes.Buffer{}).Hook(f)
	l.Error().Msg("one")
	f.SetSink(nil)
	l.Error().Msg("two")
	assert.Equal(t, []string{"one"}, seen)
	assert.Len(t, f.Entries(), 2)
}
