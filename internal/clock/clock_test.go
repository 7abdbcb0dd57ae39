package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	ch := c.After(2 * time.Second)
	require.Equal(t, 1, c.Waiters())

	c.Advance(time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, start.Add(2*time.Second), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestFakeSetBackwards(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	c.Set(start.Add(-time.Hour))
	assert.Equal(t, start.Add(-time.Hour), c.Now())
	assert.Equal(t, start.Add(-time.Hour).UnixMilli(), NowMillis(c))
}
