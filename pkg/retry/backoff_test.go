package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicyDelayDoublesUpToCap(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 1 * time.Second}

	assert.Equal(t, 100*time.Millisecond, p.Delay("k", 0))
	assert.Equal(t, 200*time.Millisecond, p.Delay("k", 1))
	assert.Equal(t, 400*time.Millisecond, p.Delay("k", 2))
	assert.Equal(t, 800*time.Millisecond, p.Delay("k", 3))
	assert.Equal(t, 1*time.Second, p.Delay("k", 4))
	assert.Equal(t, 1*time.Second, p.Delay("k", 60))
}

func TestPolicyJitterIsDeterministicAndBounded(t *testing.T) {
	p := Policy{Base: 10 * time.Millisecond, Max: time.Second, MaxJitter: 50 * time.Millisecond}

	for attempt := 0; attempt < 5; attempt++ {
		d1 := p.Delay("engine", attempt)
		d2 := p.Delay("engine", attempt)
		require.Equal(t, d1, d2, "jitter must be deterministic for attempt %d", attempt)

		base := Policy{Base: p.Base, Max: p.Max}.Delay("engine", attempt)
		assert.GreaterOrEqual(t, d1, base)
		assert.Less(t, d1, base+p.MaxJitter)
	}
}

func TestPolicySchedule(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: 30 * time.Second, MaxAttempts: 4}

	sched := p.Schedule("upstream")
	require.Len(t, sched, 4)
	assert.Equal(t, time.Duration(0), sched[0])
	assert.Equal(t, 100*time.Millisecond, sched[1])
	assert.Equal(t, 200*time.Millisecond, sched[2])
	assert.Equal(t, 400*time.Millisecond, sched[3])

	assert.Nil(t, Policy{}.Schedule("x"))
}

func TestSleepHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	require.NoError(t, Sleep(context.Background(), time.Millisecond))
}
