package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/adsproject/ads/internal/common/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers delivered events across goroutines.
type collector struct {
	mu     sync.Mutex
	events []*Event
	wg     sync.WaitGroup
}

func (c *collector) expect(n int) { c.wg.Add(n) }

func (c *collector) handler(ctx context.Context, ev *Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.wg.Done()
	return nil
}

func (c *collector) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deliveries")
	}
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	c := &collector{}
	c.expect(1)
	_, err := b.Subscribe(AgentSubject("codex"), c.handler)
	require.NoError(t, err)

	ev := NewEvent("turn.completed", "orchestrator", map[string]any{"agent_id": "codex"})
	require.NoError(t, b.Publish(context.Background(), AgentSubject("codex"), ev))

	c.wait(t)
	assert.Equal(t, "turn.completed", c.events[0].Type)
	assert.NotEmpty(t, c.events[0].ID)
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	star := &collector{}
	star.expect(2)
	_, err := b.Subscribe(AllAgentEvents(), star.handler)
	require.NoError(t, err)

	deep := &collector{}
	deep.expect(1)
	_, err = b.Subscribe(AllTaskEvents(), deep.handler)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, AgentSubject("codex"), NewEvent("a", "t", nil)))
	require.NoError(t, b.Publish(ctx, AgentSubject("claude"), NewEvent("b", "t", nil)))
	require.NoError(t, b.Publish(ctx, TaskSubject("task-1"), NewEvent("c", "t", nil)))

	star.wait(t)
	deep.wait(t)
	assert.Equal(t, 2, star.count())
	assert.Equal(t, 1, deep.count())
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	c := &collector{}
	c.expect(1)
	sub, err := b.Subscribe("x", c.handler)
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("one", "t", nil)))
	c.wait(t)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("two", "t", nil)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count())
}

func TestMemoryBusQueueGroupDeliversOnce(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	c := &collector{}
	c.expect(4)
	_, err := b.QueueSubscribe("work", "pool", c.handler)
	require.NoError(t, err)
	_, err = b.QueueSubscribe("work", "pool", c.handler)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(ctx, "work", NewEvent("job", "t", nil)))
	}

	c.wait(t)
	// Each event lands exactly once despite two group members.
	assert.Equal(t, 4, c.count())
}

func TestMemoryBusQueueRequiresName(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	defer b.Close()

	_, err := b.QueueSubscribe("work", "", func(context.Context, *Event) error { return nil })
	require.Error(t, err)
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryBus(logger.NewNop())
	sub, err := b.Subscribe("x", func(context.Context, *Event) error { return nil })
	require.NoError(t, err)

	b.Close()
	assert.False(t, b.IsConnected())
	assert.False(t, sub.IsValid())

	err = b.Publish(context.Background(), "x", NewEvent("e", "t", nil))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = b.Subscribe("y", func(context.Context, *Event) error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSubjectHelpers(t *testing.T) {
	assert.Equal(t, "ads.agent.codex.events", AgentSubject("codex"))
	assert.Equal(t, "ads.task.t1.status", TaskSubject("t1"))
	assert.Equal(t, "ads.session.s1", SessionSubject("s1"))
}
