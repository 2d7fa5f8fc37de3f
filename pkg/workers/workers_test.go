package workers

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncerLatestWins(t *testing.T) {
	d := NewDebouncer(30 * time.Millisecond)
	defer d.Stop()

	var got atomic.Int32
	done := make(chan struct{})

	d.Trigger("recap", func() { got.Store(1) })
	d.Trigger("recap", func() { got.Store(2) })
	d.Trigger("recap", func() {
		got.Store(3)
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("debounced fn never ran")
	}
	assert.Equal(t, int32(3), got.Load())
}

func TestDebouncerKeysIndependent(t *testing.T) {
	d := NewDebouncer(10 * time.Millisecond)
	defer d.Stop()

	var wg sync.WaitGroup
	wg.Add(2)
	var a, b atomic.Bool
	d.Trigger("main", func() { a.Store(true); wg.Done() })
	d.Trigger("fork", func() { b.Store(true); wg.Done() })

	waitDone(t, &wg)
	assert.True(t, a.Load())
	assert.True(t, b.Load())
}

func TestDebouncerCancel(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)
	defer d.Stop()

	var fired atomic.Bool
	d.Trigger("recap", func() { fired.Store(true) })
	d.Cancel("recap")

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestDebouncerStopCancelsAll(t *testing.T) {
	d := NewDebouncer(20 * time.Millisecond)

	var fired atomic.Int32
	d.Trigger("a", func() { fired.Add(1) })
	d.Trigger("b", func() { fired.Add(1) })
	d.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestCooldown(t *testing.T) {
	c := NewCooldown(time.Hour)

	assert.True(t, c.Allow("main"))
	assert.False(t, c.Allow("main"))
	// Other keys track separately.
	assert.True(t, c.Allow("fork"))
}

func TestCooldownExpires(t *testing.T) {
	c := NewCooldown(10 * time.Millisecond)

	require.True(t, c.Allow("main"))
	time.Sleep(25 * time.Millisecond)
	assert.True(t, c.Allow("main"))
}

func TestPoolRunsAndWaits(t *testing.T) {
	p := NewPool(context.Background())

	var ran atomic.Bool
	p.Go("job", func(ctx context.Context) {
		time.Sleep(10 * time.Millisecond)
		ran.Store(true)
	})
	p.Shutdown()

	assert.True(t, ran.Load())
}

func TestPoolRecoversPanic(t *testing.T) {
	p := NewPool(context.Background())

	p.Go("boom", func(ctx context.Context) { panic("boom") })

	var after atomic.Bool
	p.Go("after", func(ctx context.Context) { after.Store(true) })
	p.Shutdown()

	assert.True(t, after.Load())
}

func TestPoolShutdownCancelsContext(t *testing.T) {
	p := NewPool(context.Background())

	canceled := make(chan struct{})
	p.Go("waiter", func(ctx context.Context) {
		<-ctx.Done()
		close(canceled)
	})
	p.Shutdown()

	select {
	case <-canceled:
	case <-time.After(time.Second):
		t.Fatal("context never canceled")
	}
}

func waitDone(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting")
	}
}
