package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckAll_EmptyIsHealthy(t *testing.T) {
	ok, statuses := NewRegistry().CheckAll(context.Background())
	assert.True(t, ok)
	assert.Empty(t, statuses)
}

func TestCheckAll_OrderAndNames(t *testing.T) {
	r := NewRegistry()
	r.Register("database", func(context.Context) Status { return Status{Healthy: true} })
	r.Register("ledger", func(context.Context) Status {
		return Status{Name: "ignored", Healthy: false, Detail: "open circuits: node-0"}
	})

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	require.Len(t, statuses, 2)
	assert.Equal(t, "database", statuses[0].Name)
	assert.True(t, statuses[0].Healthy)
	assert.Equal(t, "ledger", statuses[1].Name)
	assert.Equal(t, "open circuits: node-0", statuses[1].Detail)
}

func TestCheckAll_PanicIsUnhealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("scheduler", func(context.Context) Status { panic("boom") })

	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	require.Len(t, statuses, 1)
	assert.Equal(t, "scheduler", statuses[0].Name)
	assert.Contains(t, statuses[0].Detail, "boom")
}

func TestCheckAll_TimeoutBoundsEachCheck(t *testing.T) {
	r := NewRegistry()
	r.timeout = 20 * time.Millisecond
	r.Register("database", DB(pingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})))

	start := time.Now()
	ok, statuses := r.CheckAll(context.Background())
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}

func TestCheckAll_RunsConcurrently(t *testing.T) {
	r := NewRegistry()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	slow := func(context.Context) Status {
		started <- struct{}{}
		<-release
		return Status{Healthy: true}
	}
	r.Register("a", slow)
	r.Register("b", slow)

	done := make(chan bool)
	go func() {
		ok, _ := r.CheckAll(context.Background())
		done <- ok
	}()
	<-started
	<-started
	close(release)
	assert.True(t, <-done)
}
