package main

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/prospect-enricher/internal/reconcile"
)

type countingSweeper struct {
	runs atomic.Int32
}

func (s *countingSweeper) Run(context.Context) (*reconcile.Report, error) {
	s.runs.Add(1)
	return &reconcile.Report{}, nil
}

func TestScheduleReconcile_Runs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sw := &countingSweeper{}
	c, err := scheduleReconcile(ctx, sw, "@every 1s")
	require.NoError(t, err)
	defer func() { <-c.Stop().Done() }()

	assert.Eventually(t, func() bool { return sw.runs.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduleReconcile_InvalidSchedule(t *testing.T) {
	_, err := scheduleReconcile(context.Background(), &countingSweeper{}, "every ten minutes")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schedule")
}

func TestScheduleReconcile_SkipsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sw := &countingSweeper{}
	c, err := scheduleReconcile(ctx, sw, "@every 1s")
	require.NoError(t, err)
	time.Sleep(1500 * time.Millisecond)
	<-c.Stop().Done()

	assert.Zero(t, sw.runs.Load())
}
