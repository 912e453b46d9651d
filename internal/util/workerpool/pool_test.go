package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRunCollectsErrorsByIndex(t *testing.T) {
	p := New(&Config{Name: "test", MaxWorkers: 3, QueueSize: 2, Logger: zap.NewNop()})
	defer p.Stop(time.Second)

	var calls int32
	fns := make([]func(context.Context) error, 10)
	for i := range fns {
		i := i
		fns[i] = func(context.Context) error {
			atomic.AddInt32(&calls, 1)
			if i%3 == 0 {
				return fmt.Errorf("task %d failed", i)
			}
			return nil
		}
	}

	errs := p.Run(context.Background(), fns)
	require.Len(t, errs, 10)
	for i, err := range errs {
		if i%3 == 0 {
			assert.EqualError(t, err, fmt.Sprintf("task %d failed", i))
		} else {
			assert.NoError(t, err)
		}
	}
	assert.Equal(t, int32(10), atomic.LoadInt32(&calls))
	assert.Equal(t, uint64(10), p.Stats().Submitted)
}

func TestPanicBecomesError(t *testing.T) {
	p := New(&Config{Name: "panics", MaxWorkers: 1})
	defer p.Stop(time.Second)

	errs := p.Run(context.Background(), []func(context.Context) error{
		func(context.Context) error { panic("boom") },
	})
	assert.Error(t, errs[0])
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(&Config{Name: "stopped", MaxWorkers: 1})
	require.NoError(t, p.Stop(time.Second))
	require.NoError(t, p.Stop(time.Second))

	err := p.SubmitWithContext(context.Background(), Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.Error(t, err)

	errs := p.Run(context.Background(), []func(context.Context) error{
		func(context.Context) error { return nil },
	})
	assert.Error(t, errs[0])
	assert.Equal(t, uint64(2), p.Stats().Rejected)
}
