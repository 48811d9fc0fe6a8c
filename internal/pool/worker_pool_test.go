package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	p := NewWorkerPool(4, 16, zap.NewNop())
	p.Start(context.Background())
	defer p.Stop()

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		assert.True(t, p.TrySubmit(func() { done.Add(1) }))
	}

	assert.Eventually(t, func() bool { return done.Load() == 10 }, time.Second, 5*time.Millisecond)
}

func TestWorkerPool_RecoversFromPanic(t *testing.T) {
	p := NewWorkerPool(1, 4, nil)
	p.Start(context.Background())
	defer p.Stop()

	var ran atomic.Bool
	p.TrySubmit(func() { panic("boom") })
	p.TrySubmit(func() { ran.Store(true) })

	assert.Eventually(t, ran.Load, time.Second, 5*time.Millisecond, "panic 后协程应继续工作")
}

func TestWorkerPool_TrySubmitWhenFull(t *testing.T) {
	p := NewWorkerPool(1, 1, nil)
	// 未启动，队列不会被消费
	assert.True(t, p.TrySubmit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
	assert.Equal(t, 1, p.Pending())
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	p := NewWorkerPool(2, 2, nil)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.False(t, p.TrySubmit(func() {}))
}
