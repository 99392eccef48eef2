package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"fieldservice/internal/config"
)

type fakePasses struct {
	mu         sync.Mutex
	calls      int
	limits     []int
	olderThan  time.Duration
	expireErr  error
	reconciled int
}

func (f *fakePasses) ExpireQuotes(_ context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	if f.expireErr != nil {
		return 0, f.expireErr
	}
	return 2, nil
}

func (f *fakePasses) FlagPastDue(_ context.Context, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limits = append(f.limits, limit)
	return 1, nil
}

func (f *fakePasses) ReconcileDrafts(_ context.Context, olderThan time.Duration, limit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.olderThan = olderThan
	f.limits = append(f.limits, limit)
	return f.reconciled, nil
}

func (f *fakePasses) tickCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestTickRunsEveryPass(t *testing.T) {
	p := &fakePasses{reconciled: 3}
	r := New(config.Config{SweepBatchSize: 25, ReconcileAfter: time.Hour}, p, zap.NewNop().Sugar())

	res := r.Tick(context.Background())
	assert.Equal(t, Result{Expired: 2, PastDue: 1, Reconciled: 3}, res)
	assert.Equal(t, []int{25, 25, 25}, p.limits)
	assert.Equal(t, time.Hour, p.olderThan)
}

func TestTickContinuesAfterFailedPass(t *testing.T) {
	p := &fakePasses{expireErr: errors.New("db down")}
	r := New(config.Config{}, p, zap.NewNop().Sugar())

	res := r.Tick(context.Background())
	assert.Zero(t, res.Expired)
	assert.Equal(t, 1, res.PastDue)
	assert.Equal(t, []int{100, 100, 100}, p.limits, "defaults apply")
}

func TestStartStop(t *testing.T) {
	p := &fakePasses{}
	r := New(config.Config{SweepInterval: 5 * time.Millisecond}, p, zap.NewNop().Sugar())

	r.Start(context.Background())
	r.Start(context.Background())
	require.Eventually(t, func() bool { return p.tickCount() >= 2 }, time.Second, time.Millisecond)
	r.Stop()
	r.Stop()

	after := p.tickCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, p.tickCount(), "no ticks after Stop")
}
