package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type countingTicker struct {
	n   atomic.Int32
	err error
}

func (c *countingTicker) Tick(context.Context) (*TickSummary, error) {
	c.n.Add(1)
	return &TickSummary{}, c.err
}

func TestRunner_TicksUntilCancelled(t *testing.T) {
	ticker := &countingTicker{err: errors.New("db down")}
	r := NewRunner(ticker, 10*time.Millisecond, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 55*time.Millisecond)
	defer cancel()
	assert.NoError(t, r.Run(ctx))
	assert.GreaterOrEqual(t, ticker.n.Load(), int32(2))
}
