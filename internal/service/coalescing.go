package service

import (
	"context"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/co2-monitor/internal/models"
)

// requestCoalescer collapses concurrent identical queries into one store read.
// Callers wait for the shared result up to timeout or until their own ctx ends;
// an abandoned caller does not cancel the shared read.
type requestCoalescer struct {
	group   singleflight.Group
	timeout time.Duration
}

func newRequestCoalescer(timeout time.Duration) *requestCoalescer {
	return &requestCoalescer{timeout: timeout}
}

// GetOrDo runs fn for key unless a call for key is already in flight, in which
// case it waits for that call's result. shared reports whether the result was
// delivered to more than one caller.
func (rc *requestCoalescer) GetOrDo(ctx context.Context, key string, fn func(ctx context.Context) (models.Series, error)) (series models.Series, shared bool, err error) {
	ch := rc.group.DoChan(key, func() (interface{}, error) {
		// Detached so that the first caller's cancellation does not fail everyone else.
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rc.timeout)
		defer cancel()
		return fn(runCtx)
	})

	waitCtx, cancel := context.WithTimeout(ctx, rc.timeout)
	defer cancel()
	select {
	case res := <-ch:
		if res.Err != nil {
			return models.Series{}, res.Shared, res.Err
		}
		return res.Val.(models.Series), res.Shared, nil
	case <-waitCtx.Done():
		return models.Series{}, false, waitCtx.Err()
	}
}
