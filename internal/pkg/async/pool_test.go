package async_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webalyze/internal/pkg/async"
)

func TestPoolExecute(t *testing.T) {
	var running, peak atomic.Int32
	var tasks []async.Task[int]
	for i := 0; i < 20; i++ {
		tasks = append(tasks, async.Task[int]{
			Name: fmt.Sprintf("task-%d", i),
			Execute: func(ctx context.Context) (int, error) {
				n := running.Add(1)
				defer running.Add(-1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				if i == 7 {
					return 0, errors.New("boom")
				}
				return i * i, nil
			},
		})
	}

	results := async.NewPool[int](3).Execute(context.Background(), tasks)
	require.Len(t, results, 20)
	assert.Equal(t, 81, results["task-9"].Data)
	assert.EqualError(t, results["task-7"].Err, "boom")
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := async.NewPool[string](2).Execute(ctx, []async.Task[string]{
		{Name: "a", Execute: func(context.Context) (string, error) { return "a", nil }},
	})
	assert.LessOrEqual(t, len(results), 1)
}
