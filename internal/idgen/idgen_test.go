package idgen

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client)
}

func TestNextIDIncreasing(t *testing.T) {
	g := newGenerator(t)
	ctx := context.Background()

	prev, err := g.NextID(ctx, "order")
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		id, err := g.NextID(ctx, "order")
		require.NoError(t, err)
		assert.Greater(t, id, prev)
		prev = id
	}
}

func TestNextIDUniqueUnderConcurrency(t *testing.T) {
	g := newGenerator(t)
	ctx := context.Background()

	const workers = 20
	const perWorker = 50

	var mu sync.Mutex
	seen := make(map[int64]struct{}, workers*perWorker)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := g.NextID(ctx, "order")
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, workers*perWorker, "并发生成不允许出现重复 id")
}

func TestNextIDPrefixesIsolated(t *testing.T) {
	g := newGenerator(t)
	ctx := context.Background()

	a, err := g.NextID(ctx, "order")
	require.NoError(t, err)
	b, err := g.NextID(ctx, "refund")
	require.NoError(t, err)

	// 不同前缀各自从 1 开始计数，低位序号应相同
	assert.Equal(t, a&0xffffffff, b&0xffffffff)
}

func TestNextIDTimestampBits(t *testing.T) {
	g := newGenerator(t)
	ctx := context.Background()

	id, err := g.NextID(ctx, "order")
	require.NoError(t, err)

	ts := id >> countBits
	want := time.Now().UTC().Unix() - beginTimestamp
	assert.InDelta(t, want, ts, 2)
}
