package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shop struct {
	ID   uint   `json:"id"`
	Name string `json:"name"`
}

func newClient(t *testing.T) (*miniredis.Miniredis, *rd.Client, *Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := rd.NewClient(&rd.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	c := New(rdb, zerolog.Nop(), Config{NullTTL: time.Minute})
	return mr, rdb, c
}

func TestGetOrLoadMissThenHit(t *testing.T) {
	_, _, c := newClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(ctx context.Context) (*shop, error) {
		calls.Add(1)
		return &shop{ID: 1, Name: "茶颜悦色"}, nil
	}

	got, err := GetOrLoad(ctx, c, "cache:shop:1", time.Minute, loader)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "茶颜悦色", got.Name)
	assert.EqualValues(t, 1, calls.Load())

	// 第二次命中缓存，不回源
	got, err = GetOrLoad(ctx, c, "cache:shop:1", time.Minute, loader)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetOrLoadNullMarkerStopsPenetration(t *testing.T) {
	_, _, c := newClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(ctx context.Context) (*shop, error) {
		calls.Add(1)
		return nil, nil
	}

	got, err := GetOrLoad(ctx, c, "cache:shop:404", time.Minute, loader)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.EqualValues(t, 1, calls.Load())

	// 空值标记窗口内重复查询不得再触发 loader
	for i := 0; i < 10; i++ {
		got, err = GetOrLoad(ctx, c, "cache:shop:404", time.Minute, loader)
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestGetOrLoadNullMarkerExpires(t *testing.T) {
	mr, _, c := newClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(ctx context.Context) (*shop, error) {
		calls.Add(1)
		return nil, nil
	}

	_, err := GetOrLoad(ctx, c, "cache:shop:404", time.Minute, loader)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)

	_, err = GetOrLoad(ctx, c, "cache:shop:404", time.Minute, loader)
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load(), "标记过期后应重新回源")
}

func TestGetOrLoadLoaderErrorPropagates(t *testing.T) {
	_, rdb, c := newClient(t)
	ctx := context.Background()

	boom := errors.New("db down")
	_, err := GetOrLoad(ctx, c, "cache:shop:2", time.Minute, func(ctx context.Context) (*shop, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)

	// 失败时不得写入任何缓存项（包括空值标记）
	exists, err := rdb.Exists(ctx, "cache:shop:2").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, exists)
}

func TestGetOrLoadLogicalUnwarmedIsMiss(t *testing.T) {
	_, _, c := newClient(t)
	ctx := context.Background()

	var calls atomic.Int32
	got, err := GetOrLoadLogical(ctx, c, "cache:shop:3", time.Minute, func(ctx context.Context) (*shop, error) {
		calls.Add(1)
		return &shop{ID: 3}, nil
	})
	require.NoError(t, err)
	assert.Nil(t, got, "未预热的 key 不做同步回源")
	assert.EqualValues(t, 0, calls.Load())
}

func TestGetOrLoadLogicalFresh(t *testing.T) {
	_, _, c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithLogicalExpire(ctx, "cache:shop:4", shop{ID: 4, Name: "old"}, time.Minute))

	got, err := GetOrLoadLogical(ctx, c, "cache:shop:4", time.Minute, func(ctx context.Context) (*shop, error) {
		t.Fatal("未过期不应回源")
		return nil, nil
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "old", got.Name)
}

func TestGetOrLoadLogicalStaleReturnsImmediately(t *testing.T) {
	_, _, c := newClient(t)
	ctx := context.Background()

	// 写入一个已经逻辑过期的条目
	require.NoError(t, c.SetWithLogicalExpire(ctx, "cache:shop:5", shop{ID: 5, Name: "stale"}, -time.Second))

	slow := func(ctx context.Context) (*shop, error) {
		time.Sleep(500 * time.Millisecond)
		return &shop{ID: 5, Name: "fresh"}, nil
	}

	start := time.Now()
	got, err := GetOrLoadLogical(ctx, c, "cache:shop:5", time.Minute, slow)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "stale", got.Name, "重建期间返回旧值")
	assert.Less(t, elapsed, 200*time.Millisecond, "调用方不得等待 loader")

	// 后台重建最终写回新值
	require.Eventually(t, func() bool {
		v, err := GetOrLoadLogical(ctx, c, "cache:shop:5", time.Minute, slow)
		return err == nil && v != nil && v.Name == "fresh"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestGetOrLoadLogicalSingleRebuild(t *testing.T) {
	_, _, c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithLogicalExpire(ctx, "cache:shop:6", shop{ID: 6, Name: "stale"}, -time.Second))

	var calls atomic.Int32
	loader := func(ctx context.Context) (*shop, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return &shop{ID: 6, Name: "fresh"}, nil
	}

	const readers = 20
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := GetOrLoadLogical(ctx, c, "cache:shop:6", time.Minute, loader)
			if err != nil || v == nil {
				t.Error("stale read failed")
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		v, err := GetOrLoadLogical(ctx, c, "cache:shop:6", time.Minute, loader)
		return err == nil && v != nil && v.Name == "fresh"
	}, 3*time.Second, 50*time.Millisecond)

	assert.EqualValues(t, 1, calls.Load(), "并发过期读只允许一次重建")
}

func TestRebuildReleasesLockOnLoaderFailure(t *testing.T) {
	_, rdb, c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithLogicalExpire(ctx, "cache:shop:7", shop{ID: 7, Name: "stale"}, -time.Second))

	_, err := GetOrLoadLogical(ctx, c, "cache:shop:7", time.Minute, func(ctx context.Context) (*shop, error) {
		return nil, errors.New("db down")
	})
	require.NoError(t, err, "loader 失败走后台，读路径不报错")

	// 锁必须被释放，否则该 key 的重建永久卡死
	require.Eventually(t, func() bool {
		n, err := rdb.Exists(ctx, "lock:cache:shop:7").Result()
		return err == nil && n == 0
	}, 3*time.Second, 50*time.Millisecond)
}

func TestDeleteInvalidates(t *testing.T) {
	_, _, c := newClient(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "cache:shop:8", shop{ID: 8}, time.Minute))
	require.NoError(t, c.Delete(ctx, "cache:shop:8"))

	var calls atomic.Int32
	_, err := GetOrLoad(ctx, c, "cache:shop:8", time.Minute, func(ctx context.Context) (*shop, error) {
		calls.Add(1)
		return &shop{ID: 8}, nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, calls.Load(), "失效后读取应回源")
}
