package bootstrap

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"duet/internal/config"
	"duet/internal/feed"
	"duet/internal/identity"
	"duet/internal/service"
	"duet/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		StoreBackend:         config.BackendMemory,
		RetentionHorizonMS:   86_400_000,
		SweepIntervalSeconds: 60,
		MutationMaxAttempts:  5,
		FeedMaxBacklog:       16,
		MediaDir:             t.TempDir(),
		MediaMaxUploadMB:     1,
		FeatureFlags:         "lazy_expiry=on",
		InstanceID:           "test-instance",
	}
}

func TestConnectRedis(t *testing.T) {
	ctx := context.Background()

	rdb, err := ConnectRedis(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, rdb)

	mr := miniredis.RunT(t)
	rdb, err = ConnectRedis(ctx, mr.Addr())
	require.NoError(t, err)
	require.NotNil(t, rdb)
	_ = rdb.Close()

	rdb, err = ConnectRedis(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	_ = rdb.Close()

	_, err = ConnectRedis(ctx, "redis://%zz")
	assert.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	cfg := baseConfig(t)

	st, err := OpenStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &store.Memory{}, st)

	cfg.StoreBackend = config.BackendRedis
	_, err = OpenStore(cfg, nil)
	assert.Error(t, err)

	cfg.StoreBackend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "duet.db")
	st, err = OpenStore(cfg, nil)
	require.NoError(t, err)
	assert.IsType(t, &store.Gorm{}, st)
	require.NoError(t, st.Close())

	cfg.StoreBackend = "cassandra"
	_, err = OpenStore(cfg, nil)
	assert.Error(t, err)
}

func TestInitRuntime_WithRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := baseConfig(t)
	cfg.StoreBackend = config.BackendRedis
	cfg.RedisURL = mr.Addr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rt, err := InitRuntime(ctx, cfg)
	require.NoError(t, err)
	require.NoError(t, rt.Start(ctx))
	defer func() { assert.NoError(t, rt.Close(context.Background())) }()

	sub, err := rt.Feed.Subscribe(feed.Filter{})
	require.NoError(t, err)

	actor, err := identity.New("frontend1")
	require.NoError(t, err)
	post, err := rt.Posts.CreatePost(ctx, actor, service.CreatePostInput{Text: "hello"})
	require.NoError(t, err)
	assert.True(t, mr.Exists(store.RedisKey(post.ID)))

	select {
	case rec := <-sub.C():
		assert.Equal(t, post.ID, rec.PostID())
		assert.Equal(t, "test-instance", rec.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("no change record")
	}

	call, err := rt.Calls.Ring(ctx, actor)
	require.NoError(t, err)
	assert.True(t, mr.Exists("call"))
	assert.Len(t, call.Code, 6)
}

func TestInitRuntime_RedisRequiredOnlyForRedisBackend(t *testing.T) {
	cfg := baseConfig(t)
	cfg.RedisURL = "127.0.0.1:1"

	rt, err := InitRuntime(context.Background(), cfg)
	require.NoError(t, err)
	assert.Nil(t, rt.Redis)
	require.NoError(t, rt.Close(context.Background()))

	cfg.StoreBackend = config.BackendRedis
	_, err = InitRuntime(context.Background(), cfg)
	assert.Error(t, err)
}
