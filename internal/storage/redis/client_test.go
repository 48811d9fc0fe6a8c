package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 需要真实的 Redis 7+，通过 TEMPINBOX_TEST_REDIS_ADDR 指定地址
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEMPINBOX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEMPINBOX_TEST_REDIS_ADDR not set")
	}
	c, err := New(context.Background(), Options{Address: addr, Prefix: "tempinbox-test:"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestClient_IncrementWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "rl:" + uuid.NewString()

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrementWindow(ctx, key, time.Second)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	time.Sleep(1100 * time.Millisecond)
	got, err := c.IncrementWindow(ctx, key, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got, "窗口结束后重新计数")
}

func TestNew_Unreachable(t *testing.T) {
	_, err := New(context.Background(), Options{Address: "127.0.0.1:1"}, nil)
	assert.Error(t, err)
}
