package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tempinbox/backend/internal/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(clock *fakeClock) *Store {
	return NewStore(Options{
		TTLOptions: []int{600, 3600, 21600, 86400},
		DefaultTTL: 3600,
		TokenTTL:   5 * time.Minute,
		Now:        clock.Now,
	})
}

func testAccount(address string) domain.Account {
	return domain.Account{
		Address:   address,
		AccountID: "acc-" + address,
		Password:  "secret",
		Token:     "token-" + address,
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)

	sess := store.Create(testAccount("a@x.test"))
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, 3600, sess.TTL)
	assert.Equal(t, clock.Now(), sess.CreatedAt)
	assert.Empty(t, sess.Messages)
	assert.Zero(t, sess.TokenCount)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@x.test", got.Address)
	assert.Equal(t, "token-a@x.test", got.Token)

	other := store.Create(testAccount("b@x.test"))
	assert.NotEqual(t, sess.ID, other.ID)

	_, err = store.Get("missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStore_GetReturnsSnapshot(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	require.NoError(t, store.ReplaceMessages(sess.ID, sess.Generation, []domain.Message{
		{ID: "m1", Subject: "hello", CreatedAt: clock.Now(), Summary: []string{"one"}},
	}))

	snap, err := store.Get(sess.ID)
	require.NoError(t, err)
	snap.Messages[0].Subject = "mutated"
	snap.Messages[0].Summary[0] = "mutated"

	msgs, err := store.ListMessages(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", msgs[0].Subject)
	assert.Equal(t, "one", msgs[0].Summary[0])
}

func TestStore_SessionExpiryBoundary(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	clock.Advance(3600*time.Second - time.Nanosecond)
	_, err := store.Get(sess.ID)
	require.NoError(t, err)

	clock.Advance(time.Nanosecond)
	_, err = store.Get(sess.ID)
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	removed := store.SweepSessions()
	assert.Equal(t, []string{sess.ID}, removed)
	assert.Zero(t, store.Len())
}

func TestStore_SetTTL(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	t.Run("拒绝不在选项中的TTL", func(t *testing.T) {
		err := store.SetTTL(sess.ID, 1234)
		assert.ErrorIs(t, err, domain.ErrUnsupportedTTL)
		assert.ErrorIs(t, err, domain.ErrUnsupported)

		got, err := store.Get(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, 3600, got.TTL)
	})

	t.Run("会话不存在", func(t *testing.T) {
		err := store.SetTTL("missing", 600)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	})

	t.Run("增加TTL立即延长寿命", func(t *testing.T) {
		clock.Advance(50 * time.Minute)
		require.NoError(t, store.SetTTL(sess.ID, 21600))
		clock.Advance(20 * time.Minute)
		_, err := store.Get(sess.ID)
		assert.NoError(t, err)
	})

	t.Run("减少TTL可立即过期", func(t *testing.T) {
		require.NoError(t, store.SetTTL(sess.ID, 600))
		_, err := store.Get(sess.ID)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		assert.Equal(t, []string{sess.ID}, store.SweepSessions())
	})
}

func TestStore_Reset(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))
	require.NoError(t, store.SetTTL(sess.ID, 86400))

	require.NoError(t, store.ReplaceMessages(sess.ID, sess.Generation, []domain.Message{
		{ID: "m1", CreatedAt: clock.Now()},
	}))
	token, err := store.IssueToken(sess.ID, sess.Generation, "m1", "att1", domain.AttachmentMeta{Filename: "a.pdf"})
	require.NoError(t, err)

	rotated, err := store.Reset(sess.ID, testAccount("b@x.test"))
	require.NoError(t, err)

	assert.Equal(t, sess.ID, rotated.ID)
	assert.Equal(t, "b@x.test", rotated.Address)
	assert.Equal(t, 86400, rotated.TTL)
	assert.True(t, rotated.CreatedAt.After(sess.CreatedAt), "创建时间必须严格递增")
	assert.Empty(t, rotated.Messages)
	assert.Zero(t, rotated.TokenCount)
	assert.Equal(t, sess.Generation+1, rotated.Generation)

	_, err = store.RedeemToken(token.Token)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)

	_, err = store.Reset("missing", testAccount("c@x.test"))
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestStore_ReplaceMessages(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))
	base := clock.Now()

	require.NoError(t, store.ReplaceMessages(sess.ID, sess.Generation, []domain.Message{
		{ID: "old", CreatedAt: base.Add(-time.Minute)},
		{ID: "new", CreatedAt: base},
	}))

	msgs, err := store.ListMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "new", msgs[0].ID, "最新的邮件排在最前")
	assert.Equal(t, base.Add(time.Hour), msgs[0].ExpiresAt)

	t.Run("已缓存邮件保留原过期时间", func(t *testing.T) {
		clock.Advance(10 * time.Minute)
		require.NoError(t, store.SetTTL(sess.ID, 86400))
		require.NoError(t, store.ReplaceMessages(sess.ID, sess.Generation, []domain.Message{
			{ID: "new", CreatedAt: base},
			{ID: "newer", CreatedAt: clock.Now()},
		}))

		msgs, err := store.ListMessages(sess.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, "newer", msgs[0].ID)
		assert.Equal(t, clock.Now().Add(24*time.Hour), msgs[0].ExpiresAt)
		assert.Equal(t, base.Add(time.Hour), msgs[1].ExpiresAt)
	})

	t.Run("会话轮换后旧代数的写入被拒绝", func(t *testing.T) {
		_, err := store.Reset(sess.ID, testAccount("b@x.test"))
		require.NoError(t, err)

		err = store.ReplaceMessages(sess.ID, sess.Generation, []domain.Message{{ID: "stale"}})
		assert.ErrorIs(t, err, domain.ErrStaleGeneration)

		msgs, err := store.ListMessages(sess.ID)
		require.NoError(t, err)
		assert.Empty(t, msgs)
	})
}

func TestStore_PerMessageExpiry(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))
	require.NoError(t, store.SetTTL(sess.ID, 86400))

	require.NoError(t, store.ReplaceMessages(sess.ID, sess.Generation, []domain.Message{
		{ID: "short", CreatedAt: clock.Now(), ExpiresAt: clock.Now().Add(time.Minute)},
		{ID: "long", CreatedAt: clock.Now().Add(-time.Second)},
	}))

	clock.Advance(time.Minute - time.Nanosecond)
	msgs, err := store.ListMessages(sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	clock.Advance(time.Nanosecond)
	msgs, err = store.ListMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "long", msgs[0].ID)

	_, err = store.GetMessage(sess.ID, "short")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	n, err := store.PruneExpired(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = store.PruneExpired(sess.ID)
	require.NoError(t, err)
	assert.Zero(t, n, "清理是幂等的")

	// 已清理的邮件即使上游仍然返回也不会重新出现
	require.NoError(t, store.ReplaceMessages(sess.ID, sess.Generation, []domain.Message{
		{ID: "short", CreatedAt: clock.Now()},
		{ID: "long", CreatedAt: clock.Now().Add(-time.Second)},
	}))
	msgs, err = store.ListMessages(sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "long", msgs[0].ID)
}

func TestStore_ConcurrentMutationsOnSameSession(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = store.SetTTL(sess.ID, 86400)
		}()
		go func() {
			defer wg.Done()
			_ = store.ReplaceMessages(sess.ID, sess.Generation, []domain.Message{
				{ID: "m", CreatedAt: clock.Now()},
			})
		}()
	}
	wg.Wait()

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 86400, got.TTL)
	assert.Len(t, got.Messages, 1)
}

func TestStore_TTLAlwaysAnOption(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	for _, ttl := range []int{0, -1, 599, 600, 601, 3600, 7200, 21600, 86400, 86401} {
		_ = store.SetTTL(sess.ID, ttl)
		got, err := store.Get(sess.ID)
		require.NoError(t, err)
		assert.True(t, store.AllowedTTL(got.TTL), "ttl %d", got.TTL)
	}
}

func TestStore_Tokens(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	meta := domain.AttachmentMeta{Filename: "report.pdf", MimeType: "application/pdf", Size: 42}

	t.Run("兑换一次成功，再次兑换失败", func(t *testing.T) {
		record, err := store.IssueToken(sess.ID, sess.Generation, "m1", "att1", meta)
		require.NoError(t, err)
		assert.Equal(t, clock.Now().Add(5*time.Minute), record.ExpiresAt)

		got, err := store.RedeemToken(record.Token)
		require.NoError(t, err)
		assert.Equal(t, "m1", got.Record.MessageID)
		assert.Equal(t, "att1", got.Record.AttachmentID)
		assert.Equal(t, "report.pdf", got.Record.Filename)
		assert.Equal(t, "token-a@x.test", got.Session.Token)

		_, err = store.RedeemToken(record.Token)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	})

	t.Run("过期令牌无法兑换", func(t *testing.T) {
		record, err := store.IssueToken(sess.ID, sess.Generation, "m1", "att1", meta)
		require.NoError(t, err)
		clock.Advance(5 * time.Minute)

		_, err = store.RedeemToken(record.Token)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	})

	t.Run("清理过期令牌", func(t *testing.T) {
		_, err := store.IssueToken(sess.ID, sess.Generation, "m1", "att1", meta)
		require.NoError(t, err)
		fresh, err := store.IssueToken(sess.ID, sess.Generation, "m1", "att2", meta)
		require.NoError(t, err)
		clock.Advance(3 * time.Minute)
		_, err = store.IssueToken(sess.ID, sess.Generation, "m1", "att3", meta)
		require.NoError(t, err)
		clock.Advance(3 * time.Minute)

		assert.Equal(t, 2, store.SweepTokens())
		_, err = store.RedeemToken(fresh.Token)
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	})

	t.Run("复用仍然有效的令牌", func(t *testing.T) {
		record, err := store.IssueToken(sess.ID, sess.Generation, "m2", "att1", meta)
		require.NoError(t, err)

		found, ok := store.LookupToken(sess.ID, "m2", "att1", time.Minute)
		require.True(t, ok)
		assert.Equal(t, record.Token, found.Token)

		clock.Advance(4*time.Minute + time.Second)
		_, ok = store.LookupToken(sess.ID, "m2", "att1", time.Minute)
		assert.False(t, ok)
	})

	t.Run("未知会话", func(t *testing.T) {
		_, err := store.IssueToken("missing", 0, "m1", "att1", meta)
		assert.ErrorIs(t, err, domain.ErrSessionNotFound)
		_, err = store.RedeemToken("unknown")
		assert.ErrorIs(t, err, domain.ErrTokenNotFound)
	})
}

func TestStore_ConcurrentRedeemExactlyOnce(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	for round := 0; round < 20; round++ {
		record, err := store.IssueToken(sess.ID, sess.Generation, "m1", "att1", domain.AttachmentMeta{})
		require.NoError(t, err)

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			notFound  atomic.Int32
			start     = make(chan struct{})
		)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				_, err := store.RedeemToken(record.Token)
				switch {
				case err == nil:
					successes.Add(1)
				case errors.Is(err, domain.ErrTokenNotFound):
					notFound.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(15), notFound.Load())
	}
}

func TestStore_SweepRemovesTokensOfExpiredSessions(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))
	require.NoError(t, store.SetTTL(sess.ID, 600))

	clock.Advance(9 * time.Minute)
	record, err := store.IssueToken(sess.ID, sess.Generation, "m1", "att1", domain.AttachmentMeta{})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.Equal(t, []string{sess.ID}, store.SweepSessions())

	_, err = store.RedeemToken(record.Token)
	assert.ErrorIs(t, err, domain.ErrTokenNotFound)
}

func TestStore_IssueTokenRejectsStaleGeneration(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	rotated, err := store.Reset(sess.ID, testAccount("b@x.test"))
	require.NoError(t, err)

	_, err = store.IssueToken(sess.ID, sess.Generation, "m1", "att1", domain.AttachmentMeta{})
	assert.ErrorIs(t, err, domain.ErrStaleGeneration)

	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.TokenCount, "旧地址的邮件不能在新地址下留下令牌")

	_, err = store.IssueToken(sess.ID, rotated.Generation, "m1", "att1", domain.AttachmentMeta{})
	require.NoError(t, err)
	assert.Len(t, store.tokens, 1)
}

func TestStore_TokenIndexTracksLiveTokens(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(clock)
	sess := store.Create(testAccount("a@x.test"))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cur, err := store.Get(sess.ID)
				if err != nil {
					return
				}
				_, _ = store.IssueToken(sess.ID, cur.Generation, "m1", "att1", domain.AttachmentMeta{})
			}
		}()
	}
	for i := 0; i < 200; i++ {
		_, err := store.Reset(sess.ID, testAccount("b@x.test"))
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()

	// 索引中的每个令牌都必须仍在所属会话的令牌表里
	got, err := store.Get(sess.ID)
	require.NoError(t, err)
	assert.Len(t, store.tokens, got.TokenCount)

	clock.Advance(time.Hour)
	assert.Equal(t, []string{sess.ID}, store.SweepSessions())
	assert.Empty(t, store.tokens, "会话清理后索引中不应残留令牌")
}
