package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tempinbox/backend/internal/domain"
)

// Options 会话存储配置
type Options struct {
	TTLOptions []int            // 允许的 TTL 选项（秒）
	DefaultTTL int              // 默认 TTL（秒），必须属于 TTLOptions
	TokenTTL   time.Duration    // 附件令牌有效期
	Now        func() time.Time // 时间源，测试时可替换
}

// entry 单个会话的内部状态，所有字段由 mu 保护。
type entry struct {
	mu        sync.Mutex
	session   domain.Session
	messages  []domain.Message
	evicted   map[string]struct{} // 已因过期被清理的邮件ID，刷新时不再收录
	tokens    map[string]*domain.AttachmentToken
	destroyed bool
}

// Store 进程内的会话存储。
//
// 顶层 RWMutex 只保护 id -> entry 映射；每个会话有独立的互斥锁，
// 同一会话上的操作线性化，不同会话互不阻塞。
// 锁顺序：mu -> entry.mu -> tokensMu。
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	tokensMu sync.Mutex
	tokens   map[string]string // token -> sessionID

	ttlOptions []int
	defaultTTL int
	tokenTTL   time.Duration
	now        func() time.Time
}

// NewStore 创建会话存储。启动时为空。
func NewStore(opts Options) *Store {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 5 * time.Minute
	}
	return &Store{
		sessions:   make(map[string]*entry),
		tokens:     make(map[string]string),
		ttlOptions: append([]int(nil), opts.TTLOptions...),
		defaultTTL: opts.DefaultTTL,
		tokenTTL:   opts.TokenTTL,
		now:        opts.Now,
	}
}

// TTLOptions 返回允许的 TTL 选项副本。
func (s *Store) TTLOptions() []int {
	return append([]int(nil), s.ttlOptions...)
}

// AllowedTTL 判断 TTL 是否属于允许的选项。
func (s *Store) AllowedTTL(ttl int) bool {
	for _, opt := range s.ttlOptions {
		if opt == ttl {
			return true
		}
	}
	return false
}

// Create 创建新会话。
func (s *Store) Create(seed domain.Account) domain.Session {
	now := s.now()
	e := &entry{
		session: domain.Session{
			ID:        uuid.NewString(),
			Address:   seed.Address,
			AccountID: seed.AccountID,
			Password:  seed.Password,
			Token:     seed.Token,
			TTL:       s.defaultTTL,
			CreatedAt: now,
			UpdatedAt: now,
		},
		evicted: make(map[string]struct{}),
		tokens:  make(map[string]*domain.AttachmentToken),
	}

	out := e.snapshotLocked()

	s.mu.Lock()
	s.sessions[e.session.ID] = e
	s.mu.Unlock()

	return out
}

// Get 返回会话快照；不存在或已过期时返回 ErrSessionNotFound。
func (s *Store) Get(id string) (domain.Session, error) {
	var out domain.Session
	err := s.withEntry(id, func(e *entry) error {
		out = e.snapshotLocked()
		return nil
	})
	return out, err
}

// Reset 轮换会话地址：替换凭据，清空邮件与附件令牌，重置创建时间，保留会话ID与TTL。
func (s *Store) Reset(id string, seed domain.Account) (domain.Session, error) {
	var (
		out     domain.Session
		revoked []string
	)
	err := s.withEntry(id, func(e *entry) error {
		now := s.now()
		if !now.After(e.session.CreatedAt) {
			now = e.session.CreatedAt.Add(time.Nanosecond)
		}
		e.session.Address = seed.Address
		e.session.AccountID = seed.AccountID
		e.session.Password = seed.Password
		e.session.Token = seed.Token
		e.session.CreatedAt = now
		e.session.UpdatedAt = now
		e.session.Generation++
		e.messages = nil
		e.evicted = make(map[string]struct{})
		for token := range e.tokens {
			revoked = append(revoked, token)
		}
		e.tokens = make(map[string]*domain.AttachmentToken)
		out = e.snapshotLocked()
		return nil
	})
	if err != nil {
		return domain.Session{}, err
	}
	s.unindexTokens(revoked)
	return out, nil
}

// SetTTL 修改会话 TTL；过期时间以原创建时间 + 新 TTL 重新计算。
func (s *Store) SetTTL(id string, ttl int) error {
	if !s.AllowedTTL(ttl) {
		return domain.ErrUnsupportedTTL
	}
	return s.withEntry(id, func(e *entry) error {
		e.session.TTL = ttl
		e.session.UpdatedAt = s.now()
		return nil
	})
}

// ListMessages 返回尚未过期的缓存邮件（按时间倒序）。
func (s *Store) ListMessages(id string) ([]domain.Message, error) {
	var out []domain.Message
	err := s.withEntry(id, func(e *entry) error {
		out = e.liveMessagesLocked(s.now())
		return nil
	})
	return out, err
}

// GetMessage 返回单封未过期的缓存邮件。
func (s *Store) GetMessage(id, messageID string) (domain.Message, error) {
	var (
		out   domain.Message
		found bool
	)
	err := s.withEntry(id, func(e *entry) error {
		now := s.now()
		for i := range e.messages {
			if e.messages[i].ID == messageID && !e.messages[i].ExpiredAt(now) {
				out = e.messages[i].Clone()
				found = true
				break
			}
		}
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}
	if !found {
		return domain.Message{}, domain.ErrMessageNotFound
	}
	return out, nil
}

// ReplaceMessages 整体替换会话的邮件缓存。
//
// 参数:
//   - id: 会话ID
//   - generation: 调用方读取会话快照时的代数，会话已被轮换时返回 ErrStaleGeneration
//   - messages: 新的邮件列表
//
// 未设置过期时间的邮件按 now + 当前 TTL 标记；已在缓存中的邮件保留原有过期时间；
// 已被 PruneExpired 清理过的邮件不再收录。
func (s *Store) ReplaceMessages(id string, generation uint64, messages []domain.Message) error {
	return s.withEntry(id, func(e *entry) error {
		if e.session.Generation != generation {
			return domain.ErrStaleGeneration
		}
		now := s.now()
		stamped := make(map[string]time.Time, len(e.messages))
		for _, m := range e.messages {
			stamped[m.ID] = m.ExpiresAt
		}

		next := make([]domain.Message, 0, len(messages))
		for _, m := range messages {
			if _, gone := e.evicted[m.ID]; gone {
				continue
			}
			m = m.Clone()
			if exp, ok := stamped[m.ID]; ok && !exp.IsZero() {
				m.ExpiresAt = exp
			} else if m.ExpiresAt.IsZero() {
				m.ExpiresAt = now.Add(domain.TTLDuration(e.session.TTL))
			}
			next = append(next, m)
		}
		sortMessages(next)

		e.messages = next
		e.session.UpdatedAt = now
		return nil
	})
}

// PruneExpired 移除已过期的缓存邮件，返回移除数量。幂等。
func (s *Store) PruneExpired(id string) (int, error) {
	var removed int
	err := s.withEntry(id, func(e *entry) error {
		removed = e.pruneLocked(s.now())
		return nil
	})
	return removed, err
}

// SweepSessions 删除所有已过期的会话，返回被删除的会话ID。
func (s *Store) SweepSessions() []string {
	now := s.now()

	s.mu.Lock()
	var (
		removed []string
		victims []*entry
	)
	for id, e := range s.sessions {
		e.mu.Lock()
		if e.session.ExpiredAt(now) {
			e.destroyed = true
			victims = append(victims, e)
			removed = append(removed, id)
			delete(s.sessions, id)
		}
		e.mu.Unlock()
	}
	s.mu.Unlock()

	var revoked []string
	for _, e := range victims {
		e.mu.Lock()
		for token := range e.tokens {
			revoked = append(revoked, token)
		}
		e.tokens = nil
		e.messages = nil
		e.mu.Unlock()
	}
	s.unindexTokens(revoked)

	sort.Strings(removed)
	return removed
}

// IDs 返回当前所有未过期会话的ID。
func (s *Store) IDs() []string {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id, e := range s.sessions {
		e.mu.Lock()
		alive := !e.session.ExpiredAt(now)
		e.mu.Unlock()
		if alive {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len 返回当前存储的会话数量（含尚未被清理的过期会话）。
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// withEntry 在持有会话锁的情况下执行 fn；会话不存在或已过期时返回 ErrSessionNotFound。
func (s *Store) withEntry(id string, fn func(e *entry) error) error {
	s.mu.RLock()
	e, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return domain.ErrSessionNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.destroyed || e.session.ExpiredAt(s.now()) {
		return domain.ErrSessionNotFound
	}
	if err := fn(e); err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	return nil
}

func (e *entry) snapshotLocked() domain.Session {
	out := e.session
	out.Messages = make([]domain.Message, 0, len(e.messages))
	for _, m := range e.messages {
		out.Messages = append(out.Messages, m.Clone())
	}
	out.TokenCount = len(e.tokens)
	return out
}

func (e *entry) liveMessagesLocked(now time.Time) []domain.Message {
	out := make([]domain.Message, 0, len(e.messages))
	for _, m := range e.messages {
		if m.ExpiredAt(now) {
			continue
		}
		out = append(out, m.Clone())
	}
	return out
}

func (e *entry) pruneLocked(now time.Time) int {
	kept := e.messages[:0]
	removed := 0
	for _, m := range e.messages {
		if m.ExpiredAt(now) {
			e.evicted[m.ID] = struct{}{}
			removed++
			continue
		}
		kept = append(kept, m)
	}
	e.messages = kept
	return removed
}

// sortMessages 按创建时间倒序排列，时间相同时按ID保证稳定。
func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID > msgs[j].ID
		}
		return msgs[i].CreatedAt.After(msgs[j].CreatedAt)
	})
}
