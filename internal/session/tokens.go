package session

import (
	"time"

	"github.com/google/uuid"

	"tempinbox/backend/internal/domain"
)

// Redemption 兑换附件令牌后返回的上下文，足以向上游拉取附件。
type Redemption struct {
	Session domain.Session
	Record  domain.AttachmentToken
}

// IssueToken 为会话中的某个附件签发一次性下载令牌。
//
// generation 为调用方读取会话快照时的代数；会话已被轮换时返回 ErrStaleGeneration，
// 旧地址的邮件不会在新地址下留下令牌。
func (s *Store) IssueToken(sessionID string, generation uint64, messageID, attachmentID string, meta domain.AttachmentMeta) (domain.AttachmentToken, error) {
	var record domain.AttachmentToken
	err := s.withEntry(sessionID, func(e *entry) error {
		if e.session.Generation != generation {
			return domain.ErrStaleGeneration
		}
		record = domain.AttachmentToken{
			Token:        uuid.NewString(),
			MessageID:    messageID,
			AttachmentID: attachmentID,
			Filename:     meta.Filename,
			MimeType:     meta.MimeType,
			Size:         meta.Size,
			ExpiresAt:    s.now().Add(s.tokenTTL),
		}
		stored := record
		e.tokens[record.Token] = &stored

		// 持有会话锁时写入索引，Reset 与 SweepSessions 收集令牌时一定能看到它
		s.tokensMu.Lock()
		s.tokens[record.Token] = sessionID
		s.tokensMu.Unlock()
		return nil
	})
	if err != nil {
		return domain.AttachmentToken{}, err
	}
	return record, nil
}

// LookupToken 查找附件现有的有效令牌，剩余有效期不足 minRemaining 时视为不存在。
func (s *Store) LookupToken(sessionID, messageID, attachmentID string, minRemaining time.Duration) (domain.AttachmentToken, bool) {
	var (
		record domain.AttachmentToken
		found  bool
	)
	_ = s.withEntry(sessionID, func(e *entry) error {
		deadline := s.now().Add(minRemaining)
		for _, t := range e.tokens {
			if t.MessageID != messageID || t.AttachmentID != attachmentID {
				continue
			}
			if t.ExpiredAt(deadline) {
				continue
			}
			record = *t
			found = true
			return nil
		}
		return nil
	})
	return record, found
}

// RedeemToken 原子地兑换并作废令牌。
//
// 全局索引中的删除是唯一的裁决点：同一令牌的并发兑换只有一个调用方能拿到会话ID，
// 其余一律返回 ErrTokenNotFound。兑换后无论上游拉取是否成功，令牌都不会恢复。
func (s *Store) RedeemToken(token string) (Redemption, error) {
	s.tokensMu.Lock()
	sessionID, ok := s.tokens[token]
	if ok {
		delete(s.tokens, token)
	}
	s.tokensMu.Unlock()
	if !ok {
		return Redemption{}, domain.ErrTokenNotFound
	}

	var out Redemption
	err := s.withEntry(sessionID, func(e *entry) error {
		record, ok := e.tokens[token]
		if !ok {
			return domain.ErrTokenNotFound
		}
		delete(e.tokens, token)
		if record.ExpiredAt(s.now()) {
			return domain.ErrTokenNotFound
		}
		out = Redemption{
			Session: e.snapshotLocked(),
			Record:  *record,
		}
		return nil
	})
	if err != nil {
		return Redemption{}, domain.ErrTokenNotFound
	}
	return out, nil
}

// SweepTokens 清理所有已过期的附件令牌，返回清理数量。
func (s *Store) SweepTokens() int {
	now := s.now()

	s.mu.RLock()
	entries := make([]*entry, 0, len(s.sessions))
	for _, e := range s.sessions {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var revoked []string
	for _, e := range entries {
		e.mu.Lock()
		for token, t := range e.tokens {
			if t.ExpiredAt(now) {
				delete(e.tokens, token)
				revoked = append(revoked, token)
			}
		}
		e.mu.Unlock()
	}
	s.unindexTokens(revoked)
	return len(revoked)
}

func (s *Store) unindexTokens(tokens []string) {
	if len(tokens) == 0 {
		return
	}
	s.tokensMu.Lock()
	for _, token := range tokens {
		delete(s.tokens, token)
	}
	s.tokensMu.Unlock()
}
