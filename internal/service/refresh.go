package service

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
	"tempinbox/backend/internal/enrich"
	"tempinbox/backend/internal/mailtm"
)

// Refresh 从上游同步会话的收件箱并写回缓存，返回刷新后的邮件列表。
//
// 已缓存的邮件不会重新拉取详情，只续签即将过期的附件令牌；
// 新邮件拉取详情并分析，分析失败时使用空摘要与低风险。
// 会话在刷新期间被轮换时返回 ErrStaleGeneration，缓存保持不变。
func (s *InboxService) Refresh(ctx context.Context, sessionID string) ([]domain.Message, error) {
	// 先清理过期邮件，使其进入淘汰集合，上游仍返回时也不会重新收录
	if _, err := s.store.PruneExpired(sessionID); err != nil {
		return nil, err
	}
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}

	raw, err := s.upstream.ListMessages(ctx, sess.Token)
	if err != nil {
		s.metrics.RecordUpstreamError("list_messages")
		return nil, upstreamErr("list messages", err)
	}

	cached := make(map[string]domain.Message, len(sess.Messages))
	for _, m := range sess.Messages {
		cached[m.ID] = m
	}

	messages := make([]domain.Message, 0, len(raw))
	for _, r := range raw {
		if m, ok := cached[r.ID]; ok {
			attachments, err := s.renewTokens(sess, m.ID, m.Attachments)
			if err != nil {
				return nil, err
			}
			m.Attachments = attachments
			messages = append(messages, m)
			continue
		}

		m, err := s.buildMessage(ctx, sess, r)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	if err := s.store.ReplaceMessages(sessionID, sess.Generation, messages); err != nil {
		return nil, err
	}
	return s.store.ListMessages(sessionID)
}

// buildMessage 拉取新邮件的详情、签发附件令牌并生成分析结果。
func (s *InboxService) buildMessage(ctx context.Context, sess domain.Session, r mailtm.RawMessage) (domain.Message, error) {
	detail, err := s.upstream.FetchMessageDetail(ctx, sess.Token, r.ID)
	if err != nil {
		s.metrics.RecordUpstreamError("fetch_message")
		return domain.Message{}, upstreamErr("fetch message "+r.ID, err)
	}

	names := make([]string, 0, len(detail.Attachments))
	attachments := make([]domain.Attachment, 0, len(detail.Attachments))
	for _, a := range detail.Attachments {
		record, err := s.store.IssueToken(sess.ID, sess.Generation, r.ID, a.ID, domain.AttachmentMeta{
			Filename: a.Filename,
			MimeType: a.ContentType,
			Size:     a.Size,
		})
		if err != nil {
			return domain.Message{}, err
		}
		attachments = append(attachments, record.Descriptor())
		names = append(names, a.Filename)
	}

	html := detail.HTMLBody()
	analysis := s.analyze(ctx, enrich.RawInput{
		Subject:     r.Subject,
		From:        r.From.Address,
		Text:        detail.Text,
		HTML:        html,
		Attachments: names,
	})

	return domain.Message{
		ID:      r.ID,
		Subject: r.Subject,
		From: domain.Sender{
			Address: r.From.Address,
			Name:    r.From.Name,
		},
		Preview:      r.Intro,
		CreatedAt:    r.CreatedAt,
		HTML:         html,
		Text:         detail.Text,
		Attachments:  attachments,
		Summary:      analysis.Summary,
		PhishingRisk: analysis.PhishingRisk,
	}, nil
}

// analyze 调用分析器，失败或结果不合法时回退为空摘要、低风险。
func (s *InboxService) analyze(ctx context.Context, in enrich.RawInput) enrich.Enrichment {
	ctx, cancel := context.WithTimeout(ctx, s.enrichTimeout)
	defer cancel()

	out, err := s.enricher.Enrich(ctx, in)
	if err != nil {
		s.log.Warn("message enrichment failed", zap.Error(err))
		return enrich.Fallback()
	}
	if !out.PhishingRisk.Valid() {
		out.PhishingRisk = domain.PhishingRiskLow
	}
	if out.Summary == nil {
		out.Summary = []string{}
	}
	return out
}

// renewTokens 为已缓存邮件的附件复用或重新签发令牌。
func (s *InboxService) renewTokens(sess domain.Session, messageID string, current []domain.Attachment) ([]domain.Attachment, error) {
	if len(current) == 0 {
		return current, nil
	}
	out := make([]domain.Attachment, 0, len(current))
	for _, a := range current {
		if record, ok := s.store.LookupToken(sess.ID, messageID, a.ID, s.tokenReuse); ok {
			out = append(out, record.Descriptor())
			continue
		}
		record, err := s.store.IssueToken(sess.ID, sess.Generation, messageID, a.ID, domain.AttachmentMeta{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     a.Size,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, record.Descriptor())
	}
	return out, nil
}

func isUpstream(err error) bool {
	return errors.Is(err, domain.ErrUpstream)
}
