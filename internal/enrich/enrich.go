// Package enrich 为邮件生成摘要与钓鱼风险评级，并提供用户名建议。
package enrich

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"tempinbox/backend/internal/domain"
)

const (
	maxSummaryLines = 3
	maxLineRunes    = 140
	suggestionCount = 5
)

// RawInput 待分析的原始邮件
type RawInput struct {
	Subject     string
	From        string
	Text        string
	HTML        string
	Attachments []string // 附件文件名
}

// Enrichment 分析结果
type Enrichment struct {
	Summary      []string
	PhishingRisk domain.PhishingRisk
}

// Fallback 分析失败时使用的结果：空摘要、低风险。
func Fallback() Enrichment {
	return Enrichment{Summary: []string{}, PhishingRisk: domain.PhishingRiskLow}
}

// Enricher 邮件分析接口
type Enricher interface {
	Enrich(ctx context.Context, in RawInput) (Enrichment, error)
	SuggestUsernames(ctx context.Context, host string) ([]string, error)
}

// Heuristic 基于规则的本地分析实现，不依赖外部服务。
type Heuristic struct {
	scorer *RiskScorer
	log    *zap.Logger
}

// NewHeuristic 创建规则分析器
func NewHeuristic(log *zap.Logger) *Heuristic {
	if log == nil {
		log = zap.NewNop()
	}
	return &Heuristic{scorer: NewRiskScorer(), log: log}
}

// Enrich 生成摘要与风险评级。
func (h *Heuristic) Enrich(ctx context.Context, in RawInput) (Enrichment, error) {
	if err := ctx.Err(); err != nil {
		return Fallback(), err
	}

	doc := parseHTML(in.HTML)
	body := in.Text
	if strings.TrimSpace(body) == "" {
		body = doc.Text
	}

	score, reasons := h.scorer.Score(in, doc)
	risk := Classify(score)
	if risk != domain.PhishingRiskLow {
		h.log.Debug("message flagged",
			zap.String("risk", string(risk)),
			zap.Strings("reasons", reasons))
	}

	return Enrichment{
		Summary:      summarize(body),
		PhishingRisk: risk,
	}, nil
}

var sentenceEnd = regexp.MustCompile(`[.!?。！？]+\s+`)

// summarize 取正文前几句作为摘要，每句截断到固定长度。
func summarize(body string) []string {
	body = collapse(body)
	out := []string{}
	if body == "" {
		return out
	}
	for _, s := range sentenceEnd.Split(body+" ", -1) {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out = append(out, truncate(s, maxLineRunes))
		if len(out) == maxSummaryLines {
			break
		}
	}
	return out
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

var (
	adjectives = []string{"quiet", "swift", "amber", "lunar", "brisk", "misty", "coral", "silver", "rapid", "cosmic"}
	nouns      = []string{"otter", "falcon", "maple", "harbor", "comet", "willow", "pixel", "raven", "cedar", "ember"}
	hostname   = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)
)

// SuggestUsernames 为指定域名生成若干可读的用户名。
func (h *Heuristic) SuggestUsernames(ctx context.Context, host string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if !hostname.MatchString(host) {
		return nil, fmt.Errorf("%w: invalid domain %q", domain.ErrInvalidInput, host)
	}

	seen := make(map[string]bool, suggestionCount)
	out := make([]string, 0, suggestionCount)
	for len(out) < suggestionCount {
		name := fmt.Sprintf("%s.%s%d",
			adjectives[rand.IntN(len(adjectives))],
			nouns[rand.IntN(len(nouns))],
			rand.IntN(90)+10)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, name)
	}
	return out, nil
}
