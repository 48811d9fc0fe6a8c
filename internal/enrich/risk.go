package enrich

import (
	"net/url"
	"path/filepath"
	"regexp"
	"strings"

	"tempinbox/backend/internal/domain"
)

// RiskScorer 钓鱼风险评分器
type RiskScorer struct {
	// 恶意内容模式
	maliciousPatterns []*regexp.Regexp

	// 钓鱼常用话术
	phishingKeywords []string

	// 危险文件扩展名
	dangerousExtensions map[string]bool
}

// NewRiskScorer 创建评分器
func NewRiskScorer() *RiskScorer {
	return &RiskScorer{
		maliciousPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<script[^>]*>`),
			regexp.MustCompile(`(?i)javascript:`),
			regexp.MustCompile(`(?i)on(load|error|click)\s*=`),
			regexp.MustCompile(`(?i)document\.cookie`),
			regexp.MustCompile(`(?i)<iframe[^>]*>`),
			regexp.MustCompile(`(?i)<form[^>]*action\s*=`),
		},
		phishingKeywords: []string{
			"verify your account", "confirm your identity", "password expired",
			"account suspended", "unusual activity", "urgent action required",
			"update your payment", "login to continue", "click here",
			"limited time", "act now", "you have won", "wire transfer",
			"gift card", "reset your password",
		},
		dangerousExtensions: map[string]bool{
			".exe": true, ".bat": true, ".cmd": true, ".scr": true,
			".pif": true, ".com": true, ".vbs": true, ".js": true,
			".jar": true, ".msi": true, ".hta": true, ".iso": true,
		},
	}
}

// Score 计算风险分数。
//
// 参数:
//   - in: 原始邮件
//   - doc: 从 HTML 中提取出的文本与链接
//
// 返回值:
//   - int: 分数，>= 4 为 high，>= 2 为 medium
//   - []string: 命中的规则，用于日志
func (s *RiskScorer) Score(in RawInput, doc document) (int, []string) {
	var (
		score   int
		reasons []string
	)

	for _, p := range s.maliciousPatterns {
		if p.MatchString(in.HTML) {
			score += 2
			reasons = append(reasons, "malicious markup")
			break
		}
	}

	content := strings.ToLower(in.Subject + " " + in.Text + " " + doc.Text)
	hits := 0
	for _, kw := range s.phishingKeywords {
		if strings.Contains(content, kw) {
			hits++
		}
	}
	switch {
	case hits >= 3:
		score += 3
		reasons = append(reasons, "phishing keywords")
	case hits > 0:
		score++
		reasons = append(reasons, "suspicious wording")
	}

	for _, link := range doc.Links {
		if mismatchedLink(link) {
			score += 2
			reasons = append(reasons, "link text points elsewhere")
			break
		}
	}

	for _, name := range in.Attachments {
		if s.dangerousExtensions[strings.ToLower(filepath.Ext(name))] {
			score += 3
			reasons = append(reasons, "dangerous attachment")
			break
		}
	}

	return score, reasons
}

// Classify 将分数映射为风险等级。
func Classify(score int) domain.PhishingRisk {
	switch {
	case score >= 4:
		return domain.PhishingRiskHigh
	case score >= 2:
		return domain.PhishingRiskMedium
	default:
		return domain.PhishingRiskLow
	}
}

// mismatchedLink 链接文字看起来是一个网址，但与实际跳转的主机不同。
func mismatchedLink(l Link) bool {
	target, err := url.Parse(l.Href)
	if err != nil || target.Host == "" {
		return false
	}
	shown := strings.TrimSpace(l.Text)
	if !strings.Contains(shown, ".") || strings.Contains(shown, " ") {
		return false
	}
	if !strings.Contains(shown, "://") {
		shown = "http://" + shown
	}
	visible, err := url.Parse(shown)
	if err != nil || visible.Host == "" {
		return false
	}
	return !sameSite(visible.Hostname(), target.Hostname())
}

func sameSite(a, b string) bool {
	a = strings.TrimPrefix(strings.ToLower(a), "www.")
	b = strings.TrimPrefix(strings.ToLower(b), "www.")
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}
