package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService は外部APIから受け取った文字列からHTMLを除去する。
// 商品名などダッシュボードにそのまま表示される属性値に使用する。
type TextSanitizerService interface {
	// StripTags は全てのタグを除去したプレーンテキストを返す。
	// エンティティは元の文字に戻し、前後の空白を取り除く。
	StripTags(s string) string
}

type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// StripTags は全てのタグを除去したプレーンテキストを返す。
func (s *textSanitizer) StripTags(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}
