// Package security はユーザー入力の無害化と検証を提供する。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はプロジェクト名・タスクタイトル・説明などのプレーンテキストを無害化する。
type TextSanitizer interface {
	// SanitizeText はHTMLタグを全て除去し、前後の空白を取り除いた文字列を返す。
	SanitizeText(s string) string
}

// textSanitizer はbluemondayのStrictPolicyによるTextSanitizerの実装。
// Policyはスレッドセーフなため共有してよい。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はタグを除去した上でエンティティを戻し、前後の空白を取り除く。
// 保存する値はプレーンテキストであり、表示側でエスケープする。
func (s *textSanitizer) SanitizeText(in string) string {
	if in == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(in)))
}
