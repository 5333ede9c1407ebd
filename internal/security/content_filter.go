// Package security 清理入站邮件中的可执行内容。
package security

import (
	"regexp"
)

// ContentFilter 移除 HTML 正文中的脚本、内嵌框架和事件处理属性。
//
// 邮件正文最终在浏览器中展示，保存前统一清理一次。
type ContentFilter struct {
	// 整段移除的元素（含内容）
	blockPatterns []*regexp.Regexp
	// 只移除标签本身的元素
	tagPatterns []*regexp.Regexp
	// 事件处理属性
	handlerPattern *regexp.Regexp
	// javascript: / vbscript: 链接
	schemePattern *regexp.Regexp
}

// NewContentFilter 创建内容过滤器
func NewContentFilter() *ContentFilter {
	return &ContentFilter{
		blockPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script\s*>`),
			regexp.MustCompile(`(?is)<style\b[^>]*>.*?</style\s*>`),
			regexp.MustCompile(`(?is)<iframe\b[^>]*>.*?</iframe\s*>`),
			regexp.MustCompile(`(?is)<object\b[^>]*>.*?</object\s*>`),
		},
		tagPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?is)</?(script|iframe|object|embed|frame|frameset|applet|meta|link|base|form)\b[^>]*>`),
		},
		handlerPattern: regexp.MustCompile(`(?is)\s+on[a-z]+\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`),
		schemePattern:  regexp.MustCompile(`(?i)(href|src|action)\s*=\s*(["']?)\s*(javascript|vbscript):`),
	}
}

// Sanitize 返回清理后的 HTML
func (cf *ContentFilter) Sanitize(html string) string {
	if html == "" {
		return html
	}
	for _, p := range cf.blockPatterns {
		html = p.ReplaceAllString(html, "")
	}
	for _, p := range cf.tagPatterns {
		html = p.ReplaceAllString(html, "")
	}
	html = cf.handlerPattern.ReplaceAllString(html, "")
	html = cf.schemePattern.ReplaceAllString(html, `$1=$2#blocked:`)
	return html
}
