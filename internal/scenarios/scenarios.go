// Package scenarios 是 PromptRoot 静态站点的验证场景表。
package scenarios

import (
	"fmt"
	"net/url"
	"path"
	"strings"

	"cdpharness/internal/runner"
)

// 分类名同时也是 CLI 子命令名
const (
	CategoryDarkMode   = "dark-mode"
	CategoryARIA       = "aria"
	CategoryDebounce   = "debounce"
	CategoryReferrer   = "referrer"
	CategorySRI        = "sri"
	CategoryOAuth      = "oauth"
	CategoryEmptyState = "empty-state"
	CategoryPrivacy    = "privacy"
	CategoryVisibility = "visibility"
)

var categoryDescriptions = map[string]string{
	CategoryDarkMode:   "Theme follows prefers-color-scheme",
	CategoryARIA:       "Dialogs, dropdowns and icon buttons carry ARIA attributes",
	CategoryDebounce:   "Search filtering waits for typing to settle",
	CategoryReferrer:   "Pages send origin-only Referer cross-origin",
	CategorySRI:        "CDN scripts load without integrity errors",
	CategoryOAuth:      "OAuth callback page surfaces errors",
	CategoryEmptyState: "Empty search result message",
	CategoryPrivacy:    "Privacy policy page content",
	CategoryVisibility: "Hidden controls and free input toggling",
}

// Describe 分类的一句话说明
func Describe(category string) string {
	return categoryDescriptions[category]
}

// All 全部场景，按分类排列
func All() []runner.Scenario {
	out := []runner.Scenario{darkMode(), lightMode(), aria()}
	out = append(out, debounce())
	for _, p := range referrerPages {
		out = append(out, referrer(p))
	}
	for _, p := range sriPages {
		out = append(out, sri(p))
	}
	out = append(out, oauthCallback(), oauthMissingParams(), oauthProviderError())
	out = append(out, emptyState(), privacy(), visibility())
	return out
}

// expectAttr 断言属性值；want 为空时只要求属性存在且非空
func expectAttr(c *runner.Check, selector, name, want string) error {
	got, ok, err := c.Attribute(selector, name)
	if err != nil {
		return err
	}
	detail := fmt.Sprintf("got %q", got)
	if !ok {
		detail = "attribute missing"
	}
	if want == "" {
		c.Assert(fmt.Sprintf("%s has non-empty %s", selector, name), ok && got != "", detail)
		return nil
	}
	c.Assert(fmt.Sprintf("%s has %s=%q", selector, name, want), ok && got == want, detail)
	return nil
}

// pageSlug pages/jules/jules.html -> jules
func pageSlug(p string) string {
	return strings.TrimSuffix(path.Base(p), path.Ext(p))
}

// origin 返回 scheme://host
func origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
