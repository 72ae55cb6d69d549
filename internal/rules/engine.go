package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"cdpharness/pkg/model"
	"cdpharness/pkg/traffic"
)

// Mode URL 匹配方式
type Mode string

const (
	ModeGlob   Mode = "glob"
	ModePrefix Mode = "prefix"
	ModeRegex  Mode = "regex"
	ModeExact  Mode = "exact"
)

// Rule 拦截规则：URL 命中后由 Responder 提供响应
type Rule struct {
	ID      string
	Pattern string
	Mode    Mode
	Methods []string // 为空表示不限方法
	// Query 与 Cookies 要求请求中对应的值全部相等，键不区分大小写
	Query     map[string]string
	Cookies   map[string]string
	Responder traffic.Responder

	re *regexp.Regexp
}

// Engine 按注册顺序匹配规则，先注册者优先
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
	seq   int

	total   atomic.Int64
	matched atomic.Int64
	byRule  sync.Map // id -> *atomic.Int64
}

func New() *Engine { return &Engine{} }

// Add 注册规则并返回规则ID
func (e *Engine) Add(r Rule) (string, error) {
	if r.Responder == nil {
		return "", fmt.Errorf("rule %q has no responder", r.Pattern)
	}
	if r.Mode == "" {
		r.Mode = ModeGlob
	}
	switch r.Mode {
	case ModeGlob:
		re, err := regexCache.Get(globToRegex(r.Pattern))
		if err != nil {
			return "", fmt.Errorf("compile glob %q: %w", r.Pattern, err)
		}
		r.re = re
	case ModeRegex:
		re, err := regexCache.Get(r.Pattern)
		if err != nil {
			return "", fmt.Errorf("compile regex %q: %w", r.Pattern, err)
		}
		r.re = re
	case ModePrefix, ModeExact:
	default:
		return "", fmt.Errorf("unknown match mode %q", r.Mode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	if r.ID == "" {
		r.ID = fmt.Sprintf("rule-%d", e.seq)
	}
	for _, existing := range e.rules {
		if existing.ID == r.ID {
			return "", fmt.Errorf("duplicate rule id %q", r.ID)
		}
	}
	rule := r
	e.rules = append(e.rules, &rule)
	return rule.ID, nil
}

// Remove 删除规则，返回是否存在
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// Reset 清空全部规则与统计
func (e *Engine) Reset() {
	e.mu.Lock()
	e.rules = nil
	e.mu.Unlock()
	e.total.Store(0)
	e.matched.Store(0)
	e.byRule.Range(func(k, _ any) bool {
		e.byRule.Delete(k)
		return true
	})
}

// Len 当前规则数
func (e *Engine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Match 返回第一个命中请求的规则
func (e *Engine) Match(req *traffic.Request) (*Rule, bool) {
	e.total.Add(1)
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, r := range e.rules {
		if !methodAllowed(r.Methods, req.Method) {
			continue
		}
		if !valuesMatch(r.Query, req.Query) || !valuesMatch(r.Cookies, req.Cookies) {
			continue
		}
		if r.matchURL(req.URL) {
			e.matched.Add(1)
			c, _ := e.byRule.LoadOrStore(r.ID, new(atomic.Int64))
			c.(*atomic.Int64).Add(1)
			return r, true
		}
	}
	return nil, false
}

// Stats 匹配统计
func (e *Engine) Stats() model.EngineStats {
	st := model.EngineStats{
		Total:   e.total.Load(),
		Matched: e.matched.Load(),
		ByRule:  map[string]int64{},
	}
	e.byRule.Range(func(k, v any) bool {
		st.ByRule[k.(string)] = v.(*atomic.Int64).Load()
		return true
	})
	return st
}

func (r *Rule) matchURL(url string) bool {
	switch r.Mode {
	case ModePrefix:
		return strings.HasPrefix(url, r.Pattern)
	case ModeExact:
		return url == r.Pattern
	default:
		return r.re.MatchString(url)
	}
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func valuesMatch(want, got map[string]string) bool {
	for k, v := range want {
		if got[strings.ToLower(k)] != v {
			return false
		}
	}
	return true
}

// globToRegex 将 glob 转为完整匹配的正则
// `**/` 匹配零或多级目录，`**` 匹配任意字符，`*` 不跨越 `/`，`?` 匹配单个非 `/` 字符
func globToRegex(pattern string) string {
	var b strings.Builder
	b.WriteString("^")
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch c {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				i++
				if i+1 < len(pattern) && pattern[i+1] == '/' {
					i++
					b.WriteString("(?:.*/)?")
				} else {
					b.WriteString(".*")
				}
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString("$")
	return b.String()
}
