package runner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cdpharness/internal/rules"
	"cdpharness/pkg/model"

	"github.com/tidwall/gjson"
)

// Session 场景可用的浏览器会话能力
type Session interface {
	ID() model.SessionID
	Options() model.SessionOptions
	Navigate(ctx context.Context, url string) (model.NavigationResult, error)
	Evaluate(ctx context.Context, script string) (gjson.Result, error)
	InsertText(ctx context.Context, text string) error
	Screenshot(ctx context.Context, path string) error
	Intercept(rule rules.Rule) (string, error)
	RemoveIntercept(id string) bool
	ResetIntercepts()
	InterceptStats() model.EngineStats
	Requests() []model.CapturedRequest
	ResetRequests()
	ConsoleMessages() []model.ConsoleMessage
	ResetConsole()
	Close() error
}

// Opener 按选项打开一个会话
type Opener func(ctx context.Context, opts model.SessionOptions) (Session, error)

// Endpoint 运行中的静态服务器
type Endpoint interface {
	URL() string
	Stop(ctx context.Context) error
}

// ServerStarter 在 port 上以 root 为根启动静态服务器
type ServerStarter func(ctx context.Context, port int, root string) (Endpoint, error)

// Scenario 一个针对页面的独立验证流程
type Scenario struct {
	Name        string
	Category    string
	Description string
	// Path 入口页面，Goto("") 时使用
	Path string
	// NeedsServer 未配置外部 BaseURL 时需要本地静态服务器
	NeedsServer bool
	// Options 在运行默认会话选项的基础上调整；调整后与共享会话不同则独占会话
	Options func(*model.SessionOptions)
	Timeout time.Duration
	Run     func(c *Check) error
}

// sessionOptions 场景实际需要的会话选项
func (s *Scenario) sessionOptions(base model.SessionOptions) model.SessionOptions {
	opts := base
	if s.Options != nil {
		s.Options(&opts)
	}
	return opts
}

// Select 按名称或分类挑选场景，保持 all 中的顺序；keys 为空时返回全部
func Select(all []Scenario, keys ...string) ([]Scenario, error) {
	if len(keys) == 0 {
		return all, nil
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = false
	}
	var out []Scenario
	for _, s := range all {
		_, byName := want[s.Name]
		_, byCategory := want[s.Category]
		if byName {
			want[s.Name] = true
		}
		if byCategory {
			want[s.Category] = true
		}
		if byName || byCategory {
			out = append(out, s)
		}
	}
	var unknown []string
	for k, hit := range want {
		if !hit {
			unknown = append(unknown, k)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown scenario or category: %v", unknown)
	}
	return out, nil
}

// Categories 返回出现过的分类，保持首次出现的顺序
func Categories(all []Scenario) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range all {
		if s.Category != "" && !seen[s.Category] {
			seen[s.Category] = true
			out = append(out, s.Category)
		}
	}
	return out
}
