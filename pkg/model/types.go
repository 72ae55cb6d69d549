package model

import (
	"strings"
	"time"
)

type SessionID string
type RunID string

// ColorScheme 页面 prefers-color-scheme 偏好
type ColorScheme string

const (
	ColorSchemeNone  ColorScheme = "none"
	ColorSchemeLight ColorScheme = "light"
	ColorSchemeDark  ColorScheme = "dark"
)

// Valid 判断是否为已知的配色偏好
func (c ColorScheme) Valid() bool {
	switch c {
	case "", ColorSchemeNone, ColorSchemeLight, ColorSchemeDark:
		return true
	}
	return false
}

type Viewport struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// SessionOptions 浏览器会话启动参数
type SessionOptions struct {
	DevToolsURL       string        `json:"devToolsURL,omitempty"`
	BrowserBin        string        `json:"browserBin,omitempty"`
	Headless          bool          `json:"headless"`
	NoSandbox         bool          `json:"noSandbox,omitempty"`
	Viewport          Viewport      `json:"viewport"`
	ColorScheme       ColorScheme   `json:"colorScheme,omitempty"`
	InitScript        string        `json:"initScript,omitempty"`
	NavigationTimeout time.Duration `json:"navigationTimeout"`
}

// Equal 判断两组参数能否共用同一个浏览器会话
func (o SessionOptions) Equal(other SessionOptions) bool {
	return o == other
}

// Outcome 场景状态机
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeRunning Outcome = "running"
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
)

// WaitOutcome 等待策略的结果，TimedOut 本身不是错误
type WaitOutcome struct {
	Satisfied bool          `json:"satisfied"`
	Elapsed   time.Duration `json:"elapsed"`
}

// TimedOut 是否超时
func (w WaitOutcome) TimedOut() bool { return !w.Satisfied }

func Satisfied(elapsed time.Duration) WaitOutcome {
	return WaitOutcome{Satisfied: true, Elapsed: elapsed}
}

func TimedOut(elapsed time.Duration) WaitOutcome {
	return WaitOutcome{Satisfied: false, Elapsed: elapsed}
}

type Assertion struct {
	Description string `json:"description"`
	Passed      bool   `json:"passed"`
	Detail      string `json:"detail,omitempty"`
}

// ConsoleMessage 页面控制台或浏览器日志条目
type ConsoleMessage struct {
	Level  string `json:"level"`
	Text   string `json:"text"`
	Source string `json:"source,omitempty"`
}

// IsError 是否为错误级别
func (c ConsoleMessage) IsError() bool {
	return c.Level == "error"
}

// Report 单个场景的执行报告，场景结束后不再修改
type Report struct {
	Scenario        string           `json:"scenario"`
	Category        string           `json:"category,omitempty"`
	Outcome         Outcome          `json:"outcome"`
	FailureReason   string           `json:"failureReason,omitempty"`
	FailureKind     Kind             `json:"failureKind,omitempty"`
	Assertions      []Assertion      `json:"assertions"`
	ConsoleMessages []ConsoleMessage `json:"consoleMessages"`
	ScreenshotPaths []string         `json:"screenshotPaths"`
	Diagnostics     []string         `json:"diagnostics,omitempty"`
	StartedAt       time.Time        `json:"startedAt"`
	Duration        time.Duration    `json:"duration"`
}

// Passed 场景是否通过
func (r *Report) Passed() bool { return r.Outcome == OutcomePassed }

// FailedAssertions 返回所有未通过的断言
func (r *Report) FailedAssertions() []Assertion {
	var out []Assertion
	for _, a := range r.Assertions {
		if !a.Passed {
			out = append(out, a)
		}
	}
	return out
}

// RunResult 一次运行的所有场景报告
type RunResult struct {
	RunID      RunID     `json:"runID"`
	BaseURL    string    `json:"baseURL"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Reports    []Report  `json:"reports"`
}

// Passed 所有场景均通过才算通过；没有场景时视为通过
func (r *RunResult) Passed() bool {
	for i := range r.Reports {
		if !r.Reports[i].Passed() {
			return false
		}
	}
	return true
}

// Counts 统计通过与失败的场景数
func (r *RunResult) Counts() (passed, failed int) {
	for i := range r.Reports {
		if r.Reports[i].Passed() {
			passed++
		} else {
			failed++
		}
	}
	return passed, failed
}

// NavigationResult 导航结果
type NavigationResult struct {
	URL     string        `json:"url"`
	Status  int           `json:"status"`
	Elapsed time.Duration `json:"elapsed"`
}

// CapturedRequest 拦截层记录到的一次出站请求
type CapturedRequest struct {
	ID           string            `json:"id"`
	URL          string            `json:"url"`
	Method       string            `json:"method"`
	ResourceType string            `json:"resourceType"`
	Headers      map[string]string `json:"headers"`
	Mocked       bool              `json:"mocked"`
	Rule         string            `json:"rule,omitempty"`
	Timestamp    int64             `json:"timestamp"`
}

// Header 大小写不敏感地读取请求头
func (c CapturedRequest) Header(name string) string {
	for k, v := range c.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

type EngineStats struct {
	Total   int64            `json:"total"`
	Matched int64            `json:"matched"`
	ByRule  map[string]int64 `json:"byRule"`
}

// ScenarioInfo 场景目录条目
type ScenarioInfo struct {
	Name        string `json:"name"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Path        string `json:"path,omitempty"`
}

// RunSummary 历史运行摘要
type RunSummary struct {
	RunID      RunID     `json:"runID"`
	BaseURL    string    `json:"baseURL"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
}
