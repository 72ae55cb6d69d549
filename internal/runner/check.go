package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"cdpharness/internal/browser"
	"cdpharness/internal/logger"
	"cdpharness/internal/rules"
	"cdpharness/internal/wait"
	"cdpharness/pkg/model"
	"cdpharness/pkg/traffic"

	"github.com/tidwall/gjson"
)

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// errFinished 场景已结束（或因超时被放弃）后仍试图修改会话
var errFinished = errors.New("scenario already finished")

// mockRule 场景注册过的规则，用于报告命中情况
type mockRule struct {
	id      string
	pattern string
}

// Check 单个场景运行期间的上下文，收集断言、截图与诊断
type Check struct {
	ctx      context.Context
	scenario *Scenario
	sess     Session
	baseURL  string
	outDir   string
	log      logger.Logger

	mu          sync.Mutex
	sealed      bool
	halted      bool
	assertions  []model.Assertion
	screenshots []string
	diagnostics []string
	rules       []mockRule
}

func newCheck(ctx context.Context, sc *Scenario, sess Session, baseURL, outDir string, l logger.Logger) *Check {
	return &Check{
		ctx:      ctx,
		scenario: sc,
		sess:     sess,
		baseURL:  strings.TrimRight(baseURL, "/"),
		outDir:   outDir,
		log:      l,
	}
}

// Context 场景的上下文，超时后被取消
func (c *Check) Context() context.Context { return c.ctx }

// Session 场景使用的浏览器会话
func (c *Check) Session() Session { return c.sess }

// Name 场景名称
func (c *Check) Name() string { return c.scenario.Name }

// URL 把相对路径拼接到基础地址；带 scheme 的地址原样返回，空串使用场景入口
func (c *Check) URL(path string) string {
	if path == "" {
		path = c.scenario.Path
	}
	if strings.Contains(path, "://") {
		return path
	}
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Goto 导航到 path
func (c *Check) Goto(path string) error {
	u := c.URL(path)
	res, err := c.sess.Navigate(c.ctx, u)
	if err != nil {
		return err
	}
	c.log.Debug("页面已加载", "url", res.URL, "status", res.Status, "elapsed", res.Elapsed.String())
	return nil
}

// Assert 记录一条断言并返回 ok
func (c *Check) Assert(description string, ok bool, detail ...string) bool {
	c.record(model.Assertion{Description: description, Passed: ok, Detail: strings.Join(detail, "; ")})
	return ok
}

// Assertf 以格式化描述记录断言
func (c *Check) Assertf(ok bool, format string, args ...any) bool {
	return c.Assert(fmt.Sprintf(format, args...), ok)
}

// Equal 断言 got == want，失败时记录两者
func (c *Check) Equal(description string, want, got any) bool {
	ok := fmt.Sprint(want) == fmt.Sprint(got)
	detail := fmt.Sprintf("want %v, got %v", want, got)
	return c.Assert(description, ok, detail)
}

// Require 与 Assert 相同，但失败时立即结束场景（类似 testing.T.FailNow，
// 只能在运行场景的 goroutine 中调用）
func (c *Check) Require(description string, ok bool, detail ...string) {
	if c.Assert(description, ok, detail...) {
		return
	}
	c.mu.Lock()
	c.halted = true
	c.mu.Unlock()
	runtime.Goexit()
}

// RequireNoError err 非空时记录失败断言并结束场景
func (c *Check) RequireNoError(description string, err error) {
	if err != nil {
		c.Require(description, false, err.Error())
	}
}

// Wait 执行等待策略；依赖固定时长的策略会被记入诊断
func (c *Check) Wait(s wait.Strategy) model.WaitOutcome {
	if s.Flaky() {
		c.Note(fmt.Sprintf("flaky wait: %s relies on timing with no observable signal", s))
		c.log.Warn("使用固定时长等待", "strategy", s.String())
	}
	out := s.Wait(c.ctx, c.sess)
	c.log.Debug("等待结束", "strategy", s.String(), "satisfied", out.Satisfied, "elapsed", out.Elapsed.String())
	return out
}

// WaitFor 执行等待并把是否满足记为断言
func (c *Check) WaitFor(s wait.Strategy, description string) bool {
	out := c.Wait(s)
	if out.Satisfied {
		return c.Assert(description, true)
	}
	return c.Assert(description, false, fmt.Sprintf("%s timed out after %s", s, out.Elapsed.Round(time.Millisecond)))
}

// Screenshot 截图到输出目录，失败只记诊断不影响结果；返回写入路径
func (c *Check) Screenshot(name string) string {
	path := c.screenshotPath(name)
	if err := c.sess.Screenshot(c.ctx, path); err != nil {
		c.Note(fmt.Sprintf("screenshot %s: %v", path, err))
		c.log.Warn("截图失败", "path", path, "error", err)
		return ""
	}
	c.mu.Lock()
	if !c.sealed {
		c.screenshots = append(c.screenshots, path)
	}
	c.mu.Unlock()
	return path
}

func (c *Check) screenshotPath(name string) string {
	name = unsafeName.ReplaceAllString(name, "_")
	if filepath.Ext(name) == "" {
		name += ".png"
	}
	return filepath.Join(c.outDir, name)
}

// Note 追加一条诊断信息
func (c *Check) Note(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.sealed {
		c.diagnostics = append(c.diagnostics, msg)
	}
}

// Logf 写调试日志
func (c *Check) Logf(format string, args ...any) {
	c.log.Debug(fmt.Sprintf(format, args...))
}

// Intercept 注册拦截规则并返回规则ID；场景结束后拒绝注册
func (c *Check) Intercept(rule rules.Rule) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return "", model.NewError(model.KindInfrastructure, "intercept", errFinished)
	}
	id, err := c.sess.Intercept(rule)
	if err != nil {
		return "", err
	}
	c.rules = append(c.rules, mockRule{id: id, pattern: rule.Pattern})
	return id, nil
}

// Mock 用固定响应拦截匹配 glob 模式的请求
func (c *Check) Mock(pattern string, resp *traffic.Response) (string, error) {
	return c.Intercept(rules.Rule{Pattern: pattern, Mode: rules.ModeGlob, Responder: traffic.Static(resp)})
}

// Unmock 移除本场景注册的规则，之后匹配的请求走真实网络
func (c *Check) Unmock(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return false
	}
	return c.sess.RemoveIntercept(id)
}

// Evaluate 在页面中执行脚本
func (c *Check) Evaluate(script string) (gjson.Result, error) {
	return c.sess.Evaluate(c.ctx, script)
}

// Count 匹配 selector 的元素数量
func (c *Check) Count(selector string) (int, error) {
	return browser.Count(c.ctx, c.sess, selector)
}

// VisibleCount 可见元素数量
func (c *Check) VisibleCount(selector string) (int, error) {
	return browser.VisibleCount(c.ctx, c.sess, selector)
}

// VisibleTexts 可见元素的文本，按文档顺序
func (c *Check) VisibleTexts(selector string) ([]string, error) {
	return browser.VisibleTexts(c.ctx, c.sess, selector)
}

// Exists 是否存在匹配元素
func (c *Check) Exists(selector string) (bool, error) {
	return browser.Exists(c.ctx, c.sess, selector)
}

// Visible 第一个匹配元素是否可见
func (c *Check) Visible(selector string) (bool, error) {
	return browser.Visible(c.ctx, c.sess, selector)
}

// Text 第一个匹配元素的文本，元素不存在时第二个返回值为 false
func (c *Check) Text(selector string) (string, bool, error) {
	return browser.Text(c.ctx, c.sess, selector)
}

// VisibleWithText 是否有可见的匹配元素包含 text
func (c *Check) VisibleWithText(selector, text string) (bool, error) {
	return browser.VisibleWithText(c.ctx, c.sess, selector, text)
}

// ClassByText 文本包含 text 的第一个匹配元素的 class
func (c *Check) ClassByText(selector, text string) (string, bool, error) {
	return browser.ClassByText(c.ctx, c.sess, selector, text)
}

// Attribute 第一个匹配元素的属性值
func (c *Check) Attribute(selector, name string) (string, bool, error) {
	return browser.Attribute(c.ctx, c.sess, selector, name)
}

// HasClass 第一个匹配元素是否带有 class
func (c *Check) HasClass(selector, class string) (bool, error) {
	return browser.HasClass(c.ctx, c.sess, selector, class)
}

// Title 页面标题
func (c *Check) Title() (string, error) {
	return browser.Title(c.ctx, c.sess)
}

// Click 点击第一个匹配元素
func (c *Check) Click(selector string) error {
	return browser.Click(c.ctx, c.sess, selector)
}

// Fill 设置输入框的值并触发 input/change
func (c *Check) Fill(selector, value string) error {
	return browser.Fill(c.ctx, c.sess, selector, value)
}

// Type 逐字符输入，delay 为每个字符之间的间隔
func (c *Check) Type(selector, text string, delay time.Duration) error {
	return browser.Type(c.ctx, c.sess, selector, text, delay)
}

// Requests 本场景内页面发出的请求
func (c *Check) Requests() []model.CapturedRequest {
	return c.sess.Requests()
}

// RequestsTo 以 prefix 开头的请求
func (c *Check) RequestsTo(prefix string) []model.CapturedRequest {
	var out []model.CapturedRequest
	for _, r := range c.sess.Requests() {
		if strings.HasPrefix(r.URL, prefix) {
			out = append(out, r)
		}
	}
	return out
}

// ConsoleErrors 本场景内的错误级控制台消息
func (c *Check) ConsoleErrors() []model.ConsoleMessage {
	var out []model.ConsoleMessage
	for _, m := range c.sess.ConsoleMessages() {
		if m.IsError() {
			out = append(out, m)
		}
	}
	return out
}

func (c *Check) record(a model.Assertion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sealed {
		return
	}
	c.assertions = append(c.assertions, a)
	if !a.Passed {
		c.log.Warn("断言失败", "assertion", a.Description, "detail", a.Detail)
	}
}

// seal 冻结结果；超时被放弃的场景之后的写入和规则注册全部丢弃
func (c *Check) seal() (assertions []model.Assertion, screenshots, diagnostics []string, halted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sealed = true
	return c.assertions, c.screenshots, c.diagnostics, c.halted
}

// interceptSummary 汇总本场景规则的命中次数；没有请求被模拟时返回空串
func (c *Check) interceptSummary(st model.EngineStats) string {
	if st.Matched == 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	hits := make([]string, 0, len(c.rules))
	for _, r := range c.rules {
		hits = append(hits, fmt.Sprintf("%s x%d", r.pattern, st.ByRule[r.id]))
	}
	return fmt.Sprintf("mocked %d of %d requests: %s", st.Matched, st.Total, strings.Join(hits, ", "))
}
