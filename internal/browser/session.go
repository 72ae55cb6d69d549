// Package browser 基于 Chrome DevTools Protocol 驱动单个页面：导航、拦截、求值、截图与控制台采集。
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"cdpharness/internal/logger"
	"cdpharness/internal/rules"
	"cdpharness/pkg/model"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/google/uuid"
	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/emulation"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/input"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/mafredri/cdp/rpcc"
	"github.com/tidwall/gjson"
)

const (
	defaultNavigationTimeout = 30 * time.Second
	processTimeout           = 3 * time.Second
	maxRequestLog            = 2000
	maxConsoleLog            = 2000
)

// Session 一个浏览器实例中的一个页面
type Session struct {
	id   model.SessionID
	opts model.SessionOptions
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	launcher *launcher.Launcher
	devtools *devtool.DevTools
	target   *devtool.Target
	conn     *rpcc.Conn
	client   *cdp.Client
	engine   *rules.Engine

	mu        sync.Mutex
	console   []model.ConsoleMessage
	requests  []model.CapturedRequest
	docStatus map[string]int

	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// Open 启动浏览器并准备好页面；失败时已获取的资源会被释放
func Open(ctx context.Context, opts model.SessionOptions, l logger.Logger) (*Session, error) {
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = defaultNavigationTimeout
	}
	id := model.SessionID(uuid.NewString())
	sctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:        id,
		opts:      opts,
		log:       logger.OrNop(l).With("session", string(id)),
		ctx:       sctx,
		cancel:    cancel,
		engine:    rules.New(),
		docStatus: make(map[string]int),
	}

	if err := s.acquire(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.attach(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// attach 连接页面目标并启用所需的协议域
func (s *Session) attach(ctx context.Context) error {
	conn, err := rpcc.DialContext(ctx, s.target.WebSocketDebuggerURL)
	if err != nil {
		return model.NewError(model.KindLaunch, "browser.dial", err)
	}
	s.conn = conn
	s.client = cdp.NewClient(conn)

	steps := []struct {
		name string
		fn   func() error
	}{
		{"page.enable", func() error { return s.client.Page.Enable(ctx) }},
		{"runtime.enable", func() error { return s.client.Runtime.Enable(ctx) }},
		{"network.enable", func() error { return s.client.Network.Enable(ctx, nil) }},
		{"log.enable", func() error { return s.client.Log.Enable(ctx) }},
		{"emulation", func() error { return s.applyEmulation(ctx) }},
		{"init_script", func() error { return s.applyInitScript(ctx) }},
		{"streams", s.startStreams},
		{"fetch.enable", func() error { return s.enableInterception(ctx) }},
	}
	for _, st := range steps {
		if err := st.fn(); err != nil {
			return model.NewError(model.KindLaunch, "browser."+st.name, err)
		}
	}
	s.log.Debug("页面会话就绪", "target", string(s.target.ID))
	return nil
}

func (s *Session) applyEmulation(ctx context.Context) error {
	if s.opts.Viewport.Width > 0 && s.opts.Viewport.Height > 0 {
		args := emulation.NewSetDeviceMetricsOverrideArgs(s.opts.Viewport.Width, s.opts.Viewport.Height, 1, false)
		if err := s.client.Emulation.SetDeviceMetricsOverride(ctx, args); err != nil {
			return err
		}
	}
	switch s.opts.ColorScheme {
	case model.ColorSchemeDark, model.ColorSchemeLight:
		args := emulation.NewSetEmulatedMediaArgs().SetFeatures([]emulation.MediaFeature{
			{Name: "prefers-color-scheme", Value: string(s.opts.ColorScheme)},
		})
		return s.client.Emulation.SetEmulatedMedia(ctx, args)
	}
	return nil
}

func (s *Session) applyInitScript(ctx context.Context) error {
	if s.opts.InitScript == "" {
		return nil
	}
	_, err := s.client.Page.AddScriptToEvaluateOnNewDocument(ctx, page.NewAddScriptToEvaluateOnNewDocumentArgs(s.opts.InitScript))
	return err
}

// ID 会话ID
func (s *Session) ID() model.SessionID { return s.id }

// Options 会话参数
func (s *Session) Options() model.SessionOptions { return s.opts }

// Navigate 加载 url 并等待 load 事件；网络错误、超时或非 2xx 文档响应均为 NavigationError
func (s *Session) Navigate(ctx context.Context, url string) (model.NavigationResult, error) {
	res := model.NavigationResult{URL: url}
	if s.closed.Load() {
		return res, model.NewError(model.KindNavigation, "browser.navigate", model.ErrSessionClosed)
	}
	nctx, cancel := context.WithTimeout(ctx, s.opts.NavigationTimeout)
	defer cancel()
	start := time.Now()

	loaded, err := s.client.Page.LoadEventFired(nctx)
	if err != nil {
		return res, model.NewError(model.KindNavigation, "browser.navigate", err)
	}
	defer loaded.Close()

	reply, err := s.client.Page.Navigate(nctx, page.NewNavigateArgs(url))
	if err != nil {
		return res, s.navigationError(nctx, url, err)
	}
	if reply.ErrorText != nil && *reply.ErrorText != "" {
		return res, model.Errorf(model.KindNavigation, "browser.navigate", "%s: %s", url, *reply.ErrorText)
	}
	if _, err := loaded.Recv(); err != nil {
		return res, s.navigationError(nctx, url, err)
	}
	res.Elapsed = time.Since(start)

	if reply.LoaderID != nil {
		res.Status = s.waitDocumentStatus(nctx, string(*reply.LoaderID))
	}
	if res.Status != 0 && (res.Status < 200 || res.Status > 299) {
		return res, model.Errorf(model.KindNavigation, "browser.navigate", "%s: document status %d", url, res.Status)
	}
	s.log.Debug("导航完成", "url", url, "status", res.Status, "elapsed", res.Elapsed)
	return res, nil
}

func (s *Session) navigationError(ctx context.Context, url string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.Errorf(model.KindNavigation, "browser.navigate", "%s: timed out after %s", url, s.opts.NavigationTimeout)
	}
	return model.NewError(model.KindNavigation, "browser.navigate", fmt.Errorf("%s: %w", url, err))
}

// waitDocumentStatus 等待文档响应事件被记录；未观察到时返回 0
func (s *Session) waitDocumentStatus(ctx context.Context, loaderID string) int {
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		st, ok := s.docStatus[loaderID]
		s.mu.Unlock()
		if ok {
			return st
		}
		if time.Now().After(deadline) {
			return 0
		}
		select {
		case <-ctx.Done():
			return 0
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Evaluate 在页面中执行脚本并按值返回结果，Promise 会被等待
func (s *Session) Evaluate(ctx context.Context, script string) (gjson.Result, error) {
	if s.closed.Load() {
		return gjson.Result{}, model.NewError(model.KindEvaluation, "browser.evaluate", model.ErrSessionClosed)
	}
	args := runtime.NewEvaluateArgs(script).SetReturnByValue(true).SetAwaitPromise(true)
	reply, err := s.client.Runtime.Evaluate(ctx, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return gjson.Result{}, model.NewError(model.KindTimeout, "browser.evaluate", err)
		}
		return gjson.Result{}, model.NewError(model.KindEvaluation, "browser.evaluate", err)
	}
	if reply.ExceptionDetails != nil {
		return gjson.Result{}, model.Errorf(model.KindEvaluation, "browser.evaluate", "%s", exceptionText(reply.ExceptionDetails))
	}
	if len(reply.Result.Value) == 0 {
		return gjson.Result{}, nil
	}
	return gjson.ParseBytes(reply.Result.Value), nil
}

// InsertText 向当前焦点元素输入文本
func (s *Session) InsertText(ctx context.Context, text string) error {
	if err := s.client.Input.InsertText(ctx, input.NewInsertTextArgs(text)); err != nil {
		return model.NewError(model.KindEvaluation, "browser.insertText", err)
	}
	return nil
}

// Screenshot 截取当前画面为 PNG；失败返回 CaptureError
func (s *Session) Screenshot(ctx context.Context, path string) error {
	if s.closed.Load() {
		return model.NewError(model.KindCapture, "browser.screenshot", model.ErrSessionClosed)
	}
	reply, err := s.client.Page.CaptureScreenshot(ctx, page.NewCaptureScreenshotArgs().SetFormat("png"))
	if err != nil {
		return model.NewError(model.KindCapture, "browser.screenshot", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return model.NewError(model.KindCapture, "browser.screenshot", err)
		}
	}
	if err := os.WriteFile(path, reply.Data, 0o644); err != nil {
		return model.NewError(model.KindCapture, "browser.screenshot", err)
	}
	s.log.Debug("截图已保存", "path", path, "bytes", len(reply.Data))
	return nil
}

// Close 释放页面、连接与浏览器进程；可重复调用
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.client != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			_ = s.client.Fetch.Disable(ctx)
			cancel()
		}
		s.cancel()
		if s.devtools != nil && s.target != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.devtools.Close(ctx, s.target); err != nil {
				s.log.Debug("关闭页面目标失败", "error", err)
			}
			cancel()
		}
		if s.conn != nil {
			_ = s.conn.Close()
		}
		s.wg.Wait()
		if s.launcher != nil {
			s.launcher.Kill()
			s.launcher.Cleanup()
		}
		s.log.Info("浏览器会话已关闭")
	})
	return nil
}

func exceptionText(d *runtime.ExceptionDetails) string {
	if d.Exception != nil && d.Exception.Description != nil {
		return *d.Exception.Description
	}
	return d.Text
}

// enableInterception 拦截所有请求阶段，由规则引擎决定模拟或放行
func (s *Session) enableInterception(ctx context.Context) error {
	p := "*"
	patterns := []fetch.RequestPattern{
		{URLPattern: &p, RequestStage: fetch.RequestStageRequest},
	}
	return s.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns})
}
