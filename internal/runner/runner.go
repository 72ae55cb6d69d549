// Package runner 顺序执行场景，管理服务器与浏览器会话的获取和释放，并汇总报告。
package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"cdpharness/internal/browser"
	"cdpharness/internal/logger"
	"cdpharness/internal/server"
	"cdpharness/internal/session"
	"cdpharness/pkg/model"

	"github.com/google/uuid"
)

const (
	DefaultScenarioTimeout = 60 * time.Second
	teardownTimeout        = 10 * time.Second
)

// errHalted Require 失败后场景提前结束
var errHalted = errors.New("required assertion failed")

// Options 运行配置
type Options struct {
	// Isolated 每个场景使用独立会话
	Isolated       bool
	OutputDir      string
	DefaultTimeout time.Duration
	// BaseURL 非空时不启动本地服务器
	BaseURL             string
	ScreenshotOnFailure bool
	Port                int
	Root                string
	Session             model.SessionOptions
}

// DefaultOptions 默认运行配置
func DefaultOptions() Options {
	return Options{
		OutputDir:           "verification",
		DefaultTimeout:      DefaultScenarioTimeout,
		ScreenshotOnFailure: true,
		Port:                3000,
		Root:                ".",
		Session: model.SessionOptions{
			Headless:    true,
			Viewport:    model.Viewport{Width: 1280, Height: 720},
			ColorScheme: model.ColorSchemeNone,
		},
	}
}

// Runner 场景执行器
type Runner struct {
	opts        Options
	log         logger.Logger
	open        Opener
	startServer ServerStarter
	sessions    *session.Manager
}

// Option 执行器选项
type Option func(*Runner)

func WithLogger(l logger.Logger) Option {
	return func(r *Runner) { r.log = logger.OrNop(l) }
}

// WithOpener 替换会话的打开方式
func WithOpener(o Opener) Option {
	return func(r *Runner) { r.open = o }
}

// WithServerStarter 替换静态服务器的启动方式
func WithServerStarter(s ServerStarter) Option {
	return func(r *Runner) { r.startServer = s }
}

// New 创建执行器
func New(opts Options, ro ...Option) *Runner {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultScenarioTimeout
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	r := &Runner{opts: opts, log: logger.NewNop()}
	for _, o := range ro {
		o(r)
	}
	if r.open == nil {
		r.open = r.openBrowser
	}
	if r.startServer == nil {
		srv := server.New(server.WithLogger(r.log))
		r.startServer = func(ctx context.Context, port int, root string) (Endpoint, error) {
			h, err := srv.Start(ctx, port, root)
			if err != nil {
				return nil, err
			}
			return h, nil
		}
	}
	r.sessions = session.NewManager(r.log)
	return r
}

func (r *Runner) openBrowser(ctx context.Context, opts model.SessionOptions) (Session, error) {
	s, err := browser.Open(ctx, opts, r.log)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run 按顺序执行场景并返回汇总结果；场景内的故障不会向外传播
func (r *Runner) Run(ctx context.Context, scenarios []Scenario) *model.RunResult {
	res := &model.RunResult{
		RunID:     model.RunID(uuid.NewString()),
		StartedAt: time.Now(),
		Reports:   make([]model.Report, 0, len(scenarios)),
	}
	env := &environment{r: r}
	defer env.teardown()

	r.log.Info("开始运行场景", "runID", string(res.RunID), "count", len(scenarios), "isolated", r.opts.Isolated)
	for i := range scenarios {
		rep := r.runOne(ctx, env, &scenarios[i])
		r.log.Info("场景结束", "scenario", rep.Scenario, "outcome", string(rep.Outcome),
			"assertions", len(rep.Assertions), "durationMs", rep.Duration.Milliseconds())
		res.Reports = append(res.Reports, rep)
	}
	res.BaseURL = env.baseURL
	res.FinishedAt = time.Now()
	passed, failed := res.Counts()
	r.log.Info("运行完成", "runID", string(res.RunID), "passed", passed, "failed", failed)
	return res
}

func (r *Runner) runOne(ctx context.Context, env *environment, sc *Scenario) (rep model.Report) {
	rep = model.Report{
		Scenario:        sc.Name,
		Category:        sc.Category,
		Outcome:         model.OutcomePending,
		Assertions:      []model.Assertion{},
		ConsoleMessages: []model.ConsoleMessage{},
		ScreenshotPaths: []string{},
		StartedAt:       time.Now(),
	}
	defer func() { rep.Duration = time.Since(rep.StartedAt) }()
	log := r.log.With("scenario", sc.Name)

	if sc.Run == nil {
		return acquisitionFailed(rep, errors.New("scenario has no body"))
	}
	if err := ctx.Err(); err != nil {
		return acquisitionFailed(rep, err)
	}
	base, err := env.base(ctx, sc)
	if err != nil {
		log.Err(err, "启动静态服务器失败")
		return acquisitionFailed(rep, err)
	}
	sess, release, err := env.session(ctx, sc)
	if err != nil {
		log.Err(err, "获取浏览器会话失败")
		return acquisitionFailed(rep, err)
	}
	defer release()

	rep.Outcome = model.OutcomeRunning
	timeout := sc.Timeout
	if timeout <= 0 {
		timeout = r.opts.DefaultTimeout
	}
	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c := newCheck(sctx, sc, sess, base, r.opts.OutputDir, log)
	done := make(chan error, 1)
	go execute(c, sc.Run, done)

	var runErr error
	abandoned := false
	select {
	case runErr = <-done:
	case <-sctx.Done():
		abandoned = true
		if ctx.Err() != nil {
			runErr = model.NewError(model.KindInfrastructure, "scenario", ctx.Err())
		} else {
			runErr = model.Errorf(model.KindTimeout, "scenario", "%s exceeded %s", sc.Name, timeout)
		}
		log.Warn("场景超时，放弃执行", "timeout", timeout.String())
	}

	assertions, shots, diags, _ := c.seal()
	rep.Assertions = append(rep.Assertions, assertions...)
	rep.ScreenshotPaths = append(rep.ScreenshotPaths, shots...)
	rep.Diagnostics = diags
	if d := c.interceptSummary(sess.InterceptStats()); d != "" {
		rep.Diagnostics = append(rep.Diagnostics, d)
	}
	if msgs := sess.ConsoleMessages(); len(msgs) > 0 {
		rep.ConsoleMessages = msgs
	}
	decide(&rep, runErr)

	if rep.Outcome == model.OutcomeFailed && r.opts.ScreenshotOnFailure {
		r.failureScreenshot(&rep, sess, sc.Name)
	}
	if abandoned {
		// 被放弃的场景体可能仍持有会话
		env.retire(sess)
	}
	return rep
}

// decide 根据执行错误和断言得出最终结果
func decide(rep *model.Report, runErr error) {
	if runErr != nil && !errors.Is(runErr, errHalted) {
		rep.Outcome = model.OutcomeFailed
		rep.FailureReason = runErr.Error()
		rep.FailureKind = model.KindOf(runErr)
		if rep.FailureKind == "" {
			rep.FailureKind = model.KindInfrastructure
		}
		return
	}
	if failed := rep.FailedAssertions(); len(failed) > 0 {
		rep.Outcome = model.OutcomeFailed
		rep.FailureKind = model.KindAssertion
		rep.FailureReason = "assertion failed: " + failed[0].Description
		if failed[0].Detail != "" {
			rep.FailureReason += " (" + failed[0].Detail + ")"
		}
		return
	}
	rep.Outcome = model.OutcomePassed
}

func acquisitionFailed(rep model.Report, err error) model.Report {
	err = model.NewError(model.KindInfrastructure, "acquire", err)
	rep.Outcome = model.OutcomeFailed
	rep.FailureKind = model.KindInfrastructure
	rep.FailureReason = err.Error()
	return rep
}

// execute 在独立 goroutine 中运行场景体，panic 与 Require 的提前退出都会转换为错误
func execute(c *Check, body func(*Check) error, done chan<- error) {
	var err error
	returned := false
	defer func() {
		if rec := recover(); rec != nil {
			err = model.Errorf(model.KindInfrastructure, "scenario", "panic: %v", rec)
		} else if !returned {
			err = errHalted
		}
		done <- err
	}()
	err = body(c)
	returned = true
}

func (r *Runner) failureScreenshot(rep *model.Report, sess Session, name string) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	path := filepath.Join(r.opts.OutputDir, unsafeName.ReplaceAllString(name, "_")+"-failure.png")
	if err := sess.Screenshot(ctx, path); err != nil {
		rep.Diagnostics = append(rep.Diagnostics, fmt.Sprintf("failure screenshot: %v", err))
		r.log.Warn("失败截图未保存", "scenario", name, "error", err)
		return
	}
	rep.ScreenshotPaths = append(rep.ScreenshotPaths, path)
}

// environment 一次运行中共享的服务器与会话，首次需要时获取
type environment struct {
	r *Runner

	endpoint  Endpoint
	serverErr error
	baseURL   string

	shared    Session
	sharedErr error
}

func (e *environment) base(ctx context.Context, sc *Scenario) (string, error) {
	if e.r.opts.BaseURL != "" {
		e.baseURL = e.r.opts.BaseURL
		return e.baseURL, nil
	}
	if !sc.NeedsServer {
		return e.baseURL, nil
	}
	if e.endpoint == nil && e.serverErr == nil {
		ep, err := e.r.startServer(ctx, e.r.opts.Port, e.r.opts.Root)
		if err != nil {
			e.serverErr = err
		} else {
			e.endpoint = ep
			e.baseURL = ep.URL()
		}
	}
	if e.serverErr != nil {
		return "", e.serverErr
	}
	return e.endpoint.URL(), nil
}

// session 返回场景使用的会话和对应的释放函数
func (e *environment) session(ctx context.Context, sc *Scenario) (Session, func(), error) {
	base := e.r.opts.Session
	opts := sc.sessionOptions(base)
	if e.r.opts.Isolated || !opts.Equal(base) {
		s, err := e.r.open(ctx, opts)
		if err != nil {
			return nil, nil, err
		}
		e.r.sessions.Track(s)
		return s, func() { e.r.sessions.Release(s.ID()) }, nil
	}

	if e.shared == nil && e.sharedErr == nil {
		s, err := e.r.open(ctx, opts)
		if err != nil {
			e.sharedErr = err
		} else {
			e.shared = s
			e.r.sessions.Track(s)
		}
	}
	if e.sharedErr != nil {
		return nil, nil, e.sharedErr
	}
	e.shared.ResetIntercepts()
	e.shared.ResetConsole()
	e.shared.ResetRequests()
	return e.shared, func() {}, nil
}

// retire 关闭被超时场景占用过的共享会话，下一个场景重新打开
func (e *environment) retire(s Session) {
	if e.shared == nil || e.shared.ID() != s.ID() {
		return
	}
	e.shared = nil
	e.r.sessions.Release(s.ID())
	e.r.log.Warn("共享会话已废弃", "sessionID", string(s.ID()), "open", e.r.sessions.Len())
}

func (e *environment) teardown() {
	if n := e.r.sessions.CloseAll(); n > 0 {
		e.r.log.Debug("已关闭浏览器会话", "count", n)
	}
	if e.endpoint == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := e.endpoint.Stop(ctx); err != nil {
		e.r.log.Warn("停止静态服务器失败", "error", err)
	}
	e.endpoint = nil
}
