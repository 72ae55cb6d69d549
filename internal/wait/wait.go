// Package wait 提供与页面异步行为同步的等待策略。
//
// 优先使用 Selector 或 Predicate；FixedDelay 仅在没有可观察信号时使用，
// 调用方应把它标记为不稳定来源。
package wait

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cdpharness/pkg/model"

	"github.com/tidwall/gjson"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultInterval = 50 * time.Millisecond

	// finalCheckTimeout 超时时最后一次求值的上限
	finalCheckTimeout = time.Second
)

// Evaluator 能在页面上下文执行脚本的对象
type Evaluator interface {
	Evaluate(ctx context.Context, script string) (gjson.Result, error)
}

// Strategy 等待策略
type Strategy interface {
	Wait(ctx context.Context, ev Evaluator) model.WaitOutcome
	// Flaky 是否依赖不可观察的时间
	Flaky() bool
	String() string
}

type poller struct {
	timeout  time.Duration
	interval time.Duration
}

// Option 轮询配置
type Option func(*poller)

// WithInterval 设置轮询间隔
func WithInterval(d time.Duration) Option {
	return func(p *poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

func newPoller(timeout time.Duration, opts []Option) poller {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	p := poller{timeout: timeout, interval: DefaultInterval}
	for _, o := range opts {
		o(&p)
	}
	return p
}

// poll 反复执行 script 直到结果为真或超时；求值错误视为尚未满足。
// 到达超时时再求值一次，最后一个轮询间隔内出现的状态也算满足。
func (p poller) poll(parent context.Context, ev Evaluator, script string) model.WaitOutcome {
	start := time.Now()
	ctx, cancel := context.WithTimeout(parent, p.timeout)
	defer cancel()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if truthy(ctx, ev, script) {
			return model.Satisfied(time.Since(start))
		}
		select {
		case <-ctx.Done():
			if parent.Err() == nil && p.finalCheck(parent, ev, script) {
				return model.Satisfied(time.Since(start))
			}
			return model.TimedOut(time.Since(start))
		case <-ticker.C:
		}
	}
}

func (p poller) finalCheck(parent context.Context, ev Evaluator, script string) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), finalCheckTimeout)
	defer cancel()
	return truthy(ctx, ev, script)
}

func truthy(ctx context.Context, ev Evaluator, script string) bool {
	r, err := ev.Evaluate(ctx, script)
	return err == nil && r.Bool()
}

type selector struct {
	poller
	sel string
}

// Selector 等待匹配 sel 的元素出现在 DOM 中
func Selector(sel string, timeout time.Duration, opts ...Option) Strategy {
	return &selector{poller: newPoller(timeout, opts), sel: sel}
}

func (s *selector) Wait(ctx context.Context, ev Evaluator) model.WaitOutcome {
	b, _ := json.Marshal(s.sel)
	return s.poll(ctx, ev, fmt.Sprintf(`document.querySelector(%s) !== null`, b))
}

func (s *selector) Flaky() bool { return false }

func (s *selector) String() string {
	return fmt.Sprintf("selector(%s, %s)", s.sel, s.timeout)
}

type predicate struct {
	poller
	script string
}

// Predicate 反复求值 script 直到结果为真值
func Predicate(script string, timeout time.Duration, opts ...Option) Strategy {
	return &predicate{poller: newPoller(timeout, opts), script: script}
}

func (p *predicate) Wait(ctx context.Context, ev Evaluator) model.WaitOutcome {
	return p.poll(ctx, ev, fmt.Sprintf(`!!(%s)`, p.script))
}

func (p *predicate) Flaky() bool { return false }

func (p *predicate) String() string {
	return fmt.Sprintf("predicate(%s, %s)", p.script, p.timeout)
}

type fixedDelay struct {
	d time.Duration
}

// FixedDelay 无条件等待 d
func FixedDelay(d time.Duration) Strategy {
	return &fixedDelay{d: d}
}

func (f *fixedDelay) Wait(ctx context.Context, _ Evaluator) model.WaitOutcome {
	start := time.Now()
	t := time.NewTimer(f.d)
	defer t.Stop()
	select {
	case <-t.C:
		return model.Satisfied(time.Since(start))
	case <-ctx.Done():
		return model.TimedOut(time.Since(start))
	}
}

func (f *fixedDelay) Flaky() bool { return true }

func (f *fixedDelay) String() string {
	return fmt.Sprintf("fixed-delay(%s)", f.d)
}
