package browser

import (
	"context"
	"strings"
	"time"

	adapter "cdpharness/internal/adapter/cdp"
	"cdpharness/internal/rules"
	"cdpharness/pkg/model"
	"cdpharness/pkg/traffic"

	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/runtime"
	"github.com/tidwall/gjson"
)

// startStreams 订阅拦截、控制台、日志与文档响应事件
func (s *Session) startStreams() error {
	paused, err := s.client.Fetch.RequestPaused(s.ctx)
	if err != nil {
		return err
	}
	consoleCalled, err := s.client.Runtime.ConsoleAPICalled(s.ctx)
	if err != nil {
		paused.Close()
		return err
	}
	thrown, err := s.client.Runtime.ExceptionThrown(s.ctx)
	if err != nil {
		paused.Close()
		consoleCalled.Close()
		return err
	}
	entries, err := s.client.Log.EntryAdded(s.ctx)
	if err != nil {
		paused.Close()
		consoleCalled.Close()
		thrown.Close()
		return err
	}
	responses, err := s.client.Network.ResponseReceived(s.ctx)
	if err != nil {
		paused.Close()
		consoleCalled.Close()
		thrown.Close()
		entries.Close()
		return err
	}

	s.wg.Add(5)
	go s.consumePaused(paused)
	go func() {
		defer s.wg.Done()
		defer consoleCalled.Close()
		for {
			ev, err := consoleCalled.Recv()
			if err != nil {
				return
			}
			s.addConsole(model.ConsoleMessage{Level: consoleLevel(string(ev.Type)), Text: consoleText(ev.Args), Source: "console"})
		}
	}()
	go func() {
		defer s.wg.Done()
		defer thrown.Close()
		for {
			ev, err := thrown.Recv()
			if err != nil {
				return
			}
			s.addConsole(model.ConsoleMessage{Level: "error", Text: exceptionText(&ev.ExceptionDetails), Source: "exception"})
		}
	}()
	go func() {
		defer s.wg.Done()
		defer entries.Close()
		for {
			ev, err := entries.Recv()
			if err != nil {
				return
			}
			s.addConsole(model.ConsoleMessage{Level: string(ev.Entry.Level), Text: ev.Entry.Text, Source: string(ev.Entry.Source)})
		}
	}()
	go func() {
		defer s.wg.Done()
		defer responses.Close()
		for {
			ev, err := responses.Recv()
			if err != nil {
				return
			}
			if ev.Type != network.ResourceTypeDocument {
				continue
			}
			s.mu.Lock()
			s.docStatus[string(ev.LoaderID)] = ev.Response.Status
			s.mu.Unlock()
		}
	}()
	return nil
}

// consumePaused 持续接收拦截事件并逐个分发处理
func (s *Session) consumePaused(rp fetch.RequestPausedClient) {
	defer s.wg.Done()
	defer rp.Close()
	for {
		ev, err := rp.Recv()
		if err != nil {
			if s.ctx.Err() == nil {
				s.log.Err(err, "接收拦截事件失败")
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handlePaused(ev)
		}()
	}
}

// handlePaused 处理一次拦截：命中规则则模拟响应，否则放行
func (s *Session) handlePaused(ev *fetch.RequestPausedReply) {
	ctx, cancel := context.WithTimeout(s.ctx, processTimeout)
	defer cancel()

	req := adapter.ToNeutralRequest(ev)
	entry := adapter.ToCapturedRequest(req, time.Now().UnixMilli())

	if rule, ok := s.engine.Match(req); ok {
		if resp := s.respond(rule, req); resp != nil {
			entry.Mocked = true
			entry.Rule = rule.ID
			s.addRequest(entry)
			if err := s.client.Fetch.FulfillRequest(ctx, adapter.ToFulfillArgs(ev.RequestID, resp)); err != nil {
				s.log.Err(err, "模拟响应失败", "url", req.URL, "rule", rule.ID)
				return
			}
			s.log.Debug("请求已模拟", "url", req.URL, "rule", rule.ID, "status", resp.StatusCode)
			return
		}
		s.log.Warn("规则未给出响应，降级放行", "url", req.URL, "rule", rule.ID)
	}

	s.addRequest(entry)
	if err := s.client.Fetch.ContinueRequest(ctx, &fetch.ContinueRequestArgs{RequestID: ev.RequestID}); err != nil && s.ctx.Err() == nil {
		s.log.Err(err, "放行请求失败", "url", req.URL)
	}
}

// respond 调用规则的 Responder，panic 视为未响应
func (s *Session) respond(rule *rules.Rule, req *traffic.Request) (resp *traffic.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Responder panic", "rule", rule.ID, "panic", r)
			resp = nil
		}
	}()
	return rule.Responder(req)
}

// Intercept 注册拦截规则，先注册者优先
func (s *Session) Intercept(rule rules.Rule) (string, error) {
	return s.engine.Add(rule)
}

// RemoveIntercept 移除拦截规则
func (s *Session) RemoveIntercept(id string) bool {
	return s.engine.Remove(id)
}

// ResetIntercepts 清空所有拦截规则
func (s *Session) ResetIntercepts() {
	s.engine.Reset()
}

// InterceptStats 规则命中统计
func (s *Session) InterceptStats() model.EngineStats {
	return s.engine.Stats()
}

func (s *Session) addRequest(r model.CapturedRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) >= maxRequestLog {
		s.requests = s.requests[1:]
	}
	s.requests = append(s.requests, r)
}

// Requests 返回已记录的出站请求副本
func (s *Session) Requests() []model.CapturedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.CapturedRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// ResetRequests 清空请求记录
func (s *Session) ResetRequests() {
	s.mu.Lock()
	s.requests = nil
	s.mu.Unlock()
}

func (s *Session) addConsole(m model.ConsoleMessage) {
	s.mu.Lock()
	if len(s.console) >= maxConsoleLog {
		s.console = s.console[1:]
	}
	s.console = append(s.console, m)
	s.mu.Unlock()
	s.log.Debug("页面控制台", "level", m.Level, "source", m.Source, "text", m.Text)
}

// ConsoleMessages 返回已采集的控制台消息副本
func (s *Session) ConsoleMessages() []model.ConsoleMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.ConsoleMessage, len(s.console))
	copy(out, s.console)
	return out
}

// ResetConsole 清空控制台记录
func (s *Session) ResetConsole() {
	s.mu.Lock()
	s.console = nil
	s.mu.Unlock()
}

func consoleLevel(t string) string {
	switch t {
	case "error", "assert":
		return "error"
	case "warning":
		return "warning"
	case "debug":
		return "verbose"
	default:
		return "info"
	}
}

func consoleText(args []runtime.RemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		switch {
		case len(a.Value) > 0:
			v := gjson.ParseBytes(a.Value)
			if v.Type == gjson.String {
				parts = append(parts, v.String())
			} else {
				parts = append(parts, v.Raw)
			}
		case a.Description != nil:
			parts = append(parts, *a.Description)
		default:
			parts = append(parts, string(a.Type))
		}
	}
	return strings.Join(parts, " ")
}
