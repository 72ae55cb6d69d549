package browser

import (
	"context"
	"fmt"
	"net/url"

	"cdpharness/pkg/model"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/mafredri/cdp/devtool"
)

// acquire 启动或连接浏览器，并新建一个页面目标
func (s *Session) acquire(ctx context.Context) error {
	devtoolsURL := s.opts.DevToolsURL
	if devtoolsURL == "" {
		l := launcher.New().Headless(s.opts.Headless)
		if s.opts.BrowserBin != "" {
			l = l.Bin(s.opts.BrowserBin)
		}
		if s.opts.NoSandbox {
			l = l.NoSandbox(true)
		}
		wsURL, err := l.Launch()
		if err != nil {
			return model.NewError(model.KindLaunch, "browser.launch", err)
		}
		s.launcher = l
		devtoolsURL, err = httpDebugURL(wsURL)
		if err != nil {
			return model.NewError(model.KindLaunch, "browser.launch", err)
		}
		s.log.Info("浏览器已启动", "pid", l.PID(), "devtools", devtoolsURL)
	} else {
		s.log.Info("连接已有浏览器", "devtools", devtoolsURL)
	}

	s.devtools = devtool.New(devtoolsURL)
	target, err := s.devtools.Create(ctx)
	if err != nil {
		return model.NewError(model.KindLaunch, "browser.newPage", err)
	}
	s.target = target
	return nil
}

// httpDebugURL 由浏览器 WebSocket 地址推导 DevTools HTTP 地址
func httpDebugURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", fmt.Errorf("devtools url %q has no host", wsURL)
	}
	return "http://" + u.Host, nil
}
