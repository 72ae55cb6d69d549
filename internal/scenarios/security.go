package scenarios

import (
	"strings"
	"time"

	"cdpharness/internal/runner"
	"cdpharness/internal/wait"
	"cdpharness/pkg/traffic"
)

const (
	crossOrigin    = "https://example.com"
	referrerPolicy = "strict-origin-when-cross-origin"
)

var (
	referrerPages = []string{
		"index.html",
		"pages/jules/jules.html",
		"pages/queue/queue.html",
		"pages/sessions/sessions.html",
		"pages/profile/profile.html",
		"pages/webcapture/webcapture.html",
		"oauth-callback.html",
	}
	sriPages = []string{
		"index.html",
		"pages/jules/jules.html",
		"pages/queue/queue.html",
	}
)

func referrer(page string) runner.Scenario {
	return runner.Scenario{
		Name:        "referrer-" + pageSlug(page),
		Category:    CategoryReferrer,
		Description: "requests from " + page + " send an origin-only Referer cross-origin and the full URL same-origin",
		Path:        page,
		NeedsServer: true,
		Run: func(c *runner.Check) error {
			if _, err := c.Mock(crossOrigin+"/**", traffic.Text("ok")); err != nil {
				return err
			}
			if err := stubThirdParty(c); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			n, err := c.Count(`meta[name="referrer"][content="` + referrerPolicy + `"]`)
			if err != nil {
				return err
			}
			c.Assert("referrer meta declares "+referrerPolicy, n > 0)

			pageURL := c.URL("")
			// fetch 在 Evaluate 中被等待，返回时请求已被记录
			if _, err := c.Evaluate(`fetch('` + crossOrigin + `', {mode: 'no-cors'}).then(function(){return true;}, function(){return false;})`); err != nil {
				return err
			}
			if cross := c.RequestsTo(crossOrigin); c.Assert("cross-origin request observed", len(cross) > 0) {
				c.Equal("cross-origin Referer is the origin only", origin(pageURL)+"/", cross[len(cross)-1].Header("Referer"))
			}

			if _, err := c.Evaluate(`fetch('/assets/favicon.ico').then(function(){return true;}, function(){return false;})`); err != nil {
				return err
			}
			if same := c.RequestsTo(c.URL("/assets/favicon.ico")); c.Assert("same-origin request observed", len(same) > 0) {
				c.Equal("same-origin Referer is the full page URL", pageURL, same[len(same)-1].Header("Referer"))
			}
			if page == referrerPages[0] {
				c.Screenshot("referrer")
			}
			return nil
		},
	}
}

func sri(page string) runner.Scenario {
	return runner.Scenario{
		Name:        "sri-" + pageSlug(page),
		Category:    CategorySRI,
		Description: "CDN scripts on " + page + " pass subresource integrity and define the firebase global",
		Path:        page,
		NeedsServer: true,
		Run: func(c *runner.Check) error {
			if err := c.Goto(""); err != nil {
				return err
			}
			out := c.Wait(wait.Predicate("typeof window.auth !== 'undefined'", 5*time.Second))
			if out.TimedOut() {
				c.Note("window.auth not defined after " + out.Elapsed.Round(time.Millisecond).String() + "; Firebase init may need network config")
			}

			var integrity []string
			for _, m := range c.ConsoleErrors() {
				if strings.Contains(strings.ToLower(m.Text), "integrity") {
					integrity = append(integrity, m.Text)
				}
			}
			c.Assert("no subresource integrity errors", len(integrity) == 0, strings.Join(integrity, " | "))

			firebase, err := c.Evaluate("typeof firebase !== 'undefined'")
			if err != nil {
				return err
			}
			c.Assert("firebase global defined", firebase.Bool())
			if page == sriPages[0] {
				c.Screenshot("sri")
			}
			return nil
		},
	}
}
