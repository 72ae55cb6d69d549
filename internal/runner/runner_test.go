package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cdpharness/internal/rules"
	"cdpharness/internal/wait"
	"cdpharness/pkg/model"
	"cdpharness/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/goleak"
)

type fakeSession struct {
	id   model.SessionID
	opts model.SessionOptions

	mu         sync.Mutex
	navigated  []string
	navErr     error
	results    map[string]string
	rules      []rules.Rule
	console    []model.ConsoleMessage
	shotErr    error
	shots      []string
	resets     int
	stats      model.EngineStats
	closeCalls atomic.Int32
}

func newFakeSession(id string, opts model.SessionOptions) *fakeSession {
	return &fakeSession{id: model.SessionID(id), opts: opts, results: map[string]string{}}
}

func (f *fakeSession) ID() model.SessionID                      { return f.id }
func (f *fakeSession) Options() model.SessionOptions            { return f.opts }
func (f *fakeSession) InsertText(context.Context, string) error { return nil }

func (f *fakeSession) Navigate(_ context.Context, url string) (model.NavigationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.navErr != nil {
		return model.NavigationResult{}, f.navErr
	}
	f.navigated = append(f.navigated, url)
	return model.NavigationResult{URL: url, Status: 200}, nil
}

func (f *fakeSession) Evaluate(_ context.Context, script string) (gjson.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for frag, raw := range f.results {
		if strings.Contains(script, frag) {
			return gjson.Parse(raw), nil
		}
	}
	return gjson.Parse("null"), nil
}

func (f *fakeSession) Screenshot(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shotErr != nil {
		return f.shotErr
	}
	f.shots = append(f.shots, path)
	return nil
}

func (f *fakeSession) Intercept(r rules.Rule) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, r)
	return r.Pattern, nil
}

func (f *fakeSession) RemoveIntercept(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.Pattern == id {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeSession) InterceptStats() model.EngineStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

func (f *fakeSession) patterns() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, r := range f.rules {
		out = append(out, r.Pattern)
	}
	return out
}

func (f *fakeSession) ResetIntercepts() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = nil
	f.resets++
}

func (f *fakeSession) Requests() []model.CapturedRequest { return nil }
func (f *fakeSession) ResetRequests()                    {}

func (f *fakeSession) ConsoleMessages() []model.ConsoleMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.ConsoleMessage(nil), f.console...)
}

func (f *fakeSession) ResetConsole() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.console = nil
}

func (f *fakeSession) Close() error {
	f.closeCalls.Add(1)
	return nil
}

type fakeEndpoint struct {
	url   string
	stops atomic.Int32
}

func (e *fakeEndpoint) URL() string { return e.url }

func (e *fakeEndpoint) Stop(context.Context) error {
	e.stops.Add(1)
	return nil
}

type harness struct {
	mu       sync.Mutex
	sessions []*fakeSession
	endpoint *fakeEndpoint
	openErr  error
	startErr error
	starts   int
	prepare  func(*fakeSession)
}

func (h *harness) opener(_ context.Context, opts model.SessionOptions) (Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.openErr != nil {
		return nil, h.openErr
	}
	s := newFakeSession("s"+string(rune('0'+len(h.sessions))), opts)
	if h.prepare != nil {
		h.prepare(s)
	}
	h.sessions = append(h.sessions, s)
	return s, nil
}

func (h *harness) starter(_ context.Context, port int, _ string) (Endpoint, error) {
	h.starts++
	if h.startErr != nil {
		return nil, h.startErr
	}
	h.endpoint = &fakeEndpoint{url: "http://localhost:3000"}
	return h.endpoint, nil
}

func (h *harness) runner(opts Options) *Runner {
	return New(opts, WithOpener(h.opener), WithServerStarter(h.starter))
}

func testOptions(t *testing.T) Options {
	opts := DefaultOptions()
	opts.OutputDir = t.TempDir()
	return opts
}

func TestPassingScenario(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{}
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name:        "privacy",
		Path:        "pages/privacy/privacy.html",
		NeedsServer: true,
		Run: func(c *Check) error {
			if err := c.Goto(""); err != nil {
				return err
			}
			c.Assert("title set", true)
			c.Screenshot("privacy")
			return nil
		},
	}})

	require.Len(t, res.Reports, 1)
	rep := res.Reports[0]
	assert.Equal(t, model.OutcomePassed, rep.Outcome)
	assert.Empty(t, rep.FailureReason)
	assert.True(t, res.Passed())
	assert.Equal(t, "http://localhost:3000", res.BaseURL)
	assert.NotEmpty(t, res.RunID)

	require.Len(t, h.sessions, 1)
	assert.Equal(t, []string{"http://localhost:3000/pages/privacy/privacy.html"}, h.sessions[0].navigated)
	assert.Len(t, rep.ScreenshotPaths, 1)
	assert.True(t, strings.HasSuffix(rep.ScreenshotPaths[0], "privacy.png"))
	assert.Equal(t, int32(1), h.sessions[0].closeCalls.Load())
	assert.Equal(t, int32(1), h.endpoint.stops.Load())
}

func TestAllAssertionsReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{}
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name: "aria",
		Run: func(c *Check) error {
			c.Assert("first ok", true)
			c.Assert("second broken", false, "missing aria-label")
			c.Assert("third broken", false)
			c.Equal("count", 1, 2)
			return nil
		},
	}})

	rep := res.Reports[0]
	assert.Equal(t, model.OutcomeFailed, rep.Outcome)
	assert.Equal(t, model.KindAssertion, rep.FailureKind)
	assert.Contains(t, rep.FailureReason, "second broken")
	assert.Contains(t, rep.FailureReason, "missing aria-label")
	require.Len(t, rep.Assertions, 4)
	assert.Len(t, rep.FailedAssertions(), 3)
	assert.Equal(t, "want 1, got 2", rep.Assertions[3].Detail)
	assert.False(t, res.Passed())

	// 失败时自动截图
	require.Len(t, rep.ScreenshotPaths, 1)
	assert.True(t, strings.HasSuffix(rep.ScreenshotPaths[0], "aria-failure.png"))
}

func TestRequireStopsScenario(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{}
	reached := false
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name: "fail-fast",
		Run: func(c *Check) error {
			c.Require("header injected", false, "no <header>")
			reached = true
			c.Assert("unreachable", true)
			return nil
		},
	}})

	rep := res.Reports[0]
	assert.False(t, reached)
	assert.Equal(t, model.OutcomeFailed, rep.Outcome)
	assert.Equal(t, model.KindAssertion, rep.FailureKind)
	require.Len(t, rep.Assertions, 1)
	assert.Equal(t, "header injected", rep.Assertions[0].Description)
	assert.Equal(t, int32(1), h.sessions[0].closeCalls.Load())
}

func TestInfrastructureFaultAbortsScenario(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{prepare: func(s *fakeSession) {
		s.navErr = model.Errorf(model.KindNavigation, "navigate", "status 404")
	}}
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name: "missing-page",
		Run: func(c *Check) error {
			if err := c.Goto("nope.html"); err != nil {
				return err
			}
			c.Assert("never", true)
			return nil
		},
	}})

	rep := res.Reports[0]
	assert.Equal(t, model.OutcomeFailed, rep.Outcome)
	assert.Equal(t, model.KindNavigation, rep.FailureKind)
	assert.Contains(t, rep.FailureReason, "status 404")
	assert.Empty(t, rep.Assertions)
}

func TestPanicIsContained(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{}
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{
		{Name: "boom", Run: func(c *Check) error {
			c.Assert("before panic", true)
			panic("nil element")
		}},
		{Name: "after", Run: func(c *Check) error {
			c.Assert("still runs", true)
			return nil
		}},
	})

	require.Len(t, res.Reports, 2)
	assert.Equal(t, model.OutcomeFailed, res.Reports[0].Outcome)
	assert.Contains(t, res.Reports[0].FailureReason, "panic: nil element")
	assert.Len(t, res.Reports[0].Assertions, 1)
	assert.Equal(t, model.OutcomePassed, res.Reports[1].Outcome)

	require.Len(t, h.sessions, 1, "shared session reused across scenarios")
	assert.Equal(t, int32(1), h.sessions[0].closeCalls.Load())
}

func TestAcquisitionFailureNeverRuns(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{openErr: model.Errorf(model.KindLaunch, "launch", "chrome not found")}
	ran := false
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name: "dark-mode",
		Run:  func(*Check) error { ran = true; return nil },
	}})

	rep := res.Reports[0]
	assert.False(t, ran)
	assert.Equal(t, model.OutcomeFailed, rep.Outcome)
	assert.Equal(t, model.KindInfrastructure, rep.FailureKind)
	assert.Contains(t, rep.FailureReason, "chrome not found")
	assert.Empty(t, rep.ScreenshotPaths)
}

func TestServerFailureCached(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{startErr: model.Errorf(model.KindPortBind, "start", "port 3000 busy")}
	body := func(*Check) error { return nil }
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{
		{Name: "a", NeedsServer: true, Run: body},
		{Name: "b", NeedsServer: true, Run: body},
	})

	assert.Equal(t, 1, h.starts)
	for _, rep := range res.Reports {
		assert.Equal(t, model.OutcomeFailed, rep.Outcome)
		assert.Contains(t, rep.FailureReason, "port 3000 busy")
	}
	assert.Empty(t, h.sessions)
}

func TestBaseURLSkipsServer(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{}
	opts := testOptions(t)
	opts.BaseURL = "http://staging.example/"
	res := h.runner(opts).Run(context.Background(), []Scenario{{
		Name:        "home",
		NeedsServer: true,
		Run: func(c *Check) error {
			c.Equal("url", "http://staging.example/index.html", c.URL("/index.html"))
			c.Equal("absolute", "https://example.com", c.URL("https://example.com"))
			return nil
		},
	}})

	assert.Zero(t, h.starts)
	assert.True(t, res.Passed(), "%+v", res.Reports[0].Assertions)
}

func TestSessionModes(t *testing.T) {
	defer goleak.VerifyNone(t)

	body := func(c *Check) error {
		_, err := c.Mock("**/git/trees/**", traffic.JSON(`{"tree":[]}`))
		return err
	}
	dark := func(o *model.SessionOptions) { o.ColorScheme = model.ColorSchemeDark }

	h := &harness{}
	h.runner(testOptions(t)).Run(context.Background(), []Scenario{
		{Name: "one", Run: body},
		{Name: "dark", Options: dark, Run: body},
		{Name: "two", Run: body},
	})
	require.Len(t, h.sessions, 2, "shared plus one isolated for differing options")
	assert.Equal(t, model.ColorSchemeDark, h.sessions[1].opts.ColorScheme)
	assert.Equal(t, 2, h.sessions[0].resets, "shared session reset before each use")
	for _, s := range h.sessions {
		assert.Equal(t, int32(1), s.closeCalls.Load())
	}

	h = &harness{}
	opts := testOptions(t)
	opts.Isolated = true
	h.runner(opts).Run(context.Background(), []Scenario{
		{Name: "one", Run: body},
		{Name: "two", Run: body},
	})
	require.Len(t, h.sessions, 2)
	for _, s := range h.sessions {
		assert.Equal(t, int32(1), s.closeCalls.Load())
	}
}

func TestScenarioTimeoutAbandoned(t *testing.T) {
	h := &harness{}
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name:    "hang",
		Timeout: 50 * time.Millisecond,
		Run: func(c *Check) error {
			c.Assert("started", true)
			<-release
			c.Assert("late", false)
			return nil
		},
	}})

	assert.Less(t, time.Since(start), 5*time.Second)
	rep := res.Reports[0]
	assert.Equal(t, model.OutcomeFailed, rep.Outcome)
	assert.Equal(t, model.KindTimeout, rep.FailureKind)
	assert.Len(t, rep.Assertions, 1)
	assert.Equal(t, int32(1), h.sessions[0].closeCalls.Load())
}

func TestAbandonedScenarioCannotTouchNextSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{}
	afterStarted := make(chan struct{})
	lateMock := make(chan error, 1)
	var seen []string

	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{
		{
			Name:    "hang",
			Timeout: 50 * time.Millisecond,
			Run: func(c *Check) error {
				<-afterStarted
				_, err := c.Mock("**/stale-from-abandoned/**", traffic.Text("stale"))
				lateMock <- err
				return nil
			},
		},
		{
			Name: "after",
			Run: func(c *Check) error {
				close(afterStarted)
				select {
				case err := <-lateMock:
					c.Assert("late mock refused", err != nil)
				case <-time.After(2 * time.Second):
					c.Assert("late mock returned", false)
				}
				seen = c.Session().(*fakeSession).patterns()
				return nil
			},
		},
	})

	require.Len(t, res.Reports, 2)
	assert.Equal(t, model.KindTimeout, res.Reports[0].FailureKind)
	assert.Equal(t, model.OutcomePassed, res.Reports[1].Outcome, "%+v", res.Reports[1].Assertions)
	assert.Empty(t, seen)

	require.Len(t, h.sessions, 2, "shared session retired after the timeout")
	assert.Empty(t, h.sessions[0].patterns())
	for _, s := range h.sessions {
		assert.Equal(t, int32(1), s.closeCalls.Load())
	}
}

func TestUnmockAndInterceptSummary(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{prepare: func(s *fakeSession) {
		s.stats = model.EngineStats{Total: 9, Matched: 4, ByRule: map[string]int64{"**/branches**": 4}}
	}}
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name: "mocks",
		Run: func(c *Check) error {
			if _, err := c.Mock("**/branches**", traffic.JSON(`[]`)); err != nil {
				return err
			}
			id, err := c.Mock("**/git/trees/**", traffic.JSON(`{"tree":[]}`))
			if err != nil {
				return err
			}
			c.Assert("removed", c.Unmock(id))
			c.Assert("removed once", !c.Unmock(id))
			c.Equal("remaining rules", "[**/branches**]", c.Session().(*fakeSession).patterns())
			return nil
		},
	}})

	rep := res.Reports[0]
	assert.Equal(t, model.OutcomePassed, rep.Outcome, "%+v", rep.Assertions)
	require.Len(t, rep.Diagnostics, 1)
	assert.Equal(t, "mocked 4 of 9 requests: **/branches** x4, **/git/trees/** x0", rep.Diagnostics[0])
}

func TestFlakyWaitRecorded(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{prepare: func(s *fakeSession) {
		s.results["querySelector"] = "true"
	}}
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name: "debounce",
		Run: func(c *Check) error {
			c.WaitFor(wait.Selector(".item", time.Second), "list rendered")
			c.Wait(wait.FixedDelay(time.Millisecond))
			return nil
		},
	}})

	rep := res.Reports[0]
	assert.Equal(t, model.OutcomePassed, rep.Outcome)
	require.Len(t, rep.Diagnostics, 1)
	assert.Contains(t, rep.Diagnostics[0], "fixed-delay(1ms)")
}

func TestScreenshotErrorIsDiagnostic(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{prepare: func(s *fakeSession) {
		s.shotErr = model.NewError(model.KindCapture, "screenshot", errors.New("read-only file system"))
	}}
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name: "shots",
		Run: func(c *Check) error {
			assert.Empty(t, c.Screenshot("home"))
			c.Assert("ok", true)
			return nil
		},
	}})

	rep := res.Reports[0]
	assert.Equal(t, model.OutcomePassed, rep.Outcome)
	assert.Empty(t, rep.ScreenshotPaths)
	require.Len(t, rep.Diagnostics, 1)
	assert.Contains(t, rep.Diagnostics[0], "read-only file system")
}

func TestConsoleMessagesInReport(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := &harness{}
	res := h.runner(testOptions(t)).Run(context.Background(), []Scenario{{
		Name: "sri",
		Run: func(c *Check) error {
			fs := c.Session().(*fakeSession)
			fs.mu.Lock()
			fs.console = append(fs.console,
				model.ConsoleMessage{Level: "log", Text: "Firebase SDK mocked"},
				model.ConsoleMessage{Level: "error", Text: "Failed integrity check"})
			fs.mu.Unlock()
			c.Equal("console errors", 1, len(c.ConsoleErrors()))
			return nil
		},
	}})

	rep := res.Reports[0]
	assert.Equal(t, model.OutcomePassed, rep.Outcome)
	assert.Len(t, rep.ConsoleMessages, 2)
}

func TestSelect(t *testing.T) {
	all := []Scenario{
		{Name: "aria-static", Category: "aria"},
		{Name: "aria-sidebar", Category: "aria"},
		{Name: "dark-mode", Category: "dark-mode"},
		{Name: "referrer-index", Category: "referrer"},
	}

	got, err := Select(all)
	require.NoError(t, err)
	assert.Len(t, got, 4)

	got, err = Select(all, "aria", "referrer-index")
	require.NoError(t, err)
	var names []string
	for _, s := range got {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"aria-static", "aria-sidebar", "referrer-index"}, names)

	_, err = Select(all, "aria", "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nope")

	assert.Equal(t, []string{"aria", "dark-mode", "referrer"}, Categories(all))
}
