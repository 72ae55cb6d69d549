package service

import (
	"context"
	"path/filepath"
	"testing"

	"cdpharness/internal/config"
	"cdpharness/internal/report"
	"cdpharness/internal/rules"
	"cdpharness/internal/runner"
	"cdpharness/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type stubSession struct{ opts model.SessionOptions }

func (s *stubSession) ID() model.SessionID           { return "stub" }
func (s *stubSession) Options() model.SessionOptions { return s.opts }
func (s *stubSession) Navigate(_ context.Context, url string) (model.NavigationResult, error) {
	return model.NavigationResult{URL: url, Status: 200}, nil
}
func (s *stubSession) Evaluate(context.Context, string) (gjson.Result, error) {
	return gjson.Parse("true"), nil
}
func (s *stubSession) InsertText(context.Context, string) error { return nil }
func (s *stubSession) Screenshot(context.Context, string) error { return nil }
func (s *stubSession) Intercept(r rules.Rule) (string, error)   { return r.Pattern, nil }
func (s *stubSession) RemoveIntercept(string) bool              { return false }
func (s *stubSession) ResetIntercepts()                         {}
func (s *stubSession) InterceptStats() model.EngineStats        { return model.EngineStats{} }
func (s *stubSession) Requests() []model.CapturedRequest        { return nil }
func (s *stubSession) ResetRequests()                           {}
func (s *stubSession) ConsoleMessages() []model.ConsoleMessage  { return nil }
func (s *stubSession) ResetConsole()                            {}
func (s *stubSession) Close() error                             { return nil }

func stubOpener(_ context.Context, opts model.SessionOptions) (runner.Session, error) {
	return &stubSession{opts: opts}, nil
}

func testScenarios() []runner.Scenario {
	return []runner.Scenario{
		{Name: "ok", Category: "alpha", Description: "passes", Run: func(c *runner.Check) error {
			c.Assert("fine", true)
			return nil
		}},
		{Name: "broken", Category: "beta", Description: "fails", Run: func(c *runner.Check) error {
			c.Assert("broken", false)
			return nil
		}},
	}
}

func testConfig(t *testing.T, history bool) *config.Config {
	dir := t.TempDir()
	cfg := config.NewConfig()
	cfg.Run.BaseURL = "http://localhost:3000"
	cfg.Run.OutputDir = filepath.Join(dir, "out")
	cfg.Sqlite.Enabled = history
	cfg.Sqlite.Dsn = filepath.Join(dir, "history.sqlite3")
	return cfg
}

func newTestService(t *testing.T, history bool) *Service {
	s, err := New(testConfig(t, history), nil,
		WithScenarios(testScenarios()),
		WithRunnerOptions(runner.WithOpener(stubOpener)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestListAndCategories(t *testing.T) {
	s := newTestService(t, false)
	list := s.ListScenarios()
	require.Len(t, list, 2)
	assert.Equal(t, "ok", list[0].Name)
	assert.Equal(t, "fails", list[1].Description)
	assert.Equal(t, []string{"alpha", "beta"}, s.Categories())
}

func TestRunWritesReportAndHistory(t *testing.T) {
	s := newTestService(t, true)
	ctx := context.Background()

	res, err := s.Run(ctx)
	require.NoError(t, err)
	require.Len(t, res.Reports, 2)
	assert.False(t, res.Passed())

	written, err := report.ReadJSON(s.ReportPath())
	require.NoError(t, err)
	assert.Equal(t, res.RunID, written.RunID)

	runs, err := s.History(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].RunID)
	assert.Equal(t, 1, runs[0].Passed)
	assert.Equal(t, 1, runs[0].Failed)

	reports, err := s.RunReports(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, "broken", reports[1].Scenario)
}

func TestRunSelection(t *testing.T) {
	s := newTestService(t, false)

	res, err := s.Run(context.Background(), "alpha")
	require.NoError(t, err)
	require.Len(t, res.Reports, 1)
	assert.True(t, res.Passed())

	_, err = s.Run(context.Background(), "gamma")
	assert.Error(t, err)
}

func TestHistoryDisabled(t *testing.T) {
	s := newTestService(t, false)
	_, err := s.History(context.Background(), 5)
	assert.ErrorIs(t, err, ErrHistoryDisabled)
	_, err = s.RunReports(context.Background(), "x")
	assert.ErrorIs(t, err, ErrHistoryDisabled)
}

func TestReportPath(t *testing.T) {
	s := newTestService(t, false)
	s.cfg.Run.OutputDir = "verification"
	s.cfg.Run.ReportFile = "report.json"
	assert.Equal(t, filepath.Join("verification", "report.json"), s.ReportPath())
	s.cfg.Run.ReportFile = "ci/report.json"
	assert.Equal(t, "ci/report.json", s.ReportPath())
	s.cfg.Run.ReportFile = ""
	assert.Empty(t, s.ReportPath())
}
