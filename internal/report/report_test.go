package report

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdpharness/pkg/model"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func sample() *model.RunResult {
	started := time.Date(2026, 1, 15, 9, 30, 0, 0, time.UTC)
	return &model.RunResult{
		RunID:      "6f1c",
		BaseURL:    "http://localhost:3000",
		StartedAt:  started,
		FinishedAt: started.Add(4 * time.Second),
		Reports: []model.Report{
			{
				Scenario: "privacy", Category: "privacy", Outcome: model.OutcomePassed,
				Assertions: []model.Assertion{{Description: "title", Passed: true}},
				Duration:   1200 * time.Millisecond,
			},
			{
				Scenario: "debounce", Category: "debounce", Outcome: model.OutcomeFailed,
				FailureKind: model.KindAssertion, FailureReason: "assertion failed: one item after settle",
				Assertions: []model.Assertion{
					{Description: "list rendered", Passed: true},
					{Description: "one item after settle", Passed: false, Detail: "want 1, got 2"},
				},
				Diagnostics:     []string{"flaky wait: fixed-delay(500ms) relies on timing with no observable signal"},
				ConsoleMessages: []model.ConsoleMessage{{Level: "error", Text: "Failed to load resource"}},
				Duration:        2 * time.Second,
			},
		},
	}
}

func TestWriteAndReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "report.json")
	require.NoError(t, WriteJSON(path, sample()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	doc := gjson.ParseBytes(data)
	assert.Equal(t, "6f1c", doc.Get("runID").String())
	assert.Equal(t, 2, int(doc.Get("reports.#").Int()))
	assert.Equal(t, "failed", doc.Get("reports.1.outcome").String())
	assert.Equal(t, "assertion", doc.Get("reports.1.failureKind").String())
	assert.Equal(t, "want 1, got 2", doc.Get("reports.1.assertions.1.detail").String())

	back, err := ReadJSON(path)
	require.NoError(t, err)
	assert.False(t, back.Passed())
	assert.Equal(t, 2*time.Second, back.Reports[1].Duration)
}

func TestSummary(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	Summary(&buf, sample())
	out := buf.String()

	assert.Contains(t, out, "SCENARIO")
	assert.Contains(t, out, "PASSED")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "1/2")
	assert.Contains(t, out, "x one item after settle (want 1, got 2)")
	assert.Contains(t, out, "! flaky wait: fixed-delay(500ms)")
	assert.Contains(t, out, "console: Failed to load resource")
	assert.Contains(t, out, "1 passed, 1 failed (run 6f1c)")
}
