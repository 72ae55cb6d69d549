// Package report 输出运行结果：JSON 文件供 CI 读取，表格摘要供终端阅读。
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"cdpharness/pkg/model"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
)

// WriteJSON 把运行结果写为缩进 JSON，必要时创建目录
func WriteJSON(path string, res *model.RunResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// ReadJSON 读取 WriteJSON 写出的文件
func ReadJSON(path string) (*model.RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res model.RunResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parse report %s: %w", path, err)
	}
	return &res, nil
}

var (
	passPaint = color.New(color.FgGreen).SprintFunc()
	failPaint = color.New(color.FgHiRed).SprintFunc()
	warnPaint = color.New(color.FgYellow).SprintFunc()
)

// Summary 打印每个场景一行的结果表，以及失败断言与诊断
func Summary(w io.Writer, res *model.RunResult) {
	buf := &bytes.Buffer{}
	table := tablewriter.NewWriter(buf)
	table.SetHeader([]string{"Scenario", "Category", "Outcome", "Assertions", "Duration"})
	table.SetAutoWrapText(false)
	for i := range res.Reports {
		r := &res.Reports[i]
		outcome := passPaint(strings.ToUpper(string(r.Outcome)))
		if !r.Passed() {
			outcome = failPaint(strings.ToUpper(string(r.Outcome)))
		}
		total := len(r.Assertions)
		table.Append([]string{
			r.Scenario,
			r.Category,
			outcome,
			fmt.Sprintf("%d/%d", total-len(r.FailedAssertions()), total),
			r.Duration.Round(1e6).String(),
		})
	}
	table.Render()
	_, _ = io.Copy(w, buf)

	for i := range res.Reports {
		r := &res.Reports[i]
		if r.Passed() && len(r.Diagnostics) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n%s\n", r.Scenario)
		if r.FailureReason != "" {
			fmt.Fprintf(w, "  %s %s\n", failPaint("reason:"), r.FailureReason)
		}
		for _, a := range r.FailedAssertions() {
			if a.Detail != "" {
				fmt.Fprintf(w, "  %s %s (%s)\n", failPaint("x"), a.Description, a.Detail)
			} else {
				fmt.Fprintf(w, "  %s %s\n", failPaint("x"), a.Description)
			}
		}
		for _, d := range r.Diagnostics {
			fmt.Fprintf(w, "  %s %s\n", warnPaint("!"), d)
		}
		for _, m := range r.ConsoleMessages {
			if m.IsError() {
				fmt.Fprintf(w, "  console: %s\n", m.Text)
			}
		}
	}

	passed, failed := res.Counts()
	line := fmt.Sprintf("%d passed, %d failed", passed, failed)
	if failed > 0 {
		line = failPaint(line)
	} else {
		line = passPaint(line)
	}
	fmt.Fprintf(w, "\n%s (run %s)\n", line, res.RunID)
}
