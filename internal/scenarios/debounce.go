package scenarios

import (
	"fmt"
	"strings"
	"time"

	"cdpharness/internal/runner"
	"cdpharness/internal/wait"
)

// debounceSettle 搜索输入停止后列表刷新所需的时间；页面没有可观察的“已刷新”信号
const debounceSettle = 500 * time.Millisecond

func debounce() runner.Scenario {
	return runner.Scenario{
		Name:        "debounce-search",
		Category:    CategoryDebounce,
		Description: "typing in search keeps the full list until input settles, then shows only matches",
		Path:        "index.html",
		NeedsServer: true,
		Options:     withSignedInUser,
		Run: func(c *runner.Check) error {
			if err := mockPromptRoot(c, defaultPrompts...); err != nil {
				return err
			}
			if err := mockHeader(c); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			c.Require("prompt list rendered", c.Wait(wait.Selector(".item", 5*time.Second)).Satisfied)
			searchVisible, err := c.Visible("#search")
			if err != nil {
				return err
			}
			c.Require("search input visible", searchVisible)

			if err := c.Type("#search", "test", 10*time.Millisecond); err != nil {
				return err
			}
			clearVisible, err := c.Visible("#searchClear")
			if err != nil {
				return err
			}
			c.Assert("clear button visible immediately", clearVisible)

			immediate, err := c.VisibleCount(".item")
			if err != nil {
				return err
			}
			c.Equal("list not yet filtered right after typing", len(defaultPrompts), immediate)

			c.Wait(wait.FixedDelay(debounceSettle))

			settled, err := c.VisibleTexts(".item")
			if err != nil {
				return err
			}
			c.Equal("one item visible after input settles", 1, len(settled))
			c.Assert("remaining item is test-prompt.md",
				len(settled) == 1 && strings.Contains(settled[0], "test-prompt.md"),
				fmt.Sprintf("visible: %q", settled))
			c.Screenshot("debounce")
			return nil
		},
	}
}
