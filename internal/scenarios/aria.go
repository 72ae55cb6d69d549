package scenarios

import (
	"time"

	"cdpharness/internal/runner"
	"cdpharness/internal/wait"
)

var (
	dropdownButtons = []string{
		"#freeInputRepoDropdownBtn",
		"#freeInputBranchDropdownBtn",
		"#julesRepoDropdownBtn",
		"#julesBranchDropdownBtn",
	}
	staticModals = []string{
		"#julesKeyModal",
		"#julesEnvModal",
		"#subtaskSplitModal",
		"#subtaskPreviewModal",
	}
)

func aria() runner.Scenario {
	return runner.Scenario{
		Name:        "aria",
		Category:    CategoryARIA,
		Description: "dropdowns, modals, the mobile sidebar and icon buttons expose ARIA attributes",
		NeedsServer: true,
		Options:     withSignedInUser,
		Run: func(c *runner.Check) error {
			if err := mockPromptRoot(c, defaultPrompts...); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			c.Require("header injected", c.Wait(wait.Selector("header", 5*time.Second)).Satisfied)

			for _, sel := range dropdownButtons {
				visible, err := c.Visible(sel)
				if err != nil {
					return err
				}
				if !visible {
					c.Note(sel + " hidden, aria-haspopup not checked")
					continue
				}
				if err := expectAttr(c, sel, "aria-haspopup", "true"); err != nil {
					return err
				}
			}

			for _, sel := range staticModals {
				if err := expectDialog(c, sel); err != nil {
					return err
				}
				if err := expectAttr(c, sel, "aria-labelledby", ""); err != nil {
					return err
				}
			}

			if err := expectDialog(c, "#mobileSidebar"); err != nil {
				return err
			}
			attrs := []struct{ selector, name, want string }{
				{"#mobileSidebar", "aria-label", "Mobile navigation"},
				{"#mobileMenuBtn", "aria-expanded", "false"},
				{"#searchClear", "aria-label", "Clear search"},
				{"#copyBtn", "aria-label", "Copy the entire prompt"},
			}
			for _, a := range attrs {
				if err := expectAttr(c, a.selector, a.name, a.want); err != nil {
					return err
				}
			}
			c.Screenshot("aria")
			return nil
		},
	}
}

func expectDialog(c *runner.Check, selector string) error {
	if err := expectAttr(c, selector, "role", "dialog"); err != nil {
		return err
	}
	return expectAttr(c, selector, "aria-modal", "true")
}
