package scenarios

import (
	"slices"
	"strings"
	"time"

	"cdpharness/internal/runner"
	"cdpharness/internal/wait"
	"cdpharness/pkg/model"
)

const noPromptsText = "No prompts found."

func darkMode() runner.Scenario {
	return runner.Scenario{
		Name:        "dark-mode",
		Category:    CategoryDarkMode,
		Description: "html gets the dark class when the system prefers a dark color scheme",
		NeedsServer: true,
		Options:     func(o *model.SessionOptions) { o.ColorScheme = model.ColorSchemeDark },
		Run: func(c *runner.Check) error {
			if err := stubThirdParty(c); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			c.WaitFor(wait.Selector("body", 5*time.Second), "body rendered")
			dark, err := c.HasClass("html", "dark")
			if err != nil {
				return err
			}
			c.Assert("html has class dark", dark)
			c.Screenshot("dark-mode")
			return nil
		},
	}
}

func lightMode() runner.Scenario {
	return runner.Scenario{
		Name:        "light-mode",
		Category:    CategoryDarkMode,
		Description: "html has no dark class when the system prefers a light color scheme",
		NeedsServer: true,
		Options:     func(o *model.SessionOptions) { o.ColorScheme = model.ColorSchemeLight },
		Run: func(c *runner.Check) error {
			if err := stubThirdParty(c); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			c.WaitFor(wait.Selector("body", 5*time.Second), "body rendered")
			dark, err := c.HasClass("html", "dark")
			if err != nil {
				return err
			}
			c.Assert("html has no dark class", !dark)
			return nil
		},
	}
}

func emptyState() runner.Scenario {
	return runner.Scenario{
		Name:        "empty-state",
		Category:    CategoryEmptyState,
		Description: "a search with no matches shows the muted empty-state message",
		NeedsServer: true,
		Options: func(o *model.SessionOptions) {
			withSignedInUser(o)
			o.Viewport = model.Viewport{Width: 1280, Height: 720}
		},
		Run: func(c *runner.Check) error {
			if err := mockPromptRoot(c, defaultPrompts...); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			c.Require("search input rendered", c.Wait(wait.Selector("#search", 5*time.Second)).Satisfied)
			if err := c.Fill("#search", "this_string_should_not_exist_in_prompts_12345"); err != nil {
				return err
			}
			shown := c.WaitFor(wait.Predicate(
				`Array.from(document.querySelectorAll('div')).some(function(e){return (e.textContent||'').trim()==='`+noPromptsText+`';})`,
				5*time.Second), "empty-state message shown")
			if !shown {
				return nil
			}
			class, _, err := c.ClassByText("div", noPromptsText)
			if err != nil {
				return err
			}
			classes := strings.Fields(class)
			c.Assert("message has class color-muted", slices.Contains(classes, "color-muted"), "class="+class)
			c.Assert("message has class pad-8", slices.Contains(classes, "pad-8"), "class="+class)
			c.Screenshot("empty-state")
			return nil
		},
	}
}

func privacy() runner.Scenario {
	return runner.Scenario{
		Name:        "privacy",
		Category:    CategoryPrivacy,
		Description: "privacy policy page renders its title, heading, date and footer link",
		Path:        "pages/privacy/privacy.html",
		NeedsServer: true,
		Run: func(c *runner.Check) error {
			if err := stubThirdParty(c); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			title, err := c.Title()
			if err != nil {
				return err
			}
			c.Equal("page title", "Privacy Policy - PromptRoot", title)

			checks := []struct {
				desc, selector, text string
			}{
				{"heading visible", "h1, h2", "Privacy Policy"},
				{"last updated date visible", "body *", "Last updated: January 15, 2026"},
				{"footer links to privacy policy", "footer a", "Privacy Policy"},
			}
			for _, ck := range checks {
				ok, err := c.VisibleWithText(ck.selector, ck.text)
				if err != nil {
					return err
				}
				c.Assert(ck.desc, ok)
			}
			footer, err := c.Visible("footer")
			if err != nil {
				return err
			}
			c.Assert("footer visible", footer)
			c.Screenshot("privacy")
			return nil
		},
	}
}

func visibility() runner.Scenario {
	return runner.Scenario{
		Name:        "visibility",
		Category:    CategoryVisibility,
		Description: "edit button starts hidden and the free input section toggles with its buttons",
		NeedsServer: true,
		Options:     withSignedInUser,
		Run: func(c *runner.Check) error {
			if err := mockPromptRoot(c, defaultPrompts...); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			if err := expectHidden(c, "#editBtn"); err != nil {
				return err
			}

			const section = "#freeInputSection"
			shown, err := c.Visible(section)
			if err != nil {
				return err
			}
			if shown {
				c.Note("free input section initially visible")
				if err := expectShown(c, section); err != nil {
					return err
				}
				if err := c.Click("#freeInputCancelBtn"); err != nil {
					return err
				}
				c.WaitFor(wait.Predicate(classCheck(section, "hidden", true), 2*time.Second), "cancel hides free input")
				if err := expectHidden(c, section); err != nil {
					return err
				}
			}

			if err := c.Click("#freeInputBtn"); err != nil {
				return err
			}
			c.WaitFor(wait.Predicate(classCheck(section, "hidden", false), 2*time.Second), "free input button shows section")
			if err := expectShown(c, section); err != nil {
				return err
			}
			c.Screenshot("visibility")
			return nil
		},
	}
}

// expectHidden 元素不可见且带 hidden 类
func expectHidden(c *runner.Check, selector string) error {
	visible, err := c.Visible(selector)
	if err != nil {
		return err
	}
	hidden, err := c.HasClass(selector, "hidden")
	if err != nil {
		return err
	}
	c.Assert(selector+" not visible", !visible)
	c.Assert(selector+" has class hidden", hidden)
	return nil
}

// expectShown 元素可见且不带 hidden 类
func expectShown(c *runner.Check, selector string) error {
	visible, err := c.Visible(selector)
	if err != nil {
		return err
	}
	hidden, err := c.HasClass(selector, "hidden")
	if err != nil {
		return err
	}
	c.Assert(selector+" visible", visible)
	c.Assert(selector+" has no class hidden", !hidden)
	return nil
}

func classCheck(selector, class string, want bool) string {
	expr := `(function(){var e=document.querySelector('` + selector + `');return !!e&&e.classList.contains('` + class + `');})()`
	if want {
		return expr
	}
	return "!" + expr
}
