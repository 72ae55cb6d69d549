package scenarios

import (
	"strings"
	"time"

	"cdpharness/internal/runner"
	"cdpharness/internal/wait"
)

const callbackPage = "oauth-callback.html"

func oauthCallback() runner.Scenario {
	return runner.Scenario{
		Name:        "oauth-callback",
		Category:    CategoryOAuth,
		Description: "web app callback keeps the stored nonce and records whether an error is shown",
		Path:        callbackPage,
		NeedsServer: true,
		Run: func(c *runner.Check) error {
			if err := stubThirdParty(c); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			if _, err := c.Evaluate(`sessionStorage.setItem('oauth_nonce', 'test-nonce')`); err != nil {
				return err
			}
			if err := c.Goto(callbackPage + "?code=test-code&state=webapp-test-nonce"); err != nil {
				return err
			}
			nonce, err := c.Evaluate(`sessionStorage.getItem('oauth_nonce')`)
			if err != nil {
				return err
			}
			c.Equal("nonce kept across the callback", "test-nonce", nonce.String())

			if out := c.Wait(wait.Selector(".error", 5*time.Second)); out.Satisfied {
				text, _, err := c.Text(".error")
				if err != nil {
					return err
				}
				c.Note("callback shows error: " + strings.TrimSpace(text))
			} else {
				c.Note("callback shows no error")
			}
			c.Screenshot("oauth")
			return nil
		},
	}
}

func oauthMissingParams() runner.Scenario {
	return oauthError("oauth-missing-params", callbackPage,
		"Missing authorization code or state parameter")
}

func oauthProviderError() runner.Scenario {
	return oauthError("oauth-provider-error",
		callbackPage+"?error=access_denied&error_description=The+user+denied+access",
		"GitHub OAuth Error: The user denied access")
}

func oauthError(name, path, want string) runner.Scenario {
	return runner.Scenario{
		Name:        name,
		Category:    CategoryOAuth,
		Description: "callback page shows: " + want,
		Path:        path,
		NeedsServer: true,
		Run: func(c *runner.Check) error {
			if err := stubThirdParty(c); err != nil {
				return err
			}
			if err := c.Goto(""); err != nil {
				return err
			}
			if !c.WaitFor(wait.Selector(".error", 5*time.Second), "error message shown") {
				return nil
			}
			text, _, err := c.Text(".error")
			if err != nil {
				return err
			}
			c.Assert("error message text", strings.Contains(text, want), "got "+text)
			spinner, err := c.Visible(".spinner")
			if err != nil {
				return err
			}
			c.Assert("spinner hidden", !spinner)
			return nil
		},
	}
}
