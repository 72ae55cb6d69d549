package scenarios

import (
	"fmt"

	"cdpharness/internal/rules"
	"cdpharness/internal/runner"
	"cdpharness/pkg/model"
	"cdpharness/pkg/traffic"

	"github.com/tidwall/sjson"
)

// authInitScript 在页面脚本之前注入已登录的 Firebase 用户和 GitHub token
const authInitScript = `
window.firebaseReady = true;
window.auth = {
  currentUser: { uid: 'test-user', providerData: [{ providerId: 'github.com' }] },
  onAuthStateChanged: function (cb) {
    cb({ uid: 'test-user', providerData: [{ providerId: 'github.com' }] });
    return function () {};
  }
};
window.db = {};
window.functions = {};
localStorage.setItem('github_access_token', JSON.stringify({ token: 'mock-token', timestamp: Date.now() }));
`

const headerPartial = `<header>PromptRoot Header <div id="userMenuButton"></div><div id="userMenuDropdown"></div></header>`

const branchesPayload = `[{"name":"main","commit":{"sha":"123","url":"..."}}]`

// defaultPrompts 仓库中的两个提示词，搜索 "test" 只命中第一个
var defaultPrompts = []string{"prompts/test-prompt.md", "prompts/other-prompt.md"}

// withSignedInUser 会话选项：注入登录态
func withSignedInUser(o *model.SessionOptions) {
	o.InitScript = authInitScript
}

// treePayload GitHub git/trees 接口的响应
func treePayload(paths ...string) string {
	doc := `{"sha":"root-sha","url":"...","truncated":false,"tree":[]}`
	for i, p := range paths {
		doc, _ = sjson.Set(doc, "tree.-1", map[string]any{
			"path": p,
			"mode": "100644",
			"type": "blob",
			"sha":  fmt.Sprintf("%040x", i+1),
			"size": 100,
			"url":  "...",
		})
	}
	return doc
}

// commitPayload GitHub commits 接口的响应
func commitPayload(sha, date string) string {
	doc, _ := sjson.Set(`{}`, "sha", sha)
	doc, _ = sjson.Set(doc, "commit.committer.date", date)
	return doc
}

type mock struct {
	pattern string
	resp    *traffic.Response
	query   map[string]string
}

func register(c *runner.Check, mocks []mock) error {
	for _, m := range mocks {
		rule := rules.Rule{Pattern: m.pattern, Mode: rules.ModeGlob, Query: m.query, Responder: traffic.Static(m.resp)}
		if _, err := c.Intercept(rule); err != nil {
			return fmt.Errorf("mock %s: %w", m.pattern, err)
		}
	}
	return nil
}

// mockPromptRoot 替换 Firebase SDK 和 GitHub API，使应用不依赖外网
func mockPromptRoot(c *runner.Check, prompts ...string) error {
	return register(c, []mock{
		{"**/firebase-init.js", traffic.Script("console.log('Firebase init mocked');"), nil},
		{"**/firebase-*.js", traffic.Script("console.log('Firebase SDK mocked');"), nil},
		{"**/git/trees/**", traffic.JSON(treePayload(prompts...)), map[string]string{"recursive": "1"}},
		{"**/branches**", traffic.JSON(branchesPayload), nil},
		{"**/commits/**", traffic.JSON(commitPayload("123", "2023-01-01")), nil},
	})
}

// mockHeader 用最小的头部片段替换真实导航栏
func mockHeader(c *runner.Check) error {
	_, err := c.Mock("**/partials/header.html", traffic.HTML(headerPartial))
	return err
}

// stubThirdParty 屏蔽字体与统计脚本
func stubThirdParty(c *runner.Check) error {
	return register(c, []mock{
		{"https://fonts.googleapis.com/**", traffic.New(200, "text/css", nil), nil},
		{"https://fonts.gstatic.com/**", traffic.New(200, "font/woff2", nil), nil},
		{"https://www.googletagmanager.com/**", traffic.Script(""), nil},
		{"https://www.google-analytics.com/**", traffic.Script(""), nil},
	})
}
