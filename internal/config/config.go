package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"cdpharness/pkg/model"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version string `yaml:"version"`

	Server struct {
		Enabled bool   `yaml:"enabled"`
		Port    int    `yaml:"port"`
		Root    string `yaml:"root"`
	} `yaml:"server"`

	Browser struct {
		DevToolsURL         string            `yaml:"devtoolsURL"`
		Bin                 string            `yaml:"bin"`
		Headless            bool              `yaml:"headless"`
		NoSandbox           bool              `yaml:"noSandbox"`
		Viewport            model.Viewport    `yaml:"viewport"`
		ColorScheme         model.ColorScheme `yaml:"colorScheme"`
		NavigationTimeoutMS int               `yaml:"navigationTimeoutMS"`
	} `yaml:"browser"`

	Run struct {
		BaseURL           string `yaml:"baseURL"`
		OutputDir         string `yaml:"outputDir"`
		ReportFile        string `yaml:"reportFile"`
		Isolated          bool   `yaml:"isolated"`
		ScenarioTimeoutMS int    `yaml:"scenarioTimeoutMS"`
	} `yaml:"run"`

	Sqlite struct {
		Enabled bool   `yaml:"enabled"`
		Dsn     string `yaml:"dsn"`
		Prefix  string `yaml:"prefix"`
	} `yaml:"sqlite"`

	Log struct {
		Level  string   `yaml:"level"`
		Writer []string `yaml:"writer"`
		File   string   `yaml:"file"`
	} `yaml:"log"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	c := &Config{Version: "1.0.0"}
	c.Server.Enabled = true
	c.Server.Port = 3000
	c.Server.Root = "."
	c.Browser.Headless = true
	c.Browser.Viewport = model.Viewport{Width: 1280, Height: 720}
	c.Browser.ColorScheme = model.ColorSchemeNone
	c.Browser.NavigationTimeoutMS = 30000
	c.Run.OutputDir = "verification"
	c.Run.ReportFile = "report.json"
	c.Run.ScenarioTimeoutMS = 60000
	c.Sqlite.Dsn = "promptcheck.sqlite3"
	c.Sqlite.Prefix = "promptcheck_"
	c.Log.Level = "info"
	c.Log.Writer = []string{"console"}
	return c
}

// Load 读取 YAML 配置覆盖默认值，path 为空时返回默认配置
func Load(path string) (*Config, error) {
	c := NewConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Enabled && c.Run.BaseURL == "" {
		if c.Server.Port < 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
		}
		if c.Server.Root == "" {
			errs = append(errs, errors.New("server.root is empty"))
		}
	}
	if !c.Server.Enabled && c.Run.BaseURL == "" {
		errs = append(errs, errors.New("run.baseURL is required when server is disabled"))
	}
	if !c.Browser.ColorScheme.Valid() {
		errs = append(errs, fmt.Errorf("unknown browser.colorScheme %q", c.Browser.ColorScheme))
	}
	if c.Browser.Viewport.Width < 0 || c.Browser.Viewport.Height < 0 {
		errs = append(errs, errors.New("browser.viewport must not be negative"))
	}
	return errors.Join(errs...)
}

// SessionOptions 转换为浏览器会话参数
func (c *Config) SessionOptions() model.SessionOptions {
	return model.SessionOptions{
		DevToolsURL:       c.Browser.DevToolsURL,
		BrowserBin:        c.Browser.Bin,
		Headless:          c.Browser.Headless,
		NoSandbox:         c.Browser.NoSandbox,
		Viewport:          c.Browser.Viewport,
		ColorScheme:       c.Browser.ColorScheme,
		NavigationTimeout: c.NavigationTimeout(),
	}
}

// NavigationTimeout 导航超时
func (c *Config) NavigationTimeout() time.Duration {
	if c.Browser.NavigationTimeoutMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Browser.NavigationTimeoutMS) * time.Millisecond
}

// ScenarioTimeout 单个场景超时
func (c *Config) ScenarioTimeout() time.Duration {
	if c.Run.ScenarioTimeoutMS <= 0 {
		return time.Minute
	}
	return time.Duration(c.Run.ScenarioTimeoutMS) * time.Millisecond
}
