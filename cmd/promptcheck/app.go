package main

import (
	"fmt"
	"strings"

	"cdpharness/internal/config"
	"cdpharness/internal/logger"
	"cdpharness/internal/report"
	"cdpharness/internal/runner"
	"cdpharness/internal/scenarios"
	"cdpharness/pkg/api"
	"cdpharness/pkg/model"

	"github.com/spf13/cobra"
)

type flags struct {
	configPath  string
	baseURL     string
	out         string
	root        string
	port        int
	isolated    bool
	headless    bool
	devtoolsURL string
	reportFile  string
	logLevel    string
}

type serviceFactory func(cfg *config.Config, l logger.Logger) (api.Service, error)

type app struct {
	flags      flags
	newService serviceFactory
	newLogger  func(cfg *config.Config) logger.Logger
}

func newApp() *app {
	return &app{
		newService: api.NewService,
		newLogger: func(cfg *config.Config) logger.Logger {
			return logger.New(logger.Options{Level: cfg.Log.Level, Writer: cfg.Log.Writer, File: cfg.Log.File})
		},
	}
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "promptcheck",
		Short: "Browser verification scenarios for the PromptRoot static site",
		Long: `promptcheck serves the PromptRoot site from a local directory, drives a headless
Chrome over the DevTools protocol and checks each scenario's expectations.

Run every scenario with "promptcheck run", or one category with its subcommand,
e.g. "promptcheck debounce".`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&a.flags.baseURL, "base-url", "", "test an already running site instead of serving --root")
	pf.StringVarP(&a.flags.out, "out", "o", "", "directory for screenshots and the report")
	pf.StringVar(&a.flags.root, "root", "", "directory served by the local static server")
	pf.IntVarP(&a.flags.port, "port", "p", 0, "local static server port")
	pf.BoolVar(&a.flags.isolated, "isolated", false, "give every scenario its own browser")
	pf.BoolVar(&a.flags.headless, "headless", true, "run Chrome headless")
	pf.StringVar(&a.flags.devtoolsURL, "devtools-url", "", "attach to a running Chrome, e.g. http://127.0.0.1:9222")
	pf.StringVar(&a.flags.reportFile, "report", "", "JSON report file (relative names go under --out)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(a.listCommand(), a.runCommand(), a.historyCommand())
	all := scenarios.All()
	for _, cat := range runner.Categories(all) {
		root.AddCommand(a.categoryCommand(cat))
	}
	return root
}

// loadConfig 读取配置文件并应用显式给出的命令行参数
func (a *app) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(a.flags.configPath)
	if err != nil {
		return nil, err
	}
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("base-url") {
		cfg.Run.BaseURL = a.flags.baseURL
	}
	if changed("out") {
		cfg.Run.OutputDir = a.flags.out
	}
	if changed("root") {
		cfg.Server.Root = a.flags.root
	}
	if changed("port") {
		cfg.Server.Port = a.flags.port
	}
	if changed("isolated") {
		cfg.Run.Isolated = a.flags.isolated
	}
	if changed("headless") {
		cfg.Browser.Headless = a.flags.headless
	}
	if changed("devtools-url") {
		cfg.Browser.DevToolsURL = a.flags.devtoolsURL
	}
	if changed("report") {
		cfg.Run.ReportFile = a.flags.reportFile
	}
	if changed("log-level") {
		cfg.Log.Level = a.flags.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (a *app) service(cmd *cobra.Command) (api.Service, error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, &exitError{code: exitInfraOr, err: err}
	}
	svc, err := a.newService(cfg, a.newLogger(cfg))
	if err != nil {
		return nil, &exitError{code: exitInfraOr, err: err}
	}
	return svc, nil
}

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scenarios by category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all := scenarios.All()
			w := cmd.OutOrStdout()
			for _, cat := range runner.Categories(all) {
				fmt.Fprintf(w, "%s  %s\n", cat, scenarios.Describe(cat))
				for _, sc := range all {
					if sc.Category == cat {
						fmt.Fprintf(w, "  %-24s %s\n", sc.Name, sc.Description)
					}
				}
			}
			return nil
		},
	}
}

func (a *app) runCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run [scenario|category]...",
		Short: "Run scenarios (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args)
		},
	}
}

func (a *app) categoryCommand(category string) *cobra.Command {
	return &cobra.Command{
		Use:   category,
		Short: "Run the " + category + " scenarios: " + strings.ToLower(scenarios.Describe(category)),
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.run(cmd, []string{category})
		},
	}
}

func (a *app) run(cmd *cobra.Command, keys []string) error {
	svc, err := a.service(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Run(cmd.Context(), keys...)
	if err != nil {
		return &exitError{code: exitInfraOr, err: err}
	}
	report.Summary(cmd.OutOrStdout(), res)
	if path := svc.ReportPath(); path != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "report: %s\n", path)
	}
	if !res.Passed() {
		return &exitError{code: exitFailed}
	}
	return nil
}

func (a *app) historyCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [runID]",
		Short: "Show recent runs, or the reports of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd)
			if err != nil {
				return err
			}
			defer svc.Close()
			w := cmd.OutOrStdout()

			if len(args) == 1 {
				reports, err := svc.RunReports(cmd.Context(), model.RunID(args[0]))
				if err != nil {
					return &exitError{code: exitInfraOr, err: err}
				}
				report.Summary(w, &model.RunResult{RunID: model.RunID(args[0]), Reports: reports})
				return nil
			}

			runs, err := svc.History(cmd.Context(), limit)
			if err != nil {
				return &exitError{code: exitInfraOr, err: err}
			}
			for _, r := range runs {
				fmt.Fprintf(w, "%s  %s  %d passed  %d failed  %s\n",
					r.RunID, r.StartedAt.Local().Format("2006-01-02 15:04:05"), r.Passed, r.Failed, r.BaseURL)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	return cmd
}
