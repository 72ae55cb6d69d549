// Package service 组合配置、场景表、执行器、报告与运行历史。
package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"cdpharness/internal/config"
	"cdpharness/internal/logger"
	"cdpharness/internal/report"
	"cdpharness/internal/runner"
	"cdpharness/internal/scenarios"
	"cdpharness/internal/storage"
	"cdpharness/pkg/model"
)

// ErrHistoryDisabled 未启用 sqlite 时查询历史
var ErrHistoryDisabled = errors.New("run history disabled (sqlite.enabled=false)")

// Service 服务实现
type Service struct {
	cfg        *config.Config
	log        logger.Logger
	scenarios  []runner.Scenario
	store      *storage.Store
	runnerOpts []runner.Option
}

// Option 服务选项
type Option func(*Service)

// WithScenarios 替换内置场景表
func WithScenarios(list []runner.Scenario) Option {
	return func(s *Service) { s.scenarios = list }
}

// WithRunnerOptions 传递给每次运行创建的执行器
func WithRunnerOptions(ro ...runner.Option) Option {
	return func(s *Service) { s.runnerOpts = append(s.runnerOpts, ro...) }
}

// New 创建服务；启用 sqlite 时打开运行历史数据库
func New(cfg *config.Config, l logger.Logger, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		log:       logger.OrNop(l),
		scenarios: scenarios.All(),
	}
	for _, o := range opts {
		o(s)
	}
	if cfg.Sqlite.Enabled {
		store, err := storage.Open(cfg.Sqlite.Dsn, cfg.Sqlite.Prefix, s.log)
		if err != nil {
			return nil, err
		}
		s.store = store
	}
	return s, nil
}

// ListScenarios 场景目录
func (s *Service) ListScenarios() []model.ScenarioInfo {
	out := make([]model.ScenarioInfo, 0, len(s.scenarios))
	for _, sc := range s.scenarios {
		out = append(out, model.ScenarioInfo{
			Name:        sc.Name,
			Category:    sc.Category,
			Description: sc.Description,
			Path:        sc.Path,
		})
	}
	return out
}

// Categories 场景分类
func (s *Service) Categories() []string {
	return runner.Categories(s.scenarios)
}

// Run 执行按名称或分类选出的场景；keys 为空时执行全部
func (s *Service) Run(ctx context.Context, keys ...string) (*model.RunResult, error) {
	selected, err := runner.Select(s.scenarios, keys...)
	if err != nil {
		return nil, err
	}
	if len(selected) == 0 {
		return nil, errors.New("no scenarios selected")
	}

	ro := append([]runner.Option{runner.WithLogger(s.log)}, s.runnerOpts...)
	res := runner.New(s.runnerOptions(), ro...).Run(ctx, selected)

	if path := s.ReportPath(); path != "" {
		if err := report.WriteJSON(path, res); err != nil {
			s.log.Err(err, "写入报告失败", "path", path)
		} else {
			s.log.Info("报告已写入", "path", path)
		}
	}
	if s.store != nil {
		if err := s.store.SaveRun(ctx, res); err != nil {
			s.log.Err(err, "保存运行历史失败", "runID", string(res.RunID))
		}
	}
	return res, nil
}

// ReportPath JSON 报告路径；不带目录的文件名放在输出目录下，未配置报告文件时为空
func (s *Service) ReportPath() string {
	p := s.cfg.Run.ReportFile
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) || filepath.Dir(p) != "." {
		return p
	}
	return filepath.Join(s.cfg.Run.OutputDir, p)
}

func (s *Service) runnerOptions() runner.Options {
	opts := runner.DefaultOptions()
	opts.Isolated = s.cfg.Run.Isolated
	opts.OutputDir = s.cfg.Run.OutputDir
	opts.DefaultTimeout = s.cfg.ScenarioTimeout()
	opts.BaseURL = s.cfg.Run.BaseURL
	opts.Port = s.cfg.Server.Port
	opts.Root = s.cfg.Server.Root
	opts.Session = s.cfg.SessionOptions()
	return opts
}

// History 最近的运行
func (s *Service) History(ctx context.Context, limit int) ([]model.RunSummary, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]model.RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, model.RunSummary{
			RunID:      model.RunID(r.ID),
			BaseURL:    r.BaseURL,
			StartedAt:  r.StartedAt,
			FinishedAt: r.FinishedAt,
			Passed:     r.Passed,
			Failed:     r.Failed,
		})
	}
	return out, nil
}

// RunReports 某次历史运行的场景报告
func (s *Service) RunReports(ctx context.Context, id model.RunID) ([]model.Report, error) {
	if s.store == nil {
		return nil, ErrHistoryDisabled
	}
	return s.store.RunReports(ctx, id)
}

// Close 释放数据库连接
func (s *Service) Close() error {
	if s.store == nil {
		return nil
	}
	if err := s.store.Close(); err != nil {
		return fmt.Errorf("close history: %w", err)
	}
	return nil
}
