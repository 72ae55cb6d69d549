package api

import (
	"context"

	"cdpharness/internal/config"
	"cdpharness/internal/logger"
	"cdpharness/internal/service"
	"cdpharness/pkg/model"
)

// Service 服务接口
type Service interface {
	// ListScenarios 列出所有场景
	ListScenarios() []model.ScenarioInfo

	// Categories 列出场景分类
	Categories() []string

	// Run 执行场景，keys 为场景名或分类，为空时执行全部
	Run(ctx context.Context, keys ...string) (*model.RunResult, error)

	// ReportPath JSON 报告的写入路径，关闭报告时为空
	ReportPath() string

	// History 最近的运行记录
	History(ctx context.Context, limit int) ([]model.RunSummary, error)

	// RunReports 某次运行的场景报告
	RunReports(ctx context.Context, id model.RunID) ([]model.Report, error)

	// Close 释放资源
	Close() error
}

// NewService 创建并返回服务接口实现
func NewService(cfg *config.Config, l logger.Logger) (Service, error) {
	s, err := service.New(cfg, l)
	if err != nil {
		return nil, err
	}
	return s, nil
}
