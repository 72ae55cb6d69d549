// Package storage 把运行结果保存到 SQLite，供 history 命令查询。
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdpharness/internal/logger"
	"cdpharness/pkg/model"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// ErrRunNotFound 运行记录不存在
var ErrRunNotFound = errors.New("run not found")

// Run 一次运行的汇总
type Run struct {
	ID         string    `gorm:"primaryKey;size:36"`
	BaseURL    string    `gorm:"size:512"`
	StartedAt  time.Time `gorm:"index"`
	FinishedAt time.Time
	Passed     int
	Failed     int
	Reports    []Report `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE"`
}

// Report 单个场景的结果
type Report struct {
	ID              uint   `gorm:"primaryKey"`
	RunID           string `gorm:"index;size:36"`
	Seq             int
	Scenario        string `gorm:"index;size:128"`
	Category        string `gorm:"size:64"`
	Outcome         string `gorm:"size:16"`
	FailureKind     string `gorm:"size:32"`
	FailureReason   string
	Assertions      []model.Assertion      `gorm:"serializer:json"`
	ConsoleMessages []model.ConsoleMessage `gorm:"serializer:json"`
	ScreenshotPaths []string               `gorm:"serializer:json"`
	Diagnostics     []string               `gorm:"serializer:json"`
	StartedAt       time.Time
	DurationMs      int64
}

// Store 运行历史
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开（必要时创建）数据库并迁移表结构
func Open(dsn, prefix string, l logger.Logger) (*Store, error) {
	l = logger.OrNop(l)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l).LogMode(gormlogger.Warn),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}
	if err := db.AutoMigrate(&Run{}, &Report{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	l.Debug("运行历史数据库已打开", "dsn", dsn)
	return &Store{db: db, log: l}, nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveRun 保存一次运行及其所有场景报告
func (s *Store) SaveRun(ctx context.Context, res *model.RunResult) error {
	passed, failed := res.Counts()
	run := Run{
		ID:         string(res.RunID),
		BaseURL:    res.BaseURL,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
		Passed:     passed,
		Failed:     failed,
	}
	for i, r := range res.Reports {
		run.Reports = append(run.Reports, Report{
			Seq:             i,
			Scenario:        r.Scenario,
			Category:        r.Category,
			Outcome:         string(r.Outcome),
			FailureKind:     string(r.FailureKind),
			FailureReason:   r.FailureReason,
			Assertions:      r.Assertions,
			ConsoleMessages: r.ConsoleMessages,
			ScreenshotPaths: r.ScreenshotPaths,
			Diagnostics:     r.Diagnostics,
			StartedAt:       r.StartedAt,
			DurationMs:      r.Duration.Milliseconds(),
		})
	}
	err := s.db.WithContext(withRunID(ctx, res.RunID)).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&run).Error
	})
	if err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	s.log.Info("运行结果已保存", "runID", run.ID, "reports", len(run.Reports))
	return nil
}

// ListRuns 最近的运行，按开始时间倒序；limit<=0 表示不限
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	q := s.db.WithContext(ctx).Order("started_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// RunReports 某次运行的场景报告，按执行顺序
func (s *Store) RunReports(ctx context.Context, runID model.RunID) ([]model.Report, error) {
	var run Run
	err := s.db.WithContext(withRunID(ctx, runID)).
		Preload("Reports", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		First(&run, "id = ?", string(runID)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}
	out := make([]model.Report, 0, len(run.Reports))
	for _, r := range run.Reports {
		out = append(out, model.Report{
			Scenario:        r.Scenario,
			Category:        r.Category,
			Outcome:         model.Outcome(r.Outcome),
			FailureKind:     model.Kind(r.FailureKind),
			FailureReason:   r.FailureReason,
			Assertions:      r.Assertions,
			ConsoleMessages: r.ConsoleMessages,
			ScreenshotPaths: r.ScreenshotPaths,
			Diagnostics:     r.Diagnostics,
			StartedAt:       r.StartedAt,
			Duration:        time.Duration(r.DurationMs) * time.Millisecond,
		})
	}
	return out, nil
}
