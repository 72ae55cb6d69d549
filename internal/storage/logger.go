package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	applog "cdpharness/internal/logger"
	"cdpharness/pkg/model"

	gormlogger "gorm.io/gorm/logger"
)

const slowQueryThreshold = time.Second

type runIDKey struct{}

// withRunID 在上下文中标记当前操作所属的运行，SQL 日志会带上它
func withRunID(ctx context.Context, id model.RunID) context.Context {
	return context.WithValue(ctx, runIDKey{}, id)
}

func runIDFrom(ctx context.Context) (model.RunID, bool) {
	id, ok := ctx.Value(runIDKey{}).(model.RunID)
	return id, ok && id != ""
}

// GormLogger 把 GORM 日志转发到项目日志
type GormLogger struct {
	log   applog.Logger
	level gormlogger.LogLevel
	slow  time.Duration
}

// NewGormLogger 默认只输出警告和错误
func NewGormLogger(l applog.Logger) *GormLogger {
	return &GormLogger{
		log:   applog.OrNop(l).With("component", "storage"),
		level: gormlogger.Warn,
		slow:  slowQueryThreshold,
	}
}

// LogMode 返回指定级别的副本
func (g *GormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	cp := *g
	cp.level = level
	return &cp
}

func (g *GormLogger) scoped(ctx context.Context) applog.Logger {
	if id, ok := runIDFrom(ctx); ok {
		return g.log.With("runID", string(id))
	}
	return g.log
}

func (g *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Info {
		g.scoped(ctx).Info(msg, "data", data)
	}
}

func (g *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Warn {
		g.scoped(ctx).Warn(msg, "data", data)
	}
}

func (g *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if g.level >= gormlogger.Error {
		g.scoped(ctx).Error(msg, "data", data)
	}
}

// Trace 记录一条 SQL；查不到记录不算错误，调用方自己处理
func (g *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if g.level <= gormlogger.Silent {
		return
	}
	elapsed := time.Since(begin)
	notFound := errors.Is(err, gormlogger.ErrRecordNotFound)
	if g.level < gormlogger.Info && (err == nil || notFound) && elapsed <= g.slow {
		return
	}

	sql, rows := fc()
	l := g.scoped(ctx).With("op", statementKind(sql), "rows", rows, "elapsedMs", elapsed.Milliseconds())
	switch {
	case err != nil && !notFound && g.level >= gormlogger.Error:
		l.Err(err, "SQL执行错误", "sql", sql)
	case elapsed > g.slow && g.level >= gormlogger.Warn:
		l.Warn("慢SQL查询", "sql", sql, "threshold", g.slow.String())
	case g.level >= gormlogger.Info:
		l.Debug("SQL执行", "sql", sql)
	}
}

// statementKind 取 SQL 的首个关键字，如 INSERT、SELECT
func statementKind(sql string) string {
	sql = strings.TrimSpace(sql)
	if i := strings.IndexAny(sql, " \t\n"); i > 0 {
		sql = sql[:i]
	}
	return strings.ToUpper(sql)
}
