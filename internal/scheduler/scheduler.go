// Package scheduler запускает проход сверки по расписанию.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/mmeshcher/library-system/internal/reconcile"
)

// PassRunner описывает контракт прохода сверки, запускаемого по расписанию.
type PassRunner interface {
	Run(ctx context.Context, now time.Time) (reconcile.Stats, error)
}

// Scheduler запускает проходы сверки по cron-расписанию. Наложение
// проходов исключается на уровне планировщика: пока предыдущий проход не
// завершился, очередной срабатывание пропускается.
type Scheduler struct {
	cron    *cron.Cron
	runner  PassRunner
	timeout time.Duration
	logger  *zap.Logger
}

// New создаёт планировщик с указанным cron-выражением и жёстким
// таймаутом на один проход.
func New(runner PassRunner, spec string, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	s := &Scheduler{
		runner:  runner,
		timeout: timeout,
		logger:  logger,
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger),
		cron.Recover(cronLogger),
	))

	if _, err := c.AddFunc(spec, s.runPass); err != nil {
		return nil, err
	}

	s.cron = c
	return s, nil
}

// Start запускает планировщик в фоне.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop останавливает расписание и возвращает контекст, закрывающийся
// после завершения уже идущего прохода.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// runPass выполняет один проход с таймаутом. Истечение таймаута и отказ
// хранилища равнозначны: проход считается неудавшимся целиком и будет
// повторён следующим срабатыванием расписания.
func (s *Scheduler) runPass() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	now := time.Now()
	s.logger.Info("starting scheduled reconciliation pass", zap.Time("now", now))

	stats, err := s.runner.Run(ctx, now)
	if err != nil {
		s.logger.Error("reconciliation pass failed", zap.Error(err))
		return
	}

	s.logger.Info("scheduled reconciliation pass finished",
		zap.Int("remindersSent", stats.RemindersSent),
		zap.Int("remindersFailed", stats.RemindersFailed),
		zap.Int("summariesSent", stats.SummariesSent),
	)
}
