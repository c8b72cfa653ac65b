package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Schedule 按 cron 表达式周期性重载策略，作为文件监听之外的兜底手段。
type Schedule struct {
	spec   string
	reload ReloadFunc
	logger *logrus.Logger
	cron   *cron.Cron
	entry  cron.EntryID
}

// NewSchedule 校验 cron 表达式（标准五段格式）并创建调度器。
func NewSchedule(spec string, reload ReloadFunc, logger *logrus.Logger) (*Schedule, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid reload schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Schedule{
		spec:   spec,
		reload: reload,
		logger: logger,
		cron:   cron.New(),
	}, nil
}

// Start 注册任务并启动调度，ctx 取消后自动停止。
func (s *Schedule) Start(ctx context.Context) error {
	id, err := s.cron.AddFunc(s.spec, s.run)
	if err != nil {
		return fmt.Errorf("schedule policy reload: %w", err)
	}
	s.entry = id
	s.cron.Start()

	s.logger.WithFields(logrus.Fields{
		"action":   "policy_schedule",
		"schedule": s.spec,
	}).Info("policy_schedule_started")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop 停止调度并等待正在执行的重载结束。
func (s *Schedule) Stop() {
	done := s.cron.Stop()
	<-done.Done()
}

// NextRun 返回下一次重载时间，未启动时为零值。
func (s *Schedule) NextRun() time.Time {
	return s.cron.Entry(s.entry).Next
}

func (s *Schedule) run() {
	if s.reload == nil {
		return
	}
	s.logger.WithFields(logrus.Fields{
		"action":   "policy_reload",
		"trigger":  "cron",
		"schedule": s.spec,
	}).Debug("policy_reload_triggered")
	_ = s.reload()
}
