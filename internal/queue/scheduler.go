package queue

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs Engine.ProcessDue on a cron spec. A tick that fires while
// the previous pass is still running is skipped.
type Scheduler struct {
	engine *Engine
	spec   string
	logger zerolog.Logger
	parser cron.Parser
}

func NewScheduler(engine *Engine, spec string, logger zerolog.Logger) (*Scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(spec); err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return &Scheduler{engine: engine, spec: spec, logger: logger, parser: parser}, nil
}

// Run blocks until ctx is done, then waits for an in-flight pass.
func (s *Scheduler) Run(ctx context.Context) error {
	clog := cronLogger{logger: s.logger}
	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithLogger(clog),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(s.spec, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("schedule retry pass: %w", err)
	}
	s.logger.Info().Str("schedule", s.spec).Msg("retry scheduler started")
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info().Msg("retry scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.engine.ProcessDue(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("retry pass failed")
		return
	}
	if report.Claimed > 0 || report.Reverted > 0 || report.Purged > 0 {
		s.logger.Info().
			Int("claimed", report.Claimed).
			Int("completed", report.Completed).
			Int("retried", report.Retried).
			Int("failed", report.Failed).
			Int("reverted", report.Reverted).
			Int("purged", report.Purged).
			Msg("retry pass finished")
	}
}

// cronLogger sends robfig/cron output to zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
