package app

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"listing-gate/internal/aggregator"
	"listing-gate/internal/storage"
)

// Backfill re-aggregates second bars into minute bars over [From, To).
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	start := alignForward(opts.From.UTC(), time.Minute)
	end := opts.To.UTC()
	if !start.Before(end) {
		return errors.New("回填范围为空，请检查 --from/--to")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法回填")
	}
	defer closeStore()

	if opts.DryRun {
		a.Logger.Warn().Msg("回填 dry-run：不会写入数据库")
		counter := &countingSubmitter{}
		n, err := aggregator.New(store, counter, nil, aggregator.Options{}, a.Logger).RollRange(ctx, start, end)
		if err != nil {
			return err
		}
		a.Logger.Info().Int("minutes", n).Int64("tasks", counter.n.Load()).Msg("回填 dry-run 完成")
		return nil
	}

	conn, err := storage.AcquireWriteConn(ctx, store.Pool(), a.Config.Database.WriterLockKey)
	if err != nil {
		return fmt.Errorf("backfill needs the writer lock; stop the running pipeline first: %w", err)
	}
	defer conn.Release()

	writer := storage.NewWriter(conn, storage.WriterOptions{
		QueueSize:    a.Config.Writer.QueueSize,
		BatchSize:    a.Config.Writer.BatchSize,
		DrainTimeout: a.Config.Writer.DrainTimeout,
	}, a.Logger)
	writerDone := make(chan error, 1)
	go func() { writerDone <- writer.Run(context.WithoutCancel(ctx)) }()

	n, rollErr := aggregator.New(store, writer, nil, aggregator.Options{}, a.Logger).RollRange(ctx, start, end)

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.Config.Writer.DrainTimeout)
	defer cancel()
	closeErr := writer.Close(closeCtx)
	if closeErr == nil {
		closeErr = <-writerDone
	}

	a.Logger.Info().
		Int("minutes", n).
		Uint64("committed", writer.Committed()).
		Uint64("failed", writer.Failed()).
		Msg("回填完成")
	if err := errors.Join(rollErr, closeErr); err != nil {
		return err
	}
	if writer.Failed() > 0 {
		return errors.New("部分分钟回填失败，请检查日志")
	}
	return nil
}

// Migrate applies (or reverts, when down is set) schema migrations.
func (a *App) Migrate(ctx context.Context, down bool, target int64) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn 未配置，无法迁移")
	}
	defer closeStore()

	migrator, err := storage.NewMigrator(store.Pool(), a.Logger)
	if err != nil {
		return err
	}
	if down {
		err = migrator.Down(ctx, target)
	} else {
		err = migrator.Up(ctx)
	}
	if err != nil {
		return err
	}

	version, err := migrator.Version(ctx)
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("version", version).Msg("schema version")
	return nil
}

// countingSubmitter accepts every task without persisting it.
type countingSubmitter struct {
	n atomic.Int64
}

func (c *countingSubmitter) Submit(storage.Task) bool {
	c.n.Add(1)
	return true
}

func (c *countingSubmitter) SubmitCritical(context.Context, storage.Task) error {
	c.n.Add(1)
	return nil
}

func alignForward(t time.Time, interval time.Duration) time.Time {
	truncated := t.Truncate(interval)
	if truncated.Before(t) {
		return truncated.Add(interval)
	}
	return truncated
}
