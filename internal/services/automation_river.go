package services

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/sirupsen/logrus"
)

const (
	jobKindResumeContinuation    = "automation_resume_continuation"
	jobKindRecoverContinuations  = "automation_recover_continuations"
	recoverContinuationsInterval = 5 * time.Minute
)

// ResumeContinuationArgs is the River job payload for a due continuation.
type ResumeContinuationArgs struct {
	ContinuationID string `json:"continuation_id"`
}

func (ResumeContinuationArgs) Kind() string { return jobKindResumeContinuation }

func (ResumeContinuationArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{MaxAttempts: 5}
}

type resumeContinuationWorker struct {
	river.WorkerDefaults[ResumeContinuationArgs]
	resumer Resumer
}

func (w *resumeContinuationWorker) Work(ctx context.Context, job *river.Job[ResumeContinuationArgs]) error {
	return w.resumer.Resume(ctx, job.Args.ContinuationID)
}

// RecoverContinuationsArgs is the periodic sweep for continuations whose
// resume job died mid-run. River retries such a job, but the row is no longer
// pending so the retry claims nothing.
type RecoverContinuationsArgs struct{}

func (RecoverContinuationsArgs) Kind() string { return jobKindRecoverContinuations }

type recoverContinuationsWorker struct {
	river.WorkerDefaults[RecoverContinuationsArgs]
	recoverer Recoverer
	now       func() time.Time
}

func (w *recoverContinuationsWorker) Work(ctx context.Context, _ *river.Job[RecoverContinuationsArgs]) error {
	_, err := w.recoverer.RecoverInterrupted(ctx, w.now().Add(-ContinuationStaleAfter))
	return err
}

// ContinuationRunner resumes continuations and settles interrupted ones.
type ContinuationRunner interface {
	Resumer
	Recoverer
}

// RiverContinuationScheduler schedules continuations as River jobs so resumption
// is driven by Postgres rather than an in-process ticker.
type RiverContinuationScheduler struct {
	pool   *pgxpool.Pool
	client *river.Client[pgx.Tx]
	logger *logrus.Logger
}

// NewRiverContinuationScheduler migrates the River schema and builds a client
// that hands due continuations to runner and sweeps interrupted ones
// periodically.
func NewRiverContinuationScheduler(ctx context.Context, pool *pgxpool.Pool, runner ContinuationRunner, workers int, logger *logrus.Logger) (*RiverContinuationScheduler, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if workers <= 0 {
		workers = 10
	}

	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return nil, fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return nil, fmt.Errorf("migrate river schema: %w", err)
	}

	w := river.NewWorkers()
	river.AddWorker(w, &resumeContinuationWorker{resumer: runner})
	river.AddWorker(w, &recoverContinuationsWorker{recoverer: runner, now: time.Now})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: workers},
		},
		Workers:    w,
		JobTimeout: 5 * time.Minute,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(recoverContinuationsInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return RecoverContinuationsArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &RiverContinuationScheduler{pool: pool, client: client, logger: logger}, nil
}

func (s *RiverContinuationScheduler) Start(ctx context.Context) error {
	if err := s.client.Start(ctx); err != nil {
		return fmt.Errorf("start river client: %w", err)
	}
	s.logger.Info("automation: river continuation scheduler started")
	return nil
}

func (s *RiverContinuationScheduler) Stop(ctx context.Context) error {
	return s.client.Stop(ctx)
}

func (s *RiverContinuationScheduler) Schedule(ctx context.Context, c *Continuation) error {
	_, err := s.client.Insert(ctx, ResumeContinuationArgs{ContinuationID: c.ID}, &river.InsertOpts{
		ScheduledAt: c.ResumeAt,
	})
	if err != nil {
		return fmt.Errorf("insert river job: %w", err)
	}
	return nil
}
