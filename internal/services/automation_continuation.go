package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fieldcrm/internal/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ContinuationPending = "pending"
	ContinuationRunning = "running"
	ContinuationDone    = "done"
)

// Continuation is the persisted remainder of an action sequence interrupted by
// a wait. It survives restarts; whichever scheduler is configured resumes it at
// ResumeAt.
type Continuation struct {
	ID             string       `json:"id"`
	ExecutionID    string       `json:"execution_id"`
	TenantID       string       `json:"tenant_id"`
	RuleID         uint         `json:"rule_id"`
	IsTestMode     bool         `json:"is_test_mode"`
	Event          Event        `json:"event"`
	Remaining      []ActionSpec `json:"remaining_actions"`
	SkipFirstDelay bool         `json:"skip_first_delay"`
	ResumeAt       time.Time    `json:"resume_at"`
	Status         string       `json:"status"`
	Attempts       int          `json:"attempts"`
}

// Resumer continues a stored continuation. The engine implements it; schedulers
// only decide when to call it.
type Resumer interface {
	Resume(ctx context.Context, continuationID string) error
}

// Recoverer settles continuations whose resume started but never finished.
type Recoverer interface {
	RecoverInterrupted(ctx context.Context, olderThan time.Time) (int, error)
}

// ContinuationStaleAfter is how long a continuation may stay running before a
// recovery sweep treats its resume as interrupted. It exceeds the River job
// timeout and any delegate timeout.
const ContinuationStaleAfter = 10 * time.Minute

// ContinuationScheduler arranges for a saved continuation to be resumed at its
// ResumeAt.
type ContinuationScheduler interface {
	Schedule(ctx context.Context, c *Continuation) error
}

// ContinuationStore 持久化等待中的后续动作
type ContinuationStore struct {
	db *gorm.DB
}

func NewContinuationStore(db *gorm.DB) *ContinuationStore {
	return &ContinuationStore{db: db}
}

func (s *ContinuationStore) Save(ctx context.Context, c *Continuation) error {
	evt, err := json.Marshal(c.Event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	remaining, err := json.Marshal(c.Remaining)
	if err != nil {
		return fmt.Errorf("encode remaining actions: %w", err)
	}
	if c.Status == "" {
		c.Status = ContinuationPending
	}
	row := models.AutomationContinuation{
		ID:               c.ID,
		ExecutionID:      c.ExecutionID,
		TenantID:         c.TenantID,
		RuleID:           c.RuleID,
		IsTestMode:       c.IsTestMode,
		Event:            datatypes.JSON(evt),
		RemainingActions: datatypes.JSON(remaining),
		SkipFirstDelay:   c.SkipFirstDelay,
		ResumeAt:         c.ResumeAt.UTC(),
		Status:           c.Status,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *ContinuationStore) Get(ctx context.Context, id string) (*Continuation, error) {
	var row models.AutomationContinuation
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, err
	}
	return continuationFromModel(row)
}

// Claim moves a pending continuation to running. It returns nil without error
// when another worker already claimed it or it is finished.
func (s *ContinuationStore) Claim(ctx context.Context, id string) (*Continuation, error) {
	res := s.db.WithContext(ctx).Model(&models.AutomationContinuation{}).
		Where("id = ? AND status = ?", id, ContinuationPending).
		Updates(map[string]interface{}{
			"status":   ContinuationRunning,
			"attempts": gorm.Expr("attempts + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

func (s *ContinuationStore) Complete(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&models.AutomationContinuation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"status": ContinuationDone, "last_error": ""}).Error
}

// Release returns a claimed continuation to pending after a failure before any
// action ran.
func (s *ContinuationStore) Release(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return s.db.WithContext(ctx).Model(&models.AutomationContinuation{}).
		Where("id = ? AND status = ?", id, ContinuationRunning).
		Updates(map[string]interface{}{"status": ContinuationPending, "last_error": msg}).Error
}

// Due returns ids of pending continuations whose resume time has passed, oldest
// first.
func (s *ContinuationStore) Due(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.AutomationContinuation{}).
		Where("status = ? AND resume_at <= ?", ContinuationPending, now.UTC()).
		Order("resume_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ClaimStale marks continuations stuck in running since before olderThan as
// done and returns them. Each row is taken by a conditional update, so two
// instances sweeping at once never settle the same continuation twice.
func (s *ContinuationStore) ClaimStale(ctx context.Context, olderThan time.Time) ([]Continuation, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&models.AutomationContinuation{}).
		Where("status = ? AND updated_at < ?", ContinuationRunning, olderThan.UTC()).
		Order("updated_at ASC").
		Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	out := make([]Continuation, 0, len(ids))
	for _, id := range ids {
		res := s.db.WithContext(ctx).Model(&models.AutomationContinuation{}).
			Where("id = ? AND status = ? AND updated_at < ?", id, ContinuationRunning, olderThan.UTC()).
			Updates(map[string]interface{}{"status": ContinuationDone, "last_error": "interrupted"})
		if res.Error != nil {
			return out, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		c, err := s.Get(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, *c)
	}
	return out, nil
}

// ListPending returns the pending continuations of an execution.
func (s *ContinuationStore) ListPending(ctx context.Context, executionID string) ([]Continuation, error) {
	var rows []models.AutomationContinuation
	if err := s.db.WithContext(ctx).
		Where("execution_id = ? AND status = ?", executionID, ContinuationPending).
		Order("resume_at ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Continuation, 0, len(rows))
	for _, row := range rows {
		c, err := continuationFromModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, nil
}

func continuationFromModel(row models.AutomationContinuation) (*Continuation, error) {
	c := &Continuation{
		ID:             row.ID,
		ExecutionID:    row.ExecutionID,
		TenantID:       row.TenantID,
		RuleID:         row.RuleID,
		IsTestMode:     row.IsTestMode,
		SkipFirstDelay: row.SkipFirstDelay,
		ResumeAt:       row.ResumeAt,
		Status:         row.Status,
		Attempts:       row.Attempts,
	}
	if err := json.Unmarshal(row.Event, &c.Event); err != nil {
		return nil, fmt.Errorf("decode continuation event: %w", err)
	}
	if err := json.Unmarshal(row.RemainingActions, &c.Remaining); err != nil {
		return nil, fmt.Errorf("decode continuation actions: %w", err)
	}
	return c, nil
}

// ContinuationPoller resumes due continuations on a ticker. Schedule is a no-op:
// saved rows are found by their resume time.
type ContinuationPoller struct {
	store    *ContinuationStore
	resumer  Resumer
	interval time.Duration
	batch    int
	workers  int
	logger   *logrus.Logger
	now      func() time.Time
}

func NewContinuationPoller(store *ContinuationStore, resumer Resumer, interval time.Duration, batch, workers int, logger *logrus.Logger) *ContinuationPoller {
	if logger == nil {
		logger = logrus.New()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if workers <= 0 {
		workers = 1
	}
	return &ContinuationPoller{
		store:    store,
		resumer:  resumer,
		interval: interval,
		batch:    batch,
		workers:  workers,
		logger:   logger,
		now:      time.Now,
	}
}

func (p *ContinuationPoller) Schedule(context.Context, *Continuation) error { return nil }

// Run polls until ctx is cancelled.
func (p *ContinuationPoller) Run(ctx context.Context) {
	p.settleInterrupted(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.settleInterrupted(ctx)
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.Warnf("automation: continuation poll failed: %v", err)
			}
		}
	}
}

// settleInterrupted settles interrupted continuations when the resumer supports it.
func (p *ContinuationPoller) settleInterrupted(ctx context.Context) {
	r, ok := p.resumer.(Recoverer)
	if !ok {
		return
	}
	n, err := r.RecoverInterrupted(ctx, p.now().Add(-ContinuationStaleAfter))
	if err != nil && ctx.Err() == nil {
		p.logger.Warnf("automation: recover interrupted continuations failed: %v", err)
	}
	if n > 0 {
		p.logger.Warnf("automation: settled %d interrupted continuations", n)
	}
}

// PollOnce resumes one batch of due continuations and reports how many were
// attempted.
func (p *ContinuationPoller) PollOnce(ctx context.Context) (int, error) {
	ids, err := p.store.Due(ctx, p.now(), p.batch)
	if err != nil {
		return 0, err
	}
	var g errgroup.Group
	g.SetLimit(p.workers)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := p.resumer.Resume(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.WithField("continuation_id", id).Warnf("automation: resume failed: %v", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(ids), nil
}
