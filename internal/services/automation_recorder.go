package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"fieldcrm/internal/metrics"
	"fieldcrm/internal/models"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ErrExecutionNotFound is returned when an execution id does not exist.
var ErrExecutionNotFound = errors.New("execution not found")

// RecordInput is everything known about one (event, rule) evaluation.
type RecordInput struct {
	ID                string
	Rule              AutomationRule
	Event             Event
	Timestamp         time.Time
	ConditionsPassed  bool
	ConditionResults  []ConditionResult
	SuppressionReason *string
	FailureReason     string
	ActionResults     []ActionResult
	IsTestMode        bool
	InProgress        bool
}

// ExecutionQuery filters execution listings. Zero values mean no filter.
type ExecutionQuery struct {
	TenantID   string
	RuleID     uint
	EntityID   string
	EventID    string
	Outcome    Outcome
	IsTestMode *bool
	Page       int
	PageSize   int
}

// DeriveOutcome 根据抑制原因、失败原因和动作结果推导执行结果
func DeriveOutcome(suppressionReason *string, failureReason string, results []ActionResult) Outcome {
	if suppressionReason != nil {
		return OutcomeSuppressed
	}
	if failureReason != "" {
		return OutcomeFailed
	}
	for _, r := range results {
		if r.Status == ActionFailed {
			return OutcomeFailed
		}
	}
	return OutcomeSuccessful
}

// ExecutionRecorder persists the audit trail and writes the fire ledger.
type ExecutionRecorder struct {
	db      *gorm.DB
	ledger  LedgerStore
	logger  *logrus.Logger
	metrics *metrics.AutomationMetrics

	entropyMu sync.Mutex
	entropy   io.Reader
	now       func() time.Time
}

func NewExecutionRecorder(db *gorm.DB, ledger LedgerStore, logger *logrus.Logger, m *metrics.AutomationMetrics) *ExecutionRecorder {
	if logger == nil {
		logger = logrus.New()
	}
	return &ExecutionRecorder{
		db:      db,
		ledger:  ledger,
		logger:  logger,
		metrics: m,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// NewID returns a time-sortable execution id.
func (r *ExecutionRecorder) NewID() string {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(r.now()), r.entropy).String()
}

// Build assembles the record without persisting it.
func (r *ExecutionRecorder) Build(in RecordInput) ExecutionRecord {
	id := in.ID
	if id == "" {
		id = r.NewID()
	}
	ts := in.Timestamp
	if ts.IsZero() {
		ts = r.now()
	}
	status := ExecutionCompleted
	if in.InProgress {
		status = ExecutionInProgress
	}
	conds := in.ConditionResults
	if conds == nil {
		conds = []ConditionResult{}
	}
	results := in.ActionResults
	if results == nil {
		results = []ActionResult{}
	}
	return ExecutionRecord{
		ID:                id,
		TenantID:          in.Rule.TenantID,
		RuleID:            in.Rule.ID,
		RuleName:          in.Rule.Name,
		EventID:           in.Event.ID,
		EventName:         in.Event.Name,
		EntityType:        in.Event.EntityType,
		EntityID:          in.Event.EntityID,
		Timestamp:         ts.UTC(),
		ConditionsPassed:  in.ConditionsPassed,
		ConditionResults:  conds,
		SuppressionReason: in.SuppressionReason,
		FailureReason:     in.FailureReason,
		ActionResults:     results,
		IsTestMode:        in.IsTestMode,
		Outcome:           DeriveOutcome(in.SuppressionReason, in.FailureReason, results),
		Status:            status,
	}
}

// Record persists one execution record. Suppressed and failed runs are
// recorded like any other.
func (r *ExecutionRecorder) Record(ctx context.Context, in RecordInput) (*ExecutionRecord, error) {
	rec := r.Build(in)
	row, err := executionToModel(rec)
	if err != nil {
		return &rec, err
	}
	if rec.Status == ExecutionCompleted {
		done := r.now().UTC()
		row.CompletedAt = &done
	}
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return &rec, fmt.Errorf("persist execution %s: %w", rec.ID, err)
	}
	return &rec, nil
}

// AppendResults adds the results of a resumed continuation to an existing
// record and recomputes its outcome. done marks the record completed.
func (r *ExecutionRecorder) AppendResults(ctx context.Context, executionID string, results []ActionResult, done bool) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.AutomationExecution
		if err := tx.Where("id = ?", executionID).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrExecutionNotFound
			}
			return err
		}
		current, err := executionFromModel(row)
		if err != nil {
			return err
		}
		current.ActionResults = append(current.ActionResults, results...)
		current.Outcome = DeriveOutcome(current.SuppressionReason, current.FailureReason, current.ActionResults)
		updates := map[string]interface{}{"outcome": string(current.Outcome)}
		raw, err := json.Marshal(current.ActionResults)
		if err != nil {
			return err
		}
		updates["action_results"] = datatypes.JSON(raw)
		if done {
			current.Status = ExecutionCompleted
			updates["status"] = ExecutionCompleted
			updates["completed_at"] = r.now().UTC()
		}
		if err := tx.Model(&models.AutomationExecution{}).Where("id = ?", executionID).Updates(updates).Error; err != nil {
			return err
		}
		rec = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ConsumeFire records an allowed fire in the ledger. prev is the entry the gate
// decision was based on; ErrLedgerConflict means it went stale.
func (r *ExecutionRecorder) ConsumeFire(ctx context.Context, key LedgerKey, prev *LedgerEntry, firedAt time.Time) (*LedgerEntry, error) {
	entry, err := r.ledger.RecordFire(ctx, key, prev, firedAt)
	if errors.Is(err, ErrLedgerConflict) {
		r.metrics.IncLedgerConflict()
		r.logger.WithFields(logrus.Fields{
			"tenant_id": key.TenantID,
			"rule_id":   key.RuleID,
			"entity_id": key.EntityID,
		}).Warn("automation: ledger version conflict")
	}
	return entry, err
}

func (r *ExecutionRecorder) Get(ctx context.Context, tenantID, id string) (*ExecutionRecord, error) {
	var row models.AutomationExecution
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, err
	}
	rec, err := executionFromModel(row)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// List 按时间倒序分页查询执行记录
func (r *ExecutionRecorder) List(ctx context.Context, q ExecutionQuery) ([]ExecutionRecord, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.AutomationExecution{}).Where("tenant_id = ?", q.TenantID)
	if q.RuleID != 0 {
		query = query.Where("rule_id = ?", q.RuleID)
	}
	if q.EntityID != "" {
		query = query.Where("entity_id = ?", q.EntityID)
	}
	if q.EventID != "" {
		query = query.Where("event_id = ?", q.EventID)
	}
	if q.Outcome != "" {
		query = query.Where("outcome = ?", string(q.Outcome))
	}
	if q.IsTestMode != nil {
		query = query.Where("is_test_mode = ?", *q.IsTestMode)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := normalizePage(q.Page, q.PageSize)
	var rows []models.AutomationExecution
	if err := query.Order("timestamp DESC, id DESC").Offset((page - 1) * size).Limit(size).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]ExecutionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := executionFromModel(row)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, nil
}

func executionToModel(rec ExecutionRecord) (models.AutomationExecution, error) {
	conds, err := json.Marshal(rec.ConditionResults)
	if err != nil {
		return models.AutomationExecution{}, err
	}
	results, err := json.Marshal(rec.ActionResults)
	if err != nil {
		return models.AutomationExecution{}, err
	}
	return models.AutomationExecution{
		ID:                rec.ID,
		TenantID:          rec.TenantID,
		RuleID:            rec.RuleID,
		RuleName:          rec.RuleName,
		EventID:           rec.EventID,
		EventName:         rec.EventName,
		EntityType:        rec.EntityType,
		EntityID:          rec.EntityID,
		Timestamp:         rec.Timestamp,
		ConditionsPassed:  rec.ConditionsPassed,
		ConditionResults:  datatypes.JSON(conds),
		SuppressionReason: rec.SuppressionReason,
		FailureReason:     rec.FailureReason,
		ActionResults:     datatypes.JSON(results),
		IsTestMode:        rec.IsTestMode,
		Outcome:           string(rec.Outcome),
		Status:            rec.Status,
	}, nil
}

func executionFromModel(row models.AutomationExecution) (ExecutionRecord, error) {
	rec := ExecutionRecord{
		ID:                row.ID,
		TenantID:          row.TenantID,
		RuleID:            row.RuleID,
		RuleName:          row.RuleName,
		EventID:           row.EventID,
		EventName:         row.EventName,
		EntityType:        row.EntityType,
		EntityID:          row.EntityID,
		Timestamp:         row.Timestamp,
		ConditionsPassed:  row.ConditionsPassed,
		SuppressionReason: row.SuppressionReason,
		FailureReason:     row.FailureReason,
		IsTestMode:        row.IsTestMode,
		Outcome:           Outcome(row.Outcome),
		Status:            row.Status,
	}
	if len(row.ConditionResults) > 0 {
		if err := json.Unmarshal(row.ConditionResults, &rec.ConditionResults); err != nil {
			return rec, fmt.Errorf("decode condition results of %s: %w", row.ID, err)
		}
	}
	if len(row.ActionResults) > 0 {
		if err := json.Unmarshal(row.ActionResults, &rec.ActionResults); err != nil {
			return rec, fmt.Errorf("decode action results of %s: %w", row.ID, err)
		}
	}
	if rec.ConditionResults == nil {
		rec.ConditionResults = []ConditionResult{}
	}
	if rec.ActionResults == nil {
		rec.ActionResults = []ActionResult{}
	}
	return rec, nil
}
