package services

import (
	"context"
	"errors"
	"time"

	"fieldcrm/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerScope separates live fires from test-mode fires so testing a rule never
// consumes its live budget.
type LedgerScope string

const (
	ScopeLive LedgerScope = "live"
	ScopeTest LedgerScope = "test"
)

func scopeFor(testMode bool) LedgerScope {
	if testMode {
		return ScopeTest
	}
	return ScopeLive
}

// LedgerKey identifies one (rule, entity) fire history.
type LedgerKey struct {
	TenantID string      `json:"tenant_id"`
	RuleID   uint        `json:"rule_id"`
	EntityID string      `json:"entity_id"`
	Scope    LedgerScope `json:"scope"`
}

type LedgerEntry struct {
	TenantID    string      `json:"tenant_id"`
	RuleID      uint        `json:"rule_id"`
	EntityID    string      `json:"entity_id"`
	Scope       LedgerScope `json:"scope"`
	LastFiredAt time.Time   `json:"last_fired_at"`
	FireCount   int         `json:"fire_count"`
	Version     int         `json:"version"`
}

// LedgerQuery filters ledger listings. Zero values mean no filter.
type LedgerQuery struct {
	TenantID string
	RuleID   uint
	EntityID string
	Scope    LedgerScope
	Page     int
	PageSize int
}

// LedgerStore persists fire history. RecordFire must fail with
// ErrLedgerConflict when prev no longer matches the stored entry.
type LedgerStore interface {
	Get(ctx context.Context, key LedgerKey) (*LedgerEntry, error)
	RecordFire(ctx context.Context, key LedgerKey, prev *LedgerEntry, firedAt time.Time) (*LedgerEntry, error)
	List(ctx context.Context, q LedgerQuery) ([]LedgerEntry, int64, error)
}

// GormLedgerStore 基于数据库的账本，使用 version 字段做乐观并发控制
type GormLedgerStore struct {
	db *gorm.DB
}

func NewGormLedgerStore(db *gorm.DB) *GormLedgerStore {
	return &GormLedgerStore{db: db}
}

func (s *GormLedgerStore) keyScope(ctx context.Context, key LedgerKey) *gorm.DB {
	return s.db.WithContext(ctx).Model(&models.AutomationLedgerEntry{}).
		Where("tenant_id = ? AND rule_id = ? AND entity_id = ? AND scope = ?",
			key.TenantID, key.RuleID, key.EntityID, string(key.Scope))
}

func (s *GormLedgerStore) Get(ctx context.Context, key LedgerKey) (*LedgerEntry, error) {
	var row models.AutomationLedgerEntry
	err := s.keyScope(ctx, key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ledgerEntryFromModel(row), nil
}

func (s *GormLedgerStore) RecordFire(ctx context.Context, key LedgerKey, prev *LedgerEntry, firedAt time.Time) (*LedgerEntry, error) {
	if prev == nil {
		row := models.AutomationLedgerEntry{
			TenantID:    key.TenantID,
			RuleID:      key.RuleID,
			EntityID:    key.EntityID,
			Scope:       string(key.Scope),
			LastFiredAt: firedAt,
			FireCount:   1,
			Version:     1,
		}
		res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if res.Error != nil {
			return nil, res.Error
		}
		if res.RowsAffected == 0 {
			return nil, ErrLedgerConflict
		}
		return ledgerEntryFromModel(row), nil
	}

	res := s.keyScope(ctx, key).
		Where("version = ?", prev.Version).
		Updates(map[string]interface{}{
			"last_fired_at": firedAt,
			"fire_count":    gorm.Expr("fire_count + 1"),
			"version":       gorm.Expr("version + 1"),
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrLedgerConflict
	}
	next := *prev
	next.LastFiredAt = firedAt
	next.FireCount = prev.FireCount + 1
	next.Version = prev.Version + 1
	return &next, nil
}

func (s *GormLedgerStore) List(ctx context.Context, q LedgerQuery) ([]LedgerEntry, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationLedgerEntry{}).Where("tenant_id = ?", q.TenantID)
	if q.RuleID != 0 {
		query = query.Where("rule_id = ?", q.RuleID)
	}
	if q.EntityID != "" {
		query = query.Where("entity_id = ?", q.EntityID)
	}
	if q.Scope != "" {
		query = query.Where("scope = ?", string(q.Scope))
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := normalizePage(q.Page, q.PageSize)
	var rows []models.AutomationLedgerEntry
	if err := query.Order("last_fired_at DESC").Offset((page - 1) * size).Limit(size).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]LedgerEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, *ledgerEntryFromModel(row))
	}
	return out, total, nil
}

func ledgerEntryFromModel(row models.AutomationLedgerEntry) *LedgerEntry {
	return &LedgerEntry{
		TenantID:    row.TenantID,
		RuleID:      row.RuleID,
		EntityID:    row.EntityID,
		Scope:       LedgerScope(row.Scope),
		LastFiredAt: row.LastFiredAt,
		FireCount:   row.FireCount,
		Version:     row.Version,
	}
}

func normalizePage(page, size int) (int, int) {
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return page, size
}
