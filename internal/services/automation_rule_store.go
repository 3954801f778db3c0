package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"fieldcrm/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// RuleSnapshot is an immutable view of every rule at one point in time. An
// evaluation works on a single snapshot from start to finish.
type RuleSnapshot struct {
	byTrigger map[string][]AutomationRule
	byID      map[uint]AutomationRule
	LoadedAt  time.Time
}

func triggerKey(tenantID, event string) string {
	return tenantID + "\x00" + event
}

// NewRuleSnapshot indexes rules by (tenant, trigger event), ordered by id.
func NewRuleSnapshot(rules []AutomationRule) *RuleSnapshot {
	snap := &RuleSnapshot{
		byTrigger: make(map[string][]AutomationRule),
		byID:      make(map[uint]AutomationRule, len(rules)),
		LoadedAt:  time.Now(),
	}
	for _, r := range rules {
		snap.byID[r.ID] = r
		k := triggerKey(r.TenantID, r.TriggerEvent)
		snap.byTrigger[k] = append(snap.byTrigger[k], r)
	}
	for _, list := range snap.byTrigger {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return snap
}

// Candidates returns the active rules of tenant listening on eventName in
// ascending id order.
func (s *RuleSnapshot) Candidates(tenantID, eventName string) []AutomationRule {
	list := s.byTrigger[triggerKey(tenantID, eventName)]
	out := make([]AutomationRule, 0, len(list))
	for _, r := range list {
		if r.IsActive {
			out = append(out, r)
		}
	}
	return out
}

// Get looks a rule up by id within tenant.
func (s *RuleSnapshot) Get(tenantID string, id uint) (AutomationRule, bool) {
	r, ok := s.byID[id]
	if !ok || r.TenantID != tenantID {
		return AutomationRule{}, false
	}
	return r, true
}

func (s *RuleSnapshot) Len() int { return len(s.byID) }

// RuleStore 规则快照存储：读取无锁，变更后整体替换
type RuleStore struct {
	db     *gorm.DB
	logger *logrus.Logger
	snap   atomic.Pointer[RuleSnapshot]
}

func NewRuleStore(db *gorm.DB, logger *logrus.Logger) *RuleStore {
	if logger == nil {
		logger = logrus.New()
	}
	s := &RuleStore{db: db, logger: logger}
	s.snap.Store(NewRuleSnapshot(nil))
	return s
}

func (s *RuleStore) Snapshot() *RuleSnapshot {
	return s.snap.Load()
}

// Replace installs a snapshot built from rules.
func (s *RuleStore) Replace(rules []AutomationRule) {
	s.snap.Store(NewRuleSnapshot(rules))
}

// Reload rebuilds the snapshot from the database. Rows that fail to decode are
// logged and left out; they cannot be evaluated safely.
func (s *RuleStore) Reload(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	var rows []models.AutomationRule
	if err := s.db.WithContext(ctx).Order("id ASC").Find(&rows).Error; err != nil {
		return fmt.Errorf("load automation rules: %w", err)
	}
	rules := make([]AutomationRule, 0, len(rows))
	for _, row := range rows {
		r, err := ruleFromModel(row)
		if err != nil {
			s.logger.WithFields(logrus.Fields{"tenant_id": row.TenantID, "rule_id": row.ID}).
				Warnf("automation: skip undecodable rule: %v", err)
			continue
		}
		rules = append(rules, r)
	}
	s.Replace(rules)
	return nil
}

// Current reads one rule from the database, bypassing the snapshot, which may
// lag edits made on another instance. Without a database it falls back to the
// snapshot.
func (s *RuleStore) Current(ctx context.Context, tenantID string, id uint) (AutomationRule, bool, error) {
	if s.db == nil {
		r, ok := s.Snapshot().Get(tenantID, id)
		return r, ok, nil
	}
	var row models.AutomationRule
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AutomationRule{}, false, nil
	}
	if err != nil {
		return AutomationRule{}, false, fmt.Errorf("load automation rule %d: %w", id, err)
	}
	r, err := ruleFromModel(row)
	if err != nil {
		return AutomationRule{}, false, err
	}
	return r, true, nil
}

// Run reloads the snapshot every interval until ctx is done, picking up rule
// edits made by other instances.
func (s *RuleStore) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Reload(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warnf("automation: periodic rule reload failed: %v", err)
			}
		}
	}
}

func ruleFromModel(row models.AutomationRule) (AutomationRule, error) {
	r := AutomationRule{
		ID:           row.ID,
		TenantID:     row.TenantID,
		Name:         row.Name,
		IsActive:     row.IsActive,
		IsTestMode:   row.IsTestMode,
		TriggerEvent: row.TriggerEvent,
		Constraints: Constraints{
			CooldownMinutes:   row.CooldownMinutes,
			QuietHoursStart:   row.QuietHoursStart,
			QuietHoursEnd:     row.QuietHoursEnd,
			MaxFiresPerEntity: row.MaxFiresPerEntity,
			BusinessDaysOnly:  row.BusinessDaysOnly,
		},
	}
	if len(row.Conditions) > 0 {
		if err := json.Unmarshal(row.Conditions, &r.Conditions); err != nil {
			return r, fmt.Errorf("decode conditions: %w", err)
		}
	}
	if len(row.Actions) > 0 {
		if err := json.Unmarshal(row.Actions, &r.Actions); err != nil {
			return r, fmt.Errorf("decode actions: %w", err)
		}
	}
	return r, nil
}

func ruleToModel(r AutomationRule) (models.AutomationRule, error) {
	conds := r.Conditions
	if conds == nil {
		conds = []Condition{}
	}
	condJSON, err := json.Marshal(conds)
	if err != nil {
		return models.AutomationRule{}, err
	}
	actJSON, err := json.Marshal(r.Actions)
	if err != nil {
		return models.AutomationRule{}, err
	}
	return models.AutomationRule{
		ID:                r.ID,
		TenantID:          r.TenantID,
		Name:              r.Name,
		TriggerEvent:      r.TriggerEvent,
		IsActive:          r.IsActive,
		IsTestMode:        r.IsTestMode,
		Conditions:        datatypes.JSON(condJSON),
		Actions:           datatypes.JSON(actJSON),
		CooldownMinutes:   r.Constraints.CooldownMinutes,
		QuietHoursStart:   r.Constraints.QuietHoursStart,
		QuietHoursEnd:     r.Constraints.QuietHoursEnd,
		MaxFiresPerEntity: r.Constraints.MaxFiresPerEntity,
		BusinessDaysOnly:  r.Constraints.BusinessDaysOnly,
	}, nil
}
