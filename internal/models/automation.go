package models

import (
	"time"

	"gorm.io/datatypes"
)

// AutomationRule 自动化规则（租户级）
// Conditions / Actions 以 JSON 存储，结构由 services 层在保存时校验。
type AutomationRule struct {
	ID                uint           `gorm:"primaryKey" json:"id"`
	TenantID          string         `gorm:"size:64;not null;index:idx_automation_rules_tenant_event,priority:1" json:"tenant_id"`
	Name              string         `gorm:"size:255;not null" json:"name"`
	TriggerEvent      string         `gorm:"size:128;not null;index:idx_automation_rules_tenant_event,priority:2" json:"trigger_event"`
	IsActive          bool           `gorm:"not null" json:"is_active"`
	IsTestMode        bool           `gorm:"not null" json:"is_test_mode"`
	Conditions        datatypes.JSON `json:"conditions"`
	Actions           datatypes.JSON `json:"actions"`
	CooldownMinutes   *int           `json:"cooldown_minutes,omitempty"`
	QuietHoursStart   string         `gorm:"size:5" json:"quiet_hours_start,omitempty"`
	QuietHoursEnd     string         `gorm:"size:5" json:"quiet_hours_end,omitempty"`
	MaxFiresPerEntity *int           `json:"max_fires_per_entity,omitempty"`
	BusinessDaysOnly  bool           `gorm:"not null" json:"business_days_only"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func (AutomationRule) TableName() string {
	return "automation_rules"
}

// AutomationLedgerEntry 每个 (rule, entity) 的触发账本
// Scope 区分 live / test 两种执行模式，测试模式不会消耗线上配额。
type AutomationLedgerEntry struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	TenantID    string    `gorm:"size:64;not null;uniqueIndex:idx_automation_ledger_key,priority:1" json:"tenant_id"`
	RuleID      uint      `gorm:"not null;uniqueIndex:idx_automation_ledger_key,priority:2" json:"rule_id"`
	EntityID    string    `gorm:"size:128;not null;uniqueIndex:idx_automation_ledger_key,priority:3" json:"entity_id"`
	Scope       string    `gorm:"size:8;not null;uniqueIndex:idx_automation_ledger_key,priority:4" json:"scope"`
	LastFiredAt time.Time `gorm:"not null" json:"last_fired_at"`
	FireCount   int       `gorm:"not null" json:"fire_count"`
	Version     int       `gorm:"not null" json:"version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (AutomationLedgerEntry) TableName() string {
	return "automation_ledger_entries"
}

// AutomationExecution 执行记录（审计，只追加）
type AutomationExecution struct {
	ID                string         `gorm:"primaryKey;size:26" json:"id"`
	TenantID          string         `gorm:"size:64;not null;index" json:"tenant_id"`
	RuleID            uint           `gorm:"not null;index" json:"rule_id"`
	RuleName          string         `gorm:"size:255" json:"rule_name"`
	EventID           string         `gorm:"size:64;not null;index" json:"event_id"`
	EventName         string         `gorm:"size:128;not null" json:"event_name"`
	EntityType        string         `gorm:"size:64" json:"entity_type"`
	EntityID          string         `gorm:"size:128;not null;index" json:"entity_id"`
	Timestamp         time.Time      `gorm:"not null;index" json:"timestamp"`
	ConditionsPassed  bool           `gorm:"not null" json:"conditions_passed"`
	ConditionResults  datatypes.JSON `json:"condition_results"`
	SuppressionReason *string        `gorm:"type:text" json:"suppression_reason"`
	FailureReason     string         `gorm:"type:text" json:"failure_reason,omitempty"`
	ActionResults     datatypes.JSON `json:"action_results"`
	IsTestMode        bool           `gorm:"not null" json:"is_test_mode"`
	Outcome           string         `gorm:"size:16;not null;index" json:"outcome"` // successful, suppressed, failed
	Status            string         `gorm:"size:16;not null" json:"status"`        // completed, in_progress
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
}

func (AutomationExecution) TableName() string {
	return "automation_executions"
}

// AutomationContinuation wait 动作之后待恢复的剩余动作
type AutomationContinuation struct {
	ID               string         `gorm:"primaryKey;size:36" json:"id"`
	ExecutionID      string         `gorm:"size:26;not null;index" json:"execution_id"`
	TenantID         string         `gorm:"size:64;not null" json:"tenant_id"`
	RuleID           uint           `gorm:"not null" json:"rule_id"`
	IsTestMode       bool           `gorm:"not null" json:"is_test_mode"`
	Event            datatypes.JSON `json:"event"`
	RemainingActions datatypes.JSON `json:"remaining_actions"`
	SkipFirstDelay   bool           `gorm:"not null" json:"skip_first_delay"`
	ResumeAt         time.Time      `gorm:"not null;index:idx_automation_continuations_due,priority:2" json:"resume_at"`
	Status           string         `gorm:"size:16;not null;index:idx_automation_continuations_due,priority:1" json:"status"` // pending, running, done
	Attempts         int            `gorm:"not null" json:"attempts"`
	LastError        string         `gorm:"type:text" json:"last_error,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (AutomationContinuation) TableName() string {
	return "automation_continuations"
}

// AutomationModels 返回需要迁移的全部模型
func AutomationModels() []interface{} {
	return []interface{}{
		&AutomationRule{},
		&AutomationLedgerEntry{},
		&AutomationExecution{},
		&AutomationContinuation{},
	}
}
