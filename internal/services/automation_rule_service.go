package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"fieldcrm/internal/models"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AutomationRuleRequest 创建/更新规则的请求
type AutomationRuleRequest struct {
	Name         string       `json:"name" validate:"required,max=255"`
	TriggerEvent string       `json:"trigger_event" validate:"required,max=128"`
	IsActive     *bool        `json:"is_active"`
	IsTestMode   bool         `json:"is_test_mode"`
	Conditions   []Condition  `json:"conditions" validate:"dive"`
	Actions      []ActionSpec `json:"actions" validate:"required,min=1,dive"`
	Constraints  Constraints  `json:"constraints"`
}

// RuleListQuery filters rule listings.
type RuleListQuery struct {
	TriggerEvent string
	IsActive     *bool
	Page         int
	PageSize     int
}

// AutomationRuleService manages rules. Every mutation reloads the rule store so
// the engine evaluates the new definition on the next event.
type AutomationRuleService struct {
	db       *gorm.DB
	store    *RuleStore
	logger   *logrus.Logger
	validate *validator.Validate
}

func NewAutomationRuleService(db *gorm.DB, store *RuleStore, logger *logrus.Logger) *AutomationRuleService {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationRuleService{
		db:       db,
		store:    store,
		logger:   logger,
		validate: validator.New(),
	}
}

// ValidateRule checks a request the way it will be checked on save.
func (s *AutomationRuleService) ValidateRule(req *AutomationRuleRequest) error {
	if req == nil {
		return fmt.Errorf("%w: request required", ErrInvalidRule)
	}
	if err := s.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidRule, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	if strings.ContainsAny(req.TriggerEvent, " *>") {
		return fmt.Errorf("%w: trigger_event must be a single event name", ErrInvalidRule)
	}
	for i, c := range req.Conditions {
		switch c.Operator {
		case OpGt, OpLt, OpGte, OpLte:
			if _, ok := c.Value.Number(); !ok {
				return fmt.Errorf("%w: conditions[%d]: %s needs a numeric value", ErrInvalidRule, i, c.Operator)
			}
		case OpChangedTo:
			if c.Value.IsNull() {
				return fmt.Errorf("%w: conditions[%d]: changed_to needs a value", ErrInvalidRule, i)
			}
		}
	}
	for i, a := range req.Actions {
		if err := validateAction(a); err != nil {
			return fmt.Errorf("%w: actions[%d]: %v", ErrInvalidRule, i, err)
		}
	}
	return ValidateConstraints(req.Constraints)
}

func validateAction(a ActionSpec) error {
	if a.DelayMinutes < 0 {
		return fmt.Errorf("delay_minutes must not be negative")
	}
	var present bool
	switch a.Type {
	case ActionSendEmail:
		present = a.Email != nil
	case ActionSendSMS:
		present = a.SMS != nil
	case ActionNotify:
		present = a.Notify != nil
	case ActionUpdateField:
		present = a.UpdateField != nil
	case ActionCreateTask:
		present = a.Task != nil
	case ActionWait:
		if a.DelayMinutes <= 0 {
			return fmt.Errorf("wait needs delay_minutes > 0")
		}
		return nil
	default:
		return fmt.Errorf("unsupported action type %q", a.Type)
	}
	if !present {
		return fmt.Errorf("%s config required", a.Type)
	}
	return nil
}

func (s *AutomationRuleService) ruleFromRequest(tenantID string, req *AutomationRuleRequest) AutomationRule {
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	return AutomationRule{
		TenantID:     tenantID,
		Name:         strings.TrimSpace(req.Name),
		IsActive:     active,
		IsTestMode:   req.IsTestMode,
		TriggerEvent: strings.TrimSpace(req.TriggerEvent),
		Conditions:   req.Conditions,
		Actions:      req.Actions,
		Constraints:  req.Constraints,
	}
}

// CreateRule 新建规则
func (s *AutomationRuleService) CreateRule(ctx context.Context, tenantID string, req *AutomationRuleRequest) (*AutomationRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant required", ErrInvalidRule)
	}
	if err := s.ValidateRule(req); err != nil {
		return nil, err
	}
	rule := s.ruleFromRequest(tenantID, req)
	row, err := ruleToModel(rule)
	if err != nil {
		return nil, fmt.Errorf("encode rule: %w", err)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	rule.ID = row.ID
	s.refresh(ctx)
	s.logger.WithFields(logrus.Fields{"tenant_id": tenantID, "rule_id": rule.ID}).
		Infof("automation: rule %q created for %s", rule.Name, rule.TriggerEvent)
	return &rule, nil
}

// UpdateRule 整体替换规则定义
func (s *AutomationRuleService) UpdateRule(ctx context.Context, tenantID string, id uint, req *AutomationRuleRequest) (*AutomationRule, error) {
	if err := s.ValidateRule(req); err != nil {
		return nil, err
	}
	if _, err := s.loadRow(ctx, tenantID, id); err != nil {
		return nil, err
	}
	rule := s.ruleFromRequest(tenantID, req)
	rule.ID = id
	row, err := ruleToModel(rule)
	if err != nil {
		return nil, fmt.Errorf("encode rule: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Select("name", "trigger_event", "is_active", "is_test_mode", "conditions", "actions",
			"cooldown_minutes", "quiet_hours_start", "quiet_hours_end", "max_fires_per_entity",
			"business_days_only", "updated_at").
		Updates(&row).Error
	if err != nil {
		return nil, err
	}
	s.refresh(ctx)
	return &rule, nil
}

// SetActive 启用/停用规则；停用后挂起的后续动作会被跳过
func (s *AutomationRuleService) SetActive(ctx context.Context, tenantID string, id uint, active bool) (*AutomationRule, error) {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Update("is_active", active)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrRuleNotFound
	}
	s.refresh(ctx)
	return s.GetRule(ctx, tenantID, id)
}

// ToggleRule flips is_active.
func (s *AutomationRuleService) ToggleRule(ctx context.Context, tenantID string, id uint) (*AutomationRule, error) {
	row, err := s.loadRow(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return s.SetActive(ctx, tenantID, id, !row.IsActive)
}

func (s *AutomationRuleService) GetRule(ctx context.Context, tenantID string, id uint) (*AutomationRule, error) {
	row, err := s.loadRow(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	rule, err := ruleFromModel(*row)
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// ListRules 按 id 升序返回租户规则
func (s *AutomationRuleService) ListRules(ctx context.Context, tenantID string, q RuleListQuery) ([]AutomationRule, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.AutomationRule{}).Where("tenant_id = ?", tenantID)
	if q.TriggerEvent != "" {
		query = query.Where("trigger_event = ?", q.TriggerEvent)
	}
	if q.IsActive != nil {
		query = query.Where("is_active = ?", *q.IsActive)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	page, size := normalizePage(q.Page, q.PageSize)
	var rows []models.AutomationRule
	if err := query.Order("id ASC").Offset((page - 1) * size).Limit(size).Find(&rows).Error; err != nil {
		return nil, 0, err
	}
	out := make([]AutomationRule, 0, len(rows))
	for _, row := range rows {
		r, err := ruleFromModel(row)
		if err != nil {
			return nil, 0, fmt.Errorf("rule %d: %w", row.ID, err)
		}
		out = append(out, r)
	}
	return out, total, nil
}

// DeleteRule 删除规则（账本与执行记录保留用于审计）
func (s *AutomationRuleService) DeleteRule(ctx context.Context, tenantID string, id uint) error {
	res := s.db.WithContext(ctx).Where("tenant_id = ?", tenantID).Delete(&models.AutomationRule{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRuleNotFound
	}
	s.refresh(ctx)
	return nil
}

// ImportRules validates every request before writing any, then creates them in
// one transaction.
func (s *AutomationRuleService) ImportRules(ctx context.Context, tenantID string, reqs []AutomationRuleRequest) ([]AutomationRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenant required", ErrInvalidRule)
	}
	rules := make([]AutomationRule, 0, len(reqs))
	for i := range reqs {
		if err := s.ValidateRule(&reqs[i]); err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, reqs[i].Name, err)
		}
		rules = append(rules, s.ruleFromRequest(tenantID, &reqs[i]))
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rules {
			row, err := ruleToModel(rules[i])
			if err != nil {
				return err
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
			rules[i].ID = row.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.refresh(ctx)
	return rules, nil
}

func (s *AutomationRuleService) loadRow(ctx context.Context, tenantID string, id uint) (*models.AutomationRule, error) {
	var row models.AutomationRule
	err := s.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRuleNotFound
	}
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (s *AutomationRuleService) refresh(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Reload(ctx); err != nil {
		s.logger.Warnf("automation: reload rules after change failed: %v", err)
	}
}
