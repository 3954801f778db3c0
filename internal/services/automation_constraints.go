package services

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// GateDecision is the result of the constraint gate. Reason is set only when
// the fire is suppressed.
type GateDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func allow() GateDecision { return GateDecision{Allowed: true} }

func suppress(format string, args ...interface{}) GateDecision {
	return GateDecision{Reason: fmt.Sprintf(format, args...)}
}

// EvaluateConstraints applies the rule constraints in a fixed order and returns
// the first violation: max fires, cooldown, business days, quiet hours.
// A nil entry means the rule never fired for this entity.
func EvaluateConstraints(c Constraints, entry *LedgerEntry, now time.Time, loc *time.Location) GateDecision {
	if loc == nil {
		loc = time.UTC
	}

	if entry != nil && c.MaxFiresPerEntity != nil && entry.FireCount >= *c.MaxFiresPerEntity {
		return GateDecision{Reason: "max fires reached"}
	}

	if entry != nil && c.CooldownMinutes != nil {
		required := time.Duration(*c.CooldownMinutes) * time.Minute
		elapsed := now.Sub(entry.LastFiredAt)
		if elapsed < required {
			elapsedMin := int(elapsed / time.Minute)
			if elapsedMin < 0 {
				elapsedMin = 0
			}
			return suppress("cooldown active: %d of %d minutes elapsed (%d remaining)",
				elapsedMin, *c.CooldownMinutes, *c.CooldownMinutes-elapsedMin)
		}
	}

	local := now.In(loc)
	if c.BusinessDaysOnly {
		if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
			return suppress("business days only: %s in %s", wd, loc)
		}
	}

	if c.QuietHoursStart != "" && c.QuietHoursEnd != "" {
		start, errStart := parseClock(c.QuietHoursStart)
		end, errEnd := parseClock(c.QuietHoursEnd)
		if errStart == nil && errEnd == nil {
			minute := local.Hour()*60 + local.Minute()
			if inWindow(minute, start, end) {
				return suppress("quiet hours %s-%s (local time %s)",
					c.QuietHoursStart, c.QuietHoursEnd, local.Format("15:04"))
			}
		}
	}

	return allow()
}

// inWindow reports whether minute falls in [start, end), wrapping past midnight
// when end <= start.
func inWindow(minute, start, end int) bool {
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid time of day %q, want HH:MM", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// ValidateConstraints checks constraint settings at rule save time.
func ValidateConstraints(c Constraints) error {
	if (c.QuietHoursStart == "") != (c.QuietHoursEnd == "") {
		return fmt.Errorf("%w: quiet_hours_start and quiet_hours_end must be set together", ErrInvalidRule)
	}
	if c.QuietHoursStart != "" {
		start, err := parseClock(c.QuietHoursStart)
		if err != nil {
			return fmt.Errorf("%w: quiet_hours_start: %v", ErrInvalidRule, err)
		}
		end, err := parseClock(c.QuietHoursEnd)
		if err != nil {
			return fmt.Errorf("%w: quiet_hours_end: %v", ErrInvalidRule, err)
		}
		if start == end {
			return fmt.Errorf("%w: quiet hours window is empty", ErrInvalidRule)
		}
	}
	if c.CooldownMinutes != nil && *c.CooldownMinutes <= 0 {
		return fmt.Errorf("%w: cooldown_minutes must be positive", ErrInvalidRule)
	}
	if c.MaxFiresPerEntity != nil && *c.MaxFiresPerEntity <= 0 {
		return fmt.Errorf("%w: max_fires_per_entity must be positive", ErrInvalidRule)
	}
	return nil
}

// TenantTimezones resolves the local timezone a tenant operates in.
type TenantTimezones interface {
	Location(ctx context.Context, tenantID string) (*time.Location, error)
}

// StaticTimezones 基于配置的租户时区表
type StaticTimezones struct {
	fallback *time.Location
	zones    map[string]*time.Location
}

// NewStaticTimezones loads every configured zone up front so a bad name fails at
// startup rather than during evaluation.
func NewStaticTimezones(defaultZone string, perTenant map[string]string) (*StaticTimezones, error) {
	if defaultZone == "" {
		defaultZone = "UTC"
	}
	fallback, err := time.LoadLocation(defaultZone)
	if err != nil {
		return nil, fmt.Errorf("load default timezone %q: %w", defaultZone, err)
	}
	zones := make(map[string]*time.Location, len(perTenant))
	for tenant, name := range perTenant {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q for tenant %s: %w", name, tenant, err)
		}
		zones[tenant] = loc
	}
	return &StaticTimezones{fallback: fallback, zones: zones}, nil
}

func (z *StaticTimezones) Location(_ context.Context, tenantID string) (*time.Location, error) {
	if loc, ok := z.zones[tenantID]; ok {
		return loc, nil
	}
	// viper lower-cases map keys
	if loc, ok := z.zones[strings.ToLower(tenantID)]; ok {
		return loc, nil
	}
	return z.fallback, nil
}

// ConstraintGate loads ledger state and tenant timezone, then defers to
// EvaluateConstraints. It never writes.
type ConstraintGate struct {
	ledger LedgerStore
	zones  TenantTimezones
}

func NewConstraintGate(ledger LedgerStore, zones TenantTimezones) *ConstraintGate {
	return &ConstraintGate{ledger: ledger, zones: zones}
}

// Check returns the decision together with the ledger entry it was based on so
// the caller can write the fire with optimistic concurrency.
func (g *ConstraintGate) Check(ctx context.Context, rule AutomationRule, key LedgerKey, now time.Time) (GateDecision, *LedgerEntry, error) {
	entry, err := g.ledger.Get(ctx, key)
	if err != nil {
		return GateDecision{}, nil, fmt.Errorf("load ledger entry: %w", err)
	}
	loc := time.UTC
	if g.zones != nil {
		loc, err = g.zones.Location(ctx, rule.TenantID)
		if err != nil {
			return GateDecision{}, entry, fmt.Errorf("resolve tenant timezone: %w", err)
		}
	}
	return EvaluateConstraints(rule.Constraints, entry, now, loc), entry, nil
}
