package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestEvaluateConstraints_NoEntryNoLimits(t *testing.T) {
	d := EvaluateConstraints(Constraints{CooldownMinutes: intPtr(60), MaxFiresPerEntity: intPtr(1)}, nil, testNow, time.UTC)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestEvaluateConstraints_Cooldown(t *testing.T) {
	c := Constraints{CooldownMinutes: intPtr(1440)}
	entry := &LedgerEntry{LastFiredAt: testNow, FireCount: 1, Version: 1}

	d := EvaluateConstraints(c, entry, testNow.Add(10*time.Minute), time.UTC)
	assert.False(t, d.Allowed)
	assert.Equal(t, "cooldown active: 10 of 1440 minutes elapsed (1430 remaining)", d.Reason)

	// the window is closed at exactly cooldown minutes
	d = EvaluateConstraints(c, entry, testNow.Add(1440*time.Minute), time.UTC)
	assert.True(t, d.Allowed)

	d = EvaluateConstraints(c, entry, testNow.Add(1439*time.Minute+59*time.Second), time.UTC)
	assert.False(t, d.Allowed)
}

func TestEvaluateConstraints_MaxFires(t *testing.T) {
	c := Constraints{MaxFiresPerEntity: intPtr(3)}

	d := EvaluateConstraints(c, &LedgerEntry{FireCount: 2, LastFiredAt: testNow}, testNow, time.UTC)
	assert.True(t, d.Allowed)

	d = EvaluateConstraints(c, &LedgerEntry{FireCount: 3, LastFiredAt: testNow}, testNow, time.UTC)
	assert.False(t, d.Allowed)
	assert.Equal(t, "max fires reached", d.Reason)
}

func TestEvaluateConstraints_QuietHoursInTenantZone(t *testing.T) {
	chicago := mustLocation(t, "America/Chicago")
	c := Constraints{QuietHoursStart: "20:00", QuietHoursEnd: "08:00"}

	// 21:30 local in Chicago (CST, UTC-6)
	night := time.Date(2026, 3, 4, 21, 30, 0, 0, chicago)
	d := EvaluateConstraints(c, nil, night.UTC(), chicago)
	assert.False(t, d.Allowed)
	assert.Equal(t, "quiet hours 20:00-08:00 (local time 21:30)", d.Reason)

	early := time.Date(2026, 3, 5, 7, 59, 0, 0, chicago)
	assert.False(t, EvaluateConstraints(c, nil, early, chicago).Allowed)

	morning := time.Date(2026, 3, 5, 8, 0, 0, 0, chicago)
	assert.True(t, EvaluateConstraints(c, nil, morning, chicago).Allowed)

	// same instant is 03:30 UTC, still quiet when evaluated in UTC
	assert.False(t, EvaluateConstraints(c, nil, night.UTC(), time.UTC).Allowed)
}

func TestEvaluateConstraints_QuietHoursSameDayWindow(t *testing.T) {
	c := Constraints{QuietHoursStart: "12:00", QuietHoursEnd: "13:00"}
	assert.False(t, EvaluateConstraints(c, nil, time.Date(2026, 3, 4, 12, 30, 0, 0, time.UTC), time.UTC).Allowed)
	assert.True(t, EvaluateConstraints(c, nil, time.Date(2026, 3, 4, 13, 0, 0, 0, time.UTC), time.UTC).Allowed)
	assert.True(t, EvaluateConstraints(c, nil, time.Date(2026, 3, 4, 11, 59, 0, 0, time.UTC), time.UTC).Allowed)
}

func TestEvaluateConstraints_BusinessDays(t *testing.T) {
	c := Constraints{BusinessDaysOnly: true}
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)

	d := EvaluateConstraints(c, nil, saturday, time.UTC)
	assert.False(t, d.Allowed)
	assert.Equal(t, "business days only: Saturday in UTC", d.Reason)

	assert.True(t, EvaluateConstraints(c, nil, testNow, time.UTC).Allowed)

	// Monday 03:00 UTC is still Sunday evening in Chicago
	monday := time.Date(2026, 3, 9, 3, 0, 0, 0, time.UTC)
	assert.True(t, EvaluateConstraints(c, nil, monday, time.UTC).Allowed)
	assert.False(t, EvaluateConstraints(c, nil, monday, mustLocation(t, "America/Chicago")).Allowed)
}

func TestEvaluateConstraints_Order(t *testing.T) {
	c := Constraints{
		CooldownMinutes:   intPtr(60),
		MaxFiresPerEntity: intPtr(1),
		BusinessDaysOnly:  true,
		QuietHoursStart:   "00:00",
		QuietHoursEnd:     "23:59",
	}
	saturday := time.Date(2026, 3, 7, 10, 0, 0, 0, time.UTC)
	entry := &LedgerEntry{LastFiredAt: saturday.Add(-time.Minute), FireCount: 1}

	assert.Equal(t, "max fires reached", EvaluateConstraints(c, entry, saturday, time.UTC).Reason)

	c.MaxFiresPerEntity = nil
	assert.Contains(t, EvaluateConstraints(c, entry, saturday, time.UTC).Reason, "cooldown active")

	c.CooldownMinutes = nil
	assert.Contains(t, EvaluateConstraints(c, entry, saturday, time.UTC).Reason, "business days only")

	c.BusinessDaysOnly = false
	assert.Contains(t, EvaluateConstraints(c, entry, saturday, time.UTC).Reason, "quiet hours")
}

func TestValidateConstraints(t *testing.T) {
	tests := []struct {
		name    string
		c       Constraints
		wantErr bool
	}{
		{"empty", Constraints{}, false},
		{"full", Constraints{CooldownMinutes: intPtr(5), MaxFiresPerEntity: intPtr(2), QuietHoursStart: "22:00", QuietHoursEnd: "07:00"}, false},
		{"only start", Constraints{QuietHoursStart: "22:00"}, true},
		{"bad clock", Constraints{QuietHoursStart: "25:00", QuietHoursEnd: "07:00"}, true},
		{"empty window", Constraints{QuietHoursStart: "09:00", QuietHoursEnd: "09:00"}, true},
		{"zero cooldown", Constraints{CooldownMinutes: intPtr(0)}, true},
		{"negative max fires", Constraints{MaxFiresPerEntity: intPtr(-1)}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConstraints(tt.c)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidRule), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStaticTimezones(t *testing.T) {
	zones, err := NewStaticTimezones("Europe/Berlin", map[string]string{"acme": "America/Chicago"})
	require.NoError(t, err)

	loc, err := zones.Location(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", loc.String())

	loc, _ = zones.Location(context.Background(), "ACME")
	assert.Equal(t, "America/Chicago", loc.String())

	loc, _ = zones.Location(context.Background(), "globex")
	assert.Equal(t, "Europe/Berlin", loc.String())

	_, err = NewStaticTimezones("UTC", map[string]string{"acme": "Mars/Olympus"})
	assert.Error(t, err)
}

func TestConstraintGate_CheckDoesNotWrite(t *testing.T) {
	db := newAutomationTestDB(t)
	ledger := NewGormLedgerStore(db)
	gate := NewConstraintGate(ledger, nil)
	rule := AutomationRule{ID: 1, TenantID: "acme", Constraints: Constraints{MaxFiresPerEntity: intPtr(1)}}
	key := LedgerKey{TenantID: "acme", RuleID: 1, EntityID: "lead-1", Scope: ScopeLive}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, entry, err := gate.Check(ctx, rule, key, testNow)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Nil(t, entry)
	}

	_, err := ledger.RecordFire(ctx, key, nil, testNow)
	require.NoError(t, err)

	d, entry, err := gate.Check(ctx, rule, key, testNow)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	require.NotNil(t, entry)
	assert.Equal(t, 1, entry.FireCount)
}
