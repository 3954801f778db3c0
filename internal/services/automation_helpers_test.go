package services

import (
	"context"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"fieldcrm/internal/models"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 2026-03-04 is a Wednesday.
var testNow = time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)

func newAutomationTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(models.AutomationModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func intPtr(i int) *int { return &i }

type delegateCall struct {
	Action ActionType
	Target string
	Meta   DelegateMeta
}

type fakeDelegates struct {
	mu       sync.Mutex
	calls    []delegateCall
	failures map[ActionType]error
	panics   map[ActionType]bool
}

func newFakeDelegates() *fakeDelegates {
	return &fakeDelegates{failures: map[ActionType]error{}, panics: map[ActionType]bool{}}
}

func (f *fakeDelegates) record(ctx context.Context, a ActionType, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[a] {
		panic("delegate exploded")
	}
	f.calls = append(f.calls, delegateCall{Action: a, Target: target, Meta: DelegateMetaFrom(ctx)})
	return f.failures[a]
}

func (f *fakeDelegates) Calls() []delegateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]delegateCall(nil), f.calls...)
}

func (f *fakeDelegates) SendEmail(ctx context.Context, to, _ string, _ map[string]string) error {
	return f.record(ctx, ActionSendEmail, to)
}

func (f *fakeDelegates) SendSMS(ctx context.Context, to, _ string, _ map[string]string) error {
	return f.record(ctx, ActionSendSMS, to)
}

func (f *fakeDelegates) Notify(ctx context.Context, channel, _ string) error {
	return f.record(ctx, ActionNotify, channel)
}

func (f *fakeDelegates) CreateTask(ctx context.Context, assignee string, _ time.Time, _ string) error {
	return f.record(ctx, ActionCreateTask, assignee)
}

func (f *fakeDelegates) UpdateField(ctx context.Context, _, _, field string, _ Value) error {
	return f.record(ctx, ActionUpdateField, field)
}

// testClock is a settable clock shared by every engine component.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineFixture struct {
	db            *gorm.DB
	engine        *AutomationEngine
	rules         *RuleStore
	ruleService   *AutomationRuleService
	recorder      *ExecutionRecorder
	ledger        LedgerStore
	continuations *ContinuationStore
	delegates     *fakeDelegates
	clock         *testClock
}

func newEngineFixture(t *testing.T, zones map[string]string) *engineFixture {
	t.Helper()
	db := newAutomationTestDB(t)
	log := quietLogger()
	tz, err := NewStaticTimezones("UTC", zones)
	if err != nil {
		t.Fatalf("timezones: %v", err)
	}
	ledger := NewGormLedgerStore(db)
	store := NewRuleStore(db, log)
	delegates := newFakeDelegates()
	recorder := NewExecutionRecorder(db, ledger, log, nil)
	executor := NewActionExecutor(delegates, log, nil)
	continuations := NewContinuationStore(db)
	engine := NewAutomationEngine(EngineDeps{
		Rules:            store,
		Gate:             NewConstraintGate(ledger, tz),
		Executor:         executor,
		Recorder:         recorder,
		Continuations:    continuations,
		Logger:           log,
		MaxParallelRules: 4,
	})

	clock := &testClock{now: testNow}
	engine.now = clock.Now
	recorder.now = clock.Now
	executor.now = clock.Now

	return &engineFixture{
		db:            db,
		engine:        engine,
		rules:         store,
		ruleService:   NewAutomationRuleService(db, store, log),
		recorder:      recorder,
		ledger:        ledger,
		continuations: continuations,
		delegates:     delegates,
		clock:         clock,
	}
}

func (f *engineFixture) createRule(t *testing.T, tenant string, req AutomationRuleRequest) *AutomationRule {
	t.Helper()
	rule, err := f.ruleService.CreateRule(context.Background(), tenant, &req)
	if err != nil {
		t.Fatalf("create rule %q: %v", req.Name, err)
	}
	return rule
}

func leadCreated(tenant, entity string, fields map[string]Value) Event {
	return Event{
		ID:         "evt-" + entity,
		TenantID:   tenant,
		Name:       "lead.created",
		EntityType: "lead",
		EntityID:   entity,
		OccurredAt: testNow,
		Fields:     fields,
	}
}

func emailAction(toField, template string) ActionSpec {
	return ActionSpec{Type: ActionSendEmail, Email: &MessageActionConfig{ToField: toField, Template: template}}
}
