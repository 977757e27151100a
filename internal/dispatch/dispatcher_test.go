package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"dispatchq/internal/domain"
	"dispatchq/internal/provider"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string // entry ids in delivery order
	err  error
	n    int
}

func (f *fakeSender) Send(_ context.Context, _, _, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.n++
	f.sent = append(f.sent, body)
	return fmt.Sprintf("pm_%03d", f.n), nil
}

var baseTime = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func newTestDispatcher(m *memStore, s provider.Sender, now *time.Time) *Dispatcher {
	return &Dispatcher{
		Store:  m,
		Budget: &Budgeter{Store: m},
		Sender: s,
		Now:    func() time.Time { return *now },
	}
}

// entries carry their own id in body so the sender can record delivery order.
func addPending(m *memStore, id, tenant string, priority int, createdAt time.Time) {
	m.add(domain.QueueEntry{
		ID: id, TenantID: tenant, Recipient: "5511987654321", Body: id,
		Priority: priority, CreatedAt: createdAt, UpdatedAt: createdAt,
	})
}

func TestRunTickPriorityOrdering(t *testing.T) {
	m := newMemStore()
	sender := &fakeSender{}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	priorities := []int{0, 2, 1, 0, 2}
	for i, p := range priorities {
		addPending(m, fmt.Sprintf("e%d", i), "t1", p, baseTime.Add(time.Duration(i)*time.Second))
	}

	stats, err := d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 5 {
		t.Fatalf("expected 5 sent, got %+v", stats)
	}

	want := []string{"e1", "e4", "e2", "e0", "e3"}
	if len(sender.sent) != len(want) {
		t.Fatalf("expected %d deliveries, got %v", len(want), sender.sent)
	}
	for i := range want {
		if sender.sent[i] != want[i] {
			t.Fatalf("delivery order %v, want %v", sender.sent, want)
		}
	}
}

func TestRunTickRetryTermination(t *testing.T) {
	m := newMemStore()
	sender := &fakeSender{err: provider.CallError{Err: errors.New("gateway exploded"), HTTPStatus: 502}}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	addPending(m, "e1", "t1", 0, baseTime)

	for tick := 1; tick <= 5; tick++ {
		if _, err := d.RunTick(context.Background(), ""); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		now = now.Add(time.Minute)
	}

	e := m.get("e1")
	if e.Status != domain.StatusFailed {
		t.Fatalf("expected terminal failure, got %s", e.Status)
	}
	if e.Attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", e.Attempts)
	}
	if e.LastError != "gateway exploded" {
		t.Fatalf("expected last error recorded, got %q", e.LastError)
	}
}

func TestRunTickPerMinuteBudgetAcrossTicks(t *testing.T) {
	m := newMemStore()
	m.cfgs["t1"] = domain.RateLimitConfig{
		TenantID: "t1", MessagesPerMinute: 2, MessagesPerHour: 100, Enabled: true,
	}
	sender := &fakeSender{}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	for i := 0; i < 3; i++ {
		addPending(m, fmt.Sprintf("e%d", i), "t1", 0, baseTime.Add(time.Duration(i)*time.Second))
	}

	stats, err := d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if stats.Sent != 2 {
		t.Fatalf("first tick should send 2, got %+v", stats)
	}
	if got := m.countByStatus("t1", domain.StatusPending); got != 1 {
		t.Fatalf("expected 1 pending after first tick, got %d", got)
	}

	// immediately retrying is out of budget
	stats, err = d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if stats.Sent != 0 {
		t.Fatalf("budget should be exhausted inside the minute, got %+v", stats)
	}

	now = now.Add(61 * time.Second)
	stats, err = d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("third tick: %v", err)
	}
	if stats.Sent != 1 {
		t.Fatalf("third tick should send the remaining entry, got %+v", stats)
	}
}

func TestRunTickHourlyBudget(t *testing.T) {
	m := newMemStore()
	m.cfgs["t1"] = domain.RateLimitConfig{
		TenantID: "t1", MessagesPerMinute: 20, MessagesPerHour: 5, Enabled: true,
	}
	sender := &fakeSender{}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	for i := 0; i < 10; i++ {
		addPending(m, fmt.Sprintf("e%02d", i), "t1", 0, baseTime.Add(time.Duration(i)*time.Second))
	}

	// many ticks inside the hour: only 5 may go out in total
	for tick := 0; tick < 6; tick++ {
		if _, err := d.RunTick(context.Background(), ""); err != nil {
			t.Fatalf("tick %d: %v", tick, err)
		}
		now = now.Add(5 * time.Minute)
	}

	if got := m.countByStatus("t1", domain.StatusSent); got != 5 {
		t.Fatalf("expected 5 sent within the hour, got %d", got)
	}
	if got := m.countByStatus("t1", domain.StatusPending); got != 5 {
		t.Fatalf("expected 5 still pending, got %d", got)
	}
}

func TestRunTickPerRunCap(t *testing.T) {
	m := newMemStore()
	sender := &fakeSender{}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	for i := 0; i < 15; i++ {
		addPending(m, fmt.Sprintf("e%02d", i), "t1", 0, baseTime)
	}

	stats, err := d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != DefaultPerRunCap {
		t.Fatalf("expected per-run cap of %d, got %+v", DefaultPerRunCap, stats)
	}
}

func TestRunTickHonorsScheduledAt(t *testing.T) {
	m := newMemStore()
	sender := &fakeSender{}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	future := baseTime.Add(2 * time.Hour)
	m.add(domain.QueueEntry{
		ID: "later", TenantID: "t1", Recipient: "5511987654321", Body: "later",
		ScheduledAt: &future, CreatedAt: baseTime, UpdatedAt: baseTime,
	})
	addPending(m, "asap", "t1", 0, baseTime)

	stats, err := d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 1 || sender.sent[0] != "asap" {
		t.Fatalf("only the due entry should go out, stats %+v sent %v", stats, sender.sent)
	}

	now = future.Add(time.Minute)
	if _, err := d.RunTick(context.Background(), ""); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if e := m.get("later"); e.Status != domain.StatusSent {
		t.Fatalf("scheduled entry should be sent once due, got %s", e.Status)
	}
}

func TestRunTickScopedTenant(t *testing.T) {
	m := newMemStore()
	sender := &fakeSender{}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	addPending(m, "a1", "tenant-a", 0, baseTime)
	addPending(m, "b1", "tenant-b", 0, baseTime)

	stats, err := d.RunTick(context.Background(), "tenant-a")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Sent != 1 || sender.sent[0] != "a1" {
		t.Fatalf("expected only tenant-a dispatched, stats %+v sent %v", stats, sender.sent)
	}
	if e := m.get("b1"); e.Status != domain.StatusPending {
		t.Fatalf("tenant-b entry must stay pending, got %s", e.Status)
	}
}

func TestRunTickSkipsWhenLockHeld(t *testing.T) {
	m := newMemStore()
	m.lockBusy = true
	sender := &fakeSender{}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	addPending(m, "e1", "t1", 0, baseTime)

	stats, err := d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Claimed != 0 || len(sender.sent) != 0 {
		t.Fatalf("locked tick must do nothing, got %+v", stats)
	}
}

func TestRunTickRecoversStuckProcessing(t *testing.T) {
	m := newMemStore()
	sender := &fakeSender{}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	staleAt := baseTime.Add(-10 * time.Minute)
	m.add(domain.QueueEntry{
		ID: "stuck", TenantID: "t1", Recipient: "5511987654321", Body: "stuck",
		Status: domain.StatusProcessing, CreatedAt: staleAt, UpdatedAt: staleAt,
	})

	stats, err := d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if stats.Recovered != 1 {
		t.Fatalf("expected stuck entry recovered, got %+v", stats)
	}
	e := m.get("stuck")
	if e.Status != domain.StatusSent {
		t.Fatalf("recovered entry should dispatch in the same tick, got %s", e.Status)
	}
	if e.Attempts != 2 { // watchdog counts the interrupted attempt
		t.Fatalf("expected 2 attempts, got %d", e.Attempts)
	}
}

func TestRunTickBreakerOpenReleasesClaims(t *testing.T) {
	m := newMemStore()
	sender := &fakeSender{err: gobreaker.ErrOpenState}
	now := baseTime
	d := newTestDispatcher(m, sender, &now)

	addPending(m, "e1", "t1", 0, baseTime)
	addPending(m, "e2", "t1", 0, baseTime.Add(time.Second))

	stats, err := d.RunTick(context.Background(), "")
	if err != nil {
		t.Fatalf("breaker open must not be an infrastructure error: %v", err)
	}
	if stats.Released != 2 {
		t.Fatalf("expected both claims released, got %+v", stats)
	}
	for _, id := range []string{"e1", "e2"} {
		e := m.get(id)
		if e.Status != domain.StatusPending || e.Attempts != 0 {
			t.Fatalf("entry %s should be back to pending without attempts, got %+v", id, e)
		}
	}
}
