package dispute

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"disputeflow/marketplace"
)

type fakeOrders struct {
	orders map[string]marketplace.Order
	err    error
}

func (f *fakeOrders) GetOrder(_ context.Context, orderID string) (marketplace.Order, error) {
	if f.err != nil {
		return marketplace.Order{}, f.err
	}
	o, ok := f.orders[orderID]
	if !ok {
		return marketplace.Order{}, marketplace.ErrOrderNotFound
	}
	return o, nil
}

type fakeScheduler struct {
	mu         sync.Mutex
	ids        []string
	reassessed []string
	err        error
}

func (f *fakeScheduler) Schedule(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return f.err
}

func (f *fakeScheduler) Reassess(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reassessed = append(f.reassessed, id)
	return f.err
}

type fakeExecutor struct {
	store Store
	ids   []string
	err   error
}

func (f *fakeExecutor) Execute(ctx context.Context, id string) error {
	f.ids = append(f.ids, id)
	if f.err != nil {
		return f.err
	}
	_, err := f.store.Update(ctx, id, func(d *Dispute) error {
		d.CompletedEffects = append(d.CompletedEffects, "release")
		d.ReconciliationRequired = false
		d.FailedEffects = nil
		return nil
	})
	return err
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, userID, eventType string, _ map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, userID+"/"+eventType)
	return r.err
}

type serviceFixture struct {
	svc       *Service
	store     *MemoryStore
	orders    *fakeOrders
	scheduler *fakeScheduler
	executor  *fakeExecutor
	notifier  *recordingNotifier
	now       time.Time
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		store: NewMemoryStore(),
		orders: &fakeOrders{orders: map[string]marketplace.Order{
			"order-1": {ID: "order-1", BuyerID: "buyer-1", SellerID: "seller-1", Status: marketplace.OrderShipped, Total: 640},
			"order-2": {ID: "order-2", BuyerID: "buyer-1", SellerID: "seller-1", Status: marketplace.OrderShipped, Total: 20},
		}},
		scheduler: &fakeScheduler{},
		notifier:  &recordingNotifier{},
		now:       t0,
	}
	f.executor = &fakeExecutor{store: f.store}
	seq := 0
	f.svc = NewService(f.store, f.orders, f.notifier, slog.New(slog.NewTextHandler(io.Discard, nil))).
		WithScheduler(f.scheduler).
		WithExecutor(f.executor).
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}).
		WithClock(func() time.Time { return f.now })
	return f
}

func (f *serviceFixture) create(t *testing.T, orderID string) *Dispute {
	t.Helper()
	d, err := f.svc.Create(context.Background(), CreateParams{
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		InitiatedBy:    PartyBuyer,
		OrderID:        orderID,
		Category:       CategoryDamagedItem,
		Description:    "cracked screen",
		DisputedAmount: 100,
		EscrowAmount:   100,
		Currency:       "USD",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return d
}

var (
	buyer = Actor{ID: "buyer-1"}
	admin = Actor{ID: "admin-1", Admin: true}
)

func TestServiceCreate(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, "order-1")

	if d.ID != "id-1" || d.Status != StatusOpen {
		t.Fatalf("unexpected dispute %s %s", d.ID, d.Status)
	}
	if d.Priority != PriorityHigh {
		t.Fatalf("expected high priority from order total 640, got %s", d.Priority)
	}
	if len(f.scheduler.ids) != 1 || f.scheduler.ids[0] != d.ID {
		t.Fatalf("expected assessment scheduled once, got %v", f.scheduler.ids)
	}
	if len(f.notifier.events) != 2 {
		t.Fatalf("expected buyer and seller notified, got %v", f.notifier.events)
	}

	stored, err := f.svc.GetByOrder(context.Background(), "order-1")
	if err != nil || stored.ID != d.ID {
		t.Fatalf("expected dispute retrievable by order, got %v %v", stored, err)
	}
}

func TestServiceCreateRejectsSecondDisputeForOrder(t *testing.T) {
	f := newFixture(t)
	f.create(t, "order-1")

	_, err := f.svc.Create(context.Background(), CreateParams{
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		InitiatedBy:    PartySeller,
		OrderID:        "order-1",
		Category:       CategoryOther,
		Description:    "again",
		DisputedAmount: 5,
		Currency:       "USD",
	})
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("expected ErrDuplicateOrder, got %v", err)
	}
	if len(f.scheduler.ids) != 1 {
		t.Fatalf("expected no second schedule, got %v", f.scheduler.ids)
	}
}

func TestServiceCreateValidatesAgainstOrder(t *testing.T) {
	f := newFixture(t)
	base := CreateParams{
		BuyerID:        "buyer-1",
		SellerID:       "seller-1",
		InitiatedBy:    PartyBuyer,
		OrderID:        "missing",
		Category:       CategoryOther,
		Description:    "x",
		DisputedAmount: 5,
		Currency:       "USD",
	}
	if _, err := f.svc.Create(context.Background(), base); !IsValidation(err) {
		t.Fatalf("expected validation error for unknown order, got %v", err)
	}

	base.OrderID = "order-1"
	base.BuyerID = "buyer-2"
	if _, err := f.svc.Create(context.Background(), base); !IsValidation(err) {
		t.Fatalf("expected validation error for buyer mismatch, got %v", err)
	}

	f.orders.err = errors.New("marketplace down")
	base.BuyerID = "buyer-1"
	_, err := f.svc.Create(context.Background(), base)
	if err == nil || IsValidation(err) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}

func TestServiceCreateSurvivesSchedulerFailure(t *testing.T) {
	f := newFixture(t)
	f.scheduler.err = errors.New("queue full")
	f.notifier.err = errors.New("broker down")
	d := f.create(t, "order-1")
	if _, err := f.store.Get(context.Background(), d.ID); err != nil {
		t.Fatalf("expected dispute persisted, got %v", err)
	}
}

func TestServiceEvidenceResubmission(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, "order-1")
	ctx := context.Background()

	if _, err := f.svc.RequestEvidence(ctx, d.ID, buyer, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected non-admin evidence request forbidden, got %v", err)
	}
	// open cannot go straight to pending_evidence
	if _, err := f.svc.RequestEvidence(ctx, d.ID, admin, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition from open, got %v", err)
	}
	if _, err := f.svc.AssignAdmin(ctx, d.ID, admin, "admin-1"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	f.now = t0.Add(48 * time.Hour)
	got, err := f.svc.RequestEvidence(ctx, d.ID, admin, "need photos")
	if err != nil {
		t.Fatalf("request evidence: %v", err)
	}
	if got.Status != StatusPendingEvidence || !got.ResponseDeadline.Equal(f.now.Add(ResponseWindow)) {
		t.Fatalf("expected pending_evidence with restarted window, got %s %v", got.Status, got.ResponseDeadline)
	}

	if _, err := f.svc.AddEvidence(ctx, d.ID, Actor{ID: "stranger"}, EvidenceParams{Type: "photo", URL: "u"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected stranger forbidden, got %v", err)
	}
	if _, err := f.svc.AddEvidence(ctx, d.ID, buyer, EvidenceParams{Type: "photo"}); !IsValidation(err) {
		t.Fatalf("expected validation error without url, got %v", err)
	}
	got, err = f.svc.AddEvidence(ctx, d.ID, buyer, EvidenceParams{Type: "photo", URL: "https://img/1.jpg", Description: "crack"})
	if err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	if got.Status != StatusUnderReview || len(got.Evidence) != 1 || got.Evidence[0].UploadedBy != "buyer-1" {
		t.Fatalf("expected under_review with evidence, got %s %+v", got.Status, got.Evidence)
	}
}

func TestServiceResolveExecutesEffects(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, "order-1")
	ctx := context.Background()

	if _, err := f.svc.Escalate(ctx, d.ID, buyer, ""); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, buyer, ResolveParams{Decision: DecisionBuyerWins, Reason: "x"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected party resolve forbidden, got %v", err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, admin, ResolveParams{Decision: DecisionBuyerWins, RefundAmount: 90, SellerCompensation: 20, Reason: "x"}); !IsValidation(err) {
		t.Fatalf("expected validation error when split exceeds disputed amount, got %v", err)
	}

	got, err := f.svc.Resolve(ctx, d.ID, admin, ResolveParams{
		Decision:     DecisionPartialRefund,
		RefundAmount: 40,
		Reason:       "partial damage",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.Status != StatusResolved || got.Resolution == nil {
		t.Fatalf("expected resolved, got %s", got.Status)
	}
	if got.Resolution.ResolutionMethod != MethodEscalatedAdmin {
		t.Fatalf("expected escalated_admin method, got %s", got.Resolution.ResolutionMethod)
	}
	if got.Resolution.RefundPercentage != 40 {
		t.Fatalf("expected derived refund percentage 40, got %v", got.Resolution.RefundPercentage)
	}
	if len(f.executor.ids) != 1 || !got.HasCompletedEffect("release") {
		t.Fatalf("expected executor run and reflected in result, got %v %v", f.executor.ids, got.CompletedEffects)
	}

	_, err = f.svc.Resolve(ctx, d.ID, admin, ResolveParams{Decision: DecisionSellerWins, Reason: "again"})
	if !errors.Is(err, ErrResolutionAlreadySet) {
		t.Fatalf("expected ErrResolutionAlreadySet, got %v", err)
	}
}

func TestServiceResolveKeepsResolutionWhenExecutionFails(t *testing.T) {
	f := newFixture(t)
	f.executor.err = errors.New("payments down")
	d := f.create(t, "order-2")

	got, err := f.svc.Resolve(context.Background(), d.ID, admin, ResolveParams{Decision: DecisionSellerWins, SellerCompensation: 100, Reason: "delivered"})
	if err != nil {
		t.Fatalf("resolve should succeed despite executor failure: %v", err)
	}
	if got.Status != StatusResolved || got.Resolution.Decision != DecisionSellerWins {
		t.Fatalf("expected resolution intact, got %s %+v", got.Status, got.Resolution)
	}
	if got.Resolution.ResolutionMethod != MethodAdminManual {
		t.Fatalf("expected admin_manual method, got %s", got.Resolution.ResolutionMethod)
	}
}

func TestServiceReassess(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, "order-2")
	ctx := context.Background()

	if _, err := f.svc.Reassess(ctx, d.ID, buyer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected party reassess forbidden, got %v", err)
	}
	got, err := f.svc.Reassess(ctx, d.ID, admin)
	if err != nil {
		t.Fatalf("reassess: %v", err)
	}
	if got.ID != d.ID || len(f.scheduler.reassessed) != 1 || f.scheduler.reassessed[0] != d.ID {
		t.Fatalf("expected scheduler reassess of %s, got %v", d.ID, f.scheduler.reassessed)
	}

	f.scheduler.err = fmt.Errorf("%w: status open", ErrNotReassessable)
	if _, err := f.svc.Reassess(ctx, d.ID, admin); !errors.Is(err, ErrNotReassessable) {
		t.Fatalf("expected ErrNotReassessable, got %v", err)
	}
	if _, err := NewService(f.store, f.orders, nil, nil).Reassess(ctx, d.ID, admin); !errors.Is(err, ErrNoScheduler) {
		t.Fatalf("expected ErrNoScheduler, got %v", err)
	}
}

func TestServiceReconcile(t *testing.T) {
	f := newFixture(t)
	f.executor.err = errors.New("payments down")
	d := f.create(t, "order-2")
	ctx := context.Background()

	if _, err := f.svc.Resolve(ctx, d.ID, admin, ResolveParams{Decision: DecisionBuyerWins, RefundAmount: 100, Reason: "missing"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := f.svc.Reconcile(ctx, d.ID, admin); !errors.Is(err, ErrNothingToReconcile) {
		t.Fatalf("expected ErrNothingToReconcile before any failure is flagged, got %v", err)
	}

	_, err := f.store.Update(ctx, d.ID, func(d *Dispute) error {
		d.ReconciliationRequired = true
		d.FailedEffects = []string{"refund"}
		return nil
	})
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if _, err := f.svc.Appeal(ctx, d.ID, Actor{ID: "seller-1"}, "refund unfair"); err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if _, err := f.svc.Reconcile(ctx, d.ID, buyer); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected party reconcile forbidden, got %v", err)
	}

	got, err := f.svc.Reconcile(ctx, d.ID, admin)
	if err != nil {
		t.Fatalf("reconcile with executor down: %v", err)
	}
	if !got.ReconciliationRequired {
		t.Fatalf("expected reconciliation still pending while executor fails")
	}

	f.executor.err = nil
	got, err = f.svc.Reconcile(ctx, d.ID, admin)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got.ReconciliationRequired || got.Status != StatusAppealed {
		t.Fatalf("expected cleared reconciliation on appealed dispute, got %v %s", got.ReconciliationRequired, got.Status)
	}
	if n := len(f.executor.ids); n != 3 {
		t.Fatalf("expected 3 executor runs, got %d", n)
	}

	noExec := NewService(f.store, f.orders, nil, nil)
	if _, err := noExec.Reconcile(ctx, d.ID, admin); !errors.Is(err, ErrNoExecutor) {
		t.Fatalf("expected ErrNoExecutor, got %v", err)
	}
}

func TestServiceAppealAndClose(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, "order-1")
	ctx := context.Background()

	if _, err := f.svc.Appeal(ctx, d.ID, buyer, "unfair"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected appeal of open dispute rejected, got %v", err)
	}
	if _, err := f.svc.Resolve(ctx, d.ID, admin, ResolveParams{Decision: DecisionSellerWins, SellerCompensation: 100, Reason: "delivered"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := f.svc.Appeal(ctx, d.ID, admin, "unfair"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected non-party appeal forbidden, got %v", err)
	}
	got, err := f.svc.Appeal(ctx, d.ID, buyer, "unfair")
	if err != nil {
		t.Fatalf("appeal: %v", err)
	}
	if got.Status != StatusAppealed || got.Resolution == nil {
		t.Fatalf("expected appealed with resolution kept, got %s", got.Status)
	}

	got, err = f.svc.Close(ctx, d.ID, admin, "appeal rejected")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if got.Status != StatusClosed || got.ClosedAt == nil {
		t.Fatalf("expected closed, got %s", got.Status)
	}
	if _, err := f.svc.AddMessage(ctx, d.ID, buyer, "hello?"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected messages rejected once closed, got %v", err)
	}
	if err := got.CheckInvariants(); err != nil {
		t.Fatalf("invariants: %v", err)
	}
}

func TestServiceUpdatePriority(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, "order-2")
	ctx := context.Background()

	if _, err := f.svc.UpdatePriority(ctx, d.ID, admin, "critical"); !IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, err := f.svc.UpdatePriority(ctx, d.ID, admin, PriorityUrgent)
	if err != nil {
		t.Fatalf("update priority: %v", err)
	}
	last := got.Timeline[len(got.Timeline)-1]
	if got.Priority != PriorityUrgent || last.Action != TimelinePriorityChanged || last.Metadata["previous"] != string(PriorityMedium) {
		t.Fatalf("expected priority change recorded, got %s %+v", got.Priority, last)
	}
}

func TestServiceEnforceDeadlines(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, "order-1")
	ctx := context.Background()

	kind, err := f.svc.EnforceDeadlines(ctx, d.ID, t0.Add(24*time.Hour))
	if err != nil || kind != DeadlineNone {
		t.Fatalf("expected nothing to enforce, got %s %v", kind, err)
	}

	kind, err = f.svc.EnforceDeadlines(ctx, d.ID, t0.Add(EscalationWindow))
	if err != nil || kind != DeadlineEscalation {
		t.Fatalf("expected escalation, got %s %v", kind, err)
	}
	got, _ := f.svc.Get(ctx, d.ID)
	if got.Status != StatusAdminReview || !got.RequiresManualReview {
		t.Fatalf("expected admin_review with manual review, got %s", got.Status)
	}
	version := got.Version

	kind, err = f.svc.EnforceDeadlines(ctx, d.ID, t0.Add(EscalationWindow+time.Hour))
	if err != nil || kind != DeadlineNone {
		t.Fatalf("expected repeat sweep to be a no-op, got %s %v", kind, err)
	}
	got, _ = f.svc.Get(ctx, d.ID)
	if got.Version != version {
		t.Fatalf("expected no write on no-op sweep, version %d -> %d", version, got.Version)
	}

	if _, err := f.svc.Resolve(ctx, d.ID, admin, ResolveParams{Decision: DecisionSellerWins, SellerCompensation: 100, Reason: "ok"}); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	kind, err = f.svc.EnforceDeadlines(ctx, d.ID, t0.Add(AutoCloseWindow))
	if err != nil || kind != DeadlineAutoClose {
		t.Fatalf("expected auto close, got %s %v", kind, err)
	}
	got, _ = f.svc.Get(ctx, d.ID)
	if got.Status != StatusClosed {
		t.Fatalf("expected closed, got %s", got.Status)
	}
}

func TestMemoryStoreSerializesUpdates(t *testing.T) {
	f := newFixture(t)
	d := f.create(t, "order-1")
	ctx := context.Background()

	const writers = 40
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.AddMessage(ctx, d.ID, buyer, fmt.Sprintf("message %d", i)); err != nil {
				t.Errorf("add message: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, _ := f.store.Get(ctx, d.ID)
	if len(got.Messages) != writers || len(got.Timeline) != writers+1 {
		t.Fatalf("expected %d messages and %d entries, got %d and %d", writers, writers+1, len(got.Messages), len(got.Timeline))
	}
	if got.Version != writers+1 {
		t.Fatalf("expected version %d, got %d", writers+1, got.Version)
	}
}

func TestMemoryStoreUpdateErrorDiscardsChanges(t *testing.T) {
	store := NewMemoryStore()
	d := newTestDispute(t)
	if err := store.Create(context.Background(), d); err != nil {
		t.Fatalf("create: %v", err)
	}
	boom := errors.New("boom")
	_, err := store.Update(context.Background(), d.ID, func(d *Dispute) error {
		d.Status = StatusClosed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	got, _ := store.Get(context.Background(), d.ID)
	if got.Status != StatusOpen || got.Version != 1 {
		t.Fatalf("expected unchanged dispute, got %s v%d", got.Status, got.Version)
	}
	if _, err := store.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
