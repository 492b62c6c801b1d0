package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/esharat1/esharar/internal/credential"
	"github.com/esharat1/esharar/internal/domain"
	"github.com/esharat1/esharar/internal/ledger"
	"github.com/esharat1/esharar/internal/notifier"
	"github.com/esharat1/esharar/internal/ratelimit"
	"github.com/esharat1/esharar/internal/registry"
)

// fakeRegistry is an in-memory registry.Registry for scheduler tests.
type fakeRegistry struct {
	mu      sync.Mutex
	watches []domain.Watch
}

func (f *fakeRegistry) Add(ctx context.Context, subscriberID int64, account string, cred []byte, nickname string) (registry.AddResult, error) {
	return registry.AddResultAdded, nil
}
func (f *fakeRegistry) Remove(ctx context.Context, subscriberID int64, account string) (registry.RemoveResult, error) {
	return registry.RemoveResultRemoved, nil
}
func (f *fakeRegistry) SubscribersOf(ctx context.Context, account string) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var subs []int64
	for _, w := range f.watches {
		if w.Account == account {
			subs = append(subs, w.SubscriberID)
		}
	}
	return subs, nil
}
func (f *fakeRegistry) AllActive(ctx context.Context) ([]domain.Watch, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Watch, len(f.watches))
	copy(out, f.watches)
	return out, nil
}
func (f *fakeRegistry) AdvanceCursor(ctx context.Context, account, signature string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.watches {
		if f.watches[i].Account == account {
			f.watches[i].Cursor = signature
		}
	}
	return nil
}
func (f *fakeRegistry) ReadSetting(ctx context.Context, key, defaultValue string) (string, error) {
	return defaultValue, nil
}
func (f *fakeRegistry) WriteSetting(ctx context.Context, key, value string) error { return nil }
func (f *fakeRegistry) TransferAllTo(ctx context.Context, destSubscriberID int64) (domain.TransferStats, error) {
	return domain.TransferStats{}, nil
}

// fakeLedger is an in-memory ledger.Ledger for scheduler tests.
type fakeLedger struct {
	mu       sync.Mutex
	notified map[string]bool
}

func newFakeLedger() *fakeLedger { return &fakeLedger{notified: make(map[string]bool)} }

func (f *fakeLedger) Claim(ctx context.Context, signature, account string, chatID int64, amount float64, kind domain.TxKind, blockTime time.Time) (ledger.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notified[signature] {
		return ledger.ClaimResultAlreadyClaimed, nil
	}
	f.notified[signature] = true
	return ledger.ClaimResultClaimed, nil
}
func (f *fakeLedger) RecordDust(ctx context.Context, signature, account string, chatID int64, amount float64, blockTime time.Time) (ledger.ClaimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notified[signature] {
		return ledger.ClaimResultAlreadyClaimed, nil
	}
	f.notified[signature] = true
	return ledger.ClaimResultClaimed, nil
}
func (f *fakeLedger) IsNotified(ctx context.Context, signature string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.notified[signature], nil
}

// fakeRPC serves canned signatures/transactions keyed by account/signature.
type fakeRPC struct {
	signatures map[string][]domain.SignatureEntry
	txs        map[string]*domain.RawTransaction
}

func (f *fakeRPC) GetSignaturesForAddress(ctx context.Context, account string, limit int) ([]domain.SignatureEntry, error) {
	return f.signatures[account], nil
}
func (f *fakeRPC) GetTransaction(ctx context.Context, signature string) (*domain.RawTransaction, error) {
	return f.txs[signature], nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published int
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published++
	return nil
}

func newTestController() *ratelimit.Controller {
	return ratelimit.New(ratelimit.Config{}, zerolog.Nop())
}

func newTestCustodian(t *testing.T) *credential.Custodian {
	t.Helper()
	c, err := credential.Load("", t.TempDir()+"/key")
	if err != nil {
		t.Fatalf("load custodian: %v", err)
	}
	return c
}

// TestCheckAccount_FirstPollSeedsCursorWithoutEmitting covers the seed-only
// scenario: the first poll for a newly added watch must not notify anything,
// only establish the cursor.
func TestCheckAccount_FirstPollSeedsCursorWithoutEmitting(t *testing.T) {
	reg := &fakeRegistry{watches: []domain.Watch{{SubscriberID: 1, Account: "acctA", Cursor: "", InceptionTime: time.Now()}}}
	led := newFakeLedger()
	pub := &fakePublisher{}
	rpc := &fakeRPC{signatures: map[string][]domain.SignatureEntry{
		"acctA": {{Signature: "sigNew"}, {Signature: "sigOlder"}},
	}}
	controller := newTestController()
	router := notifier.New(pub, newTestCustodian(t), "notify.broadcast", 99, nil)
	sched := New(Config{}, reg, led, rpc, controller, router, nil, zerolog.Nop())

	groups := groupByAccount(reg.watches)
	sched.checkAccount(context.Background(), groups[0])

	if pub.published != 0 {
		t.Fatalf("expected no notifications on seed poll, got %d", pub.published)
	}
	watches, _ := reg.AllActive(context.Background())
	if watches[0].Cursor != "sigNew" {
		t.Fatalf("expected cursor seeded to newest signature, got %q", watches[0].Cursor)
	}
}

// TestCheckAccount_SteadyState_EmitsOnlyNewSignatures covers the steady-state
// scenario: signatures before the cursor are not re-emitted.
func TestCheckAccount_SteadyState_EmitsOnlyNewSignatures(t *testing.T) {
	reg := &fakeRegistry{watches: []domain.Watch{{SubscriberID: 1, Account: "acctB", Cursor: "sigOld", InceptionTime: time.Now().Add(-time.Hour)}}}
	led := newFakeLedger()
	pub := &fakePublisher{}
	rpc := &fakeRPC{
		signatures: map[string][]domain.SignatureEntry{
			"acctB": {{Signature: "sigNewest"}, {Signature: "sigMiddle"}, {Signature: "sigOld"}},
		},
		txs: map[string]*domain.RawTransaction{
			"sigNewest": {Signature: "sigNewest", AccountKeys: []string{"acctB"}, PreBalances: []int64{0}, PostBalances: []int64{2_000_000_000}},
			"sigMiddle": {Signature: "sigMiddle", AccountKeys: []string{"acctB"}, PreBalances: []int64{0}, PostBalances: []int64{1_000_000_000}},
		},
	}
	controller := newTestController()
	router := notifier.New(pub, newTestCustodian(t), "notify.broadcast", 99, nil)
	sched := New(Config{}, reg, led, rpc, controller, router, nil, zerolog.Nop())

	groups := groupByAccount(reg.watches)
	sched.checkAccount(context.Background(), groups[0])

	if pub.published != 2 {
		t.Fatalf("expected 2 notifications (sigMiddle, sigNewest), got %d", pub.published)
	}
	watches, _ := reg.AllActive(context.Background())
	if watches[0].Cursor != "sigNewest" {
		t.Fatalf("expected cursor advanced to newest signature, got %q", watches[0].Cursor)
	}
}

// TestCheckAccount_DustFiltered confirms a below-threshold transfer records a
// dust row without publishing a notification.
func TestCheckAccount_DustFiltered(t *testing.T) {
	reg := &fakeRegistry{watches: []domain.Watch{{SubscriberID: 1, Account: "acctC", Cursor: "sigOld", InceptionTime: time.Now().Add(-time.Hour)}}}
	led := newFakeLedger()
	pub := &fakePublisher{}
	rpc := &fakeRPC{
		signatures: map[string][]domain.SignatureEntry{
			"acctC": {{Signature: "sigDust"}, {Signature: "sigOld"}},
		},
		txs: map[string]*domain.RawTransaction{
			"sigDust": {Signature: "sigDust", AccountKeys: []string{"acctC"}, PreBalances: []int64{0}, PostBalances: []int64{100}}, // 1e-7 SOL
		},
	}
	controller := newTestController()
	router := notifier.New(pub, newTestCustodian(t), "notify.broadcast", 99, nil)
	sched := New(Config{DustThresholdSOL: 0.0001}, reg, led, rpc, controller, router, nil, zerolog.Nop())

	groups := groupByAccount(reg.watches)
	sched.checkAccount(context.Background(), groups[0])

	if pub.published != 0 {
		t.Fatalf("expected dust transaction to be suppressed, got %d publishes", pub.published)
	}
	notified, _ := led.IsNotified(context.Background(), "sigDust")
	if !notified {
		t.Fatalf("expected dust signature recorded in ledger")
	}
}

// TestCheckAccount_DuplicateAcrossSubscribers_SingleNotification covers two
// subscribers sharing an account: exactly one notification must fire,
// addressed to both (via subscribers list), not one per subscriber.
func TestCheckAccount_DuplicateAcrossSubscribers_SingleNotification(t *testing.T) {
	reg := &fakeRegistry{watches: []domain.Watch{
		{SubscriberID: 1, Account: "acctD", Cursor: "sigOld", InceptionTime: time.Now().Add(-time.Hour)},
		{SubscriberID: 2, Account: "acctD", Cursor: "sigOld", InceptionTime: time.Now().Add(-time.Hour)},
	}}
	led := newFakeLedger()
	pub := &fakePublisher{}
	rpc := &fakeRPC{
		signatures: map[string][]domain.SignatureEntry{
			"acctD": {{Signature: "sigShared"}, {Signature: "sigOld"}},
		},
		txs: map[string]*domain.RawTransaction{
			"sigShared": {Signature: "sigShared", AccountKeys: []string{"acctD"}, PreBalances: []int64{0}, PostBalances: []int64{5_000_000_000}},
		},
	}
	controller := newTestController()
	router := notifier.New(pub, newTestCustodian(t), "notify.broadcast", 99, nil)
	sched := New(Config{}, reg, led, rpc, controller, router, nil, zerolog.Nop())

	groups := groupByAccount(reg.watches)
	if len(groups) != 1 || len(groups[0].watches) != 2 {
		t.Fatalf("expected single account group with 2 watches, got %+v", groups)
	}
	sched.checkAccount(context.Background(), groups[0])

	if pub.published != 1 {
		t.Fatalf("expected exactly one notification across both subscribers, got %d", pub.published)
	}
}

func TestGroupByAccount_CollapsesSharedCursor(t *testing.T) {
	watches := []domain.Watch{
		{SubscriberID: 1, Account: "acctX", Cursor: "sig1"},
		{SubscriberID: 2, Account: "acctX", Cursor: "sig1"},
		{SubscriberID: 3, Account: "acctY", Cursor: "sig2"},
	}
	groups := groupByAccount(watches)
	if len(groups) != 2 {
		t.Fatalf("expected 2 account groups, got %d", len(groups))
	}
}

func TestPartition_RespectsBatchSize(t *testing.T) {
	groups := make([]accountGroup, 10)
	batches := partition(groups, 3)
	if len(batches) != 4 {
		t.Fatalf("expected 4 batches of size <=3, got %d", len(batches))
	}
	total := 0
	for _, b := range batches {
		total += len(b)
	}
	if total != 10 {
		t.Fatalf("expected all 10 groups partitioned, got %d", total)
	}
}
