// Package domain holds the data model shared across the monitoring core:
// watches, cursors, ledger rows, and classified transaction events.
package domain

import "time"

// TxKind classifies a Transaction Event per the classifier's algorithm.
type TxKind string

const (
	KindReceive TxKind = "receive"
	KindSend    TxKind = "send"
	KindTrade   TxKind = "trade"
	KindGeneric TxKind = "generic"
	KindDust    TxKind = "dust"
)

// Watch is the (subscriber, account) relationship: the core's unit of work.
// Invariant: at most one active Watch exists per (SubscriberID, Account) pair.
type Watch struct {
	ID             int64
	SubscriberID   int64
	Account        string // base58 public key
	Credential     []byte // sealed (AEAD) credential blob, opaque to the core
	Nickname       string
	Cursor         string // last processed signature; empty means never polled
	InceptionTime  time.Time
	Active         bool
}

// HasCursor reports whether this watch has completed at least one poll.
func (w Watch) HasCursor() bool {
	return w.Cursor != ""
}

// Event is a derived Transaction Event, per spec.md §3. Not persisted itself —
// only its signature's presence in the ledger is durable.
type Event struct {
	Signature      string
	Account        string
	AmountSOL      float64 // signed lamport delta, converted to SOL
	Kind           TxKind
	BlockTime      time.Time
	Counterparty   string // best-effort, only meaningful for KindSend
}

// Subscriber identifies a chat/user the core dispatches notifications to.
type Subscriber struct {
	ID      int64
	IsAdmin bool
}

// TransferStats reports the outcome of an administrative transfer_all_to.
type TransferStats struct {
	Transferred int
	Skipped     int // already owned by destination subscriber
}

// RawTransaction is the subset of getTransaction's response the classifier
// depends on (spec.md §4.5, §6): account keys, balances, instruction program
// ids, and block time. Decouples the classifier from the RPC library's wire
// types.
type RawTransaction struct {
	Signature         string
	BlockTime         time.Time
	AccountKeys       []string
	ProgramIDs        []string // programId of every top-level instruction
	PreBalances       []int64  // lamports, indexed like AccountKeys
	PostBalances      []int64  // lamports, indexed like AccountKeys
	PreTokenBalances  int      // count of pre-transaction token-balance entries
	PostTokenBalances int      // count of post-transaction token-balance entries
}

// SignatureEntry is one row of getSignaturesForAddress's result.
type SignatureEntry struct {
	Signature string
	BlockTime *int64 // unix seconds, nil if unavailable
}
