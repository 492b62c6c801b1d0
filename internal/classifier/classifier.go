// Package classifier implements the Transaction Classifier (spec.md §4.5): a
// pure function of a raw transaction and the watched account, producing a
// signed amount, a kind, and — for outgoing transfers — a best-effort
// counterparty. Classification never consults external state (spec.md §4.5
// invariant), so it is pure and trivially idempotent (spec.md §8).
package classifier

import (
	"github.com/esharat1/esharar/internal/domain"
)

const lamportsPerSOL = 1_000_000_000

const splTokenProgramID = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"

// dexProgramIDs is the curated set of known DEX/AMM program ids (spec.md
// §4.5 step 3).
var dexProgramIDs = map[string]struct{}{
	"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8": {}, // Raydium V4
	"9W959DqEETiGZocYWCQPaJ6sBmUzgfxXfqGeTEdp3aQP": {}, // Orca
	"JUP4Fb2cqiRUcaTHdrPC8h2gNsA2ETXiPDD33WcGuJB":  {}, // Jupiter V4
	"JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4":  {}, // Jupiter V6
	"whirLbMiicVdio4qvUfM5KAg6Ct8VwpYzGff3uctyCc":  {}, // Whirlpool (Orca)
	"CAMMCzo5YL8w4VFF8KVHrK22GGUsp5VTaW7grrKgrWqK": {}, // Raydium CLMM
	"PhoeNiXZ8ByJGLkxNfZRnkUfjvmuYqLR89jjFHGqdXY":  {}, // Phoenix
	"MarBmsSgKXdrN1egZf5sqe1TMai9K1rChYNDJgjq7aD":  {}, // Mango Markets
	"5Q544fKrFoe6tsEbD7S8EmxGTJYAKtTVhAW5Q5pge4j1": {}, // GooseFX
	"DjVE6JNiYqPL2QXyCUUh8rNjHrbz9hXHNYt99MQ59qw1": {}, // Orca V1
	"SSwpkEEcbUqx4vtoEByFjSkhKdCT862DNVb52nZg1UZ":  {}, // Saber
	"AMM55ShdkoGRB5jVYPjWzTURSGdQnQ8LbtE4jktMTG8P": {}, // Aldrin AMM
	"EhYXEhg6JT5p2ZnhbRSFzKHigPuKFZuL9EGo7ZtDC5VY": {}, // Serum DEX
	"srmqPvymJeFKQ4zGQed1GFppgkRHL9kaELCbyksJtPX":  {}, // Serum DEX V3
	"22Y43yTVxuUkoRKdm9thyRhQ3SdgQS7c7kB6UNCiaczD": {}, // Meteora
	"LBUZKhRxPF3XUpBCjp4YzTKgLccjZhTSDM9YuVaPwxo":  {}, // Lifinity
	"EewxydAPCCVuNEyrVN68PuSYdQ7wKn27V9Gjeoi8dy3S": {}, // Lifinity V2
}

// Classify derives a domain.Event from a raw transaction for the given
// watched account, per the five-step algorithm in spec.md §4.5.
func Classify(tx *domain.RawTransaction, account string) domain.Event {
	idx := indexOf(tx.AccountKeys, account)
	if idx < 0 {
		return domain.Event{
			Signature: tx.Signature,
			Account:   account,
			Kind:      domain.KindGeneric,
			BlockTime: tx.BlockTime,
		}
	}

	delta := int64(0)
	if idx < len(tx.PreBalances) && idx < len(tx.PostBalances) {
		delta = tx.PostBalances[idx] - tx.PreBalances[idx]
	}
	amountSOL := float64(delta) / lamportsPerSOL

	kind := classifyKind(tx, delta)

	event := domain.Event{
		Signature: tx.Signature,
		Account:   account,
		AmountSOL: amountSOL,
		Kind:      kind,
		BlockTime: tx.BlockTime,
	}

	if kind == domain.KindSend {
		event.Counterparty = findCounterparty(tx, idx)
	}

	return event
}

func classifyKind(tx *domain.RawTransaction, delta int64) domain.TxKind {
	for _, pid := range tx.ProgramIDs {
		if _, ok := dexProgramIDs[pid]; ok {
			return domain.KindTrade
		}
	}

	if containsSPLToken(tx.ProgramIDs) && (tx.PreTokenBalances >= 2 || tx.PostTokenBalances >= 2) {
		return domain.KindTrade
	}

	switch {
	case delta > 0:
		return domain.KindReceive
	case delta < 0:
		return domain.KindSend
	default:
		return domain.KindGeneric
	}
}

func containsSPLToken(programIDs []string) bool {
	for _, pid := range programIDs {
		if pid == splTokenProgramID {
			return true
		}
	}
	return false
}

// findCounterparty returns the first other account whose balance increased,
// or "" if none (spec.md §4.5).
func findCounterparty(tx *domain.RawTransaction, watchedIdx int) string {
	for i := range tx.AccountKeys {
		if i == watchedIdx {
			continue
		}
		if i >= len(tx.PreBalances) || i >= len(tx.PostBalances) {
			continue
		}
		if tx.PostBalances[i]-tx.PreBalances[i] > 0 {
			return tx.AccountKeys[i]
		}
	}
	return ""
}

func indexOf(keys []string, account string) int {
	for i, k := range keys {
		if k == account {
			return i
		}
	}
	return -1
}

// IsDust reports whether amountSOL falls below the configured notification
// threshold (spec.md §4.4b, §8).
func IsDust(amountSOL, thresholdSOL float64) bool {
	abs := amountSOL
	if abs < 0 {
		abs = -abs
	}
	return abs < thresholdSOL
}
