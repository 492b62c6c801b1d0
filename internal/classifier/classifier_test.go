package classifier

import (
	"testing"

	"github.com/esharat1/esharar/internal/domain"
)

func TestClassify_Receive(t *testing.T) {
	tx := &domain.RawTransaction{
		Signature:   "sig1",
		AccountKeys: []string{"watched", "other"},
		PreBalances: []int64{1_000_000_000, 2_000_000_000},
		PostBalances: []int64{1_500_000_000, 1_500_000_000},
	}

	event := Classify(tx, "watched")

	if event.Kind != domain.KindReceive {
		t.Fatalf("expected receive, got %s", event.Kind)
	}
	if event.AmountSOL != 0.5 {
		t.Fatalf("expected amount 0.5, got %f", event.AmountSOL)
	}
}

func TestClassify_SendWithCounterparty(t *testing.T) {
	tx := &domain.RawTransaction{
		Signature:    "sig2",
		AccountKeys:  []string{"watched", "other"},
		PreBalances:  []int64{2_000_000_000, 0},
		PostBalances: []int64{1_000_000_000, 990_000_000},
	}

	event := Classify(tx, "watched")

	if event.Kind != domain.KindSend {
		t.Fatalf("expected send, got %s", event.Kind)
	}
	if event.Counterparty != "other" {
		t.Fatalf("expected counterparty 'other', got %q", event.Counterparty)
	}
}

func TestClassify_TradeViaDexProgram(t *testing.T) {
	tx := &domain.RawTransaction{
		Signature:    "sig3",
		AccountKeys:  []string{"watched"},
		ProgramIDs:   []string{"675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"},
		PreBalances:  []int64{1_000_000_000},
		PostBalances: []int64{900_000_000},
	}

	event := Classify(tx, "watched")

	if event.Kind != domain.KindTrade {
		t.Fatalf("expected trade, got %s", event.Kind)
	}
}

func TestClassify_TradeViaTokenSwapHeuristic(t *testing.T) {
	tx := &domain.RawTransaction{
		Signature:         "sig4",
		AccountKeys:       []string{"watched"},
		ProgramIDs:        []string{splTokenProgramID},
		PreBalances:       []int64{1_000_000_000},
		PostBalances:      []int64{1_000_000_000},
		PreTokenBalances:  2,
		PostTokenBalances: 2,
	}

	event := Classify(tx, "watched")

	if event.Kind != domain.KindTrade {
		t.Fatalf("expected trade via token-swap heuristic, got %s", event.Kind)
	}
}

func TestClassify_AccountAbsent(t *testing.T) {
	tx := &domain.RawTransaction{
		Signature:   "sig5",
		AccountKeys: []string{"someone-else"},
	}

	event := Classify(tx, "watched")

	if event.Kind != domain.KindGeneric || event.AmountSOL != 0 {
		t.Fatalf("expected zero generic event, got %+v", event)
	}
}

func TestClassify_IsDeterministic(t *testing.T) {
	tx := &domain.RawTransaction{
		Signature:    "sig6",
		AccountKeys:  []string{"watched", "other"},
		PreBalances:  []int64{1_000_000_000, 0},
		PostBalances: []int64{1_000_500_000, 999_500_000},
	}

	first := Classify(tx, "watched")
	second := Classify(tx, "watched")

	if first != second {
		t.Fatalf("classification is not idempotent: %+v != %+v", first, second)
	}
}

func TestIsDust(t *testing.T) {
	cases := []struct {
		amount    float64
		threshold float64
		want      bool
	}{
		{0.00005, 0.0001, true},
		{-0.00005, 0.0001, true},
		{0.0005, 0.0001, false},
		{0, 0.0001, true},
	}

	for _, c := range cases {
		if got := IsDust(c.amount, c.threshold); got != c.want {
			t.Errorf("IsDust(%v, %v) = %v, want %v", c.amount, c.threshold, got, c.want)
		}
	}
}
