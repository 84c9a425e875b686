package detect

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbitrageur/internal/book"
	"arbitrageur/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func lvl(price, size string) types.OrderLevel {
	return types.OrderLevel{Price: dec(price), Size: dec(size)}
}

// TestClearArbitrageAccept mirrors scenario 1 in spec.md §8: trade_size 10
// USDC, YES asks [(0.45, 100)], NO asks [(0.50, 100)].
func TestClearArbitrageAccept(t *testing.T) {
	t.Parallel()
	store := book.NewStore(50)
	if err := store.ApplySnapshot("yes", nil, []types.OrderLevel{lvl("0.45", "100")}, 1); err != nil {
		t.Fatal(err)
	}
	if err := store.ApplySnapshot("no", nil, []types.OrderLevel{lvl("0.50", "100")}, 1); err != nil {
		t.Fatal(err)
	}

	pair := types.MarketPair{MarketID: "m1", YesTokenID: "yes", NoTokenID: "no"}
	d := New(store, []types.MarketPair{pair}, dec("10"), nil, discardLogger())

	notifications := make(chan Notification, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go d.Run(ctx, notifications)

	notifications <- Notification{TokenID: "yes"}

	select {
	case opp := <-d.Opportunities():
		if !opp.YesVWAP.Equal(dec("0.45")) {
			t.Errorf("yes_vwap = %s, want 0.45", opp.YesVWAP)
		}
		if !opp.NoVWAP.Equal(dec("0.50")) {
			t.Errorf("no_vwap = %s, want 0.50", opp.NoVWAP)
		}
		wantGross := dec("0.05")
		if opp.ExpectedProfitPerUnit.Sub(wantGross).Abs().GreaterThan(dec("0.000001")) {
			t.Errorf("gross_per_unit = %s, want 0.05", opp.ExpectedProfitPerUnit)
		}
		if opp.TraceID == "" {
			t.Error("expected a trace id to be assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("no opportunity emitted")
	}

	cancel()
	close(notifications)
}

func TestNoOpportunityWhenCrossedOverOne(t *testing.T) {
	t.Parallel()
	store := book.NewStore(50)
	store.ApplySnapshot("yes", nil, []types.OrderLevel{lvl("0.60", "100")}, 1)
	store.ApplySnapshot("no", nil, []types.OrderLevel{lvl("0.60", "100")}, 1)

	pair := types.MarketPair{MarketID: "m1", YesTokenID: "yes", NoTokenID: "no"}
	d := New(store, []types.MarketPair{pair}, dec("10"), nil, discardLogger())

	notifications := make(chan Notification, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, notifications)

	notifications <- Notification{TokenID: "yes"}

	select {
	case opp := <-d.Opportunities():
		t.Fatalf("expected no opportunity, got %+v", opp)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnknownTokenIgnored(t *testing.T) {
	t.Parallel()
	store := book.NewStore(50)
	d := New(store, nil, dec("10"), nil, discardLogger())

	notifications := make(chan Notification, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, notifications)

	notifications <- Notification{TokenID: "ghost"}

	select {
	case opp := <-d.Opportunities():
		t.Fatalf("expected no opportunity for unknown token, got %+v", opp)
	case <-time.After(100 * time.Millisecond):
	}
}
