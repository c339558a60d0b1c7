package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/atmx/parimutuel-ledger/internal/ledger"
	"github.com/atmx/parimutuel-ledger/internal/metrics"
	"github.com/atmx/parimutuel-ledger/internal/model"
)

// AccountView projects a ledger account into the read model.
func AccountView(id ledger.Identity, a ledger.Account, seq uint64) *model.AccountView {
	v := &model.AccountView{
		Identity:    string(id),
		Balance:     a.Balance.Decimal(),
		Initialized: a.Initialized,
		Bets:        len(a.Bets),
		Seq:         seq,
	}
	for _, b := range a.Bets {
		if !b.Claimed {
			v.Unclaimed++
		}
	}
	return v
}

// MarketView projects a ledger market into the read model.
func MarketView(m ledger.Market, seq uint64) *model.MarketView {
	status := model.StatusOpen
	switch m.Status {
	case ledger.StatusResolvedYes:
		status = model.StatusResolvedYes
	case ledger.StatusResolvedNo:
		status = model.StatusResolvedNo
	}
	return &model.MarketView{
		ID:          m.ID,
		Creator:     string(m.Creator),
		Description: m.Description,
		YesPool:     m.YesPool.Decimal(),
		NoPool:      m.NoPool.Decimal(),
		TotalPool:   m.TotalPool(),
		YesBettors:  len(m.YesBettors),
		NoBettors:   len(m.NoBettors),
		Status:      status,
		CreatedAt:   m.CreatedAt,
		Seq:         seq,
	}
}

// project refreshes the views an action can have touched. The journal is
// already durable, so a failed projection is logged and left for the next
// rebuild.
func (e *Engine) project(ctx context.Context, caller ledger.Identity, marketID uint64, hasMarket bool) {
	if a, ok := e.state.Account(caller); ok {
		if err := e.store.PutAccount(ctx, AccountView(caller, a, e.seq)); err != nil {
			slog.Error("project account failed", "identity", caller, "seq", e.seq, "err", err)
		}
	}
	if !hasMarket {
		return
	}
	if m, ok := e.state.Market(marketID); ok {
		if err := e.store.PutMarket(ctx, MarketView(m, e.seq)); err != nil {
			slog.Error("project market failed", "market_id", marketID, "seq", e.seq, "err", err)
		}
	}
}

// rebuildProjections replaces the read model with views of the live state.
func (e *Engine) rebuildProjections(ctx context.Context) error {
	if err := e.store.ResetProjections(ctx); err != nil {
		return fmt.Errorf("engine: reset projections: %w", err)
	}
	for _, id := range e.state.Identities() {
		a, _ := e.state.Account(id)
		if err := e.store.PutAccount(ctx, AccountView(id, a, e.seq)); err != nil {
			return fmt.Errorf("engine: project account %s: %w", id, err)
		}
	}
	open := 0
	for _, id := range e.state.MarketIDs() {
		m, _ := e.state.Market(id)
		if m.Status == ledger.StatusOpen {
			open++
		}
		if err := e.store.PutMarket(ctx, MarketView(m, e.seq)); err != nil {
			return fmt.Errorf("engine: project market %d: %w", id, err)
		}
	}
	metrics.OpenMarkets.Set(float64(open))
	return nil
}

// observe updates the domain gauges for an accepted action.
func observe(a ledger.Action) {
	switch a := a.(type) {
	case ledger.CreateMarket:
		metrics.OpenMarkets.Inc()
	case ledger.ResolveMarket:
		metrics.OpenMarkets.Dec()
	case ledger.PlaceBet:
		metrics.StakedVolume.WithLabelValues(a.Side.String()).Add(a.Amount.Decimal().InexactFloat64())
	}
}
