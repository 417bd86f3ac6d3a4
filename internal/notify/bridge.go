package notify

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/whalecopybot/internal/events"
)

// BindBus subscribes the notifier to the operator-facing domain
// events. Formatting stays here so the senders remain dumb pipes.
func BindBus(bus *events.Bus, n *Notifier) error {
	return bus.SubscribeAll([]events.Type{
		events.TypeTradeExecuted,
		events.TypeTradeFailed,
		events.TypeTradeNeedsReconciliation,
		events.TypePositionClosed,
		events.TypeSharingDisabled,
		events.TypeError,
	}, func(e events.Event) {
		ctx := context.Background()
		switch data := e.Data.(type) {
		case events.TradeExecuted:
			t := data.Trade
			_ = n.Notify(ctx, string(e.Type), "Copy trade filled",
				fmt.Sprintf("%s %s %s qty %.6f @ %.4f (user %d)",
					t.Exchange, t.Side, t.Symbol, t.ExecutedQty, t.ExecutedPrice, t.UserID))
		case events.TradeFailed:
			t := data.Trade
			_ = n.Notify(ctx, string(e.Type), "Copy trade failed",
				fmt.Sprintf("%s %s %s: %s (user %d)",
					t.Exchange, t.Side, t.Symbol, data.Reason, t.UserID))
		case events.TradeNeedsReconciliation:
			t := data.Trade
			_ = n.Notify(ctx, string(e.Type), "Trade needs reconciliation",
				fmt.Sprintf("%s %s %s parked for order lookup (trade %s)",
					t.Exchange, t.Side, t.Symbol, t.ID))
		case events.PositionClosed:
			p := data.Position
			_ = n.Notify(ctx, string(e.Type), "Position closed",
				fmt.Sprintf("%s %s realized PnL %.2f USDT (%s)",
					p.Symbol, p.Side, p.RealizedPnL, p.CloseReason))
		case events.SharingDisabled:
			w := data.Whale
			_ = n.Notify(ctx, string(e.Type), "Whale stopped sharing",
				fmt.Sprintf("%s (%s) no longer shares positions; polling demoted", w.DisplayName, w.Exchange))
		case events.ErrorEvent:
			_ = n.Notify(ctx, string(e.Type), "Component error",
				fmt.Sprintf("%s: %s", data.Component, data.Message))
		}
	})
}
