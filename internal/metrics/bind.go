package metrics

import (
	"github.com/alanyoungcy/whalecopybot/internal/events"
)

// BindBus subscribes the counters that map one-to-one onto domain
// events. Gauges (queue depth, breaker state, governor budget, proxy
// count) are scraped from component snapshots by the server instead.
func BindBus(bus *events.Bus) error {
	return bus.SubscribeAll([]events.Type{
		events.TypeSignalDetected,
		events.TypeSignalSkipped,
		events.TypeTradeExecuted,
		events.TypeTradeFailed,
		events.TypeTradeReconciled,
	}, func(e events.Event) {
		switch data := e.Data.(type) {
		case events.SignalDetected:
			RecordSignal(string(data.Signal.Source), string(data.Signal.Action))
		case events.SignalSkipped:
			RecordSkip(data.Reason)
		case events.TradeExecuted:
			RecordTrade(string(data.Trade.Exchange), string(data.Trade.Status))
		case events.TradeFailed:
			RecordTrade(string(data.Trade.Exchange), string(data.Trade.Status))
		case events.TradeReconciled:
			RecordReconciliation(data.Outcome)
		}
	})
}
