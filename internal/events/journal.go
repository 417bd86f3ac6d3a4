package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/whalecopybot/internal/domain"
)

// journalStream is the capped Redis stream every event is appended to.
const journalStream = "events"

// journalChannels maps event types to the pub/sub channel operators
// subscribe to over the WebSocket hub.
var journalChannels = map[Type]string{
	TypeSignalDetected:           "ch:signal",
	TypeSignalSkipped:            "ch:signal",
	TypeSignalExpired:            "ch:signal",
	TypeTradeExecuted:            "ch:trade",
	TypeTradeFailed:              "ch:trade",
	TypeTradeNeedsReconciliation: "ch:trade",
	TypeTradeReconciled:          "ch:trade",
	TypePositionOpened:           "ch:position",
	TypePositionClosed:           "ch:position",
	TypeSharingDisabled:          "ch:whale",
	TypeWhaleStatusChanged:       "ch:whale",
	TypeError:                    "ch:status",
}

// Journal mirrors bus events into Redis: a pub/sub publish per channel
// for live WebSocket fan-out plus an append to the capped event
// stream. Failures are logged and swallowed; the journal is an
// observer, never a gate.
type Journal struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewJournal creates a Journal. Call Attach to start mirroring.
func NewJournal(bus domain.SignalBus, logger *slog.Logger) *Journal {
	return &Journal{
		bus:    bus,
		logger: logger.With(slog.String("component", "event_journal")),
	}
}

// Attach subscribes the journal to every journaled event type.
func (j *Journal) Attach(bus *Bus) error {
	for t := range journalChannels {
		if err := bus.Subscribe(t, j.record); err != nil {
			return err
		}
	}
	return nil
}

func (j *Journal) record(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		j.logger.Error("marshal event", slog.String("event", string(e.Type)), slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ch, ok := journalChannels[e.Type]; ok {
		if err := j.bus.Publish(ctx, ch, payload); err != nil {
			j.logger.Warn("journal publish failed",
				slog.String("event", string(e.Type)),
				slog.String("channel", ch),
				slog.String("error", err.Error()))
		}
	}
	if err := j.bus.StreamAppend(ctx, journalStream, payload); err != nil {
		j.logger.Warn("journal append failed",
			slog.String("event", string(e.Type)),
			slog.String("error", err.Error()))
	}
}
