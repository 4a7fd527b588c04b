package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/mbd888/contagion/internal/graph"
	"github.com/mbd888/contagion/internal/idgen"
)

// Emitter turns scoring events into webhook deliveries. It satisfies the
// pipeline's notifier contract. All methods are fire-and-forget: errors are
// logged but never returned.
type Emitter struct {
	d       *Dispatcher
	logger  *slog.Logger
	timeout time.Duration
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger, timeout: 5 * time.Second}
}

func (e *Emitter) emit(eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	event := &Event{
		ID:        idgen.WithPrefix(idgen.PrefixEvent),
		Type:      eventType,
		Timestamp: e.d.now().UTC(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// PublishRiskUpdate emits zone.changed when a rescore moved the account.
func (e *Emitter) PublishRiskUpdate(accountID string, state graph.RiskState, previous graph.Zone) {
	if previous == state.Zone {
		return
	}
	e.emit(EventZoneChanged, map[string]any{
		"accountId":    accountID,
		"zone":         state.Zone,
		"previousZone": previous,
		"riskScore":    state.ContaminationScore,
		"driftScore":   state.DriftScore,
		"hopDistance":  state.HopDistance,
	})
}

// PublishPipelineCompleted emits pipeline.completed with the run summary.
func (e *Emitter) PublishPipelineCompleted(summary map[string]any) {
	e.emit(EventPipelineCompleted, summary)
}
