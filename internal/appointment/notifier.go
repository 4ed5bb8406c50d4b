package appointment

import (
	"context"

	"github.com/rs/zerolog"
)

// Notifier is the notification collaborator. Delivery, retries beyond the
// outbox re-poll, and templating are entirely its problem; the engine only
// hands it events.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier writes events to the log. It stands in for a real delivery
// channel in development and in deployments without one.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	n.Log.Info().
		Int64("event_id", ev.ID).
		Int64("appointment_id", ev.AppointmentID).
		Str("event_type", ev.EventType).
		RawJSON("payload", payloadOrNull(ev.Payload)).
		Msg("appointment event")
	return nil
}

func payloadOrNull(p []byte) []byte {
	if len(p) == 0 {
		return []byte("null")
	}
	return p
}
