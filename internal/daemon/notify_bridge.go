package daemon

import (
	"context"
	"sync"

	"log/slog"

	"conductor/internal/bus"
	"conductor/internal/logging"
	"conductor/internal/manifest"
	"conductor/internal/notifications"
)

// notifyBridge forwards session lifecycle events from the bus to the push
// notifier. It runs on its own subscription so a slow ntfy endpoint never
// backs up pipeline publishers.
type notifyBridge struct {
	eventBus *bus.Bus
	store    *manifest.Store
	notifier notifications.Service
	logger   *slog.Logger

	sub *bus.Subscription
	wg  sync.WaitGroup
}

func newNotifyBridge(eventBus *bus.Bus, store *manifest.Store, notifier notifications.Service, logger *slog.Logger) *notifyBridge {
	return &notifyBridge{
		eventBus: eventBus,
		store:    store,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "notify-bridge"),
	}
}

// Start subscribes to lifecycle events and begins forwarding them.
func (b *notifyBridge) Start(ctx context.Context) {
	b.sub = b.eventBus.Subscribe("notify-bridge",
		bus.TypeSessionCompleted,
		bus.TypeStageFailed,
		bus.TypeSessionAbandoned,
		bus.TypeOrphanParked,
	)
	b.wg.Add(1)
	go b.loop(ctx)
}

// Stop closes the subscription and waits for in-flight sends.
func (b *notifyBridge) Stop() {
	if b.sub != nil {
		b.sub.Close()
	}
	b.wg.Wait()
}

func (b *notifyBridge) loop(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-b.sub.Events():
			if !ok {
				return
			}
			b.forward(ctx, evt)
		}
	}
}

func (b *notifyBridge) forward(ctx context.Context, evt bus.Event) {
	event, payload := b.translate(ctx, evt)
	if event == "" {
		return
	}
	if err := b.notifier.Publish(ctx, event, payload); err != nil {
		b.logger.Warn("notification send failed",
			logging.String(logging.FieldSessionID, evt.SessionID),
			logging.String("notification_event", string(event)),
			logging.Error(err))
	}
}

// translate maps a bus event onto a notification event and payload. An
// empty event name means the record carries nothing worth pushing.
func (b *notifyBridge) translate(ctx context.Context, evt bus.Event) (notifications.Event, notifications.Payload) {
	switch evt.Type {
	case bus.TypeSessionCompleted:
		payload := notifications.Payload{
			"sessionID": evt.SessionID,
			"label":     b.labelFor(ctx, evt.SessionID),
		}
		if completed, ok := evt.Payload.(bus.SessionCompleted); ok {
			payload["clipURL"] = completed.ClipURL
		}
		return notifications.EventSessionCompleted, payload
	case bus.TypeStageFailed:
		payload := notifications.Payload{
			"sessionID": evt.SessionID,
			"label":     b.labelFor(ctx, evt.SessionID),
		}
		if outcome, ok := evt.Payload.(bus.StageOutcome); ok {
			payload["stage"] = outcome.Stage
			payload["error"] = outcome.Error
		}
		return notifications.EventStageFailed, payload
	case bus.TypeSessionAbandoned:
		payload := notifications.Payload{
			"sessionID": evt.SessionID,
			"label":     b.labelFor(ctx, evt.SessionID),
		}
		if note, ok := evt.Payload.(bus.SessionNote); ok {
			payload["reason"] = note.Reason
		}
		return notifications.EventSessionAbandoned, payload
	case bus.TypeOrphanParked:
		payload := notifications.Payload{
			"file": b.orphanFile(ctx, evt.SessionID),
		}
		if note, ok := evt.Payload.(bus.SessionNote); ok {
			payload["reason"] = note.Reason
		}
		return notifications.EventOrphanParked, payload
	}
	return "", nil
}

// labelFor resolves a session's operator label. A lookup failure degrades
// the message, not the send.
func (b *notifyBridge) labelFor(ctx context.Context, sessionID string) string {
	if b.store == nil || sessionID == "" {
		return ""
	}
	session, err := b.store.Load(ctx, sessionID)
	if err != nil || session == nil {
		return ""
	}
	return session.Label
}

// orphanFile resolves the parked render path, falling back to the session ID.
func (b *notifyBridge) orphanFile(ctx context.Context, sessionID string) string {
	if b.store != nil && sessionID != "" {
		session, err := b.store.Load(ctx, sessionID)
		if err == nil && session != nil && session.RenderFile != "" {
			return session.RenderFile
		}
	}
	return sessionID
}
