package realtime

import (
	"context"

	"github.com/google/uuid"
)

type DocumentStatusEvent struct {
	DocumentID uuid.UUID `json:"document_id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
}

// Notifier delivers document lifecycle events to a user's live connections.
type Notifier interface {
	DocumentStatusChanged(ctx context.Context, userID uuid.UUID, ev DocumentStatusEvent)
}

// LocalNotifier broadcasts straight into this process's hub.
type LocalNotifier struct {
	hub *SSEHub
}

func NewLocalNotifier(hub *SSEHub) *LocalNotifier {
	return &LocalNotifier{hub: hub}
}

func (n *LocalNotifier) DocumentStatusChanged(_ context.Context, userID uuid.UUID, ev DocumentStatusEvent) {
	n.hub.Broadcast(DocumentStatusMessage(userID, ev))
}

func DocumentStatusMessage(userID uuid.UUID, ev DocumentStatusEvent) SSEMessage {
	return SSEMessage{
		Channel: UserChannel(userID),
		Event:   SSEEventDocumentStatusChanged,
		Data:    ev,
	}
}
