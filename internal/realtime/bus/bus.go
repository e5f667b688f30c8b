package bus

import (
	"context"

	"github.com/google/uuid"

	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/realtime"
)

// Bus fans SSE messages out across replicas.
type Bus interface {
	Publish(ctx context.Context, msg realtime.SSEMessage) error
	StartForwarder(ctx context.Context, onMsg func(m realtime.SSEMessage)) error
	Close() error
}

// Notifier publishes document events on the bus; every replica's forwarder
// delivers them to its local hub.
type Notifier struct {
	bus Bus
	log *logger.Logger
}

func NewNotifier(b Bus, log *logger.Logger) *Notifier {
	return &Notifier{bus: b, log: log.With("component", "BusNotifier")}
}

func (n *Notifier) DocumentStatusChanged(ctx context.Context, userID uuid.UUID, ev realtime.DocumentStatusEvent) {
	if err := n.bus.Publish(context.WithoutCancel(ctx), realtime.DocumentStatusMessage(userID, ev)); err != nil {
		n.log.Warn("Publish document status failed", "document_id", ev.DocumentID, "status", ev.Status, "error", err)
	}
}
