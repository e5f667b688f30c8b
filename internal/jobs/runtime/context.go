package runtime

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/askpdf-backend/internal/pkg/ctxutil"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
)

// WorkItem is one unit of background work. Items live only in memory; work
// that must survive a restart is rediscovered from the database.
type WorkItem struct {
	Type       string
	DocumentID uuid.UUID
	UserID     uuid.UUID
	Payload    map[string]any
	EnqueuedAt time.Time
}

// Key identifies the resource an item works on. At most one item per key is
// queued or running at a time.
func (w WorkItem) Key() string {
	return w.DocumentID.String()
}

// Context is the handle a Handler receives for a single run.
type Context struct {
	Ctx  context.Context
	Item WorkItem
	Log  *logger.Logger
}

func NewContext(ctx context.Context, item WorkItem, log *logger.Logger) *Context {
	if item.Payload == nil {
		item.Payload = map[string]any{}
	}
	ctx = ctxutil.WithRequestData(ctx, &ctxutil.RequestData{UserID: item.UserID})
	return &Context{
		Ctx:  ctx,
		Item: item,
		Log:  log.With("job_type", item.Type, "document_id", item.DocumentID, "user_id", item.UserID),
	}
}

func (c *Context) PayloadString(key string) (string, bool) {
	s, ok := c.Item.Payload[key].(string)
	return s, ok && s != ""
}

func (c *Context) PayloadBytes(key string) ([]byte, bool) {
	b, ok := c.Item.Payload[key].([]byte)
	return b, ok && len(b) > 0
}
