package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context bundles a request context with an optional GORM transaction.
// Repositories run on Tx when it is set and on their own handle otherwise.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
