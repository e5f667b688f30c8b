package testutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	types "github.com/yungbote/askpdf-backend/internal/domain"
)

func SeedDocument(tb testing.TB, ctx context.Context, tx *gorm.DB, owner uuid.UUID, title string, status types.DocumentStatus) *types.Document {
	tb.Helper()
	doc := &types.Document{
		ID:          uuid.New(),
		UserID:      owner,
		Title:       title,
		StoragePath: owner.String() + "/" + uuid.NewString() + "-" + title,
		Status:      status,
		Metadata:    datatypes.JSON([]byte(`{}`)),
	}
	if err := tx.WithContext(ctx).Create(doc).Error; err != nil {
		tb.Fatalf("seed document: %v", err)
	}
	return doc
}

func SeedThread(tb testing.TB, ctx context.Context, tx *gorm.DB, owner uuid.UUID, documentID *uuid.UUID) *types.ChatThread {
	tb.Helper()
	th := &types.ChatThread{
		ID:         uuid.New(),
		UserID:     owner,
		DocumentID: documentID,
		Title:      "thread",
	}
	if err := tx.WithContext(ctx).Create(th).Error; err != nil {
		tb.Fatalf("seed thread: %v", err)
	}
	return th
}

func SeedChunk(tb testing.TB, ctx context.Context, tx *gorm.DB, doc *types.Document, idx int, content string, vec []float32) *types.DocumentChunk {
	tb.Helper()
	ch := &types.DocumentChunk{
		ID:         uuid.New(),
		DocumentID: doc.ID,
		UserID:     doc.UserID,
		Index:      idx,
		Content:    content,
		Embedding:  pgvector.NewVector(vec),
		Metadata:   datatypes.JSON([]byte(`{"page": 1}`)),
	}
	if err := tx.WithContext(ctx).Create(ch).Error; err != nil {
		tb.Fatalf("seed chunk: %v", err)
	}
	return ch
}
