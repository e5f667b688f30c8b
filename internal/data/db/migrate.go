package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/askpdf-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(domain.Models()...); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	return ensureIndexes(db)
}

func ensureIndexes(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		return nil
	}
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_document_processing_parser
			ON document (status) WHERE parser_doc_id <> '' AND deleted_at IS NULL;`,
		`CREATE INDEX IF NOT EXISTS idx_chat_message_thread_created
			ON chat_message (thread_id, created_at DESC);`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("ensure index: %w", err)
		}
	}
	return nil
}
