package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/yourusername/learncode/internal/repository"
)

// ContactRepository はお問い合わせメッセージを保存します。
type ContactRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewContactRepository は ContactRepository を作成します。
func NewContactRepository(db *sqlx.DB) *ContactRepository {
	return &ContactRepository{db: db, now: time.Now}
}

// Create はメッセージを保存し、採番された ID を msg.ID に設定します。
func (r *ContactRepository) Create(ctx context.Context, msg *repository.ContactMessage) error {
	msg.CreatedAt = r.now().UTC()
	q := r.db.Rebind(`
INSERT INTO contact_messages (name, email, subject, message, created_at)
VALUES (?, ?, ?, ?, ?)
RETURNING id`)
	if err := r.db.QueryRowxContext(ctx, q, msg.Name, msg.Email, msg.Subject, msg.Message, msg.CreatedAt).Scan(&msg.ID); err != nil {
		return fmt.Errorf("insert contact message: %w", err)
	}
	return nil
}

// Recent は新しい順に最大 limit 件を返します。
func (r *ContactRepository) Recent(ctx context.Context, limit int) ([]repository.ContactMessage, error) {
	var msgs []repository.ContactMessage
	q := r.db.Rebind(`SELECT id, name, email, subject, message, created_at FROM contact_messages ORDER BY id DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &msgs, q, limit); err != nil {
		return nil, fmt.Errorf("list contact messages: %w", err)
	}
	return msgs, nil
}
