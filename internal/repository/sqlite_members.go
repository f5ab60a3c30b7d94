package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dkeye/Call/internal/domain"
)

// SQLiteMembers implements core.MembershipStore.
type SQLiteMembers struct {
	db *sql.DB
}

func NewSQLiteMembers(db *sql.DB) *SQLiteMembers {
	return &SQLiteMembers{db: db}
}

func (r *SQLiteMembers) IsMember(ctx context.Context, id domain.ConversationID, uid domain.UserID) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		string(id), string(uid),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("query membership: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteMembers) Conversation(ctx context.Context, id domain.ConversationID) (*domain.Conversation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id FROM conversation_members WHERE conversation_id = ? ORDER BY user_id`,
		string(id),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	defer rows.Close()

	conv := &domain.Conversation{ID: id}
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		conv.Members = append(conv.Members, domain.UserID(uid))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	if len(conv.Members) == 0 {
		return nil, fmt.Errorf("%w: conversation %s", domain.ErrNotFound, id)
	}
	return conv, nil
}

// AddMembers inserts members, ignoring the ones already present.
func (r *SQLiteMembers) AddMembers(ctx context.Context, id domain.ConversationID, uids ...domain.UserID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO conversation_members (conversation_id, user_id) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, uid := range uids {
		if err := uid.Validate(); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrBadRequest, err)
		}
		if _, err := stmt.ExecContext(ctx, string(id), string(uid)); err != nil {
			return fmt.Errorf("insert member %s: %w", uid, err)
		}
	}
	return tx.Commit()
}

// RemoveMember drops one participant from a conversation.
func (r *SQLiteMembers) RemoveMember(ctx context.Context, id domain.ConversationID, uid domain.UserID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?`,
		string(id), string(uid),
	)
	if err != nil {
		return fmt.Errorf("delete member: %w", err)
	}
	return nil
}
