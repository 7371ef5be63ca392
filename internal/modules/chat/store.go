// README: Conversation participants and message history in PostgreSQL.
package chat

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"tracker/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID types.ID) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM conversation_participants
            WHERE conversation_id = $1 AND user_id = $2
        )`, string(conversationID), string(userID)).Scan(&ok)
	return ok, err
}

func (s *Store) SaveMessage(ctx context.Context, m Message) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO messages (id, conversation_id, sender_id, body, sent_at)
        VALUES ($1, $2, $3, $4, $5)`,
		string(m.ID), string(m.ConversationID), string(m.SenderID), m.Body, m.SentAt)
	return err
}

var _ Repository = (*Store)(nil)
