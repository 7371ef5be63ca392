// README: Device token store backed by PostgreSQL.
package notify

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

func (s *Store) Tokens(ctx context.Context, userID types.ID) ([]string, error) {
	rows, err := s.db.Query(ctx, `
        SELECT token FROM device_tokens
        WHERE user_id = $1
        ORDER BY updated_at DESC`, string(userID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var tok string
		if err := rows.Scan(&tok); err != nil {
			return nil, err
		}
		out = append(out, tok)
	}
	return out, rows.Err()
}

func (s *Store) Remove(ctx context.Context, userID types.ID, token string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM device_tokens WHERE user_id = $1 AND token = $2`, string(userID), token)
	return err
}
