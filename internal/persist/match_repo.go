package persist

import (
	"context"
	"time"

	"github.com/c45bj/server/internal/game"
)

// MatchRow is one persisted match outcome. Busted players carry value -1,
// mirroring the wire result line.
type MatchRow struct {
	ID         int64
	Lobby      int
	Name1      string
	Value1     int
	Name2      string
	Value2     int
	Winner     string
	Forced     bool
	StartedAt  time.Time
	FinishedAt time.Time
}

// MatchRepo persists finished matches. It satisfies game.Recorder.
type MatchRepo struct {
	db *DB
}

func NewMatchRepo(db *DB) *MatchRepo {
	return &MatchRepo{db: db}
}

func (r *MatchRepo) RecordMatch(ctx context.Context, rec *game.MatchRecord) error {
	_, err := r.db.Pool.Exec(ctx,
		`INSERT INTO matches (lobby, name1, value1, name2, value2, winner, forced, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.Lobby, rec.Name1, rec.Value1, rec.Name2, rec.Value2,
		rec.Winner, rec.Forced, rec.StartedAt, rec.FinishedAt,
	)
	return err
}

// ListRecent returns up to limit matches, newest first.
func (r *MatchRepo) ListRecent(ctx context.Context, limit int) ([]MatchRow, error) {
	rows, err := r.db.Pool.Query(ctx,
		`SELECT id, lobby, name1, value1, name2, value2, winner, forced, started_at, finished_at
		 FROM matches ORDER BY finished_at DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MatchRow
	for rows.Next() {
		var m MatchRow
		if err := rows.Scan(
			&m.ID, &m.Lobby, &m.Name1, &m.Value1, &m.Name2, &m.Value2,
			&m.Winner, &m.Forced, &m.StartedAt, &m.FinishedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
