package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dateLayout = "2006-01-02"

// StudyLogRepo keeps one row per user and calendar day. The day is taken
// from the caller's location.
type StudyLogRepo struct {
	pool *pgxpool.Pool
}

func NewStudyLogRepo(pool *pgxpool.Pool) *StudyLogRepo {
	return &StudyLogRepo{pool: pool}
}

func (r *StudyLogRepo) AddSeconds(ctx context.Context, username string, day time.Time, seconds int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO study_logs (username, day, seconds_studied)
		VALUES ($1, $2::date, $3)
		ON CONFLICT (username, day)
		DO UPDATE SET seconds_studied = study_logs.seconds_studied + EXCLUDED.seconds_studied`,
		username, day.Format(dateLayout), seconds)
	return err
}

// Totals sums seconds per user over days in [from, to). Zero bounds are open.
func (r *StudyLogRepo) Totals(ctx context.Context, from, to time.Time) (map[string]int64, error) {
	var fromArg, toArg *string
	if !from.IsZero() {
		s := from.Format(dateLayout)
		fromArg = &s
	}
	if !to.IsZero() {
		s := to.Format(dateLayout)
		toArg = &s
	}

	rows, err := r.pool.Query(ctx, `
		SELECT username, SUM(seconds_studied)::BIGINT
		FROM study_logs
		WHERE ($1::date IS NULL OR day >= $1::date)
		  AND ($2::date IS NULL OR day < $2::date)
		GROUP BY username`, fromArg, toArg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[string]int64)
	for rows.Next() {
		var username string
		var seconds int64
		if err := rows.Scan(&username, &seconds); err != nil {
			return nil, err
		}
		totals[username] = seconds
	}
	return totals, rows.Err()
}
