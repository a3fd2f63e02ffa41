package store

import (
	"context"
	"time"

	"github.com/example/courtkeeper/internal/gateway"
	"github.com/example/courtkeeper/internal/task"
)

// TaskRecord is the persisted shadow of an in-memory task.
type TaskRecord struct {
	ID            string
	Account       string
	Kind          string
	State         string
	Description   string
	Resource      gateway.ResourceKey
	RenewCount    int
	LastSuccessAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Recorder satisfies the engine's persistence hook.
type Recorder struct{ db *DB }

func NewRecorder(d *DB) *Recorder { return &Recorder{db: d} }

// Record upserts the task's current snapshot.
func (r *Recorder) Record(ctx context.Context, info task.Info, resource gateway.ResourceKey) error {
	var lastSuccess *time.Time
	if !info.LastSuccessAt.IsZero() {
		lastSuccess = &info.LastSuccessAt
	}
	return r.db.Exec(ctx, `
INSERT INTO task_records(id,account,kind,state,description,resource_date,start_time,end_time,venue_id,venue_name,renew_count,last_success_at,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
ON CONFLICT (id) DO UPDATE SET
    state=EXCLUDED.state,
    kind=EXCLUDED.kind,
    description=EXCLUDED.description,
    resource_date=EXCLUDED.resource_date,
    start_time=EXCLUDED.start_time,
    end_time=EXCLUDED.end_time,
    venue_id=EXCLUDED.venue_id,
    venue_name=EXCLUDED.venue_name,
    renew_count=EXCLUDED.renew_count,
    last_success_at=EXCLUDED.last_success_at,
    updated_at=now()`,
		info.ID, info.Account, string(info.Kind), string(info.State), info.Description,
		resource.Date, resource.StartTime, resource.EndTime, resource.VenueID, resource.VenueName,
		info.RenewCount, lastSuccess, info.CreatedAt,
	)
}

// Get returns one record by id, or ErrNotFound when no row matches.
func (r *Recorder) Get(ctx context.Context, id string) (TaskRecord, error) {
	row := r.db.QueryRow(ctx, `
SELECT id,account,kind,state,description,resource_date,start_time,end_time,venue_id,venue_name,renew_count,last_success_at,created_at,updated_at
FROM task_records WHERE id=$1`, id)

	var rec TaskRecord
	if err := row.Scan(
		&rec.ID, &rec.Account, &rec.Kind, &rec.State, &rec.Description,
		&rec.Resource.Date, &rec.Resource.StartTime, &rec.Resource.EndTime,
		&rec.Resource.VenueID, &rec.Resource.VenueName,
		&rec.RenewCount, &rec.LastSuccessAt, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return TaskRecord{}, WrapNotFound(err)
	}
	return rec, nil
}

// Forget removes a cleared task's record.
func (r *Recorder) Forget(ctx context.Context, id string) error {
	return r.db.Exec(ctx, `DELETE FROM task_records WHERE id=$1`, id)
}

// MarkInterrupted flags every record left in a live state by a previous
// process as stopped. Workers do not survive a restart; the rows stay
// visible so users know which tasks need recreating.
func (r *Recorder) MarkInterrupted(ctx context.Context) (int, error) {
	rows, err := r.db.Query(ctx, `
UPDATE task_records
SET state=$1, description='interrupted by restart, recreate to resume', updated_at=now()
WHERE state NOT IN ($2,$3)
RETURNING id`, string(task.StateStopped), string(task.StateLost), string(task.StateStopped))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

// List returns records newest first, optionally filtered by account. An
// empty account means all accounts.
func (r *Recorder) List(ctx context.Context, account string) ([]TaskRecord, error) {
	q := `
SELECT id,account,kind,state,description,resource_date,start_time,end_time,venue_id,venue_name,renew_count,last_success_at,created_at,updated_at
FROM task_records`
	args := []any{}
	if account != "" {
		q += ` WHERE account=$1`
		args = append(args, account)
	}
	q += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		if err := rows.Scan(
			&rec.ID, &rec.Account, &rec.Kind, &rec.State, &rec.Description,
			&rec.Resource.Date, &rec.Resource.StartTime, &rec.Resource.EndTime,
			&rec.Resource.VenueID, &rec.Resource.VenueName,
			&rec.RenewCount, &rec.LastSuccessAt, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
