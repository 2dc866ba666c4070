// Package audit records who did what: staff actions from the API and order
// lifecycle events consumed from Kafka.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ActionFirstLogin = "FIRST_LOGIN"
	ActionLogin      = "LOGIN"
	ActionCreateUser = "CREATE_USER"
	ActionUpdateUser = "UPDATE_USER"
	ActionDeleteUser = "DELETE_USER"
	ActionResend     = "RESEND_CREDENTIALS"
	ActionSettings   = "UPDATE_SETTINGS"
)

type Entry struct {
	ID        int64     `json:"id"`
	UserID    *int64    `json:"user_id,omitempty"`
	Username  string    `json:"username"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	IPAddress string    `json:"ip_address,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type Repo struct{ DB *pgxpool.Pool }

// Record inserts e. Entries carrying an event id are written at most once.
func (r *Repo) Record(ctx context.Context, e Entry) error {
	var eventID any
	if e.EventID != "" {
		eventID = e.EventID
	}
	_, err := r.DB.Exec(ctx, `
		INSERT INTO audit_logs(user_id, username, action, details, ip_address, event_id)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (event_id) DO NOTHING`,
		e.UserID, e.Username, e.Action, e.Details, e.IPAddress, eventID)
	return err
}

// List pages over the log, newest first, and returns the total row count.
func (r *Repo) List(ctx context.Context, limit, offset int) ([]Entry, int, error) {
	var total int
	if err := r.DB.QueryRow(ctx, `SELECT count(*) FROM audit_logs`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.Query(ctx, `
		SELECT id, user_id, username, action, details, ip_address, coalesce(event_id::text, ''), created_at
		FROM audit_logs ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	out := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Username, &e.Action, &e.Details, &e.IPAddress,
			&e.EventID, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}
