package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fathomlab/fathom/internal/models"
)

// TaskRecord is one row of the tasks table. Structured fields are stored as
// JSON text so the same schema works on SQLite and PostgreSQL.
type TaskRecord struct {
	ID          string         `db:"id"`
	Query       string         `db:"query"`
	Status      string         `db:"status"`
	Iteration   int            `db:"iteration"`
	Config      string         `db:"config"`
	Plan        sql.NullString `db:"plan"`
	Evidence    sql.NullString `db:"evidence"`
	Report      sql.NullString `db:"report"`
	Usage       string         `db:"token_usage"`
	Metadata    sql.NullString `db:"metadata"`
	Error       sql.NullString `db:"error"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
}

func recordFromTask(t *models.Task) (*TaskRecord, error) {
	cfg, err := json.Marshal(t.Config)
	if err != nil {
		return nil, fmt.Errorf("encode config: %w", err)
	}
	usage, err := json.Marshal(t.Usage)
	if err != nil {
		return nil, fmt.Errorf("encode usage: %w", err)
	}

	rec := &TaskRecord{
		ID:        t.ID,
		Query:     t.Query,
		Status:    string(t.Status),
		Iteration: t.Iteration,
		Config:    string(cfg),
		Usage:     string(usage),
		CreatedAt: t.CreatedAt.UTC(),
		UpdatedAt: t.UpdatedAt.UTC(),
	}

	if t.Plan != nil {
		if rec.Plan, err = encodeField("plan", t.Plan); err != nil {
			return nil, err
		}
	}
	if len(t.Evidence) > 0 {
		if rec.Evidence, err = encodeField("evidence", t.Evidence); err != nil {
			return nil, err
		}
	}
	if t.Report != nil {
		if rec.Report, err = encodeField("report", t.Report); err != nil {
			return nil, err
		}
	}
	if len(t.Metadata) > 0 {
		if rec.Metadata, err = encodeField("metadata", t.Metadata); err != nil {
			return nil, err
		}
	}
	if t.Error != "" {
		rec.Error = sql.NullString{String: t.Error, Valid: true}
	}
	if t.CompletedAt != nil {
		rec.CompletedAt = sql.NullTime{Time: t.CompletedAt.UTC(), Valid: true}
	}
	return rec, nil
}

// Task rebuilds the in-memory snapshot from a row.
func (r *TaskRecord) Task() (*models.Task, error) {
	t := &models.Task{
		ID:        r.ID,
		Query:     r.Query,
		Status:    models.Status(r.Status),
		Iteration: r.Iteration,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}

	if r.Config != "" {
		if err := json.Unmarshal([]byte(r.Config), &t.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if r.Usage != "" {
		if err := json.Unmarshal([]byte(r.Usage), &t.Usage); err != nil {
			return nil, fmt.Errorf("decode usage: %w", err)
		}
	}
	if r.Plan.Valid {
		t.Plan = &models.Plan{}
		if err := decodeField("plan", r.Plan, t.Plan); err != nil {
			return nil, err
		}
	}
	if err := decodeField("evidence", r.Evidence, &t.Evidence); err != nil {
		return nil, err
	}
	if r.Report.Valid {
		t.Report = &models.Report{}
		if err := decodeField("report", r.Report, t.Report); err != nil {
			return nil, err
		}
	}
	if err := decodeField("metadata", r.Metadata, &t.Metadata); err != nil {
		return nil, err
	}
	if r.Error.Valid {
		t.Error = r.Error.String
	}
	if r.CompletedAt.Valid {
		done := r.CompletedAt.Time
		t.CompletedAt = &done
	}
	return t, nil
}

func encodeField(name string, v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeField(name string, src sql.NullString, dst any) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(src.String), dst); err != nil {
		return fmt.Errorf("decode %s: %w", name, err)
	}
	return nil
}
