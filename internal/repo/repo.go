package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"storyforge/internal/db"
	"storyforge/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const foundationColumns = `id,COALESCE(title,''),genre_completed,environment_completed,world_completed,characters_completed,current_stage,
COALESCE(genre_session_id,''),COALESCE(environment_session_id,''),COALESCE(world_session_id,''),COALESCE(character_session_id,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFoundation(row rowScanner) (domain.Foundation, error) {
	var f domain.Foundation
	var stage string
	err := row.Scan(&f.ID, &f.Title,
		&f.Flags.GenreCompleted, &f.Flags.EnvironmentCompleted, &f.Flags.WorldCompleted, &f.Flags.CharactersCompleted,
		&stage,
		&f.Sessions.Genre, &f.Sessions.Environment, &f.Sessions.World, &f.Sessions.Character,
		&f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return f, ErrNotFound
	}
	f.CurrentStage = domain.Stage(stage)
	return f, err
}

func (r Repo) InsertFoundation(ctx context.Context, tx *sql.Tx, f domain.Foundation) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO foundations(id,title,genre_completed,environment_completed,world_completed,characters_completed,current_stage,
genre_session_id,environment_session_id,world_session_id,character_session_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		f.ID, nullable(f.Title), f.Flags.GenreCompleted, f.Flags.EnvironmentCompleted, f.Flags.WorldCompleted, f.Flags.CharactersCompleted,
		string(f.CurrentStage),
		nullable(f.Sessions.Genre), nullable(f.Sessions.Environment), nullable(f.Sessions.World), nullable(f.Sessions.Character),
		f.CreatedAt, f.UpdatedAt)
	return err
}

func (r Repo) GetFoundation(ctx context.Context, id string) (domain.Foundation, error) {
	return r.getFoundation(ctx, r.DB, id)
}

func (r Repo) GetFoundationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Foundation, error) {
	return r.getFoundation(ctx, tx, id)
}

func (r Repo) getFoundation(ctx context.Context, q db.DBTX, id string) (domain.Foundation, error) {
	return scanFoundation(q.QueryRowContext(ctx, `SELECT `+foundationColumns+` FROM foundations WHERE id=?`, id))
}

// ListFoundations returns foundations newest first, optionally after a (created_at, id) cursor.
func (r Repo) ListFoundations(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Foundation, error) {
	var clauses []string
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + foundationColumns + ` FROM foundations ` + where + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Foundation
	for rows.Next() {
		f, err := scanFoundation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, f)
	}
	return res, rows.Err()
}

// UpdateFoundation overwrites every mutable column of f.
func (r Repo) UpdateFoundation(ctx context.Context, tx *sql.Tx, f domain.Foundation) error {
	res, err := tx.ExecContext(ctx, `UPDATE foundations SET title=?, genre_completed=?, environment_completed=?, world_completed=?, characters_completed=?,
current_stage=?, genre_session_id=?, environment_session_id=?, world_session_id=?, character_session_id=?, updated_at=? WHERE id=?`,
		nullable(f.Title), f.Flags.GenreCompleted, f.Flags.EnvironmentCompleted, f.Flags.WorldCompleted, f.Flags.CharactersCompleted,
		string(f.CurrentStage),
		nullable(f.Sessions.Genre), nullable(f.Sessions.Environment), nullable(f.Sessions.World), nullable(f.Sessions.Character),
		f.UpdatedAt, f.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCurrentStage is a plain overwrite of the denormalized stage label.
func (r Repo) SetCurrentStage(ctx context.Context, tx *sql.Tx, id string, st domain.Stage, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE foundations SET current_stage=?, updated_at=? WHERE id=?`, string(st), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteFoundation(ctx context.Context, tx *sql.Tx, id string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM foundations WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertMessage stores m and returns its insertion sequence number.
func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO foundation_messages(id,foundation_id,role,content,created_at) VALUES (?,?,?,?,?)`,
		m.ID, m.FoundationID, string(m.Role), m.Content, m.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListMessages returns messages of a foundation in insertion order. afterSeq
// and limit page forward through the history; zero values return everything.
func (r Repo) ListMessages(ctx context.Context, foundationID string, limit int, afterSeq int64) ([]domain.Message, error) {
	clauses := []string{"foundation_id=?"}
	args := []any{foundationID}
	if afterSeq > 0 {
		clauses = append(clauses, "seq>?")
		args = append(args, afterSeq)
	}
	query := `SELECT seq,id,foundation_id,role,content,created_at FROM foundation_messages WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY seq ASC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Message
	for rows.Next() {
		var m domain.Message
		var role string
		if err := rows.Scan(&m.Seq, &m.ID, &m.FoundationID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) CountMessages(ctx context.Context, foundationID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM foundation_messages WHERE foundation_id=?`, foundationID).Scan(&n)
	return n, err
}

type EventFilters struct {
	FoundationID string
	Type         string
	Limit        int
	Cursor       int64
}

// LatestEvents returns events newest first; Cursor excludes ids at or above it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.FoundationID != "" {
		clauses = append(clauses, "foundation_id=?")
		args = append(args, f.FoundationID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(foundation_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, foundationID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if foundationID != "" {
		clauses = append(clauses, "foundation_id=?")
		args = append(args, foundationID)
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(foundation_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id ASC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.FoundationID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
