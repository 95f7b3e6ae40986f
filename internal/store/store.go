package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"quire/api/internal/notify"
	"quire/api/internal/rbac"
)

type Store struct {
	db *DB
}

func New(db *DB) *Store {
	return &Store{db: db}
}

func (s *Store) DB() *DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) UpsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO users (id, name, email)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name, email = excluded.email
	`), user.ID, user.Name, user.Email)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", user.ID, err)
	}
	return nil
}

// CreateOrganization inserts the organization and adds its owner as admin.
func (s *Store) CreateOrganization(ctx context.Context, org Organization) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create organization: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO organizations (id, name, owner_id) VALUES (?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`), org.ID, org.Name, org.OwnerID); err != nil {
		return fmt.Errorf("insert organization %s: %w", org.ID, err)
	}
	if _, err := tx.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO organization_members (organization_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT (organization_id, user_id) DO NOTHING
	`), org.ID, org.OwnerID, string(rbac.RoleAdmin)); err != nil {
		return fmt.Errorf("insert organization owner %s: %w", org.ID, err)
	}
	return tx.Commit()
}

func (s *Store) AddMember(ctx context.Context, orgID, userID string, role rbac.Role) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO organization_members (organization_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT (organization_id, user_id) DO UPDATE SET role = excluded.role
	`), orgID, userID, string(role))
	if err != nil {
		return fmt.Errorf("add member %s to %s: %w", userID, orgID, err)
	}
	return nil
}

func (s *Store) UpsertDocument(ctx context.Context, doc Document) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO documents (id, title, owner_id, organization_id)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, organization_id = excluded.organization_id
	`), doc.ID, doc.Title, doc.OwnerID, nullString(doc.OrganizationID))
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", doc.ID, err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	var doc Document
	var orgID sql.NullString
	err := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT id, title, owner_id, organization_id FROM documents WHERE id = ?
	`), id).Scan(&doc.ID, &doc.Title, &doc.OwnerID, &orgID)
	if err != nil {
		return Document{}, err
	}
	doc.OrganizationID = orgID.String
	return doc, nil
}

// Members returns the audience of a room: the members of the owning
// organization, or just the owner for personal documents. A missing room
// yields sql.ErrNoRows.
func (s *Store) Members(ctx context.Context, roomID string) ([]notify.Member, error) {
	doc, err := s.GetDocument(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("lookup room %s: %w", roomID, err)
	}

	var rows *sql.Rows
	if doc.OrganizationID == "" {
		rows, err = s.db.QueryContext(ctx, s.db.Rebind(`
			SELECT id, name, email FROM users WHERE id = ?
		`), doc.OwnerID)
	} else {
		rows, err = s.db.QueryContext(ctx, s.db.Rebind(`
			SELECT u.id, u.name, u.email
			FROM organization_members m
			JOIN users u ON u.id = m.user_id
			WHERE m.organization_id = ?
			ORDER BY u.id
		`), doc.OrganizationID)
	}
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", roomID, err)
	}
	defer rows.Close()

	var members []notify.Member
	for rows.Next() {
		var m notify.Member
		if err := rows.Scan(&m.UserID, &m.Name, &m.Email); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

// RoomRole reports the role userID holds in a room. Owners are admins;
// anyone else must belong to the owning organization.
func (s *Store) RoomRole(ctx context.Context, roomID, userID string) (rbac.Role, bool, error) {
	doc, err := s.GetDocument(ctx, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup room %s: %w", roomID, err)
	}
	if doc.OwnerID == userID {
		return rbac.RoleAdmin, true, nil
	}
	if doc.OrganizationID == "" {
		return "", false, nil
	}

	var role string
	err = s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT role FROM organization_members WHERE organization_id = ? AND user_id = ?
	`), doc.OrganizationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup role in %s: %w", roomID, err)
	}
	return rbac.Normalize(role), true, nil
}

// UpsertThread writes the record unless a newer version is already
// stored. It reports whether a row changed; replaying the same record is
// harmless.
func (s *Store) UpsertThread(ctx context.Context, record ThreadRecord) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO threads (id, room_id, anchor_from, anchor_to, resolved, comment_count, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			room_id = excluded.room_id,
			anchor_from = excluded.anchor_from,
			anchor_to = excluded.anchor_to,
			resolved = excluded.resolved,
			comment_count = excluded.comment_count,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE threads.updated_at <= excluded.updated_at
	`), record.ID, record.RoomID, record.From, record.To, record.Resolved, record.CommentCount, string(record.Payload), record.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("upsert thread %s: %w", record.ID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert thread %s rows affected: %w", record.ID, err)
	}
	return affected > 0, nil
}

// DeleteThread is a no-op for unknown ids.
func (s *Store) DeleteThread(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM threads WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("delete thread %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete thread %s rows affected: %w", id, err)
	}
	return affected > 0, nil
}

func (s *Store) ListThreads(ctx context.Context, roomID string) ([]ThreadRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT id, room_id, anchor_from, anchor_to, resolved, comment_count, payload, updated_at
		FROM threads
		WHERE room_id = ?
		ORDER BY anchor_from, id
	`), roomID)
	if err != nil {
		return nil, fmt.Errorf("list threads of %s: %w", roomID, err)
	}
	defer rows.Close()

	records := []ThreadRecord{}
	for rows.Next() {
		var record ThreadRecord
		var payload string
		if err := rows.Scan(&record.ID, &record.RoomID, &record.From, &record.To, &record.Resolved, &record.CommentCount, &payload, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		record.Payload = []byte(payload)
		records = append(records, record)
	}
	return records, rows.Err()
}

func nullString(value string) sql.NullString {
	return sql.NullString{String: value, Valid: value != ""}
}

func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM documents`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}
