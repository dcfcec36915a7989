package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteTemplateStore reads and syncs templates in the templates and
// template_attrs tables. Templates are owned by another service; Save
// exists to sync them in. Lifecycle operations read templates through
// their Repository so the reads join the operation's transaction.
type SQLiteTemplateStore struct {
	db *sql.DB
}

// NewSQLiteTemplateStore creates a template store over an open database.
func NewSQLiteTemplateStore(db *sql.DB) *SQLiteTemplateStore {
	return &SQLiteTemplateStore{db: db}
}

// GetTemplate implements TemplateStore.
func (s *SQLiteTemplateStore) GetTemplate(ctx context.Context, tenantID, id string) (*Template, error) {
	return getTemplate(ctx, s.db, tenantID, id)
}

func getTemplate(ctx context.Context, q querier, tenantID, id string) (*Template, error) {
	var t Template
	var created string
	err := q.QueryRowContext(ctx,
		"SELECT id, label, created_at FROM templates WHERE tenant = ? AND id = ?", tenantID, id,
	).Scan(&t.ID, &t.Label, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundf("template %s", id)
		}
		return nil, fmt.Errorf("querying template %s: %w", id, mapError(err))
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}

	rows, err := q.QueryContext(ctx,
		`SELECT id, NULL, label, type, value_type, static_value, NULL, NULL, created_at
		 FROM template_attrs WHERE tenant = ? AND template_id = ? ORDER BY id`,
		tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("querying attributes of template %s: %w", id, mapError(err))
	}
	defer rows.Close()

	t.Attrs = []Attribute{}
	for rows.Next() {
		a, err := scanAttr(rows)
		if err != nil {
			return nil, err
		}
		a.TemplateID = id
		t.Attrs = append(t.Attrs, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attributes of template %s: %w", id, err)
	}
	return &t, nil
}

// Save creates or replaces a template and its attribute definitions.
// Device overrides of attributes the template no longer defines are
// deleted in the same transaction. Overrides whose kind no longer fits the
// new definition are dropped when the device is next resolved.
func (s *SQLiteTemplateStore) Save(ctx context.Context, tenantID string, t *Template) error {
	if t.ID == "" {
		return invalidf("template id is required")
	}
	if err := ValidateLabel(t.Label); err != nil {
		return err
	}
	seen := make(map[string]bool, len(t.Attrs))
	for _, a := range t.Attrs {
		if err := ValidateLabel(a.Label); err != nil {
			return fmt.Errorf("template %s attribute: %w", t.ID, err)
		}
		if seen[a.Label] {
			return invalidf("template %s defines attribute %q twice", t.ID, a.Label)
		}
		seen[a.Label] = true
		if _, ok := validAttributeTypes[a.Type]; !ok {
			return invalidf("template %s attribute %q has unknown type %q", t.ID, a.Label, a.Type)
		}
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO templates (tenant, id, label, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (tenant, id) DO UPDATE SET label = excluded.label`,
		tenantID, t.ID, t.Label, formatTime(t.CreatedAt)); err != nil {
		return fmt.Errorf("storing template %s: %w", t.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM template_attrs WHERE tenant = ? AND template_id = ?", tenantID, t.ID); err != nil {
		return fmt.Errorf("clearing attributes of template %s: %w", t.ID, err)
	}
	for i := range t.Attrs {
		a := &t.Attrs[i]
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO template_attrs (tenant, template_id, label, type, value_type, static_value, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tenantID, t.ID, a.Label, string(a.Type), a.ValueType, a.StaticValue, formatTime(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("storing attribute %q of template %s: %w", a.Label, t.ID, err)
		}
		if a.ID, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("reading attribute id: %w", err)
		}
		a.TemplateID = t.ID
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM device_attrs
		 WHERE tenant = ? AND template_id = ?
		   AND label NOT IN (SELECT label FROM template_attrs WHERE tenant = ? AND template_id = ?)`,
		tenantID, t.ID, tenantID, t.ID); err != nil {
		return fmt.Errorf("pruning device overrides of template %s: %w", t.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing template %s: %w", t.ID, err)
	}
	return nil
}
