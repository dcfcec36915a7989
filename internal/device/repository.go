package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/nerrad567/device-manager/internal/audit"
	"github.com/nerrad567/device-manager/internal/infrastructure/database"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Sort orders accepted by Query.SortBy.
const (
	SortLabel       = "label"
	SortLabelDesc   = "-label"
	SortCreated     = "created"
	SortCreatedDesc = "-created"
)

var sortClauses = map[string]string{
	SortLabel:       "d.label ASC, d.id ASC",
	SortLabelDesc:   "d.label DESC, d.id ASC",
	SortCreated:     "d.created_at ASC, d.id ASC",
	SortCreatedDesc: "d.created_at DESC, d.id ASC",
}

// AttrFilter matches devices whose effective static value for Label equals Value.
type AttrFilter struct {
	Label string
	Value string
}

// Query selects and orders devices of one tenant. Zero fields do not filter.
type Query struct {
	Page    int
	PerPage int
	SortBy  string

	// Label matches as a case-insensitive substring.
	Label string

	// Attrs are ANDed.
	Attrs []AttrFilter

	// AttrTypes are ANDed; each matches an attribute's kind or value_type.
	AttrTypes []string

	TemplateID string
}

// Repository is the only component that touches device storage.
// Every method is scoped to one tenant. Templates are read through it so
// resolution inside a unit of work sees the same snapshot.
type Repository interface {
	TemplateStore

	// FindByID returns ErrNotFound if the device does not exist.
	FindByID(ctx context.Context, tenantID, id string) (*Device, error)

	Exists(ctx context.Context, tenantID, id string) (bool, error)

	// LabelInUse reports whether a device other than exceptID has label.
	LabelInUse(ctx context.Context, tenantID, label, exceptID string) (bool, error)

	// FindPage returns one page of matching devices and the total match count.
	FindPage(ctx context.Context, tenantID string, q Query) ([]Device, int, error)

	// FindIDs returns the ids of every matching device without loading
	// templates or attributes. Paging fields are ignored.
	FindIDs(ctx context.Context, tenantID string, q Query) ([]string, error)

	// Upsert inserts d when d.Revision is zero. Otherwise it updates the
	// row only if the stored revision still equals d.Revision, failing
	// with ErrConflict when it does not. Templates and attributes are
	// replaced wholesale. On success d carries the new revision.
	Upsert(ctx context.Context, tenantID string, d *Device) error

	// Delete returns ErrNotFound if the device does not exist.
	Delete(ctx context.Context, tenantID, id string) error

	// DeleteAll removes every device of the tenant and returns their ids.
	DeleteAll(ctx context.Context, tenantID string) ([]string, error)

	// RecordAudit appends an audit entry.
	RecordAudit(ctx context.Context, entry *audit.AuditLog) error
}

// Store is a Repository that can run a unit of work atomically.
type Store interface {
	Repository

	// WithinTx runs fn against a transactional Repository. The
	// transaction commits when fn returns nil and rolls back otherwise.
	WithinTx(ctx context.Context, fn func(Repository) error) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// SQLiteStore implements Store on SQLite. Writes issued directly on the
// store run in their own transaction.
type SQLiteStore struct {
	sqliteRepository
	db *sql.DB
}

// NewSQLiteStore creates a store over an open, migrated database.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqliteRepository: sqliteRepository{q: db}, db: db}
}

// WithinTx implements Store.
func (s *SQLiteStore) WithinTx(ctx context.Context, fn func(Repository) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", mapError(err))
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	if err := fn(&sqliteRepository{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", mapError(err))
	}
	return nil
}

// Upsert implements Repository.
func (s *SQLiteStore) Upsert(ctx context.Context, tenantID string, d *Device) error {
	return s.WithinTx(ctx, func(r Repository) error { return r.Upsert(ctx, tenantID, d) })
}

// Delete implements Repository.
func (s *SQLiteStore) Delete(ctx context.Context, tenantID, id string) error {
	return s.WithinTx(ctx, func(r Repository) error { return r.Delete(ctx, tenantID, id) })
}

// DeleteAll implements Repository.
func (s *SQLiteStore) DeleteAll(ctx context.Context, tenantID string) ([]string, error) {
	var ids []string
	err := s.WithinTx(ctx, func(r Repository) error {
		var err error
		ids, err = r.DeleteAll(ctx, tenantID)
		return err
	})
	return ids, err
}

type sqliteRepository struct {
	q querier
}

const deviceColumns = "d.id, d.label, d.meta, d.revision, d.created_at, d.updated_at"

func (r *sqliteRepository) FindByID(ctx context.Context, tenantID, id string) (*Device, error) {
	row := r.q.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices d WHERE d.tenant = ? AND d.id = ?", tenantID, id)
	d, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundf("device %s", id)
		}
		return nil, fmt.Errorf("querying device %s: %w", id, mapError(err))
	}
	if err := r.hydrate(ctx, tenantID, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *sqliteRepository) GetTemplate(ctx context.Context, tenantID, id string) (*Template, error) {
	return getTemplate(ctx, r.q, tenantID, id)
}

func (r *sqliteRepository) Exists(ctx context.Context, tenantID, id string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE tenant = ? AND id = ?", tenantID, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking device %s: %w", id, mapError(err))
	}
	return n > 0, nil
}

func (r *sqliteRepository) LabelInUse(ctx context.Context, tenantID, label, exceptID string) (bool, error) {
	var n int
	err := r.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM devices WHERE tenant = ? AND label = ? AND id <> ?", tenantID, label, exceptID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking label: %w", mapError(err))
	}
	return n > 0, nil
}

func (r *sqliteRepository) FindPage(ctx context.Context, tenantID string, q Query) ([]Device, int, error) {
	where, args := buildWhere(tenantID, q)

	var total int
	if err := r.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices d "+where, args...).Scan(&total); err != nil { //nolint:gosec // WHERE uses placeholders only
		return nil, 0, fmt.Errorf("counting devices: %w", mapError(err))
	}

	order, ok := sortClauses[q.SortBy]
	if !ok {
		order = sortClauses[SortLabel]
	}
	page, perPage := max(q.Page, 1), max(q.PerPage, 1)

	rows, err := r.q.QueryContext(ctx, //nolint:gosec // WHERE uses placeholders, ORDER BY comes from a fixed map
		"SELECT "+deviceColumns+" FROM devices d "+where+" ORDER BY "+order+" LIMIT ? OFFSET ?",
		append(args, perPage, (page-1)*perPage)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying devices: %w", mapError(err))
	}
	devices, err := collectDevices(rows)
	if err != nil {
		return nil, 0, err
	}

	// Rows are closed before hydrating: the pool holds a single connection.
	for i := range devices {
		if err := r.hydrate(ctx, tenantID, &devices[i]); err != nil {
			return nil, 0, err
		}
	}
	return devices, total, nil
}

func (r *sqliteRepository) FindIDs(ctx context.Context, tenantID string, q Query) ([]string, error) {
	where, args := buildWhere(tenantID, q)
	order, ok := sortClauses[q.SortBy]
	if !ok {
		order = "d.id ASC"
	}
	rows, err := r.q.QueryContext(ctx, "SELECT d.id FROM devices d "+where+" ORDER BY "+order, args...) //nolint:gosec // See FindPage
	if err != nil {
		return nil, fmt.Errorf("querying device ids: %w", mapError(err))
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning device id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating device ids: %w", err)
	}
	return ids, nil
}

func (r *sqliteRepository) Upsert(ctx context.Context, tenantID string, d *Device) error {
	now := time.Now().UTC()
	meta, err := json.Marshal(d.Meta)
	if err != nil {
		return fmt.Errorf("marshalling meta: %w", err)
	}
	if d.Meta == nil {
		meta = []byte("{}")
	}

	if d.Revision == 0 {
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		_, err := r.q.ExecContext(ctx,
			`INSERT INTO devices (tenant, id, label, meta, revision, created_at, updated_at)
			 VALUES (?, ?, ?, ?, 1, ?, ?)`,
			tenantID, d.ID, d.Label, string(meta), formatTime(d.CreatedAt), formatTime(d.UpdatedAt))
		if err != nil {
			return fmt.Errorf("inserting device %s: %w", d.ID, mapError(err))
		}
	} else {
		res, err := r.q.ExecContext(ctx,
			`UPDATE devices SET label = ?, meta = ?, revision = revision + 1, updated_at = ?
			 WHERE tenant = ? AND id = ? AND revision = ?`,
			d.Label, string(meta), formatTime(now), tenantID, d.ID, d.Revision)
		if err != nil {
			return fmt.Errorf("updating device %s: %w", d.ID, mapError(err))
		}
		if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports rows affected
			exists, err := r.Exists(ctx, tenantID, d.ID)
			if err != nil {
				return err
			}
			if !exists {
				return notFoundf("device %s", d.ID)
			}
			return fmt.Errorf("%w: device %s was modified concurrently", ErrConflict, d.ID)
		}
		d.UpdatedAt = now
	}

	if err := r.replaceTemplates(ctx, tenantID, d); err != nil {
		return err
	}
	if err := r.replaceAttrs(ctx, tenantID, d, now); err != nil {
		return err
	}
	d.Revision++
	return nil
}

func (r *sqliteRepository) replaceTemplates(ctx context.Context, tenantID string, d *Device) error {
	if _, err := r.q.ExecContext(ctx,
		"DELETE FROM device_templates WHERE tenant = ? AND device_id = ?", tenantID, d.ID); err != nil {
		return fmt.Errorf("clearing templates of %s: %w", d.ID, mapError(err))
	}
	for pos, tid := range d.Templates {
		if _, err := r.q.ExecContext(ctx,
			"INSERT INTO device_templates (tenant, device_id, template_id, position) VALUES (?, ?, ?, ?)",
			tenantID, d.ID, tid, pos); err != nil {
			return fmt.Errorf("linking template %s to %s: %w", tid, d.ID, mapError(err))
		}
	}
	return nil
}

func (r *sqliteRepository) replaceAttrs(ctx context.Context, tenantID string, d *Device, now time.Time) error {
	if _, err := r.q.ExecContext(ctx,
		"DELETE FROM device_attrs WHERE tenant = ? AND device_id = ?", tenantID, d.ID); err != nil {
		return fmt.Errorf("clearing attributes of %s: %w", d.ID, mapError(err))
	}
	for i := range d.Attrs {
		a := &d.Attrs[i]
		if a.CreatedAt.IsZero() {
			a.CreatedAt = now
		}
		var key any
		var bits sql.NullInt64
		if a.Key != nil {
			key = a.Key.Sealed
			bits = sql.NullInt64{Int64: int64(a.Key.Bits), Valid: true}
		}
		res, err := r.q.ExecContext(ctx,
			`INSERT INTO device_attrs
			 (id, tenant, device_id, template_id, label, type, value_type, static_value, psk_key, psk_bits, created_at)
			 VALUES (NULLIF(?, 0), ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, tenantID, d.ID, nullable(a.TemplateID), a.Label, string(a.Type), a.ValueType,
			a.StaticValue, key, bits, formatTime(a.CreatedAt))
		if err != nil {
			return fmt.Errorf("storing attribute %q of %s: %w", a.Label, d.ID, mapError(err))
		}
		if a.ID == 0 {
			if a.ID, err = res.LastInsertId(); err != nil {
				return fmt.Errorf("reading attribute id: %w", err)
			}
		}
	}
	return nil
}

func (r *sqliteRepository) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.q.ExecContext(ctx, "DELETE FROM devices WHERE tenant = ? AND id = ?", tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", id, mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // sqlite3 always reports rows affected
		return notFoundf("device %s", id)
	}
	return nil
}

func (r *sqliteRepository) DeleteAll(ctx context.Context, tenantID string) ([]string, error) {
	ids, err := r.FindIDs(ctx, tenantID, Query{})
	if err != nil {
		return nil, err
	}
	if _, err := r.q.ExecContext(ctx, "DELETE FROM devices WHERE tenant = ?", tenantID); err != nil {
		return nil, fmt.Errorf("deleting devices: %w", mapError(err))
	}
	return ids, nil
}

func (r *sqliteRepository) RecordAudit(ctx context.Context, entry *audit.AuditLog) error {
	return audit.NewSQLiteRepository(r.q).Create(ctx, entry)
}

// hydrate loads the template links and owned attribute rows of d.
func (r *sqliteRepository) hydrate(ctx context.Context, tenantID string, d *Device) error {
	rows, err := r.q.QueryContext(ctx,
		"SELECT template_id FROM device_templates WHERE tenant = ? AND device_id = ? ORDER BY position",
		tenantID, d.ID)
	if err != nil {
		return fmt.Errorf("querying templates of %s: %w", d.ID, mapError(err))
	}
	d.Templates = []string{}
	for rows.Next() {
		var tid string
		if err := rows.Scan(&tid); err != nil {
			rows.Close()
			return fmt.Errorf("scanning template link: %w", err)
		}
		d.Templates = append(d.Templates, tid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating templates of %s: %w", d.ID, err)
	}

	rows, err = r.q.QueryContext(ctx,
		`SELECT id, template_id, label, type, value_type, static_value, psk_key, psk_bits, created_at
		 FROM device_attrs WHERE tenant = ? AND device_id = ? ORDER BY id`,
		tenantID, d.ID)
	if err != nil {
		return fmt.Errorf("querying attributes of %s: %w", d.ID, mapError(err))
	}
	defer rows.Close()

	d.Attrs = nil
	for rows.Next() {
		a, err := scanAttr(rows)
		if err != nil {
			return err
		}
		d.Attrs = append(d.Attrs, a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating attributes of %s: %w", d.ID, err)
	}
	return nil
}

func collectDevices(rows *sql.Rows) ([]Device, error) {
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var meta, created, updated string
	if err := row.Scan(&d.ID, &d.Label, &meta, &d.Revision, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &d.Meta); err != nil {
		return nil, fmt.Errorf("decoding meta of %s: %w", d.ID, err)
	}
	var err error
	if d.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &d, nil
}

func scanAttr(row rowScanner) (Attribute, error) {
	var a Attribute
	var templateID, staticValue sql.NullString
	var attrType, created string
	var key []byte
	var bits sql.NullInt64
	if err := row.Scan(&a.ID, &templateID, &a.Label, &attrType, &a.ValueType,
		&staticValue, &key, &bits, &created); err != nil {
		return Attribute{}, fmt.Errorf("scanning attribute: %w", err)
	}
	a.TemplateID = templateID.String
	a.Type = AttributeType(attrType)
	if staticValue.Valid {
		v := staticValue.String
		a.StaticValue = &v
	}
	if bits.Valid {
		a.Key = &PSKKey{Bits: int(bits.Int64), Sealed: key}
	}
	var err error
	if a.CreatedAt, err = parseTime(created); err != nil {
		return Attribute{}, err
	}
	return a, nil
}

// buildWhere renders the filter for devices aliased as d.
func buildWhere(tenantID string, q Query) (string, []any) {
	conds := []string{"d.tenant = ?"}
	args := []any{tenantID}

	if q.Label != "" {
		conds = append(conds, `fold(d.label) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(database.Fold(q.Label))+"%")
	}

	if q.TemplateID != "" {
		conds = append(conds, `EXISTS (SELECT 1 FROM device_templates dt
			WHERE dt.tenant = d.tenant AND dt.device_id = d.id AND dt.template_id = ?)`)
		args = append(args, q.TemplateID)
	}

	// An attribute's effective static value is the device row's value
	// (local or override) or, absent an override, the template default.
	for _, f := range q.Attrs {
		conds = append(conds, `(EXISTS (SELECT 1 FROM device_attrs da
				WHERE da.tenant = d.tenant AND da.device_id = d.id
				AND da.label = ? AND da.static_value = ?)
			OR EXISTS (SELECT 1 FROM device_templates dt
				JOIN template_attrs ta ON ta.tenant = dt.tenant AND ta.template_id = dt.template_id
				WHERE dt.tenant = d.tenant AND dt.device_id = d.id
				AND ta.label = ? AND ta.static_value = ?
				AND NOT EXISTS (SELECT 1 FROM device_attrs o
					WHERE o.tenant = d.tenant AND o.device_id = d.id
					AND o.template_id = ta.template_id AND o.label = ta.label
					AND o.static_value IS NOT NULL)))`)
		args = append(args, f.Label, f.Value, f.Label, f.Value)
	}

	for _, t := range q.AttrTypes {
		conds = append(conds, `(EXISTS (SELECT 1 FROM device_attrs da
				WHERE da.tenant = d.tenant AND da.device_id = d.id AND da.template_id IS NULL
				AND (da.type = ? OR da.value_type = ?))
			OR EXISTS (SELECT 1 FROM device_templates dt
				JOIN template_attrs ta ON ta.tenant = dt.tenant AND ta.template_id = dt.template_id
				WHERE dt.tenant = d.tenant AND dt.device_id = d.id
				AND (ta.type = ? OR ta.value_type = ?)))`)
		args = append(args, t, t, t, t)
	}

	return "WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// mapError translates SQLite lock and constraint errors into domain errors.
func mapError(err error) error {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch {
	case se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked:
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
		if strings.Contains(se.Error(), "devices.label") {
			return fmt.Errorf("%w: %w", ErrLabelInUse, err)
		}
		if strings.Contains(se.Error(), "devices.id") {
			return fmt.Errorf("%w: %w", ErrDeviceExists, err)
		}
		return fmt.Errorf("%w: %w", ErrConflict, err)
	case se.ExtendedCode == sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
