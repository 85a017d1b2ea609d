package customers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/qustavo/dotsql"

	"github.com/rafaeljc/segmentation/internal/apperrors"
	"github.com/rafaeljc/segmentation/internal/ruleengine"
)

// Store reads customers through a compiled ruleengine.Filter.
type Store struct {
	db       *sqlx.DB
	dot      *dotsql.DotSql
	registry *ruleengine.Registry
	timeout  time.Duration
	columns  string
}

// NewStore returns a Store over db. A zero timeout disables the per-query deadline.
func NewStore(db *sqlx.DB, registry *ruleengine.Registry, timeout time.Duration) (*Store, error) {
	if db == nil {
		panic("customers: database handle cannot be nil")
	}
	if registry == nil {
		panic("customers: registry cannot be nil")
	}

	dot, err := loadQueries()
	if err != nil {
		return nil, err
	}

	return &Store{
		db:       db,
		dot:      dot,
		registry: registry,
		timeout:  timeout,
		columns:  strings.Join(registry.Columns(), ", "),
	}, nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) query(name string, vars map[string]string) (string, error) {
	if vars == nil {
		vars = map[string]string{}
	}
	vars["columns"] = s.columns
	q, err := expand(s.dot, name, vars)
	if err != nil {
		return "", err
	}
	return s.db.Rebind(q), nil
}

// CountTotal counts every customer of a store.
func (s *Store) CountTotal(ctx context.Context, storeID string) (int64, error) {
	q, err := s.query("count-total", nil)
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := s.db.GetContext(ctx, &n, q, storeID); err != nil {
		return 0, apperrors.Infra("customers.count_total", err)
	}
	return n, nil
}

// CountMatching counts the customers of a store selected by f.
func (s *Store) CountMatching(ctx context.Context, storeID string, f ruleengine.Filter) (int64, error) {
	where, args := f.Where()
	q, err := s.query("count-matching", map[string]string{"filter": where})
	if err != nil {
		return 0, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := s.db.GetContext(ctx, &n, q, append([]any{storeID}, args...)...); err != nil {
		return 0, apperrors.Infra("customers.count_matching", err)
	}
	return n, nil
}

// SampleMatching returns up to limit customers selected by f, most recently
// active first.
func (s *Store) SampleMatching(ctx context.Context, storeID string, f ruleengine.Filter, limit int) ([]ruleengine.Record, error) {
	where, args := f.Where()
	q, err := s.query("sample-matching", map[string]string{
		"filter":   where,
		"order_by": s.registry.OrderBy().Column,
	})
	if err != nil {
		return nil, err
	}

	args = append([]any{storeID}, args...)
	args = append(args, limit)
	return s.selectRecords(ctx, "customers.sample_matching", q, args...)
}

// PageCustomers returns up to limit customers with an id greater than
// afterID, ordered by id. An empty afterID starts from the beginning.
func (s *Store) PageCustomers(ctx context.Context, storeID, afterID string, limit int) ([]ruleengine.Record, error) {
	q, err := s.query("page-customers", nil)
	if err != nil {
		return nil, err
	}
	return s.selectRecords(ctx, "customers.page", q, storeID, afterID, limit)
}

// Get loads one customer. It returns apperrors.ErrNotFound when the
// customer does not exist in the store.
func (s *Store) Get(ctx context.Context, storeID, customerID string) (ruleengine.Record, error) {
	q, err := s.query("get-customer", nil)
	if err != nil {
		return ruleengine.Record{}, err
	}

	recs, err := s.selectRecords(ctx, "customers.get", q, storeID, customerID)
	if err != nil {
		return ruleengine.Record{}, err
	}
	if len(recs) == 0 {
		return ruleengine.Record{}, fmt.Errorf("customer %s: %w", customerID, apperrors.ErrNotFound)
	}
	return recs[0], nil
}

func (s *Store) selectRecords(ctx context.Context, op, q string, args ...any) ([]ruleengine.Record, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, apperrors.Infra(op, err)
	}
	defer rows.Close()

	fields := s.registry.Fields()
	var out []ruleengine.Record
	for rows.Next() {
		rec, err := scanRecord(rows, fields)
		if err != nil {
			return nil, apperrors.Infra(op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Infra(op, err)
	}
	return out, nil
}

// Insert writes customers in one transaction. Attributes missing from a
// record are stored as NULL. It is used to seed development and test stores;
// deployed stores are written by the commerce platform.
func (s *Store) Insert(ctx context.Context, storeID string, recs ...ruleengine.Record) error {
	fields := s.registry.Fields()
	q, err := s.query("insert-customer", map[string]string{
		"placeholders": strings.TrimSuffix(strings.Repeat("?, ", len(fields)+2), ", "),
	})
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return apperrors.Infra("customers.insert", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, rec := range recs {
		args := make([]any, 0, len(fields)+2)
		args = append(args, rec.ID, storeID)
		for _, f := range fields {
			args = append(args, columnValue(rec.Attributes[f.Name], f.Type))
		}
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return apperrors.Infra("customers.insert", fmt.Errorf("customer %s: %w", rec.ID, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return apperrors.Infra("customers.insert", err)
	}
	return nil
}

// VerifySchema checks that the customers table exposes every registered
// column. A missing column is a deployment error, not a transient one.
func (s *Store) VerifySchema(ctx context.Context) error {
	q, err := s.query("verify-schema", nil)
	if err != nil {
		return err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return fmt.Errorf("customers table does not match the field registry (%s): %w", s.columns, err)
	}
	return rows.Close()
}

// CreateSchema creates the customers table for the connected driver. It is
// meant for development and test stores.
func (s *Store) CreateSchema(ctx context.Context) error {
	var name string
	switch s.db.DriverName() {
	case "sqlite3":
		name = "create-customers-sqlite"
	case "postgres":
		name = "create-customers-postgres"
	default:
		return fmt.Errorf("unsupported customers driver: %s", s.db.DriverName())
	}

	for _, stmt := range []string{name, "index-customers-activity"} {
		if _, err := s.dot.ExecContext(ctx, s.db, stmt); err != nil {
			return fmt.Errorf("failed to run %s: %w", stmt, err)
		}
	}
	return nil
}

// Ping checks that the customer store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func scanRecord(rows *sqlx.Rows, fields []ruleengine.FieldDescriptor) (ruleengine.Record, error) {
	var id string
	dest := make([]any, 0, len(fields)+1)
	dest = append(dest, &id)
	for _, f := range fields {
		dest = append(dest, scanTarget(f.Type))
	}

	if err := rows.Scan(dest...); err != nil {
		return ruleengine.Record{}, err
	}

	attrs := make(map[string]ruleengine.Value, len(fields))
	for i, f := range fields {
		if v, ok := fromColumn(dest[i+1]); ok {
			attrs[f.Name] = v
		}
	}
	return ruleengine.Record{ID: id, Attributes: attrs}, nil
}

func scanTarget(t ruleengine.SemanticType) any {
	switch t {
	case ruleengine.TypeNumeric:
		return new(sql.NullFloat64)
	case ruleengine.TypeDate:
		return new(sql.NullTime)
	case ruleengine.TypeBoolean:
		return new(sql.NullBool)
	default:
		return new(sql.NullString)
	}
}

func fromColumn(dest any) (ruleengine.Value, bool) {
	switch d := dest.(type) {
	case *sql.NullFloat64:
		return ruleengine.Number(d.Float64), d.Valid
	case *sql.NullTime:
		return ruleengine.Date(d.Time), d.Valid
	case *sql.NullBool:
		return ruleengine.Bool(d.Bool), d.Valid
	case *sql.NullString:
		return ruleengine.Text(d.String), d.Valid
	}
	return ruleengine.Value{}, false
}

// columnValue converts an attribute to a driver value. Invalid or mistyped
// attributes become NULL.
func columnValue(v ruleengine.Value, t ruleengine.SemanticType) any {
	if !v.IsValid() || v.Type() != t || v.Arity() != ruleengine.ArityScalar {
		return nil
	}
	switch t {
	case ruleengine.TypeNumeric:
		return v.Float(0)
	case ruleengine.TypeDate:
		return v.Time(0).UTC()
	case ruleengine.TypeBoolean:
		return v.Truth()
	default:
		return v.Str(0)
	}
}
