package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/google/uuid"
)

const (
	colID             = "id"
	colMonthID        = "month_id"
	colProjectID      = "project_id"
	colAmount         = "amount"
	colTxReference    = "tx_reference"
	colIdempotencyKey = "idempotency_key"
	colCreatedAt      = "created_at"
)

// SQLStore implements Store on database/sql. Queries are built with goqu
// for the configured dialect ("postgres" or "sqlite3").
type SQLStore struct {
	db      *sql.DB
	dialect goqu.DialectWrapper
	now     func() time.Time
}

// NewSQLStore returns a ledger store for db using the named goqu dialect.
func NewSQLStore(db *sql.DB, dialect string) *SQLStore {
	return &SQLStore{
		db:      db,
		dialect: goqu.Dialect(dialect),
		now:     time.Now,
	}
}

func tableFor(kind Kind) (string, error) {
	switch kind {
	case KindRevenue:
		return "revenue_events", nil
	case KindExpense:
		return "expense_events", nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, kind)
	}
}

func nullable(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullable(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// Append implements Store.
func (s *SQLStore) Append(ctx context.Context, e Event) (Event, bool, error) {
	table, err := tableFor(e.Kind)
	if err != nil {
		return Event{}, false, err
	}
	if e.Amount <= 0 {
		return Event{}, false, ErrInvalidAmount
	}
	if e.IdempotencyKey == "" {
		return Event{}, false, fmt.Errorf("%w: idempotency key required", ErrInvalidEvent)
	}
	if _, err := ParseMonth(string(e.MonthID)); err != nil {
		return Event{}, false, err
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = s.now().UTC()

	query, args, err := s.dialect.Insert(table).Prepared(true).
		Rows(goqu.Record{
			colID:             e.ID,
			colMonthID:        string(e.MonthID),
			colProjectID:      nullable(e.ProjectID),
			colAmount:         e.Amount,
			colTxReference:    nullable(e.TxReference),
			colIdempotencyKey: e.IdempotencyKey,
			colCreatedAt:      e.CreatedAt.UnixNano(),
		}).
		OnConflict(goqu.DoNothing()).
		ToSQL()
	if err != nil {
		return Event{}, false, fmt.Errorf("build insert: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Event{}, false, fmt.Errorf("append %s event: %w", e.Kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Event{}, false, fmt.Errorf("append %s event: %w", e.Kind, err)
	}

	stored, err := s.getByKey(ctx, e.Kind, table, e.IdempotencyKey)
	if err != nil {
		return Event{}, false, err
	}
	if n == 0 && !stored.samePayload(e) {
		return stored, false, fmt.Errorf("%w: %s", ErrIdempotencyConflict, e.IdempotencyKey)
	}
	return stored, n == 1, nil
}

func (s *SQLStore) selectEvents(table string) *goqu.SelectDataset {
	return s.dialect.From(table).Prepared(true).
		Select(colID, colMonthID, colProjectID, colAmount, colTxReference, colIdempotencyKey, colCreatedAt)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner, kind Kind) (Event, error) {
	var (
		e         Event
		month     string
		project   sql.NullString
		txRef     sql.NullString
		createdAt int64
	)
	if err := row.Scan(&e.ID, &month, &project, &e.Amount, &txRef, &e.IdempotencyKey, &createdAt); err != nil {
		return Event{}, err
	}
	e.Kind = kind
	e.MonthID = MonthID(month)
	e.ProjectID = fromNullable(project)
	e.TxReference = fromNullable(txRef)
	e.CreatedAt = time.Unix(0, createdAt).UTC()
	return e, nil
}

func (s *SQLStore) getByKey(ctx context.Context, kind Kind, table, key string) (Event, error) {
	query, args, err := s.selectEvents(table).Where(goqu.C(colIdempotencyKey).Eq(key)).ToSQL()
	if err != nil {
		return Event{}, fmt.Errorf("build select: %w", err)
	}
	e, err := scanEvent(s.db.QueryRowContext(ctx, query, args...), kind)
	if errors.Is(err, sql.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("read %s event: %w", kind, err)
	}
	return e, nil
}

// Sums implements Store.
func (s *SQLStore) Sums(ctx context.Context, month MonthID, projectID *string) (Totals, error) {
	var t Totals
	var err error
	if t.Revenue, err = s.sum(ctx, KindRevenue, month, projectID); err != nil {
		return Totals{}, err
	}
	if t.Expense, err = s.sum(ctx, KindExpense, month, projectID); err != nil {
		return Totals{}, err
	}
	return t, nil
}

func (s *SQLStore) sum(ctx context.Context, kind Kind, month MonthID, projectID *string) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	where := goqu.Ex{colMonthID: string(month)}
	if projectID != nil {
		where[colProjectID] = *projectID
	}
	query, args, err := s.dialect.From(table).Prepared(true).
		Select(goqu.COALESCE(goqu.SUM(colAmount), 0)).
		Where(where).
		ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build sum: %w", err)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("sum %s for %s: %w", kind, month, err)
	}
	return total, nil
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, kind Kind, month MonthID) ([]Event, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	query, args, err := s.selectEvents(table).
		Where(goqu.C(colMonthID).Eq(string(month))).
		Order(goqu.C(colCreatedAt).Asc(), goqu.C(colID).Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list %s events: %w", kind, err)
	}
	defer func() { _ = rows.Close() }()

	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
