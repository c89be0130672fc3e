package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/inbox"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	libPostgres "github.com/LerianStudio/lib-courier/courier/postgres"
	sq "github.com/Masterminds/squirrel"
	"github.com/bxcodec/dbresolver/v2"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultTableName is the table created by the bundled migrations.
const DefaultTableName = "inbox_messages"

const uniqueViolation = "23505"

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
)

var columns = []string{
	"id",
	"message_type",
	"content",
	"received_on_utc",
	"processed_on_utc",
	"status",
	"error",
}

// Provider hands out the resolver the store queries through.
type Provider interface {
	Resolver(ctx context.Context) (dbresolver.DB, error)
}

type Option func(*Store)

func WithLogger(logger libLog.Logger) Option {
	return func(store *Store) {
		if !nilcheck.IsNil(logger) {
			store.logger = logger
		}
	}
}

// WithTableName overrides DefaultTableName. "schema.table" is accepted.
func WithTableName(tableName string) Option {
	return func(store *Store) {
		store.tableName = tableName
	}
}

// Store keeps inbox records in PostgreSQL.
type Store struct {
	client    Provider
	logger    libLog.Logger
	tableName string
	table     string
	sb        sq.StatementBuilderType
}

var (
	_ inbox.Store  = (*Store)(nil)
	_ inbox.Lister = (*Store)(nil)
)

func NewStore(client Provider, opts ...Option) (*Store, error) {
	if nilcheck.IsNil(client) {
		return nil, ErrConnectionRequired
	}

	store := &Store{
		client:    client,
		logger:    libLog.NewNop(),
		tableName: DefaultTableName,
		sb:        sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	store.tableName = strings.TrimSpace(store.tableName)
	if store.tableName == "" {
		store.tableName = DefaultTableName
	}

	if err := libPostgres.ValidateIdentifierPath(store.tableName); err != nil {
		return nil, fmt.Errorf("table name %q: %w", store.tableName, err)
	}

	store.table = libPostgres.QuoteIdentifierPath(store.tableName)

	return store, nil
}

// Add inserts record through tx, or directly on the primary when tx is nil.
// An id that is already stored yields inbox.ErrDuplicateMessage.
func (store *Store) Add(ctx context.Context, tx *sql.Tx, record *inbox.Record) error {
	if record == nil {
		return inbox.ErrRecordRequired
	}

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.inbox.add")
	defer span.End()

	query, args, err := store.sb.
		Insert(store.table).
		Columns(columns...).
		Values(
			record.ID,
			record.MessageType,
			nullableContent(record.Content),
			record.ReceivedOnUTC.UTC(),
			nullableTime(record.ProcessedOnUTC),
			record.Status.String(),
			nullableString(record.Error),
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build inbox insert: %w", err)
	}

	var result sql.Result

	if tx != nil {
		result, err = tx.ExecContext(ctx, query, args...)
	} else {
		var db *sql.DB

		if db, err = store.primary(ctx); err != nil {
			libOpentelemetry.HandleSpanError(span, "resolve primary", err)

			return err
		}

		result, err = db.ExecContext(ctx, query, args...)
	}

	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", inbox.ErrDuplicateMessage, record.ID)
		}

		libOpentelemetry.HandleSpanError(span, "insert inbox record", err)

		return fmt.Errorf("insert inbox record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: %s", inbox.ErrDuplicateMessage, record.ID)
	}

	return nil
}

// Get reads id from the primary so a record inserted a moment ago is visible.
func (store *Store) Get(ctx context.Context, id string) (*inbox.Record, error) {
	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.inbox.get")
	defer span.End()

	db, err := store.primary(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve primary", err)

		return nil, err
	}

	query, args, err := store.sb.
		Select(columns...).
		From(store.table).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build inbox select: %w", err)
	}

	record, err := scanRecord(db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", inbox.ErrRecordNotFound, id)
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "get inbox record", err)

		return nil, err
	}

	return record, nil
}

// Update moves the row to record.Status if it still holds the predecessor
// status; otherwise inbox.ErrStateConflict.
func (store *Store) Update(ctx context.Context, record *inbox.Record) error {
	if record == nil {
		return inbox.ErrRecordRequired
	}

	prev, ok := record.Status.Predecessor()
	if !ok {
		return fmt.Errorf("%w: %s has no predecessor", inbox.ErrInvalidTransition, record.Status)
	}

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.inbox.update")
	defer span.End()

	db, err := store.primary(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve primary", err)

		return err
	}

	query, args, err := store.sb.
		Update(store.table).
		Set("status", record.Status.String()).
		Set("processed_on_utc", nullableTime(record.ProcessedOnUTC)).
		Set("error", nullableString(record.Error)).
		Where(sq.Eq{"id": record.ID}).
		Where(sq.Eq{"status": prev.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build inbox update: %w", err)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "update inbox record", err)

		return fmt.Errorf("update inbox record %s: %w", record.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: record %s is missing or not %s", inbox.ErrStateConflict, record.ID, prev)
	}

	return nil
}

// DeleteOlderThan removes Processed rows received before cutoff.
func (store *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.inbox.delete_older_than")
	defer span.End()

	db, err := store.primary(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve primary", err)

		return 0, err
	}

	query, args, err := store.sb.
		Delete(store.table).
		Where(sq.Eq{"status": inbox.StatusProcessed.String()}).
		Where(sq.Lt{"received_on_utc": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build inbox delete: %w", err)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "delete inbox records", err)

		return 0, fmt.Errorf("delete inbox records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return deleted, nil
}

// ListByStatus serves inspection reads through the resolver, oldest first.
func (store *Store) ListByStatus(ctx context.Context, status inbox.Status, limit int) ([]*inbox.Record, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", inbox.ErrInvalidStatus, status)
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.inbox.list_by_status")
	defer span.End()

	resolver, err := store.client.Resolver(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve database", err)

		return nil, fmt.Errorf("resolve database: %w", err)
	}

	query, args, err := store.sb.
		Select(columns...).
		From(store.table).
		Where(sq.Eq{"status": status.String()}).
		OrderBy("received_on_utc", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build inbox select: %w", err)
	}

	rows, err := resolver.QueryContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "list inbox records", err)

		return nil, fmt.Errorf("query inbox records: %w", err)
	}
	defer rows.Close()

	records := make([]*inbox.Record, 0, limit)

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inbox records: %w", err)
	}

	return records, nil
}

func (store *Store) primary(ctx context.Context) (*sql.DB, error) {
	resolver, err := store.client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve database: %w", err)
	}

	return libPostgres.PrimaryDB(resolver)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError

	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*inbox.Record, error) {
	var (
		record    inbox.Record
		content   []byte
		status    string
		processed sql.NullTime
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&record.ID,
		&record.MessageType,
		&content,
		&record.ReceivedOnUTC,
		&processed,
		&status,
		&lastError,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scan inbox record: %w", err)
	}

	parsed, err := inbox.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", record.ID, err)
	}

	record.Status = parsed
	record.Content = content
	record.ReceivedOnUTC = record.ReceivedOnUTC.UTC()

	if processed.Valid {
		at := processed.Time.UTC()
		record.ProcessedOnUTC = &at
	}

	if lastError.Valid {
		record.Error = lastError.String
	}

	return &record, nil
}

func nullableContent(content []byte) any {
	if len(content) == 0 {
		return nil
	}

	return string(content)
}

func nullableTime(value *time.Time) any {
	if value == nil {
		return nil
	}

	return value.UTC()
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}

	return value
}
