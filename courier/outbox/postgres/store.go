package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	libLog "github.com/LerianStudio/lib-courier/courier/log"
	libOpentelemetry "github.com/LerianStudio/lib-courier/courier/opentelemetry"
	"github.com/LerianStudio/lib-courier/courier/outbox"
	libPostgres "github.com/LerianStudio/lib-courier/courier/postgres"
	sq "github.com/Masterminds/squirrel"
	"github.com/bxcodec/dbresolver/v2"
)

// DefaultTableName is the table created by the bundled migrations.
const DefaultTableName = "outbox_messages"

var (
	ErrConnectionRequired  = errors.New("postgres connection is required")
	ErrLimitMustBePositive = errors.New("limit must be greater than zero")
)

var columns = []string{
	"id",
	"message_type",
	"content",
	"occurred_on_utc",
	"created_on_utc",
	"processed_on_utc",
	"status",
	"error",
	"attempts",
}

// Provider hands out the resolver the store queries through.
// *postgres.Client satisfies it.
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

// Store keeps outbox records in PostgreSQL.
type Store struct {
	client    Provider
	logger    libLog.Logger
	tableName string
	table     string
	sb        sq.StatementBuilderType
}

var (
	_ outbox.Store  = (*Store)(nil)
	_ outbox.Lister = (*Store)(nil)
)

// NewStore validates the table name and returns a store over client.
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

// Add inserts record through tx. The caller commits.
func (store *Store) Add(ctx context.Context, tx outbox.Tx, record *outbox.Record) error {
	if tx == nil {
		return outbox.ErrTransactionRequired
	}

	if record == nil {
		return outbox.ErrRecordRequired
	}

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.add")
	defer span.End()

	query, args, err := store.sb.
		Insert(store.table).
		Columns(columns...).
		Values(recordValues(record)...).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox insert: %w", err)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		libOpentelemetry.HandleSpanError(span, "insert outbox record", err)

		return fmt.Errorf("insert outbox record: %w", err)
	}

	return nil
}

// GetUnprocessed reads up to batchSize Pending records from the primary,
// oldest occurrence first.
func (store *Store) GetUnprocessed(ctx context.Context, batchSize int) ([]*outbox.Record, error) {
	if batchSize <= 0 {
		return nil, ErrLimitMustBePositive
	}

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.get_unprocessed")
	defer span.End()

	db, err := store.primary(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve primary", err)

		return nil, err
	}

	records, err := store.selectByStatus(ctx, db.QueryContext, outbox.StatusPending, batchSize)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "select pending outbox records", err)
		libLog.SafeError(store.logger, ctx, "select pending outbox records", err, false)

		return nil, err
	}

	return records, nil
}

// ListByStatus serves inspection reads. It goes through the resolver, so a
// replica answers when one is configured.
func (store *Store) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Record, error) {
	if !status.IsValid() {
		return nil, fmt.Errorf("%w: %q", outbox.ErrInvalidStatus, status)
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.list_by_status")
	defer span.End()

	resolver, err := store.client.Resolver(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve database", err)

		return nil, fmt.Errorf("resolve database: %w", err)
	}

	records, err := store.selectByStatus(ctx, resolver.QueryContext, status, limit)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "list outbox records", err)

		return nil, err
	}

	return records, nil
}

type queryFunc func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func (store *Store) selectByStatus(ctx context.Context, query queryFunc, status outbox.Status, limit int) ([]*outbox.Record, error) {
	statement, args, err := store.sb.
		Select(columns...).
		From(store.table).
		Where(sq.Eq{"status": status.String()}).
		OrderBy("occurred_on_utc", "id").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox select: %w", err)
	}

	rows, err := query(ctx, statement, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox records: %w", err)
	}
	defer rows.Close()

	records := make([]*outbox.Record, 0, limit)

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox records: %w", err)
	}

	return records, nil
}

// Update writes record's outcome. Only a row that is still Pending is
// touched; anything else yields outbox.ErrStateConflict.
func (store *Store) Update(ctx context.Context, record *outbox.Record) error {
	if record == nil {
		return outbox.ErrRecordRequired
	}

	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.update")
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
		Set("attempts", record.Attempts).
		Where(sq.Eq{"id": record.ID.String()}).
		Where(sq.Eq{"status": outbox.StatusPending.String()}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build outbox update: %w", err)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "update outbox record", err)

		return fmt.Errorf("update outbox record %s: %w", record.ID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return fmt.Errorf("%w: record %s is missing or no longer pending", outbox.ErrStateConflict, record.ID)
	}

	return nil
}

// DeleteOlderThan removes Published and Dead rows created before cutoff.
func (store *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	_, tracer, _ := courier.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.outbox.delete_older_than")
	defer span.End()

	db, err := store.primary(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "resolve primary", err)

		return 0, err
	}

	query, args, err := store.sb.
		Delete(store.table).
		Where(sq.Eq{"status": []string{outbox.StatusPublished.String(), outbox.StatusDead.String()}}).
		Where(sq.Lt{"created_on_utc": cutoff.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build outbox delete: %w", err)
	}

	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "delete outbox records", err)

		return 0, fmt.Errorf("delete outbox records: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return deleted, nil
}

func (store *Store) primary(ctx context.Context) (*sql.DB, error) {
	resolver, err := store.client.Resolver(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve database: %w", err)
	}

	return libPostgres.PrimaryDB(resolver)
}

func recordValues(record *outbox.Record) []any {
	return []any{
		record.ID.String(),
		record.MessageType,
		string(record.Content),
		record.OccurredOnUTC.UTC(),
		record.CreatedOnUTC.UTC(),
		nullableTime(record.ProcessedOnUTC),
		record.Status.String(),
		nullableString(record.Error),
		record.Attempts,
	}
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.Record, error) {
	var (
		record    outbox.Record
		status    string
		processed sql.NullTime
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&record.ID,
		&record.MessageType,
		&record.Content,
		&record.OccurredOnUTC,
		&record.CreatedOnUTC,
		&processed,
		&status,
		&lastError,
		&record.Attempts,
	); err != nil {
		return nil, fmt.Errorf("scan outbox record: %w", err)
	}

	parsed, err := outbox.ParseStatus(status)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", record.ID, err)
	}

	record.Status = parsed
	record.OccurredOnUTC = record.OccurredOnUTC.UTC()
	record.CreatedOnUTC = record.CreatedOnUTC.UTC()

	if processed.Valid {
		at := processed.Time.UTC()
		record.ProcessedOnUTC = &at
	}

	if lastError.Valid {
		record.Error = lastError.String
	}

	return &record, nil
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
