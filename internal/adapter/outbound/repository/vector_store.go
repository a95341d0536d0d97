package repository

import (
	"context"
	"errors"
	"fmt"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/outbound"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

var _ outbound.VectorStore = (*PostgreSQLVectorStore)(nil)

// PostgreSQLVectorStore keeps one pgvector row per image, keyed by a BIGINT
// image_id with a unique constraint.
type PostgreSQLVectorStore struct {
	pool      *pgxpool.Pool
	table     string
	dimension int
}

// NewPostgreSQLVectorStore creates a store over table. A positive dimension
// is enforced before any row is written.
func NewPostgreSQLVectorStore(pool *pgxpool.Pool, table string, dimension int) *PostgreSQLVectorStore {
	if pool == nil {
		panic("pool cannot be nil")
	}
	return &PostgreSQLVectorStore{
		pool:      pool,
		table:     quoteTable(table),
		dimension: dimension,
	}
}

// quoteTable sanitizes a possibly schema-qualified table name.
func quoteTable(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

// toPgVector narrows a domain vector to the float4 elements pgvector stores.
func toPgVector(v []float64) pgvector.Vector {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return pgvector.NewVector(out)
}

// indexImageIDs converts ids to store keys and remembers which caller ids
// map to each key, so "007" and "7" both resolve to key 7.
func indexImageIDs(ids []valueobject.ImageID) ([]int64, map[int64][]valueobject.ImageID, error) {
	keys := make([]int64, 0, len(ids))
	byKey := make(map[int64][]valueobject.ImageID, len(ids))
	for _, id := range ids {
		key, err := id.Int64()
		if err != nil {
			return nil, nil, err
		}
		if _, seen := byKey[key]; !seen {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], id)
	}
	return keys, byKey, nil
}

func (r *PostgreSQLVectorStore) ExistsBatch(
	ctx context.Context,
	ids []valueobject.ImageID,
) (map[valueobject.ImageID]struct{}, error) {
	found := make(map[valueobject.ImageID]struct{})
	if len(ids) == 0 {
		return found, nil
	}

	keys, byKey, err := indexImageIDs(ids)
	if err != nil {
		return nil, err
	}

	qi := GetQueryInterface(ctx, r.pool)
	rows, err := qi.Query(ctx, "SELECT image_id FROM "+r.table+" WHERE image_id = ANY($1)", keys)
	if err != nil {
		return nil, WrapError(err, "exists batch")
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, WrapError(err, "scan image id")
		}
		for _, caller := range byKey[id] {
			found[caller] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, WrapError(err, "exists batch")
	}
	return found, nil
}

func (r *PostgreSQLVectorStore) ExistsOne(ctx context.Context, id valueobject.ImageID) (bool, error) {
	key, err := id.Int64()
	if err != nil {
		return false, err
	}

	var exists bool
	qi := GetQueryInterface(ctx, r.pool)
	err = qi.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM "+r.table+" WHERE image_id = $1)", key).Scan(&exists)
	if err != nil {
		return false, WrapError(err, "exists one")
	}
	return exists, nil
}

func (r *PostgreSQLVectorStore) validate(record entity.EmbeddingRecord) (int64, error) {
	key, err := record.ImageID.Int64()
	if err != nil {
		return 0, err
	}
	if err := record.Validate(r.dimension); err != nil {
		return 0, err
	}
	return key, nil
}

// UpsertOne inserts or replaces the vector of one image in a single statement.
// On conflict create_time is kept and update_time is reset.
func (r *PostgreSQLVectorStore) UpsertOne(ctx context.Context, record entity.EmbeddingRecord) error {
	key, err := r.validate(record)
	if err != nil {
		return err
	}

	query := `INSERT INTO ` + r.table + ` (image_id, feature_vector, vector_dimension, model_version)
		VALUES ($1, $2::vector, $3, $4)
		ON CONFLICT (image_id) DO UPDATE
		SET feature_vector = EXCLUDED.feature_vector,
			vector_dimension = EXCLUDED.vector_dimension,
			model_version = EXCLUDED.model_version,
			update_time = CURRENT_TIMESTAMP`

	qi := GetQueryInterface(ctx, r.pool)
	if _, err := qi.Exec(ctx, query, key, toPgVector(record.Vector), record.Dimension, record.ModelVersion); err != nil {
		return WrapError(err, "upsert vector")
	}
	return nil
}

// UpsertBatch writes records with one multi-row statement. Rows that cannot be
// encoded are reported in Failed and left out; a statement error fails the
// whole call and nothing is written. A repeated id keeps its last record.
func (r *PostgreSQLVectorStore) UpsertBatch(
	ctx context.Context,
	records []entity.EmbeddingRecord,
) (*outbound.UpsertBatchResult, error) {
	result := outbound.NewUpsertBatchResult()

	position := make(map[int64]int, len(records))
	var (
		keys []int64
		rows []entity.EmbeddingRecord
	)
	for _, record := range records {
		key, err := r.validate(record)
		if err != nil {
			result.Failed[record.ImageID] = err
			continue
		}
		if i, seen := position[key]; seen {
			rows[i] = record
			continue
		}
		position[key] = len(rows)
		keys = append(keys, key)
		rows = append(rows, record)
	}
	if len(rows) == 0 {
		return result, nil
	}

	var sb strings.Builder
	sb.WriteString("INSERT INTO " + r.table + " (image_id, feature_vector, vector_dimension, model_version) VALUES ")
	args := make([]any, 0, len(rows)*4)
	for i, record := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 4
		fmt.Fprintf(&sb, "($%d, $%d::vector, $%d, $%d)", n+1, n+2, n+3, n+4)
		args = append(args, keys[i], toPgVector(record.Vector), record.Dimension, record.ModelVersion)
	}
	sb.WriteString(` ON CONFLICT (image_id) DO UPDATE
		SET feature_vector = EXCLUDED.feature_vector,
			vector_dimension = EXCLUDED.vector_dimension,
			model_version = EXCLUDED.model_version,
			update_time = CURRENT_TIMESTAMP`)

	qi := GetQueryInterface(ctx, r.pool)
	tag, err := qi.Exec(ctx, sb.String(), args...)
	if err != nil {
		return nil, WrapError(err, "upsert batch")
	}
	result.Written = int(tag.RowsAffected())
	return result, nil
}

func (r *PostgreSQLVectorStore) DeleteOne(ctx context.Context, id valueobject.ImageID) error {
	key, err := id.Int64()
	if err != nil {
		return err
	}
	qi := GetQueryInterface(ctx, r.pool)
	if _, err := qi.Exec(ctx, "DELETE FROM "+r.table+" WHERE image_id = $1", key); err != nil {
		return WrapError(err, "delete vector")
	}
	return nil
}

func (r *PostgreSQLVectorStore) DeleteBatch(ctx context.Context, ids []valueobject.ImageID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	keys, err := valueobject.ImageIDsToInt64(ids)
	if err != nil {
		return 0, err
	}

	qi := GetQueryInterface(ctx, r.pool)
	tag, err := qi.Exec(ctx, "DELETE FROM "+r.table+" WHERE image_id = ANY($1)", keys)
	if err != nil {
		return 0, WrapError(err, "delete batch")
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks the connection and that the vector table is queryable.
func (r *PostgreSQLVectorStore) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return WrapError(err, "ping store")
	}
	var one int
	err := r.pool.QueryRow(ctx, "SELECT 1 FROM "+r.table+" LIMIT 1").Scan(&one)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return WrapError(err, "probe vector table")
	}
	return nil
}
