package repository

import (
	"errors"
	"fmt"
	"imgvec/internal/config"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/valueobject"
	"io/fs"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{name: "no rows", err: pgx.ErrNoRows, target: ErrNotFound},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, target: ErrConstraintViolation},
		{name: "not null violation", err: &pgconn.PgError{Code: "23502"}, target: ErrConstraintViolation},
		{name: "connection exception", err: &pgconn.PgError{Code: "08006"}, target: ErrConnectionFailed},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, target: ErrConnectionFailed},
		{name: "missing table", err: &pgconn.PgError{Code: "42P01"}, target: ErrUndefinedTable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := WrapError(tt.err, "upsert vector")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), "upsert vector failed")
		})
	}

	assert.NoError(t, WrapError(nil, "noop"))

	plain := errors.New("syntax error")
	wrapped := WrapError(plain, "exists batch")
	assert.ErrorIs(t, wrapped, plain)
	assert.Equal(t, "exists batch failed: syntax error", wrapped.Error())
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(&pgconn.PgError{Code: ""}))
	assert.True(t, IsConnectionError(fmt.Errorf("context: %w", ErrConnectionFailed)))
}

func TestQuoteTable(t *testing.T) {
	assert.Equal(t, `"tb_hsx_img_value"`, quoteTable("tb_hsx_img_value"))
	assert.Equal(t, `"ecai"."tb_image"`, quoteTable("ecai.tb_image"))
	assert.Equal(t, `"odd""name"`, quoteTable(`odd"name`))
}

func TestToPgVector(t *testing.T) {
	v := toPgVector([]float64{0.5, -1, 2.25})
	assert.Equal(t, []float32{0.5, -1, 2.25}, v.Slice())
}

func TestVectorStoreValidate(t *testing.T) {
	store := &PostgreSQLVectorStore{dimension: 3}

	ok, err := entity.NewEmbeddingRecord("42", []float64{1, 2, 3}, "m")
	require.NoError(t, err)
	key, err := store.validate(ok)
	require.NoError(t, err)
	assert.Equal(t, int64(42), key)

	wrongDim, err := entity.NewEmbeddingRecord("43", []float64{1, 2}, "m")
	require.NoError(t, err)
	_, err = store.validate(wrongDim)
	assert.ErrorContains(t, err, "expected 3, got 2")

	nonNumeric, err := entity.NewEmbeddingRecord("abc", []float64{1, 2, 3}, "m")
	require.NoError(t, err)
	_, err = store.validate(nonNumeric)
	assert.ErrorContains(t, err, "not numeric")
}

func TestMigrationURL(t *testing.T) {
	cfg := config.DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Name: "imgvec", SSLMode: "disable", Schema: "public",
	}
	assert.Equal(t, "pgx5://u:p@db:5432/imgvec?sslmode=disable", MigrationURL(cfg))

	cfg.Schema = "ecai"
	assert.Equal(t, "pgx5://u:p@db:5432/imgvec?sslmode=disable&search_path=ecai", MigrationURL(cfg))
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	require.NoError(t, err)
	assert.Contains(t, names, "migrations/000001_create_vector_table.up.sql")
	assert.Contains(t, names, "migrations/000001_create_vector_table.down.sql")
	assert.Zero(t, len(names)%2, "every migration needs an up and a down file")

	up, err := fs.ReadFile(migrationFS, "migrations/000001_create_vector_table.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), "image_id BIGINT NOT NULL UNIQUE")
}

func TestStats_NilPool(t *testing.T) {
	assert.Equal(t, PoolStats{}, Stats(nil))
}

func TestIndexImageIDs(t *testing.T) {
	keys, byKey, err := indexImageIDs([]valueobject.ImageID{"7", "007", "12"})
	require.NoError(t, err)

	assert.Equal(t, []int64{7, 12}, keys)
	assert.Equal(t, []valueobject.ImageID{"7", "007"}, byKey[7], "every caller id is kept for its key")
	assert.Equal(t, []valueobject.ImageID{"12"}, byKey[12])

	_, _, err = indexImageIDs([]valueobject.ImageID{"7", "x7"})
	assert.ErrorContains(t, err, `image id "x7" is not numeric`)
}
