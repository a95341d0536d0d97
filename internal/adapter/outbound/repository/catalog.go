package repository

import (
	"context"
	"fmt"
	"imgvec/internal/config"
	"imgvec/internal/domain/entity"
	"imgvec/internal/domain/errors/domain"
	"imgvec/internal/domain/valueobject"
	"imgvec/internal/port/outbound"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ outbound.ImageCatalog = (*PostgreSQLCatalog)(nil)

const defaultPageSize = 1000

// PostgreSQLCatalog reads image ids and urls from the catalog table. The
// skip filter is an anti-join against the vector table.
type PostgreSQLCatalog struct {
	pool       *pgxpool.Pool
	table      string
	idColumn   string
	urlColumn  string
	storeTable string
	pageSize   int
}

// NewPostgreSQLCatalog creates a catalog reader. storeTable is the vector
// table used by the skip filter.
func NewPostgreSQLCatalog(pool *pgxpool.Pool, cfg config.CatalogConfig, storeTable string) *PostgreSQLCatalog {
	if pool == nil {
		panic("pool cannot be nil")
	}
	pageSize := cfg.PageSize
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	return &PostgreSQLCatalog{
		pool:       pool,
		table:      quoteTable(cfg.Table),
		idColumn:   pgx.Identifier{cfg.IDColumn}.Sanitize(),
		urlColumn:  pgx.Identifier{cfg.URLColumn}.Sanitize(),
		storeTable: quoteTable(storeTable),
		pageSize:   pageSize,
	}
}

// from builds the shared FROM clause. With skipProcessed it only matches
// images without a stored vector.
func (c *PostgreSQLCatalog) from(skipProcessed bool) (string, string) {
	if !skipProcessed {
		return " FROM " + c.table + " i", ""
	}
	return " FROM " + c.table + " i LEFT JOIN " + c.storeTable + " v ON v.image_id = i." + c.idColumn,
		"v.image_id IS NULL"
}

func (c *PostgreSQLCatalog) CountImages(ctx context.Context, skipProcessed bool) (int, error) {
	from, where := c.from(skipProcessed)
	query := "SELECT COUNT(*)" + from
	if where != "" {
		query += " WHERE " + where
	}

	var total int
	qi := GetQueryInterface(ctx, c.pool)
	if err := qi.QueryRow(ctx, query).Scan(&total); err != nil {
		return 0, WrapError(err, "count images")
	}
	return total, nil
}

// ListImages reads the work list in id order, one keyset page at a time.
func (c *PostgreSQLCatalog) ListImages(ctx context.Context, limit *int, skipProcessed bool) ([]entity.ImageRecord, error) {
	from, where := c.from(skipProcessed)
	cond := "i." + c.idColumn + " > $1"
	if where != "" {
		cond = where + " AND " + cond
	}
	query := fmt.Sprintf("SELECT i.%s, COALESCE(i.%s, '')%s WHERE %s ORDER BY i.%s LIMIT $2",
		c.idColumn, c.urlColumn, from, cond, c.idColumn)

	var records []entity.ImageRecord
	var last int64 = -1 << 63
	for {
		page := c.pageSize
		if limit != nil {
			remaining := *limit - len(records)
			if remaining <= 0 {
				break
			}
			page = min(page, remaining)
		}

		n, lastID, err := c.readPage(ctx, query, last, page, &records)
		if err != nil {
			return nil, err
		}
		if n < page {
			break
		}
		last = lastID
	}
	return records, nil
}

func (c *PostgreSQLCatalog) readPage(
	ctx context.Context,
	query string,
	after int64,
	page int,
	records *[]entity.ImageRecord,
) (int, int64, error) {
	qi := GetQueryInterface(ctx, c.pool)
	rows, err := qi.Query(ctx, query, after, page)
	if err != nil {
		return 0, 0, WrapError(err, "list images")
	}
	defer rows.Close()

	n := 0
	last := after
	for rows.Next() {
		var (
			id  int64
			url string
		)
		if err := rows.Scan(&id, &url); err != nil {
			return 0, 0, WrapError(err, "scan image")
		}
		*records = append(*records, entity.NewImageRecord(valueobject.ImageIDFromInt64(id), url))
		last = id
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, WrapError(err, "list images")
	}
	return n, last, nil
}

func (c *PostgreSQLCatalog) FindImageURL(ctx context.Context, id valueobject.ImageID) (string, error) {
	key, err := id.Int64()
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrImageNotFound, err)
	}

	query := fmt.Sprintf("SELECT COALESCE(%s, '') FROM %s WHERE %s = $1", c.urlColumn, c.table, c.idColumn)
	var url string
	qi := GetQueryInterface(ctx, c.pool)
	if err := qi.QueryRow(ctx, query, key).Scan(&url); err != nil {
		if IsNotFoundError(err) {
			return "", domain.ErrImageNotFound
		}
		return "", WrapError(err, "find image url")
	}
	return url, nil
}

func (c *PostgreSQLCatalog) Ping(ctx context.Context) error {
	if err := c.pool.Ping(ctx); err != nil {
		return WrapError(err, "ping catalog")
	}
	return nil
}
