package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/imagesaver/internal/domain"
	_ "github.com/lib/pq"
)

const imageSchemaSQL = `
CREATE TABLE IF NOT EXISTS saved_images (
	id TEXT PRIMARY KEY,
	file_name TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	format TEXT NOT NULL,
	width INTEGER NOT NULL,
	height INTEGER NOT NULL,
	bytes BIGINT NOT NULL,
	source_kind TEXT NOT NULL,
	source_url TEXT NOT NULL DEFAULT '',
	object_key TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS saved_images_file_name_idx
	ON saved_images (file_name) WHERE file_name <> '';
`

const imageColumns = `id, file_name, path, format, width, height, bytes, source_kind, source_url, object_key, status, created_at, updated_at`

type PostgresImageStore struct {
	db *sql.DB
}

func NewPostgresImageStore(ctx context.Context, dsn string) (*PostgresImageStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresImageStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresImageStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, imageSchemaSQL); err != nil {
		return fmt.Errorf("ensure saved_images schema: %w", err)
	}
	return nil
}

func (s *PostgresImageStore) Close() error {
	return s.db.Close()
}

func (s *PostgresImageStore) Save(ctx context.Context, image domain.SavedImage) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO saved_images (`+imageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   file_name = EXCLUDED.file_name,
		   path = EXCLUDED.path,
		   format = EXCLUDED.format,
		   width = EXCLUDED.width,
		   height = EXCLUDED.height,
		   bytes = EXCLUDED.bytes,
		   object_key = EXCLUDED.object_key,
		   status = EXCLUDED.status,
		   updated_at = EXCLUDED.updated_at`,
		image.ID,
		image.FileName,
		image.Path,
		image.Format,
		image.Width,
		image.Height,
		image.Bytes,
		image.SourceKind,
		image.SourceURL,
		image.ObjectKey,
		image.Status,
		image.CreatedAt,
		image.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert image: %w", err)
	}
	return nil
}

func (s *PostgresImageStore) Get(ctx context.Context, id string) (domain.SavedImage, bool, error) {
	return s.queryOne(ctx, `SELECT `+imageColumns+` FROM saved_images WHERE id = $1`, id)
}

func (s *PostgresImageStore) GetByFileName(ctx context.Context, fileName string) (domain.SavedImage, bool, error) {
	if fileName == "" {
		return domain.SavedImage{}, false, nil
	}
	return s.queryOne(ctx, `SELECT `+imageColumns+` FROM saved_images WHERE file_name = $1`, fileName)
}

func (s *PostgresImageStore) UpdateStatus(ctx context.Context, id, status string) (domain.SavedImage, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE saved_images
		 SET status = $1, updated_at = $2
		 WHERE id = $3`,
		status,
		now,
		id,
	)
	if err != nil {
		return domain.SavedImage{}, fmt.Errorf("update image status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.SavedImage{}, ErrImageNotFound
	}

	image, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.SavedImage{}, err
	}
	if !ok {
		return domain.SavedImage{}, ErrImageNotFound
	}
	return image, nil
}

func (s *PostgresImageStore) queryOne(ctx context.Context, query string, arg any) (domain.SavedImage, bool, error) {
	var image domain.SavedImage
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&image.ID,
		&image.FileName,
		&image.Path,
		&image.Format,
		&image.Width,
		&image.Height,
		&image.Bytes,
		&image.SourceKind,
		&image.SourceURL,
		&image.ObjectKey,
		&image.Status,
		&image.CreatedAt,
		&image.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.SavedImage{}, false, nil
		}
		return domain.SavedImage{}, false, fmt.Errorf("query image: %w", err)
	}
	return image, true, nil
}
