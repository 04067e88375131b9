// Package sqlite persists artifact records in an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/port"
)

//go:embed migrations/*.sql
var migrations embed.FS

const dbName = "pixbatch.db"

type Store struct {
	db *sql.DB
}

var hookOnce sync.Once

func registerHook() {
	hookOnce.Do(func() {
		sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, dsn string) error {
			pragmas := []string{
				"PRAGMA journal_mode = WAL",
				"PRAGMA busy_timeout = 5000",
				"PRAGMA synchronous = NORMAL",
				"PRAGMA cache_size = -8000", // 8MB
			}
			for _, p := range pragmas {
				if _, err := conn.ExecContext(context.Background(), p, nil); err != nil {
					return fmt.Errorf("execute %s: %w", p, err)
				}
			}
			return nil
		})
	})
}

func NewStore(dataDir string) (*Store, error) {
	registerHook()

	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbName))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; WAL still allows concurrent readers.
	db.SetMaxOpenConns(1)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

const artifactColumns = `item_id, batch_id, name, path, format, output_size, original_size,
	width, height, source_digest, quality, max_width, max_height, keep_aspect, created_at`

func (s *Store) Save(a *domain.ConvertedArtifact) error {
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (`+artifactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET
			batch_id = excluded.batch_id,
			name = excluded.name,
			path = excluded.path,
			format = excluded.format,
			output_size = excluded.output_size,
			original_size = excluded.original_size,
			width = excluded.width,
			height = excluded.height,
			source_digest = excluded.source_digest,
			quality = excluded.quality,
			max_width = excluded.max_width,
			max_height = excluded.max_height,
			keep_aspect = excluded.keep_aspect,
			created_at = excluded.created_at`,
		a.ItemID, a.BatchID, a.Name, a.Path, string(a.Format), a.OutputSize, a.OriginalSize,
		a.Width, a.Height, a.SourceDigest,
		a.Options.Quality, a.Options.MaxWidth, a.Options.MaxHeight, boolToInt(a.Options.MaintainAspectRatio),
		a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save artifact %s: %w", a.ItemID, err)
	}
	return nil
}

func (s *Store) Get(itemID string) (*domain.ConvertedArtifact, error) {
	ctx := context.Background()
	row := s.db.QueryRowContext(ctx, `SELECT `+artifactColumns+` FROM artifacts WHERE item_id = ?`, itemID)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (s *Store) Delete(itemID string) error {
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE item_id = ?`, itemID)
	return err
}

func (s *Store) List() ([]*domain.ConvertedArtifact, error) {
	return s.query(`SELECT ` + artifactColumns + ` FROM artifacts ORDER BY item_id`)
}

func (s *Store) ListByBatch(batchID string) ([]*domain.ConvertedArtifact, error) {
	return s.query(`SELECT `+artifactColumns+` FROM artifacts WHERE batch_id = ? ORDER BY item_id`, batchID)
}

func (s *Store) query(q string, args ...any) ([]*domain.ConvertedArtifact, error) {
	ctx := context.Background()
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var list []*domain.ConvertedArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, a)
	}
	return list, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*domain.ConvertedArtifact, error) {
	var (
		a         domain.ConvertedArtifact
		format    string
		keep      int
		createdAt string
	)
	err := row.Scan(
		&a.ItemID, &a.BatchID, &a.Name, &a.Path, &format, &a.OutputSize, &a.OriginalSize,
		&a.Width, &a.Height, &a.SourceDigest,
		&a.Options.Quality, &a.Options.MaxWidth, &a.Options.MaxHeight, &keep, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	a.Format = domain.Format(format)
	a.Options.Format = a.Format
	a.Options.MaintainAspectRatio = keep != 0
	if a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at for %s: %w", a.ItemID, err)
	}
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ port.ArtifactStore = (*Store)(nil)
