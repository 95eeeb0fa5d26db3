package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ApplyMigrations 依檔名順序執行 fsys 中尚未套用的 .sql 檔，套用紀錄存在 schema_migrations
// 每個檔案在自己的交易內執行，失敗時該檔案完全不生效
func (c *Client) ApplyMigrations(ctx context.Context, fsys fs.FS) error {
	_, err := c.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`)
	if err != nil {
		return err
	}

	files, err := migrationFiles(fsys)
	if err != nil {
		return err
	}

	for _, name := range files {
		var exists bool
		if err := c.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename=$1)`, path.Base(name)).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		sqlBytes, err := fs.ReadFile(fsys, name)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			return errors.New("empty migration: " + name)
		}

		err = pgx.BeginFunc(ctx, c.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, sqlText); err != nil {
				return fmt.Errorf("migration %s failed: %w", name, err)
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, path.Base(name))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// migrationFiles 回傳排序後的 .sql 檔案路徑
func migrationFiles(fsys fs.FS) ([]string, error) {
	var files []string
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".sql") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return path.Base(files[i]) < path.Base(files[j]) })
	return files, nil
}
