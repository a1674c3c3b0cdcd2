package store

import (
	"embed"

	"github.com/pressly/goose/v3"

	"github.com/apiary-io/apiary/pkg/errdefs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return errdefs.Connection("selecting migration dialect: %v", err)
	}
	if err := goose.Up(s.db.DB, "migrations"); err != nil {
		return errdefs.Connection("applying migrations: %v", err)
	}
	return nil
}
