// internal/db/db.go
package db

import (
    "context"
    "database/sql"
    "embed"
    "fmt"
    "io/fs"
    "sort"
    "strings"

    _ "github.com/lib/pq"
    "go.uber.org/zap"
    _ "modernc.org/sqlite"
)

//go:embed migrations
var migrationsFS embed.FS

// Dialect selects placeholder syntax and migrations for a driver.
type Dialect string

const (
    Postgres Dialect = "postgres"
    SQLite   Dialect = "sqlite"
)

// Placeholder returns the n-th (1-based) bind parameter for the dialect.
func (d Dialect) Placeholder(n int) string {
    if d == Postgres {
        return fmt.Sprintf("$%d", n)
    }
    return "?"
}

// Rebind rewrites '?' placeholders in query into the dialect's syntax.
func (d Dialect) Rebind(query string) string {
    if d != Postgres {
        return query
    }
    var b strings.Builder
    n := 0
    for _, r := range query {
        if r == '?' {
            n++
            b.WriteString(d.Placeholder(n))
            continue
        }
        b.WriteRune(r)
    }
    return b.String()
}

// DB is an open database plus the dialect it speaks.
type DB struct {
    SQL     *sql.DB
    Dialect Dialect
}

// Open connects, pings and applies migrations.
func Open(ctx context.Context, driver, dsn string, logger *zap.Logger) (*DB, error) {
    dialect := Dialect(strings.ToLower(strings.TrimSpace(driver)))
    if dialect != Postgres && dialect != SQLite {
        return nil, fmt.Errorf("unsupported driver %q", driver)
    }
    if strings.TrimSpace(dsn) == "" {
        return nil, fmt.Errorf("dsn is required")
    }

    sqlDB, err := sql.Open(string(dialect), dsn)
    if err != nil {
        return nil, fmt.Errorf("open %s db: %w", dialect, err)
    }
    if dialect == SQLite {
        // One writer keeps SQLite from returning SQLITE_BUSY under the runner.
        sqlDB.SetMaxOpenConns(1)
    }
    if err := sqlDB.PingContext(ctx); err != nil {
        _ = sqlDB.Close()
        return nil, fmt.Errorf("ping %s db: %w", dialect, err)
    }

    d := &DB{SQL: sqlDB, Dialect: dialect}
    if err := d.Migrate(ctx, logger); err != nil {
        _ = sqlDB.Close()
        return nil, err
    }
    logger.Info("connected to database", zap.String("driver", string(dialect)))
    return d, nil
}

// Migrate executes the dialect's migration files in name order. Every file
// is written to be re-runnable.
func (d *DB) Migrate(ctx context.Context, logger *zap.Logger) error {
    root := "migrations/" + string(d.Dialect)
    entries, err := fs.ReadDir(migrationsFS, root)
    if err != nil {
        return fmt.Errorf("read migrations: %w", err)
    }
    var files []string
    for _, e := range entries {
        if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
            files = append(files, e.Name())
        }
    }
    sort.Strings(files)

    for _, file := range files {
        content, err := fs.ReadFile(migrationsFS, root+"/"+file)
        if err != nil {
            return fmt.Errorf("read migration %s: %w", file, err)
        }
        for _, stmt := range splitStatements(string(content)) {
            if _, err := d.SQL.ExecContext(ctx, stmt); err != nil {
                return fmt.Errorf("apply migration %s: %w", file, err)
            }
        }
        logger.Debug("applied migration", zap.String("file", file))
    }
    return nil
}

func (d *DB) Close() error {
    if d == nil || d.SQL == nil {
        return nil
    }
    return d.SQL.Close()
}

func splitStatements(content string) []string {
    var out []string
    for _, part := range strings.Split(content, ";") {
        if s := strings.TrimSpace(part); s != "" {
            out = append(out, s)
        }
    }
    return out
}
