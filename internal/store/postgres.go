package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/eventphone/ywsd/internal/models"

	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the production store.Gateway, backed by the relational
// schema of §6 over a pgx connection pool.
type Postgres struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenPostgres opens a connection pool to dsn, applies any pending
// migrations, and returns a ready store.Gateway.
func OpenPostgres(dsn string, logger *slog.Logger) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	// The builder fans out many point reads per request concurrently
	// within a BFS layer (§5); size the pool accordingly.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	p := &Postgres{db: db, logger: logger.With("subsystem", "store")}

	if err := p.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	p.logger.Info("store gateway opened")
	return p, nil
}

// Close closes the underlying connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) migrate() error {
	_, err := p.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := p.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := p.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		p.logger.Info("applied migration", "version", version)
	}
	return nil
}

const extensionColumns = `id, number, name, short_name, outgoing_extension, outgoing_name,
	dialout_allowed, ringback, forwarding_delay, forwarding_extension_id, lang, type,
	forwarding_mode, yate_id`

func (p *Postgres) scanExtension(row *sql.Row) (*models.Extension, error) {
	var e models.Extension
	var homeServerID sql.NullInt64
	var forwardDelay sql.NullInt64
	var forwardTarget sql.NullInt64

	err := row.Scan(&e.ID, &e.Number, &e.DisplayName, &e.ShortName, &e.OutgoingNumber,
		&e.OutgoingName, &e.DialoutAllowed, &e.Ringback, &forwardDelay, &forwardTarget,
		&e.Lang, &e.Kind, &e.ForwardingMode, &homeServerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &Error{Op: "scan extension", Err: err}
	}
	if homeServerID.Valid {
		e.HomeServerID = &homeServerID.Int64
	}
	if forwardDelay.Valid {
		d := int(forwardDelay.Int64)
		e.ForwardingDelay = d
	}
	if forwardTarget.Valid {
		id := forwardTarget.Int64
		e.ForwardTargetID = &id
	}
	return &e, nil
}

// ExtensionByNumber implements Gateway.
func (p *Postgres) ExtensionByNumber(ctx context.Context, number string) (*models.Extension, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+extensionColumns+` FROM extensions WHERE number = $1`, number)
	ext, err := p.scanExtension(row)
	if err != nil {
		return nil, &Error{Op: "ExtensionByNumber(" + number + ")", Err: err}
	}
	return ext, nil
}

// ExtensionByID implements Gateway.
func (p *Postgres) ExtensionByID(ctx context.Context, id int64) (*models.Extension, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+extensionColumns+` FROM extensions WHERE id = $1`, id)
	ext, err := p.scanExtension(row)
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("ExtensionByID(%d)", id), Err: err}
	}
	return ext, nil
}

// ForkRanksFor implements Gateway. It issues two queries (ranks, then
// members for all those ranks) rather than a join, so that ranks with zero
// members still come back correctly ordered.
func (p *Postgres) ForkRanksFor(ctx context.Context, extensionID int64) ([]models.ForkRank, error) {
	rankRows, err := p.db.QueryContext(ctx,
		`SELECT id, "index", delay, mode FROM fork_ranks WHERE extension_id = $1 ORDER BY "index"`,
		extensionID)
	if err != nil {
		return nil, &Error{Op: fmt.Sprintf("ForkRanksFor(%d)", extensionID), Err: err}
	}
	defer rankRows.Close()

	type rankRow struct {
		id    int64
		index int
		delay int
		mode  models.RankMode
	}
	var rows []rankRow
	for rankRows.Next() {
		var r rankRow
		if err := rankRows.Scan(&r.id, &r.index, &r.delay, &r.mode); err != nil {
			return nil, &Error{Op: "scan fork_rank", Err: err}
		}
		rows = append(rows, r)
	}
	if err := rankRows.Err(); err != nil {
		return nil, &Error{Op: "fork_ranks iteration", Err: err}
	}

	ranks := make([]models.ForkRank, len(rows))
	idxByRankID := make(map[int64]int, len(rows))
	for i, r := range rows {
		ranks[i] = models.ForkRank{ExtensionID: extensionID, Index: r.index, Delay: r.delay, Mode: r.mode}
		idxByRankID[r.id] = i
	}
	if len(ranks) == 0 {
		return ranks, nil
	}

	ids := make([]int64, len(rows))
	for i, r := range rows {
		ids[i] = r.id
	}

	memberRows, err := p.db.QueryContext(ctx,
		`SELECT fork_rank_id, extension_id, active, type
		 FROM fork_rank_members
		 WHERE fork_rank_id = ANY($1)
		 ORDER BY fork_rank_id, position`,
		ids)
	if err != nil {
		return nil, &Error{Op: "query fork_rank_members", Err: err}
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var rankID int64
		var m models.RankMember
		if err := memberRows.Scan(&rankID, &m.ExtensionID, &m.Active, &m.Kind); err != nil {
			return nil, &Error{Op: "scan fork_rank_member", Err: err}
		}
		idx, ok := idxByRankID[rankID]
		if !ok {
			continue
		}
		ranks[idx].Members = append(ranks[idx].Members, m)
	}
	if err := memberRows.Err(); err != nil {
		return nil, &Error{Op: "fork_rank_members iteration", Err: err}
	}

	return ranks, nil
}

var _ Gateway = (*Postgres)(nil)
