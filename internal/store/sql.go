package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	appLog "agentcal/internal/log"
	"agentcal/internal/model"
)

// deleteChunk bounds the number of placeholders in one DELETE statement.
const deleteChunk = 500

// dialect captures the few differences between the supported SQL backends.
type dialect struct {
	name       string
	driverName string
	// placeholder returns the n-th (1-based) bind placeholder.
	placeholder func(n int) string
}

var dialects = map[string]dialect{
	"sqlite": {
		name:        "sqlite",
		driverName:  "sqlite",
		placeholder: func(int) string { return "?" },
	},
	"postgres": {
		name:        "postgres",
		driverName:  "postgres",
		placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	},
}

// placeholders returns count placeholders starting at position from.
func (d dialect) placeholders(from, count int) string {
	list := make([]string, 0, count)
	for i := 0; i < count; i++ {
		list = append(list, d.placeholder(from+i))
	}
	return strings.Join(list, ", ")
}

// DB is the database/sql backed Store.
type DB struct {
	db      *sql.DB
	dialect dialect
}

// Open connects to the configured backend and ensures the schema exists.
// driver is "sqlite" or "postgres".
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	d, ok := dialects[driver]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownDriver, "driver %q", driver)
	}
	if d.name == "sqlite" {
		dsn = withSQLitePragmas(dsn)
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}

	s := &DB{db: db, dialect: d}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	appLog.Info("store opened", "driver", d.name)
	return s, nil
}

// withSQLitePragmas makes concurrent writers wait for the lock instead of
// failing, and takes the write lock when a transaction begins.
func withSQLitePragmas(dsn string) string {
	params := []string{}
	if !strings.Contains(dsn, "busy_timeout") {
		params = append(params, "_pragma=busy_timeout(5000)")
	}
	if !strings.Contains(dsn, "journal_mode") && !strings.Contains(dsn, ":memory:") {
		params = append(params, "_pragma=journal_mode(WAL)")
	}
	if !strings.Contains(dsn, "_txlock") {
		params = append(params, "_txlock=immediate")
	}
	if len(params) == 0 {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + strings.Join(params, "&")
}

func (s *DB) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS busy_interval (
			uid         TEXT PRIMARY KEY,
			client_id   TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			start_ts    BIGINT NOT NULL,
			end_ts      BIGINT NOT NULL,
			summary     TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			updated_ts  BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_busy_interval_agent_start
			ON busy_interval (client_id, agent_id, start_ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "failed to migrate schema")
		}
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *DB) Close() error {
	return s.db.Close()
}

// QueryOverlapping implements Reader.
func (s *DB) QueryOverlapping(ctx context.Context, clientID, agentID string, windowStart, windowEnd time.Time) ([]*model.BusyInterval, error) {
	return queryOverlapping(ctx, s.db, s.dialect, clientID, agentID, windowStart, windowEnd, nil)
}

// QueryOverlappingAfter implements PageReader.
func (s *DB) QueryOverlappingAfter(ctx context.Context, clientID, agentID string, windowStart, windowEnd time.Time, after Cursor) ([]*model.BusyInterval, error) {
	return queryOverlapping(ctx, s.db, s.dialect, clientID, agentID, windowStart, windowEnd, &after)
}

// WithTx implements Store.
func (s *DB) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			appLog.Error("store rollback failed", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectColumns = `uid, client_id, agent_id, start_ts, end_ts, summary, description`

// endBound converts an exclusive window end to whole seconds, rounding up so
// that a sub-second end still matches intervals starting in its last second.
func endBound(t time.Time) int64 {
	return t.Add(time.Second - time.Nanosecond).Unix()
}

func queryOverlapping(ctx context.Context, q queryer, d dialect, clientID, agentID string, windowStart, windowEnd time.Time, after *Cursor) ([]*model.BusyInterval, error) {
	args := []any{clientID, agentID, endBound(windowEnd), windowStart.Unix()}
	where := `client_id = ` + d.placeholder(1) + `
		  AND agent_id = ` + d.placeholder(2) + `
		  AND start_ts < ` + d.placeholder(3) + `
		  AND end_ts > ` + d.placeholder(4)
	if after != nil {
		where += `
		  AND (start_ts > ` + d.placeholder(5) + `
		    OR (start_ts = ` + d.placeholder(6) + ` AND end_ts > ` + d.placeholder(7) + `)
		    OR (start_ts = ` + d.placeholder(8) + ` AND end_ts = ` + d.placeholder(9) + ` AND uid > ` + d.placeholder(10) + `))`
		st, et := after.Start.Unix(), after.End.Unix()
		args = append(args, st, st, et, st, et, after.UID)
	}
	query := `SELECT ` + selectColumns + `
		FROM busy_interval
		WHERE ` + where + `
		ORDER BY start_ts ASC, end_ts ASC, uid ASC
		LIMIT ` + fmt.Sprint(QueryLimit)

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query busy intervals")
	}
	defer rows.Close()

	list := make([]*model.BusyInterval, 0)
	for rows.Next() {
		iv, err := scanInterval(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, iv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate busy intervals")
	}
	return list, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInterval(row scanner) (*model.BusyInterval, error) {
	var iv model.BusyInterval
	var startTs, endTs int64
	if err := row.Scan(&iv.UID, &iv.ClientID, &iv.AgentID, &startTs, &endTs, &iv.Summary, &iv.Description); err != nil {
		return nil, err
	}
	iv.Start = time.Unix(startTs, 0).UTC()
	iv.End = time.Unix(endTs, 0).UTC()
	return &iv, nil
}

type sqlTx struct {
	tx      *sql.Tx
	dialect dialect
}

func (t *sqlTx) Get(ctx context.Context, uid string) (*model.BusyInterval, error) {
	query := `SELECT ` + selectColumns + ` FROM busy_interval WHERE uid = ` + t.dialect.placeholder(1)
	iv, err := scanInterval(t.tx.QueryRowContext(ctx, query, uid))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get busy interval %q", uid)
	}
	return iv, nil
}

func (t *sqlTx) Upsert(ctx context.Context, iv *model.BusyInterval) error {
	if iv.UID == "" {
		return errors.New("busy interval uid is empty")
	}
	if !iv.End.After(iv.Start) {
		return errors.Errorf("busy interval %q: end must be after start", iv.UID)
	}

	d := t.dialect
	stmt := `INSERT INTO busy_interval
			(uid, client_id, agent_id, start_ts, end_ts, summary, description, updated_ts)
		VALUES (` + d.placeholders(1, 8) + `)
		ON CONFLICT (uid) DO UPDATE SET
			client_id = excluded.client_id,
			agent_id = excluded.agent_id,
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			summary = excluded.summary,
			description = excluded.description,
			updated_ts = excluded.updated_ts`

	if _, err := t.tx.ExecContext(ctx, stmt,
		iv.UID, iv.ClientID, iv.AgentID,
		iv.Start.UTC().Unix(), iv.End.UTC().Unix(),
		iv.Summary, iv.Description,
		time.Now().Unix(),
	); err != nil {
		return errors.Wrapf(err, "failed to upsert busy interval %q", iv.UID)
	}
	return nil
}

func (t *sqlTx) DeleteNotIn(ctx context.Context, clientID, agentID string, keep []string) (int64, error) {
	d := t.dialect
	rows, err := t.tx.QueryContext(ctx,
		`SELECT uid FROM busy_interval WHERE client_id = `+d.placeholder(1)+` AND agent_id = `+d.placeholder(2),
		clientID, agentID)
	if err != nil {
		return 0, errors.Wrap(err, "failed to list agent uids")
	}
	keepSet := make(map[string]struct{}, len(keep))
	for _, uid := range keep {
		keepSet[uid] = struct{}{}
	}
	var stale []string
	for rows.Next() {
		var uid string
		if err := rows.Scan(&uid); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "failed to scan uid")
		}
		if _, ok := keepSet[uid]; !ok {
			stale = append(stale, uid)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, errors.Wrap(err, "failed to iterate agent uids")
	}
	rows.Close()

	var removed int64
	for len(stale) > 0 {
		n := min(len(stale), deleteChunk)
		chunk := stale[:n]
		stale = stale[n:]

		args := make([]any, len(chunk))
		for i, uid := range chunk {
			args[i] = uid
		}
		res, err := t.tx.ExecContext(ctx,
			`DELETE FROM busy_interval WHERE uid IN (`+d.placeholders(1, len(chunk))+`)`, args...)
		if err != nil {
			return removed, errors.Wrap(err, "failed to delete stale busy intervals")
		}
		if n, err := res.RowsAffected(); err == nil {
			removed += n
		}
	}
	return removed, nil
}
