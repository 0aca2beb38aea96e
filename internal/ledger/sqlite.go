package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dmiller/tradeledger/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS legs (
	id              TEXT PRIMARY KEY,
	symbol          TEXT NOT NULL,
	underlying      TEXT NOT NULL DEFAULT '',
	trade_group_id  TEXT NOT NULL DEFAULT '',
	quantity        INTEGER NOT NULL,
	multiplier      REAL NOT NULL DEFAULT 100,
	entry_price     REAL NOT NULL DEFAULT 0,
	exit_price      REAL NOT NULL DEFAULT 0,
	open_order_id   TEXT NOT NULL DEFAULT '',
	close_order_id  TEXT NOT NULL DEFAULT '',
	open_side       TEXT NOT NULL DEFAULT '',
	close_side      TEXT NOT NULL DEFAULT '',
	fees            REAL NOT NULL DEFAULT 0,
	entry_credit    REAL NOT NULL DEFAULT 0,
	exit_debit      REAL NOT NULL DEFAULT 0,
	close_status    TEXT NOT NULL,
	pnl_status      TEXT NOT NULL,
	pnl             REAL,
	pnl_percent     REAL,
	pnl_formula     TEXT NOT NULL DEFAULT '',
	needs_reconcile INTEGER NOT NULL DEFAULT 0,
	entry_time      TEXT NOT NULL DEFAULT '',
	exit_time       TEXT NOT NULL DEFAULT '',
	seq             INTEGER NOT NULL DEFAULT 0,
	last_checked    TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_legs_group ON legs(trade_group_id);
CREATE INDEX IF NOT EXISTS idx_legs_open_order ON legs(open_order_id);
CREATE INDEX IF NOT EXISTS idx_legs_close_order ON legs(close_order_id);

CREATE TABLE IF NOT EXISTS trade_groups (
	trade_group_id TEXT PRIMARY KEY,
	strategy_type  TEXT NOT NULL DEFAULT '',
	entry_credit   REAL,
	exit_debit     REAL,
	updated_at     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS audit_events (
	id       TEXT PRIMARY KEY,
	leg_id   TEXT NOT NULL DEFAULT '',
	group_id TEXT NOT NULL DEFAULT '',
	kind     TEXT NOT NULL,
	at       TEXT NOT NULL,
	details  TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_audit_leg ON audit_events(leg_id);
`

const legColumns = `id, symbol, underlying, trade_group_id, quantity, multiplier,
	entry_price, exit_price, open_order_id, close_order_id, open_side, close_side,
	fees, entry_credit, exit_debit, close_status, pnl_status, pnl, pnl_percent,
	pnl_formula, needs_reconcile, entry_time, exit_time, seq, last_checked`

// SQLiteStore persists the ledger in a single SQLite file. The connection
// pool is pinned to one writer so the sequence check and the row update are
// never interleaved by another writer.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the ledger database at path and
// applies the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetLeg(ctx context.Context, id string) (*models.Leg, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+legColumns+" FROM legs WHERE id = ?", id)
	leg, err := scanLeg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("leg %s: %w", id, ErrLegNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get leg %s: %w", id, err)
	}
	return leg, nil
}

func (s *SQLiteStore) GetAllLegs(ctx context.Context) ([]*models.Leg, error) {
	return s.queryLegs(ctx, "SELECT "+legColumns+" FROM legs ORDER BY id")
}

func (s *SQLiteStore) GetGroupLegs(ctx context.Context, groupID string) ([]*models.Leg, error) {
	return s.queryLegs(ctx,
		"SELECT "+legColumns+" FROM legs WHERE trade_group_id = ? ORDER BY symbol, id", groupID)
}

func (s *SQLiteStore) GetLegByOrderID(ctx context.Context, orderID string) (*models.Leg, error) {
	if orderID == "" {
		return nil, fmt.Errorf("empty order id: %w", ErrLegNotFound)
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+legColumns+" FROM legs WHERE open_order_id = ? OR close_order_id = ? LIMIT 1",
		orderID, orderID)
	leg, err := scanLeg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", orderID, ErrLegNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get leg by order %s: %w", orderID, err)
	}
	return leg, nil
}

func (s *SQLiteStore) queryLegs(ctx context.Context, query string, args ...any) ([]*models.Leg, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query legs: %w", err)
	}
	defer rows.Close()

	var legs []*models.Leg
	for rows.Next() {
		leg, err := scanLeg(rows)
		if err != nil {
			return nil, fmt.Errorf("scan leg: %w", err)
		}
		legs = append(legs, leg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate legs: %w", err)
	}
	return legs, nil
}

func (s *SQLiteStore) InsertLeg(ctx context.Context, leg *models.Leg) error {
	if err := leg.Validate(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO legs (`+legColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		legArgs(leg)...)
	if err != nil {
		return fmt.Errorf("insert leg %s: %w", leg.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert leg %s: %w", leg.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("leg %s: %w", leg.ID, ErrDuplicateLeg)
	}
	return nil
}

func (s *SQLiteStore) UpdateLeg(ctx context.Context, leg *models.Leg, force bool) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update leg %s: %w", leg.ID, err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+legColumns+" FROM legs WHERE id = ?", leg.ID)
	current, err := scanLeg(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("leg %s: %w", leg.ID, ErrLegNotFound)
	}
	if err != nil {
		return fmt.Errorf("read leg %s for update: %w", leg.ID, err)
	}
	if err := checkWrite(current, leg, force); err != nil {
		return err
	}

	next := current.Seq + 1
	args := legArgs(leg)
	args[23] = next // seq column
	args = append(args[1:], leg.ID)
	_, err = tx.ExecContext(ctx, `
		UPDATE legs SET symbol = ?, underlying = ?, trade_group_id = ?, quantity = ?,
			multiplier = ?, entry_price = ?, exit_price = ?, open_order_id = ?,
			close_order_id = ?, open_side = ?, close_side = ?, fees = ?,
			entry_credit = ?, exit_debit = ?, close_status = ?, pnl_status = ?,
			pnl = ?, pnl_percent = ?, pnl_formula = ?, needs_reconcile = ?,
			entry_time = ?, exit_time = ?, seq = ?, last_checked = ?
		WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update leg %s: %w", leg.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update leg %s: %w", leg.ID, err)
	}
	leg.Seq = next
	return nil
}

func (s *SQLiteStore) DeleteLegs(ctx context.Context, ids []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete legs: %w", err)
	}
	defer tx.Rollback()

	for _, id := range ids {
		res, err := tx.ExecContext(ctx, "DELETE FROM legs WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete leg %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete leg %s: %w", id, err)
		}
		if n == 0 {
			return fmt.Errorf("leg %s: %w", id, ErrLegNotFound)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) DetectDuplicates(ctx context.Context) ([][]*models.Leg, error) {
	legs, err := s.GetAllLegs(ctx)
	if err != nil {
		return nil, err
	}
	return groupDuplicates(legs), nil
}

func (s *SQLiteStore) AppendAudit(ctx context.Context, event *models.AuditEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, leg_id, group_id, kind, at, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.LegID, event.GroupID, string(event.Kind),
		event.At.UTC().Format(time.RFC3339Nano), string(details))
	if err != nil {
		return fmt.Errorf("append audit event %s: %w", event.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GroupEntryCredit(ctx context.Context, groupID string) (*float64, error) {
	return s.groupValue(ctx, groupID, "entry_credit")
}

func (s *SQLiteStore) GroupExitDebit(ctx context.Context, groupID string) (*float64, error) {
	return s.groupValue(ctx, groupID, "exit_debit")
}

func (s *SQLiteStore) groupValue(ctx context.Context, groupID, column string) (*float64, error) {
	var v sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		"SELECT "+column+" FROM trade_groups WHERE trade_group_id = ?", groupID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup group %s %s: %w", groupID, column, err)
	}
	if !v.Valid {
		return nil, nil
	}
	return &v.Float64, nil
}

func (s *SQLiteStore) GroupStrategy(ctx context.Context, groupID string) (models.StrategyType, error) {
	var strategy string
	err := s.db.QueryRowContext(ctx,
		"SELECT strategy_type FROM trade_groups WHERE trade_group_id = ?", groupID).Scan(&strategy)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && strategy == "") {
		return models.StrategyCustom, nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup group %s strategy: %w", groupID, err)
	}
	return models.StrategyType(strategy), nil
}

func (s *SQLiteStore) SetGroupInfo(ctx context.Context, groupID string, strategy models.StrategyType, entryCredit, exitDebit *float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_groups (trade_group_id, strategy_type, entry_credit, exit_debit, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trade_group_id) DO UPDATE SET
			strategy_type = CASE WHEN excluded.strategy_type != '' THEN excluded.strategy_type ELSE strategy_type END,
			entry_credit  = COALESCE(excluded.entry_credit, entry_credit),
			exit_debit    = COALESCE(excluded.exit_debit, exit_debit),
			updated_at    = excluded.updated_at`,
		groupID, string(strategy), nullable(entryCredit), nullable(exitDebit),
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("set group info %s: %w", groupID, err)
	}
	return nil
}

func nullable(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanLeg(sc scanner) (*models.Leg, error) {
	var (
		leg        models.Leg
		openSide   string
		closeSide  string
		status     string
		pnlStatus  string
		pnl        sql.NullFloat64
		pnlPct     sql.NullFloat64
		reconcile  int
		entryTime  string
		exitTime   string
		lastCheck  string
	)
	err := sc.Scan(
		&leg.ID, &leg.Symbol, &leg.Underlying, &leg.TradeGroupID, &leg.Quantity,
		&leg.Multiplier, &leg.EntryPrice, &leg.ExitPrice, &leg.OpenOrderID,
		&leg.CloseOrderID, &openSide, &closeSide, &leg.Fees, &leg.EntryCredit,
		&leg.ExitDebit, &status, &pnlStatus, &pnl, &pnlPct, &leg.PnlFormula,
		&reconcile, &entryTime, &exitTime, &leg.Seq, &lastCheck,
	)
	if err != nil {
		return nil, err
	}
	leg.OpenSide = models.OrderSide(openSide)
	leg.CloseSide = models.OrderSide(closeSide)
	leg.CloseStatus = models.CloseStatus(status)
	leg.PnlStatus = models.PnlStatus(pnlStatus)
	if pnl.Valid {
		leg.Pnl = &pnl.Float64
	}
	if pnlPct.Valid {
		leg.PnlPercent = &pnlPct.Float64
	}
	leg.NeedsReconcile = reconcile != 0
	leg.EntryTime = parseTime(entryTime)
	leg.ExitTime = parseTime(exitTime)
	leg.LastChecked = parseTime(lastCheck)
	return &leg, nil
}

func legArgs(leg *models.Leg) []any {
	return []any{
		leg.ID, leg.Symbol, leg.Underlying, leg.TradeGroupID, leg.Quantity,
		leg.Multiplier, leg.EntryPrice, leg.ExitPrice, leg.OpenOrderID,
		leg.CloseOrderID, string(leg.OpenSide), string(leg.CloseSide), leg.Fees,
		leg.EntryCredit, leg.ExitDebit, string(leg.CloseStatus), string(leg.PnlStatus),
		nullable(leg.Pnl), nullable(leg.PnlPercent), leg.PnlFormula,
		boolToInt(leg.NeedsReconcile), formatTime(leg.EntryTime), formatTime(leg.ExitTime),
		leg.Seq, formatTime(leg.LastChecked),
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
