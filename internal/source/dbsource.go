// Package source implements the three interchangeable CEL source modes of
// spec.md §4.1 plus the always-on database CDR reader, grounded on
// original_source/src/database_connector.py and the ARA stack's
// internal/db connection-pool pattern.
package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/config"
	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

// DBSource polls the switch's CDR table (always) and, when CEL mode is "db",
// its CEL table too.
type DBSource struct {
	db  *sql.DB
	cfg config.DBSourceConfig
	cel config.CELSourceConfig
}

func NewDBSource(cfg config.DBSourceConfig, cel config.CELSourceConfig, dsn string) (*DBSource, error) {
	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabase, "failed to open source database")
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &DBSource{db: db, cfg: cfg, cel: cel}, nil
}

func (s *DBSource) Close() error {
	return s.db.Close()
}

// HealthCheck validates DB reachability and required-column presence before
// the agent begins serving (SPEC_FULL.md §4, "Database health check on
// startup"); it is a synchronous startup gate, unlike the ARA stack's
// background health ticker which this agent also runs (internal/health).
func (s *DBSource) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, errors.ErrSourceUnavailable, "source database unreachable")
	}

	required := []string{"calldate", "src", "dst", "disposition", "linkedid", "uniqueid"}
	if err := s.checkColumns(ctx, s.cfg.CDRTable, required); err != nil {
		return err
	}

	if s.cel.Mode == "db" {
		if err := s.checkColumns(ctx, s.cfg.CELTable, []string{"eventtime", "eventtype", "linkedid", "uniqueid"}); err != nil {
			return err
		}
	}

	return nil
}

func (s *DBSource) checkColumns(ctx context.Context, table string, required []string) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", table))
	if err != nil {
		return errors.Wrap(err, errors.ErrSourceUnavailable, fmt.Sprintf("cannot query table %s", table))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return errors.Wrap(err, errors.ErrSourceUnavailable, "failed to read columns")
	}
	present := make(map[string]bool, len(cols))
	for _, c := range cols {
		present[strings.ToLower(c)] = true
	}
	for _, r := range required {
		if !present[r] {
			return errors.New(errors.ErrSourceUnavailable,
				fmt.Sprintf("table %s missing required column %q", table, r))
		}
	}
	return nil
}

// MaxCallDate returns the maximum calldate currently in the CDR table, or
// the zero time if the table is empty (used for the fresh-start watermark).
func (s *DBSource) MaxCallDate(ctx context.Context) (time.Time, error) {
	var max sql.NullTime
	query := fmt.Sprintf("SELECT MAX(calldate) FROM %s", s.cfg.CDRTable)
	if err := s.db.QueryRowContext(ctx, query).Scan(&max); err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrSourceUnavailable, "failed to read max calldate")
	}
	if !max.Valid {
		return time.Time{}, nil
	}
	return max.Time, nil
}

// Now returns the database server's current time, used as the fresh-start
// watermark when the CDR table is empty (spec.md §4.1: "the two [clocks]
// can differ by timezone").
func (s *DBSource) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.db.QueryRowContext(ctx, "SELECT NOW()").Scan(&now); err != nil {
		return time.Time{}, errors.Wrap(err, errors.ErrSourceUnavailable, "failed to read database clock")
	}
	return now, nil
}

// UpdatedLinkedIDs returns linkedids with a CDR calldate greater than
// watermark, ordered by most-recently-updated, capped at batch — the
// per-tick query from spec.md §4.1. The watermark advances to the maximum
// calldate seen, never to wall-clock, so polling is gap-safe across
// restarts.
func (s *DBSource) UpdatedLinkedIDs(ctx context.Context, watermark time.Time, batch int) ([]string, time.Time, error) {
	query := fmt.Sprintf(
		`SELECT DISTINCT linkedid, MAX(calldate) AS maxdate FROM %s WHERE calldate > ? GROUP BY linkedid ORDER BY maxdate DESC LIMIT ?`,
		s.cfg.CDRTable)

	rows, err := s.db.QueryContext(ctx, query, watermark, batch)
	if err != nil {
		return nil, watermark, errors.Wrap(err, errors.ErrSourceUnavailable, "failed to poll CDR table")
	}
	defer rows.Close()

	var ids []string
	newWatermark := watermark
	for rows.Next() {
		var linkedID string
		var maxDate time.Time
		if err := rows.Scan(&linkedID, &maxDate); err != nil {
			logger.WithError(err).Warn("skipping malformed CDR poll row")
			continue
		}
		ids = append(ids, linkedID)
		if maxDate.After(newWatermark) {
			newWatermark = maxDate
		}
	}

	if s.cel.Mode == "db" {
		celIDs, err := s.updatedLinkedIDsFromCEL(ctx, watermark, batch)
		if err != nil {
			logger.WithError(err).Warn("CEL watermark poll failed, continuing with CDR-only linkedids")
		} else {
			ids = mergeUnique(ids, celIDs)
		}
	}

	return ids, newWatermark, rows.Err()
}

func (s *DBSource) updatedLinkedIDsFromCEL(ctx context.Context, watermark time.Time, batch int) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT DISTINCT linkedid FROM %s WHERE eventtime > ? LIMIT ?`,
		s.cfg.CELTable)
	rows, err := s.db.QueryContext(ctx, query, watermark, batch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func mergeUnique(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	out := append([]string{}, a...)
	for _, v := range a {
		seen[v] = true
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// CDRsFor fetches the full CDR rows for linkedID, ordered by calldate.
func (s *DBSource) CDRsFor(ctx context.Context, linkedID string) ([]models.CDR, error) {
	query := fmt.Sprintf(
		`SELECT calldate, src, dst, context, dcontext, channel, dstchannel, disposition, duration, billsec,
		        uniqueid, linkedid, accountcode, amaflags, lastapp, lastdata
		 FROM %s WHERE linkedid = ? ORDER BY calldate ASC`, s.cfg.CDRTable)

	rows, err := s.db.QueryContext(ctx, query, linkedID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSourceUnavailable, "failed to fetch CDRs")
	}
	defer rows.Close()

	var out []models.CDR
	for rows.Next() {
		var c models.CDR
		if err := rows.Scan(&c.CallDate, &c.Src, &c.Dst, &c.Context, &c.DContext, &c.Channel, &c.DstChannel,
			&c.Disposition, &c.Duration, &c.BillSec, &c.UniqueID, &c.LinkedID, &c.AccountCode, &c.AMAFlags,
			&c.LastApp, &c.LastData); err != nil {
			logger.WithError(err).Warn("skipping malformed CDR row")
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CELsFor fetches the full CEL rows for linkedID from the database, ordered
// by eventtime. Only used when CEL mode is "db".
func (s *DBSource) CELsFor(ctx context.Context, linkedID string) ([]models.CEL, error) {
	query := fmt.Sprintf(
		`SELECT eventtime, eventtype, cid_name, cid_num, cid_ani, cid_rdnis, cid_dnid, exten, context,
		        channame, appname, appdata, uniqueid, linkedid, peer
		 FROM %s WHERE linkedid = ? ORDER BY eventtime ASC`, s.cfg.CELTable)

	rows, err := s.db.QueryContext(ctx, query, linkedID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSourceUnavailable, "failed to fetch CELs")
	}
	defer rows.Close()

	var out []models.CEL
	for rows.Next() {
		var c models.CEL
		if err := rows.Scan(&c.EventTime, &c.EventType, &c.CidName, &c.CidNum, &c.CidANI, &c.CidRDNIS, &c.CidDNID,
			&c.Exten, &c.Context, &c.ChanName, &c.AppName, &c.AppData, &c.UniqueID, &c.LinkedID, &c.Peer); err != nil {
			logger.WithError(err).Warn("skipping malformed CEL row")
			continue
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
