package source

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hamzaKhattat/asterisk-call-agent/internal/models"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/errors"
	"github.com/hamzaKhattat/asterisk-call-agent/pkg/logger"
)

// celEventNames is the closed set of event names the CSV boundary matcher
// recognizes. An event type outside this set is silently merged into the
// previous row, matching the lossy behavior flagged in spec.md §9 as
// "acceptable" upstream behavior that this agent preserves rather than
// guesses around.
var celEventNames = []string{
	models.EventChanStart, models.EventChanEnd, models.EventAnswer, models.EventHangup,
	models.EventBridgeEnter, models.EventBridgeExit, models.EventAppStart, models.EventAppEnd,
	models.EventLinkedIDEnd, models.EventDTMFBegin, models.EventDTMFEnd,
	models.EventBlindTransfer, models.EventAttendedTransfer,
}

var eventBoundaryPattern = regexp.MustCompile(
	`"(` + strings.Join(celEventNames, "|") + `)",`)

// CSVSource tails cel_custom.conf-style CSV output instead of querying a CEL
// table, for installations that log CEL to file (spec.md §4.1 "CSV mode";
// SPEC_FULL.md §4 "CSV-mode CEL ingestion"). Grounded on
// original_source/src/database_connector.py:_get_cel_from_csv, whose event-
// boundary regex technique is needed because Asterisk's CSV backend embeds
// raw newlines inside quoted fields — naive encoding/csv line splitting
// would corrupt those rows.
type CSVSource struct {
	path    string
	lineCap int
	cacheTTL time.Duration

	mu       sync.Mutex
	cache    map[string][]models.CEL
	cachedAt time.Time
	modTime  time.Time
}

func NewCSVSource(path string, lineCap int, cacheTTL time.Duration) *CSVSource {
	return &CSVSource{
		path:     path,
		lineCap:  lineCap,
		cacheTTL: cacheTTL,
		cache:    make(map[string][]models.CEL),
	}
}

// CheckReadable verifies the CSV path is present and readable, part of the
// agent's fatal-startup gate when CEL mode is csv (spec.md §7).
func (c *CSVSource) CheckReadable() error {
	f, err := os.Open(c.path)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfiguration, "CEL CSV path unreadable")
	}
	return f.Close()
}

// CELsFor returns cached CEL events for linkedID, re-tailing the file when
// its modification time has advanced past the cached snapshot or the cache
// has expired. ctx is unused (the file tail is local and non-blocking) but
// kept so CSVSource satisfies the same CELSource interface as DBSource.
func (c *CSVSource) CELsFor(_ context.Context, linkedID string) ([]models.CEL, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	info, err := os.Stat(c.path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrSourceUnavailable, "CEL CSV path unreadable")
	}

	stale := info.ModTime().After(c.modTime) || time.Since(c.cachedAt) > c.cacheTTL
	if stale {
		if err := c.reload(); err != nil {
			return nil, err
		}
		c.modTime = info.ModTime()
		c.cachedAt = time.Now()
	}

	return c.cache[linkedID], nil
}

func (c *CSVSource) reload() error {
	f, err := os.Open(c.path)
	if err != nil {
		return errors.Wrap(err, errors.ErrSourceUnavailable, "failed to open CEL CSV")
	}
	defer f.Close()

	reader := bufio.NewReaderSize(f, 1<<20)
	var buf strings.Builder
	lines := 0

	cache := make(map[string][]models.CEL)

	flush := func() {
		raw := buf.String()
		buf.Reset()
		if strings.TrimSpace(raw) == "" {
			return
		}
		cel, err := parseCELLine(raw)
		if err != nil {
			logger.WithField("error", err.Error()).Warn("dropping malformed CEL CSV row")
			return
		}
		if cel.LinkedID == "" {
			logger.Warn("dropping CEL CSV row missing linkedid")
			return
		}
		cache[cel.LinkedID] = append(cache[cel.LinkedID], *cel)
	}

	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			lines++
			if lines > c.lineCap {
				logger.WithField("line_cap", c.lineCap).Warn("CEL CSV line cap reached, truncating this read")
				break
			}
			if eventBoundaryPattern.MatchString(line) && buf.Len() > 0 {
				flush()
			}
			buf.WriteString(line)
		}
		if err != nil {
			break
		}
	}
	flush()

	c.cache = cache
	return nil
}

// parseCELLine parses one (possibly multi-physical-line) CSV record using
// the fixed 19-column schema from spec.md §4.1.
func parseCELLine(raw string) (*models.CEL, error) {
	fields, err := splitQuotedCSV(raw)
	if err != nil {
		return nil, err
	}
	if len(fields) < 16 {
		return nil, fmt.Errorf("expected at least 16 fields, got %d", len(fields))
	}

	eventTime, _ := parseCELTime(fields[1])
	amaflags, _ := strconv.Atoi(fields[12])
	_ = amaflags

	return &models.CEL{
		EventType: fields[0],
		EventTime: eventTime,
		CidName:   fields[2],
		CidNum:    fields[3],
		CidANI:    fields[4],
		CidRDNIS:  fields[5],
		CidDNID:   fields[6],
		Exten:     fields[7],
		Context:   fields[8],
		ChanName:  fields[9],
		AppName:   fields[10],
		AppData:   fields[11],
		UniqueID:  fields[14],
		LinkedID:  fields[15],
		Peer:      field(fields, 16),
		Extra:     field(fields, 18),
	}, nil
}

func field(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}

func parseCELTime(s string) (time.Time, error) {
	layouts := []string{"2006-01-02 15:04:05.000000", "2006-01-02 15:04:05", time.RFC3339}
	var err error
	for _, l := range layouts {
		var t time.Time
		if t, err = time.Parse(l, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}

// splitQuotedCSV splits one double-quoted, comma-separated record (which may
// itself contain embedded, escaped newlines already folded in by the
// boundary scan) into fields.
func splitQuotedCSV(raw string) ([]string, error) {
	var fields []string
	var cur strings.Builder
	inQuotes := false

	runes := []rune(strings.TrimRight(raw, "\r\n"))
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '"':
			if inQuotes && i+1 < len(runes) && runes[i+1] == '"' {
				cur.WriteRune('"')
				i++
			} else {
				inQuotes = !inQuotes
			}
		case r == ',' && !inQuotes:
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields, nil
}
