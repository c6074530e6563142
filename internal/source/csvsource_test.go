package source

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSplitQuotedCSVHandlesEscapedQuotes(t *testing.T) {
	fields, err := splitQuotedCSV(`"CHAN_START","2026-01-01 00:00:00.000000","Bob ""The Builder""","1001"`)
	if err != nil {
		t.Fatalf("splitQuotedCSV failed: %v", err)
	}
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d: %v", len(fields), fields)
	}
	if fields[2] != `Bob "The Builder"` {
		t.Fatalf("expected escaped quote unescaped, got %q", fields[2])
	}
}

func TestParseCELTimeTriesLayouts(t *testing.T) {
	if _, err := parseCELTime("2026-01-01 12:30:00.123456"); err != nil {
		t.Fatalf("expected microsecond layout to parse: %v", err)
	}
	if _, err := parseCELTime("2026-01-01 12:30:00"); err != nil {
		t.Fatalf("expected second layout to parse: %v", err)
	}
	if _, err := parseCELTime("not-a-time"); err == nil {
		t.Fatalf("expected unparsable time to error")
	}
}

func TestParseCELLineFixedSchema(t *testing.T) {
	row := `"ANSWER","2026-01-01 00:00:01.000000","Bob","1001","","","","1002","from-internal","PJSIP/1001-1","","","3","","uniq1","linked1","peer1","extra1","more"` + "\n"
	cel, err := parseCELLine(row)
	if err != nil {
		t.Fatalf("parseCELLine failed: %v", err)
	}
	if cel.EventType != "ANSWER" || cel.LinkedID != "linked1" || cel.UniqueID != "uniq1" {
		t.Fatalf("unexpected parse result: %+v", cel)
	}
}

func TestParseCELLineRejectsTooFewFields(t *testing.T) {
	if _, err := parseCELLine(`"ANSWER","2026-01-01 00:00:01"`); err == nil {
		t.Fatalf("expected error for a malformed short row")
	}
}

func TestCSVSourceCELsForGroupsByLinkedID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cel_custom.csv")
	row1 := `"CHAN_START","2026-01-01 00:00:00.000000","Bob","1001","","","","1002","from-internal","PJSIP/1001-1","","","3","","uniq1","linked1","peer1","extra1","more"` + "\n"
	row2 := `"HANGUP","2026-01-01 00:00:05.000000","Bob","1001","","","","1002","from-internal","PJSIP/1001-1","","","3","","uniq1","linked1","peer1","extra1","more"` + "\n"
	if err := os.WriteFile(path, []byte(row1+row2), 0o644); err != nil {
		t.Fatalf("failed to write test CSV: %v", err)
	}

	src := NewCSVSource(path, 10000, time.Hour)
	cels, err := src.CELsFor(nil, "linked1")
	if err != nil {
		t.Fatalf("CELsFor failed: %v", err)
	}
	if len(cels) != 2 {
		t.Fatalf("expected 2 CELs for linked1, got %d: %+v", len(cels), cels)
	}

	none, err := src.CELsFor(nil, "nonexistent")
	if err != nil {
		t.Fatalf("CELsFor failed: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("expected no CELs for an unknown linkedid, got %+v", none)
	}
}

func TestCSVSourceCheckReadable(t *testing.T) {
	src := NewCSVSource("/nonexistent/path.csv", 1000, time.Hour)
	if err := src.CheckReadable(); err == nil {
		t.Fatalf("expected error for unreadable path")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "cel.csv")
	os.WriteFile(path, []byte("data"), 0o644)
	src2 := NewCSVSource(path, 1000, time.Hour)
	if err := src2.CheckReadable(); err != nil {
		t.Fatalf("expected readable path to pass, got %v", err)
	}
}
