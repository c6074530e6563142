// Package models holds the data model shared by every subsystem of the
// agent: the raw CDR/CEL rows read from the switch, the consolidated
// document shipped to the ingestion API, and the durable state records kept
// in the local store.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Disposition is the terminal status of a call leg.
type Disposition string

const (
	DispositionAnswered   Disposition = "ANSWERED"
	DispositionNoAnswer   Disposition = "NO ANSWER"
	DispositionBusy       Disposition = "BUSY"
	DispositionFailed     Disposition = "FAILED"
	DispositionCongestion Disposition = "CONGESTION"
	DispositionNull       Disposition = "NULL"
)

// Direction labels the inferred call direction.
type Direction string

const (
	DirectionInbound  Direction = "i"
	DirectionOutbound Direction = "o"
	DirectionInternal Direction = "x"
)

// ShipPhase labels which emission of a call document this is.
type ShipPhase string

const (
	ShipPhaseInitial  ShipPhase = "initial"
	ShipPhaseUpdate   ShipPhase = "update"
	ShipPhaseComplete ShipPhase = "complete"
)

// CDR is one row from the switch's Call Detail Record table. The agent never
// writes to this table; it is a read-only input.
type CDR struct {
	CallDate    time.Time   `db:"calldate"`
	Src         string      `db:"src"`
	Dst         string      `db:"dst"`
	Context     string      `db:"context"`
	DContext    string      `db:"dcontext"`
	Channel     string      `db:"channel"`
	DstChannel  string      `db:"dstchannel"`
	Disposition Disposition `db:"disposition"`
	Duration    int         `db:"duration"`
	BillSec     int         `db:"billsec"`
	UniqueID    string      `db:"uniqueid"`
	LinkedID    string      `db:"linkedid"`
	AccountCode string      `db:"accountcode"`
	AMAFlags    int         `db:"amaflags"`
	LastApp     string      `db:"lastapp"`
	LastData    string      `db:"lastdata"`
}

// CEL event types the agent understands. Unrecognized event names pass
// through untouched; only the ones in EventAllowlist are projected into a
// consolidated document's call_threads.
const (
	EventChanStart        = "CHAN_START"
	EventChanEnd          = "CHAN_END"
	EventAnswer           = "ANSWER"
	EventHangup           = "HANGUP"
	EventBridgeEnter      = "BRIDGE_ENTER"
	EventBridgeExit       = "BRIDGE_EXIT"
	EventAppStart         = "APP_START"
	EventAppEnd           = "APP_END"
	EventLinkedIDEnd      = "LINKEDID_END"
	EventDTMFBegin        = "DTMF_BEGIN"
	EventDTMFEnd          = "DTMF_END"
	EventBlindTransfer    = "BLINDTRANSFER"
	EventAttendedTransfer = "ATTENDEDTRANSFER"
)

// EventAllowlist is the fixed, ordered set of CEL event types projected into
// a consolidated document's call_threads. Order determines tie-break among
// CELs sharing a timestamp (see Aggregator).
var EventAllowlist = []string{
	EventChanStart,
	EventAnswer,
	EventBridgeEnter,
	EventBridgeExit,
	EventBlindTransfer,
	EventAttendedTransfer,
	EventHangup,
	EventLinkedIDEnd,
}

// CEL is one row from the switch's Channel Event Log.
type CEL struct {
	EventTime time.Time `db:"eventtime"`
	EventType string    `db:"eventtype"`
	CidName   string    `db:"cid_name"`
	CidNum    string    `db:"cid_num"`
	CidANI    string    `db:"cid_ani"`
	CidRDNIS  string    `db:"cid_rdnis"`
	CidDNID   string    `db:"cid_dnid"`
	Exten     string    `db:"exten"`
	Context   string    `db:"context"`
	ChanName  string    `db:"channame"`
	AppName   string    `db:"appname"`
	AppData   string    `db:"appdata"`
	UniqueID  string    `db:"uniqueid"`
	LinkedID  string    `db:"linkedid"`
	Peer      string    `db:"peer"`
	Extra     string    `db:"extra"`
}

// CallGroup is the set of CDRs and CELs sharing one linkedid, as held
// in-memory by the Aggregator between polls.
type CallGroup struct {
	LinkedID string
	CDRs     []CDR
	CELs     []CEL
}

// CallDate returns the group's call time: the minimum CDR calldate.
func (g *CallGroup) CallDate() time.Time {
	var min time.Time
	for i, c := range g.CDRs {
		if i == 0 || c.CallDate.Before(min) {
			min = c.CallDate
		}
	}
	return min
}

// DurationSeconds returns the group's duration: the maximum CDR duration.
func (g *CallGroup) DurationSeconds() int {
	max := 0
	for _, c := range g.CDRs {
		if c.Duration > max {
			max = c.Duration
		}
	}
	return max
}

// Disposition returns the disposition of the CDR with the greatest duration,
// falling back to the first CDR's disposition, matching the group's overall
// outcome.
func (g *CallGroup) Disposition() Disposition {
	if len(g.CDRs) == 0 {
		return DispositionNull
	}
	best := g.CDRs[0]
	for _, c := range g.CDRs[1:] {
		if c.Duration > best.Duration {
			best = c
		}
	}
	return best.Disposition
}

// EventProjection is one entry of a consolidated document's call_threads.
type EventProjection struct {
	Time  time.Time              `json:"time"`
	Event string                 `json:"event"`
	Extra map[string]interface{} `json:"-"`
}

// MarshalJSON flattens Extra alongside Time/Event so the wire shape matches
// spec.md §6: { "time": ..., "event": ..., ... }.
func (p EventProjection) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(p.Extra)+2)
	for k, v := range p.Extra {
		out[k] = v
	}
	out["time"] = p.Time.UTC().Format(time.RFC3339)
	out["event"] = p.Event
	return json.Marshal(out)
}

// ConsolidatedCall is the unit shipped to the ingestion API.
type ConsolidatedCall struct {
	LinkedID         string            `json:"linkedid"`
	IsComplete       bool              `json:"is_complete"`
	CallTime         time.Time         `json:"call_time"`
	DurationSeconds  int               `json:"duration_seconds"`
	Direction        Direction         `json:"direction"`
	Disposition      Disposition       `json:"disposition"`
	SrcNumber        *string           `json:"src_number,omitempty"`
	SrcExtension     *string           `json:"src_extension,omitempty"`
	SrcName          *string           `json:"src_name,omitempty"`
	DstNumber        *string           `json:"dst_number,omitempty"`
	DstExtension     *string           `json:"dst_extension,omitempty"`
	DstName          *string           `json:"dst_name,omitempty"`
	Tenant           *string           `json:"tenant,omitempty"`
	Hostname         string            `json:"hostname"`
	Connector        string            `json:"connector"`
	ConnectorVersion string            `json:"connector_version"`
	CustomerID       int               `json:"customer_id"`
	CallThreads      []EventProjection `json:"call_threads"`
	CallThreadsCount int               `json:"call_threads_count"`
	RecordingFiles   []string          `json:"recording_files,omitempty"`
	ShipPhase        ShipPhase         `json:"ship_phase"`
	ShippedAt        time.Time         `json:"shipped_at"`
}

// RecordingDescriptor tracks one audio file from recording-start through
// upload. Owned exclusively by the local state store.
type RecordingDescriptor struct {
	Filename            string    `json:"filename"`
	Channel             string    `json:"channel"`
	UniqueID            string    `json:"uniqueid"`
	LinkedID            string    `json:"linkedid"`
	CallerIDNum         string    `json:"callerid_num"`
	Exten               string    `json:"exten"`
	Context             string    `json:"context"`
	StartedAt           time.Time `json:"started_at"`
	StoppedAt           *time.Time `json:"stopped_at,omitempty"`
	FilePath            string    `json:"file_path"`
	FileSize            int64     `json:"file_size"`
	LastSizeCheck       time.Time `json:"last_size_check"`
	SizeStableCount     int       `json:"size_stable_count"`
	FileExists          bool      `json:"file_exists"`
	RecordingComplete   bool      `json:"recording_complete"`
	Uploaded            bool      `json:"uploaded"`
	UploadAttempts      int       `json:"upload_attempts"`
	UploadStatus        int       `json:"upload_status"`
	LastUploadError     string    `json:"last_upload_error,omitempty"`
	EarliestUploadTime  time.Time `json:"earliest_upload_time"`
}

// CallShippingState is the per-linkedid durable retry/dedup record.
type CallShippingState struct {
	LinkedID    string    `json:"linkedid"`
	FirstSeen   time.Time `json:"first_seen"`
	LastUpdated time.Time `json:"last_updated"`
	IsComplete  bool      `json:"is_complete"`
	LastCDRCount int      `json:"last_cdr_count"`
	LastCELCount int      `json:"last_cel_count"`
	ShippedAt   time.Time `json:"shipped_at"`
	ShipCount   int       `json:"ship_count"`
	ErrorCount  int       `json:"error_count"`
	LastError   string    `json:"last_error,omitempty"`
	LastPhase   ShipPhase `json:"last_phase,omitempty"`
}

// JSON is a generic db-scannable JSON blob, used by the local audit log.
type JSON map[string]interface{}

func (j JSON) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSON)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// ShipmentLogEntry is one row of the optional MySQL-backed shipment audit
// trail (internal/localdb).
type ShipmentLogEntry struct {
	ID         int64     `db:"id"`
	LinkedID   string    `db:"linkedid"`
	Phase      ShipPhase `db:"phase"`
	Success    bool      `db:"success"`
	StatusCode int       `db:"status_code"`
	Error      string    `db:"error"`
	ShippedAt  time.Time `db:"shipped_at"`
}
