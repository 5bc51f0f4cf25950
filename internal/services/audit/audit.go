// Package audit keeps a tamper-evident record of notable middleware
// events. Records form a hash chain: each entry's hash covers the
// previous entry's hash, so editing any retained record breaks
// verification from that point on.
package audit

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/amerfu/spendgate/pkg/events"
)

// Severity ranks records. The log drops anything below its configured
// minimum before it touches the chain.
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// ParseSeverity maps a config string to a severity. Unknown values
// fall back to info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return SeverityDebug
	case "warning", "warn":
		return SeverityWarning
	case "critical", "crit":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// Hash algorithm names as recorded on each entry. The xxhash variant
// exists for builds that must avoid crypto; its name says so.
const (
	AlgoSHA256 = "sha256"
	AlgoXXHash = "xxhash64(insecure)"
)

// genesisHash anchors the first record of an unpruned chain.
var genesisHash = strings.Repeat("0", 64)

// Record is one chained audit entry. Severity is stored in string form
// so the hashed bytes and the exports agree.
type Record struct {
	Seq         uint64          `json:"seq"`
	Timestamp   time.Time       `json:"timestamp"`
	EventType   string          `json:"eventType"`
	Severity    string          `json:"severity"`
	Module      string          `json:"module"`
	UserID      string          `json:"userId,omitempty"`
	Model       string          `json:"model,omitempty"`
	Description string          `json:"description"`
	Data        json.RawMessage `json:"data,omitempty"`
	PrevHash    string          `json:"prevHash"`
	Hash        string          `json:"hash"`
	HashAlgo    string          `json:"hashAlgo"`
}

// Entry describes an event to append. Data is marshaled once at append
// time so later mutation of the caller's value cannot rewrite history.
// A zero Time is stamped with the log's clock.
type Entry struct {
	Time        time.Time
	EventType   string
	Severity    Severity
	Module      string
	UserID      string
	Model       string
	Description string
	Data        interface{}
}

// Integrity summarizes a verification pass over the retained chain.
// VerifiedFrom is the sequence number the walk anchored on; after
// pruning that is the oldest retained record rather than seq 1.
type Integrity struct {
	Valid        bool   `json:"valid"`
	BrokenAt     uint64 `json:"brokenAt,omitempty"`
	Pruned       bool   `json:"pruned,omitempty"`
	VerifiedFrom uint64 `json:"verifiedFrom,omitempty"`
}

// Config tunes the log. Zero values mean: record everything, retain
// defaultMaxEntries, hash with sha256.
type Config struct {
	MinSeverity Severity
	MaxEntries  int
	// InsecureHash switches the chain to the non-cryptographic xxhash
	// fallback. Every record carries the algorithm name, so mixed
	// chains still verify.
	InsecureHash bool
	Logger       *zap.Logger
	Now          func() time.Time
}

const defaultMaxEntries = 1000

// Log is an append-only, hash-chained audit trail with bounded
// retention.
type Log struct {
	mu          sync.Mutex
	minSeverity Severity
	maxEntries  int
	algo        string
	logger      *zap.Logger
	now         func() time.Time

	records     []Record
	nextSeq     uint64
	lastHash    string
	pruned      bool
	unsubscribe func()
}

func New(cfg Config) *Log {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	algo := AlgoSHA256
	if cfg.InsecureHash {
		algo = AlgoXXHash
		cfg.Logger.Warn("audit chain using non-cryptographic hash",
			zap.String("algo", AlgoXXHash))
	}
	return &Log{
		minSeverity: cfg.MinSeverity,
		maxEntries:  cfg.MaxEntries,
		algo:        algo,
		logger:      cfg.Logger,
		now:         cfg.Now,
		nextSeq:     1,
		lastHash:    genesisHash,
	}
}

// Append chains a new record. Entries below the minimum severity are
// no-ops. Unserializable data is dropped from the record rather than
// failing the append; the audit trail never blocks its caller.
func (l *Log) Append(e Entry) {
	if e.Severity < l.minSeverity {
		return
	}
	var data json.RawMessage
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			l.logger.Warn("audit data not serializable",
				zap.String("event_type", e.EventType), zap.Error(err))
		} else {
			data = b
		}
	}
	ts := e.Time
	if ts.IsZero() {
		ts = l.now()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	rec := Record{
		Seq:         l.nextSeq,
		Timestamp:   ts.UTC(),
		EventType:   e.EventType,
		Severity:    e.Severity.String(),
		Module:      e.Module,
		UserID:      e.UserID,
		Model:       e.Model,
		Description: e.Description,
		Data:        data,
		PrevHash:    l.lastHash,
		HashAlgo:    l.algo,
	}
	rec.Hash = digest(l.algo, rec.PrevHash, canonicalBody(rec))

	if len(l.records) >= l.maxEntries {
		l.records = l.records[1:]
		l.pruned = true
	}
	l.records = append(l.records, rec)
	l.nextSeq++
	l.lastHash = rec.Hash
}

// Records returns a copy of the retained chain, oldest first.
func (l *Log) Records() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Record, len(l.records))
	copy(out, l.records)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

func (l *Log) Pruned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pruned
}

// VerifyIntegrity recomputes every retained hash and checks the links
// between records. After pruning, the walk anchors on the first
// retained record's PrevHash instead of the genesis sentinel.
func (l *Log) VerifyIntegrity() Integrity {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verifyLocked()
}

func (l *Log) verifyLocked() Integrity {
	return verifyRecords(l.records, l.pruned)
}

func verifyRecords(records []Record, pruned bool) Integrity {
	rep := Integrity{Valid: true, Pruned: pruned}
	if len(records) == 0 {
		return rep
	}
	rep.VerifiedFrom = records[0].Seq
	prev := genesisHash
	if pruned {
		prev = records[0].PrevHash
	}
	for _, r := range records {
		if r.PrevHash != prev || digest(r.HashAlgo, r.PrevHash, canonicalBody(r)) != r.Hash {
			rep.Valid = false
			rep.BrokenAt = r.Seq
			return rep
		}
		prev = r.Hash
	}
	return rep
}

// exportEnvelope is the JSON dump shape.
type exportEnvelope struct {
	ExportedAt   time.Time `json:"exportedAt"`
	Integrity    Integrity `json:"integrity"`
	TotalEntries int       `json:"totalEntries"`
	Entries      []Record  `json:"entries"`
}

// ExportJSON writes the retained chain with an integrity summary.
func (l *Log) ExportJSON(w io.Writer) error {
	l.mu.Lock()
	env := exportEnvelope{
		ExportedAt:   l.now().UTC(),
		Integrity:    l.verifyLocked(),
		TotalEntries: len(l.records),
		Entries:      append([]Record(nil), l.records...),
	}
	l.mu.Unlock()

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(env)
}

// VerifyExport re-runs chain verification over a JSON export, so a
// dump can be checked long after the process that wrote it is gone.
// The export's own integrity summary is ignored; only the records
// count.
func VerifyExport(r io.Reader) (Integrity, error) {
	var env exportEnvelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return Integrity{}, fmt.Errorf("audit: decode export: %w", err)
	}
	return verifyRecords(env.Entries, env.Integrity.Pruned), nil
}

// csvHeader is the export column order. Consumers parse by position,
// so the order is part of the format.
var csvHeader = []string{
	"seq", "timestamp", "eventType", "severity", "module",
	"userId", "model", "description", "data", "hash",
}

// ExportCSV writes one row per retained record. encoding/csv quotes
// embedded commas, quotes and newlines per RFC 4180.
func (l *Log) ExportCSV(w io.Writer) error {
	records := l.Records()
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			strconv.FormatUint(r.Seq, 10),
			r.Timestamp.Format(time.RFC3339Nano),
			r.EventType,
			r.Severity,
			r.Module,
			r.UserID,
			r.Model,
			r.Description,
			string(r.Data),
			r.Hash,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Attach subscribes the log to every event on the bus, replacing any
// previous attachment. Detach with Dispose.
func (l *Log) Attach(bus *events.Bus) {
	if bus == nil {
		return
	}
	l.Dispose()
	unsub := bus.SubscribeAll(func(evt events.Event) {
		l.Append(entryFor(evt))
	})
	l.mu.Lock()
	l.unsubscribe = unsub
	l.mu.Unlock()
}

// Dispose detaches the log from its bus. The chain itself is retained.
func (l *Log) Dispose() {
	l.mu.Lock()
	unsub := l.unsubscribe
	l.unsubscribe = nil
	l.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// canonicalBody serializes a record for hashing with both hash fields
// cleared. Field order is fixed by the struct, so the bytes are stable
// across append and verify.
func canonicalBody(r Record) []byte {
	r.Hash = ""
	r.HashAlgo = ""
	b, _ := json.Marshal(r)
	return b
}

// digest hashes prev ∥ body with the named algorithm. An unknown name
// hashes as sha256, which can only fail verification, never pass it.
func digest(algo, prev string, body []byte) string {
	if algo == AlgoXXHash {
		h := xxhash.New()
		h.WriteString(prev)
		h.Write(body)
		return fmt.Sprintf("%016x", h.Sum64())
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// severityFor ranks bus event types for the trail. Anomalies carry
// their own severity in the payload and override this.
func severityFor(t events.Type) Severity {
	switch t {
	case events.BreakerTripped, events.BudgetExceeded:
		return SeverityCritical
	case events.RequestBlocked, events.BreakerWarning, events.BudgetWarning,
		events.StorageError, events.StreamAbort:
		return SeverityWarning
	case events.CacheHit, events.ContextTrimmed, events.RouterDowngrade,
		events.LedgerEntry, events.CostFallback:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}

// moduleFor takes the module name from the event type prefix, so
// "userBudget:exceeded" files under "userBudget".
func moduleFor(t events.Type) string {
	s := string(t)
	if i := strings.IndexByte(s, ':'); i > 0 {
		return s[:i]
	}
	return s
}

// entryFor flattens a bus event into an audit entry, lifting user and
// model identity out of the payloads that carry them.
func entryFor(evt events.Event) Entry {
	e := Entry{
		Time:        evt.Time,
		EventType:   string(evt.Type),
		Severity:    severityFor(evt.Type),
		Module:      moduleFor(evt.Type),
		Description: string(evt.Type),
		Data:        evt.Payload,
	}
	switch p := evt.Payload.(type) {
	case events.BlockedPayload:
		e.UserID, e.Model = p.UserID, p.Model
		e.Description = "request blocked: " + p.Reason
	case events.AllowedPayload:
		e.UserID, e.Model = p.UserID, p.Model
		e.Description = "request admitted"
	case events.CachePayload:
		e.Model = p.Model
		switch evt.Type {
		case events.CacheHit:
			e.Description = "cache hit (" + p.MatchType + ")"
		case events.CacheMiss:
			e.Description = "cache miss"
		default:
			e.Description = "response cached"
		}
	case events.TrimPayload:
		e.Description = fmt.Sprintf("trimmed %d messages, saved %d tokens",
			p.DroppedMessages, p.SavedTokens)
	case events.RoutePayload:
		e.Model = p.FromModel
		if evt.Type == events.RouterHoldback {
			e.Description = "routing held back for baseline"
		} else {
			e.Description = fmt.Sprintf("rerouted %s to %s", p.FromModel, p.ToModel)
		}
	case events.LedgerPayload:
		e.UserID, e.Model = p.UserID, p.Model
		e.Description = fmt.Sprintf("ledger entry: $%.6f", p.CostUSD)
	case events.BreakerPayload:
		if evt.Type == events.BreakerTripped {
			e.Description = fmt.Sprintf("breaker tripped on %s window", p.Window)
		} else {
			e.Description = fmt.Sprintf("breaker at %.0f%% of %s limit",
				p.PercentUsed, p.Window)
		}
	case events.BudgetPayload:
		e.UserID = p.UserID
		if evt.Type == events.BudgetExceeded {
			e.Description = "user budget exceeded"
		} else {
			e.Description = "user budget warning"
		}
	case events.SpendPayload:
		e.UserID, e.Model = p.UserID, p.Model
		e.Description = fmt.Sprintf("spend recorded: $%.6f", p.CostUSD)
	case events.StreamPayload:
		e.Model = p.Model
		switch evt.Type {
		case events.StreamAbort:
			e.Description = "stream aborted: " + p.Reason
		case events.StreamComplete:
			e.Description = "stream completed"
		default:
			e.Description = "stream chunk"
		}
	case events.AnomalyPayload:
		e.UserID, e.Model = p.UserID, p.Model
		e.Severity = ParseSeverity(p.Severity)
		e.Description = fmt.Sprintf("cost anomaly: z=%.2f", p.ZScore)
	case events.CompressPayload:
		e.Description = fmt.Sprintf("compressed prompt, saved %d tokens", p.SavedTokens)
	case events.DeltaPayload:
		e.Description = fmt.Sprintf("delta encoded, saved %d tokens", p.SavedTokens)
	case events.StoragePayload:
		e.Description = "storage error during " + p.Op
	case events.FallbackPayload:
		e.Model = p.Model
		e.Description = "fallback pricing used"
	}
	return e
}
