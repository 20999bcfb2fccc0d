// Package journal persists the communication and audit history of the
// instance network as append-only JSONL files, plus a sqlite index of
// instance lifecycles for offline inspection.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/hivemux/internal/log"
	"github.com/zjrosen/hivemux/internal/orchestration/registry"
)

// AuditRetention is how long daily audit files are kept.
const AuditRetention = 30 * 24 * time.Hour

// Direction marks which way a communication record flowed.
type Direction string

const (
	Sent     Direction = "sent"
	Received Direction = "received"
)

// CommRecord is one entry in an instance's communication journal.
type CommRecord struct {
	Direction      Direction   `json:"direction"`
	Peer           registry.ID `json:"peer"`
	MessageID      string      `json:"message_id,omitempty"`
	Content        string      `json:"content"`
	Tokens         int         `json:"tokens"`
	CostUSD        float64     `json:"cost_usd"`
	ResponseTimeMS int64       `json:"response_time_ms,omitempty"`
	At             time.Time   `json:"at"`
}

// Audit event types.
const (
	AuditSpawn     = "instance_spawn"
	AuditExchange  = "message_exchange"
	AuditTerminate = "instance_terminate"
)

// AuditEvent is one entry in the daily audit log.
type AuditEvent struct {
	Type       string      `json:"type"`
	InstanceID registry.ID `json:"instance_id,omitempty"`
	Name       string      `json:"name,omitempty"`
	Kind       string      `json:"kind,omitempty"`
	Role       string      `json:"role,omitempty"`
	ParentID   registry.ID `json:"parent_id,omitempty"`
	From       registry.ID `json:"from,omitempty"`
	To         registry.ID `json:"to,omitempty"`
	MessageID  string      `json:"message_id,omitempty"`
	Tokens     int         `json:"tokens,omitempty"`
	CostUSD    float64     `json:"cost_usd,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	At         time.Time   `json:"at"`
}

// fileWriter serializes writes to one JSONL file through a single
// goroutine. Every record is written (and therefore flushed) before the
// next is accepted from the channel.
type fileWriter struct {
	path string
	ch   chan []byte
	done chan struct{}
}

func newFileWriter(path string) *fileWriter {
	w := &fileWriter{
		path: path,
		ch:   make(chan []byte, 64),
		done: make(chan struct{}),
	}
	log.SafeGo("journal-writer:"+filepath.Base(path), w.run)
	return w
}

func (w *fileWriter) run() {
	defer close(w.done)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.ErrorErr(log.CatJournal, "open journal file", err, "path", w.path)
		// Drain so writers never block on a dead file.
		for range w.ch {
		}
		return
	}
	defer f.Close()

	for line := range w.ch {
		if _, err := f.Write(append(line, '\n')); err != nil {
			log.ErrorErr(log.CatJournal, "write journal record", err, "path", w.path)
		}
	}
}

func (w *fileWriter) write(v any) {
	line, err := json.Marshal(v)
	if err != nil {
		log.ErrorErr(log.CatJournal, "encode journal record", err, "path", w.path)
		return
	}
	w.ch <- line
}

func (w *fileWriter) close() {
	close(w.ch)
	<-w.done
}

// auditWriter appends to the daily audit files through a single
// goroutine. Each record carries its own day, and the goroutine rolls
// to the next file itself, so a concurrent Audit can never race a file
// being closed at midnight.
type auditWriter struct {
	dir  string
	ch   chan auditLine
	done chan struct{}
}

type auditLine struct {
	day  string
	data []byte
}

func newAuditWriter(dir string) *auditWriter {
	w := &auditWriter{
		dir:  dir,
		ch:   make(chan auditLine, 64),
		done: make(chan struct{}),
	}
	log.SafeGo("journal-audit-writer", w.run)
	return w
}

func (w *auditWriter) run() {
	defer close(w.done)

	var (
		f   *os.File
		day string
	)
	defer func() {
		if f != nil {
			f.Close()
		}
	}()

	for line := range w.ch {
		if f == nil || day != line.day {
			if f != nil {
				f.Close()
			}
			day = line.day
			var err error
			f, err = os.OpenFile(filepath.Join(w.dir, "audit-"+day+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				log.ErrorErr(log.CatJournal, "open audit file", err, "day", day)
				f = nil
				continue
			}
		}
		if _, err := f.Write(append(line.data, '\n')); err != nil {
			log.ErrorErr(log.CatJournal, "write audit record", err, "day", day)
		}
	}
}

func (w *auditWriter) write(day string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.ErrorErr(log.CatJournal, "encode audit record", err)
		return
	}
	w.ch <- auditLine{day: day, data: data}
}

func (w *auditWriter) close() {
	close(w.ch)
	<-w.done
}

// Journal owns the log-plane directory tree:
//
//	<root>/instances/<id>/communication.jsonl
//	<root>/audit/audit-YYYYMMDD.jsonl
type Journal struct {
	root string
	now  func() time.Time

	mu     sync.Mutex
	comms  map[registry.ID]*fileWriter
	audit  *auditWriter
	closed bool
}

// New creates a journal rooted at dir, creating the directory tree.
func New(dir string) (*Journal, error) {
	return NewWithClock(dir, time.Now)
}

// NewWithClock creates a journal with an injectable clock.
func NewWithClock(dir string, now func() time.Time) (*Journal, error) {
	for _, sub := range []string{"instances", "audit"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}
	return &Journal{
		root:  dir,
		now:   now,
		comms: make(map[registry.ID]*fileWriter),
	}, nil
}

// Root returns the journal's base directory.
func (j *Journal) Root() string { return j.root }

// InstanceDir returns the journal directory for an instance.
func (j *Journal) InstanceDir(id registry.ID) string {
	return filepath.Join(j.root, "instances", string(id))
}

// LogComm appends a record to the instance's communication journal.
func (j *Journal) LogComm(id registry.ID, rec CommRecord) {
	if rec.At.IsZero() {
		rec.At = j.now()
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	w, ok := j.comms[id]
	if !ok {
		dir := j.InstanceDir(id)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			j.mu.Unlock()
			log.ErrorErr(log.CatJournal, "create instance journal dir", err, "id", id)
			return
		}
		w = newFileWriter(filepath.Join(dir, "communication.jsonl"))
		j.comms[id] = w
	}
	j.mu.Unlock()

	w.write(rec)
}

// Audit appends an event to the current day's audit file. Rollover to
// the next day's file happens inside the writer goroutine.
func (j *Journal) Audit(ev AuditEvent) {
	if ev.At.IsZero() {
		ev.At = j.now()
	}
	day := ev.At.Format("20060102")

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	if j.audit == nil {
		j.audit = newAuditWriter(filepath.Join(j.root, "audit"))
	}
	w := j.audit
	j.mu.Unlock()

	w.write(day, ev)
}

// PruneAudit deletes audit files older than the retention window and
// returns how many were removed. The file date comes from the name, not
// the mtime, so restored backups age correctly.
func (j *Journal) PruneAudit() int {
	cutoff := j.now().Add(-AuditRetention)
	entries, err := os.ReadDir(filepath.Join(j.root, "audit"))
	if err != nil {
		log.ErrorErr(log.CatJournal, "read audit dir", err)
		return 0
	}

	removed := 0
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "audit-") || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		day := strings.TrimSuffix(strings.TrimPrefix(name, "audit-"), ".jsonl")
		ts, err := time.Parse("20060102", day)
		if err != nil {
			continue
		}
		if ts.Before(cutoff.Truncate(24 * time.Hour)) {
			if err := os.Remove(filepath.Join(j.root, "audit", name)); err != nil {
				log.ErrorErr(log.CatJournal, "prune audit file", err, "file", name)
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		log.Info(log.CatJournal, "pruned audit files", "count", removed)
	}
	return removed
}

// CloseInstance flushes and closes one instance's communication journal.
func (j *Journal) CloseInstance(id registry.ID) {
	j.mu.Lock()
	w, ok := j.comms[id]
	if ok {
		delete(j.comms, id)
	}
	j.mu.Unlock()

	if ok {
		w.close()
	}
}

// Close flushes and closes every open journal file.
func (j *Journal) Close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	writers := make([]*fileWriter, 0, len(j.comms))
	for _, w := range j.comms {
		writers = append(writers, w)
	}
	j.comms = map[registry.ID]*fileWriter{}
	audit := j.audit
	j.audit = nil
	j.mu.Unlock()

	for _, w := range writers {
		w.close()
	}
	if audit != nil {
		audit.close()
	}
}
