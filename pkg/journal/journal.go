// Package journal implements the crash-consistent status journal: a
// mutex-guarded record of every repair slice's lifecycle, atomically
// persisted to a JSON file that external reporter and metrics-exporter
// tools read directly.
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ErrAlreadyFinished is returned by Resume when the on-disk journal's
// finished field is already set.
var ErrAlreadyFinished = errors.New("journal: already finished")

// ErrJournalIO wraps any failure reading or writing the journal file. The
// driver returns it from Start, Resume and Finish, which ends the run; a
// failed write during a slice's RepairStart, RepairSuccess or RepairFail is
// logged at Error level and the run continues with the other slices.
var ErrJournalIO = errors.New("journal: io failure")

const allMarker = "<all>"

// RepairRecord is one slice's journalled state.
type RepairRecord struct {
	Time           string `json:"time"`
	Step           int    `json:"step"`
	Start          string `json:"start"`
	End            string `json:"end"`
	NodePosition   string `json:"nodeposition"`
	Keyspace       string `json:"keyspace"`
	ColumnFamilies string `json:"column_families"`
	Cmd            string `json:"cmd"`
}

// document is the exact on-disk/wire schema external tools depend on.
type document struct {
	Started         *string                 `json:"started"`
	Updated         *string                 `json:"updated"`
	Finished        *string                 `json:"finished"`
	LastResumedAt   *string                 `json:"last_resumed_at"`
	Steps           int                     `json:"steps"`
	SuccessfulCount int                     `json:"successful_count"`
	FailedCount     int                     `json:"failed_count"`
	FailedRepairs   map[string]RepairRecord `json:"failed_repairs"`
	PendingRepairs  map[string]RepairRecord `json:"pending_repairs"`
	CurrentRepairs  map[string]RepairRecord `json:"current_repairs"`
	FinishedRepairs map[string]RepairRecord `json:"finished_repairs"`
}

func emptyDocument() document {
	return document{
		FailedRepairs:   map[string]RepairRecord{},
		PendingRepairs:  map[string]RepairRecord{},
		CurrentRepairs:  map[string]RepairRecord{},
		FinishedRepairs: map[string]RepairRecord{},
	}
}

// Journal is the process-wide, mutex-guarded status record. All mutators
// serialise through mu, and every mutator except AddPending atomically
// overwrites Filename (when set) before returning; AddPending's entries
// reach the file with the next write.
type Journal struct {
	mu        sync.Mutex
	doc       document
	Filename  string
	LogStatus bool

	// OnSnapshot is invoked with the serialised document after every write
	// when LogStatus is set, standing in for the original's CRITICAL-level
	// log line (see pkg/log for the level mapping). Nil is a no-op.
	OnSnapshot func(snapshot string)
}

// SliceKey is the deterministic identifier spec.md §3 assigns a slice:
// step|start|end|node_position|keyspace|column_families, with keyspace and
// column_families defaulting to "<all>".
func SliceKey(step int, start, end, nodePosition, keyspace, columnFamilies string) string {
	return fmt.Sprintf("%d|%s|%s|%s|%s|%s", step, start, end, nodePosition, orAll(keyspace), orAll(columnFamilies))
}

func orAll(s string) string {
	if s == "" {
		return allMarker
	}
	return s
}

func nowISO() string {
	return time.Now().Format("2006-01-02T15:04:05.000000")
}

// New returns a Journal with no filename (writes are no-ops until Start or
// Resume configures one) ready for Start or Resume.
func New() *Journal {
	return &Journal{doc: emptyDocument()}
}

// Start begins a fresh run: resets every bucket, records steps/filename/
// log-status, stamps Started, and persists.
func (j *Journal) Start(steps int, filename string, logStatus bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.doc = emptyDocument()
	j.doc.Steps = steps
	j.Filename = filename
	j.LogStatus = logStatus
	started := nowISO()
	j.doc.Started = &started

	return j.writeLocked()
}

// AddPending inserts rec into the pending bucket under its slice key. The
// driver calls this once per slice before dispatching, priming the
// journal's work list.
func (j *Journal) AddPending(rec RepairRecord) string {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Keyspace = orAll(rec.Keyspace)
	rec.ColumnFamilies = orAll(rec.ColumnFamilies)
	key := SliceKey(rec.Step, rec.Start, rec.End, rec.NodePosition, rec.Keyspace, rec.ColumnFamilies)
	j.doc.PendingRepairs[key] = rec
	return key
}

// RepairStart moves a slice from pending into current (creating it in
// current if it was never primed as pending), stamping the command that is
// about to run. It removes the key from pending so a slice key is never
// present in more than one bucket at a time; a slice an interrupted run
// leaves in current is still reclaimable, because Resume hands back the
// current bucket for re-dispatch together with pending.
func (j *Journal) RepairStart(rec RepairRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Keyspace = orAll(rec.Keyspace)
	rec.ColumnFamilies = orAll(rec.ColumnFamilies)
	rec.Time = nowISO()
	key := SliceKey(rec.Step, rec.Start, rec.End, rec.NodePosition, rec.Keyspace, rec.ColumnFamilies)
	delete(j.doc.PendingRepairs, key)
	j.doc.CurrentRepairs[key] = rec

	return j.writeLocked()
}

// RepairSuccess moves a slice from current to finished, removes it from
// pending (a no-op now that RepairStart already removed it; kept so a
// slice repaired without ever going through RepairStart is still handled
// correctly), and increments successful_count.
func (j *Journal) RepairSuccess(rec RepairRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Keyspace = orAll(rec.Keyspace)
	rec.ColumnFamilies = orAll(rec.ColumnFamilies)
	key := SliceKey(rec.Step, rec.Start, rec.End, rec.NodePosition, rec.Keyspace, rec.ColumnFamilies)

	final := rec
	if current, ok := j.doc.CurrentRepairs[key]; ok {
		final = current
	}
	delete(j.doc.CurrentRepairs, key)
	delete(j.doc.PendingRepairs, key)
	j.doc.FinishedRepairs[key] = final
	j.doc.SuccessfulCount++

	return j.writeLocked()
}

// RepairFail moves a slice from current to failed, removes it from
// pending, and increments failed_count. This replaces the original
// source's apparent bug (see DESIGN.md) with the behavior spec.md
// specifies: a clean move, not an append onto a map.
func (j *Journal) RepairFail(rec RepairRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	rec.Keyspace = orAll(rec.Keyspace)
	rec.ColumnFamilies = orAll(rec.ColumnFamilies)
	key := SliceKey(rec.Step, rec.Start, rec.End, rec.NodePosition, rec.Keyspace, rec.ColumnFamilies)

	final := rec
	if current, ok := j.doc.CurrentRepairs[key]; ok {
		final = current
	}
	delete(j.doc.CurrentRepairs, key)
	delete(j.doc.PendingRepairs, key)
	j.doc.FailedRepairs[key] = final
	j.doc.FailedCount++

	return j.writeLocked()
}

// Finish stamps the finished timestamp and persists. Once finished is
// non-null, Resume refuses to reopen this journal.
func (j *Journal) Finish() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	finished := nowISO()
	j.doc.Finished = &finished
	return j.writeLocked()
}

// Resume loads an existing journal file, refuses to resume one already
// finished, restores every bucket and counter from it, stamps
// last_resumed_at, persists, and returns a copy of the pending bucket merged
// with the current bucket (slices the interrupted run left in flight) so
// the driver can re-dispatch them.
func (j *Journal) Resume(filename string, steps int) (map[string]RepairRecord, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJournalIO, err)
	}

	var loaded document
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrJournalIO, err)
	}
	if loaded.Finished != nil {
		return nil, fmt.Errorf("%w: finished at %s", ErrAlreadyFinished, *loaded.Finished)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	j.Filename = filename
	j.doc = loaded
	j.doc.Steps = steps
	if j.doc.FailedRepairs == nil {
		j.doc.FailedRepairs = map[string]RepairRecord{}
	}
	if j.doc.PendingRepairs == nil {
		j.doc.PendingRepairs = map[string]RepairRecord{}
	}
	if j.doc.CurrentRepairs == nil {
		j.doc.CurrentRepairs = map[string]RepairRecord{}
	}
	if j.doc.FinishedRepairs == nil {
		j.doc.FinishedRepairs = map[string]RepairRecord{}
	}

	lastResumed := nowISO()
	j.doc.LastResumedAt = &lastResumed

	if err := j.writeLocked(); err != nil {
		return nil, err
	}

	pending := make(map[string]RepairRecord, len(j.doc.PendingRepairs)+len(j.doc.CurrentRepairs))
	for k, v := range j.doc.PendingRepairs {
		pending[k] = v
	}
	for k, v := range j.doc.CurrentRepairs {
		pending[k] = v
	}
	return pending, nil
}

// Snapshot returns a point-in-time copy of the journal's counters, useful
// for the status subcommand without requiring a file round-trip.
func (j *Journal) Snapshot() (pending, current, finished, failed int, successful, failedCount int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.doc.PendingRepairs), len(j.doc.CurrentRepairs), len(j.doc.FinishedRepairs), len(j.doc.FailedRepairs),
		j.doc.SuccessfulCount, j.doc.FailedCount
}

// StatusDoc is the read-only view of a journal file used by the status
// subcommand and any other external reader. It mirrors document's wire
// schema exactly but carries no mutex, since reading never races with the
// process that owns the live Journal.
type StatusDoc struct {
	Started         *string                 `json:"started"`
	Updated         *string                 `json:"updated"`
	Finished        *string                 `json:"finished"`
	LastResumedAt   *string                 `json:"last_resumed_at"`
	Steps           int                     `json:"steps"`
	SuccessfulCount int                     `json:"successful_count"`
	FailedCount     int                     `json:"failed_count"`
	FailedRepairs   map[string]RepairRecord `json:"failed_repairs"`
	PendingRepairs  map[string]RepairRecord `json:"pending_repairs"`
	CurrentRepairs  map[string]RepairRecord `json:"current_repairs"`
	FinishedRepairs map[string]RepairRecord `json:"finished_repairs"`
}

// Load reads and decodes a journal file for reporting purposes. It never
// mutates the file or takes the Journal's mutex.
func Load(filename string) (StatusDoc, error) {
	raw, err := os.ReadFile(filename)
	if err != nil {
		return StatusDoc{}, fmt.Errorf("%w: %v", ErrJournalIO, err)
	}
	var doc StatusDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return StatusDoc{}, fmt.Errorf("%w: %v", ErrJournalIO, err)
	}
	return doc, nil
}

// writeLocked marshals the document and, if a filename is configured,
// atomically overwrites it: truncate, write, close, chmod 0644. Must be
// called with mu held.
func (j *Journal) writeLocked() error {
	raw, err := json.Marshal(j.doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJournalIO, err)
	}

	if j.Filename != "" {
		updated := nowISO()
		j.doc.Updated = &updated
		// Re-marshal after stamping Updated so the persisted document
		// matches what chmod below protects.
		raw, err = json.Marshal(j.doc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrJournalIO, err)
		}

		f, err := os.OpenFile(j.Filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrJournalIO, err)
		}
		if _, err := f.Write(raw); err != nil {
			f.Close()
			return fmt.Errorf("%w: %v", ErrJournalIO, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("%w: %v", ErrJournalIO, err)
		}
		if err := os.Chmod(j.Filename, 0644); err != nil {
			return fmt.Errorf("%w: %v", ErrJournalIO, err)
		}
	}

	if j.LogStatus && j.OnSnapshot != nil {
		j.OnSnapshot(string(raw))
	}

	return nil
}
