// Spyglass
// Copyright (C) 2025 Spyglass, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package queue implements the agent's crash-safe on-disk event queue.
//
// The queue is an append-mostly log: event frames add work, ack and retry
// tombstones record progress. Every append is synced before the call
// returns, so an event that was enqueued survives a hard crash. Acked
// garbage is reclaimed by atomic compaction. A second process cannot open
// the same queue; the directory is flock-protected.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/google/renameio/v2"
	"github.com/gravitational/trace"

	"github.com/spyglasshq/spyglass"
	"github.com/spyglasshq/spyglass/lib/defaults"
	"github.com/spyglasshq/spyglass/lib/types"
	logutils "github.com/spyglasshq/spyglass/lib/utils/log"
)

const (
	queueFileName      = "events.log"
	deadLetterFileName = "deadletter.log"
	lockFileName       = ".lock"

	// frameHeaderLen is the per-record overhead: 4 bytes little-endian
	// body length, 4 bytes CRC32C of the body.
	frameHeaderLen = 8

	// maxFrameBytes rejects absurd lengths during recovery so a
	// corrupted header cannot make the scanner allocate gigabytes.
	maxFrameBytes = defaults.MaxBatchBytes

	// compactMinFrames keeps compaction from churning tiny logs.
	compactMinFrames = 16
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// PendingEvent is an event waiting for a server acknowledgment, plus its
// retry bookkeeping.
type PendingEvent struct {
	Event     types.Event `json:"event"`
	Retries   int         `json:"retries,omitempty"`
	LastError string      `json:"last_error,omitempty"`
}

// frame is one record of the on-disk log.
type frame struct {
	// Pending adds an event to the queue.
	Pending *PendingEvent `json:"pending,omitempty"`
	// Ack removes events by client id.
	Ack []string `json:"ack,omitempty"`
	// Retry bumps the retry counter of events by client id.
	Retry []string `json:"retry,omitempty"`
	// Reason is the failure that caused a retry frame.
	Reason string `json:"reason,omitempty"`
}

// Config configures a durable queue.
type Config struct {
	// Dir is the agent data directory holding the log files.
	Dir string

	// SoftCap is the pending count that triggers pruning.
	SoftCap int

	// PruneThreshold is the pending count pruning shrinks the queue to.
	PruneThreshold int

	// RetryCeiling dead-letters an event once its retry counter
	// reaches it.
	RetryCeiling int

	// CompactRatio is the garbage share that triggers compaction.
	CompactRatio float64

	// Logger emits queue diagnostics.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Dir == "" {
		return trace.BadParameter("missing parameter Dir")
	}
	if c.SoftCap == 0 {
		c.SoftCap = defaults.QueueSoftCap
	}
	if c.PruneThreshold == 0 {
		// Scales with a custom soft cap; the stock values are 8k of 10k.
		c.PruneThreshold = c.SoftCap * defaults.QueuePruneThreshold / defaults.QueueSoftCap
	}
	if c.PruneThreshold <= 0 || c.PruneThreshold >= c.SoftCap {
		return trace.BadParameter("prune threshold %d must be between zero and the soft cap %d", c.PruneThreshold, c.SoftCap)
	}
	if c.RetryCeiling == 0 {
		c.RetryCeiling = defaults.RetryCeiling
	}
	if c.CompactRatio == 0 {
		c.CompactRatio = defaults.QueueCompactRatio
	}
	if c.CompactRatio <= 0 || c.CompactRatio > 1 {
		return trace.BadParameter("compact ratio %v must be in (0, 1]", c.CompactRatio)
	}
	if c.Logger == nil {
		c.Logger = logutils.NewPackageLogger(spyglass.ComponentKey, spyglass.ComponentQueue)
	}
	return nil
}

// Queue is the durable event queue. All mutations serialize behind one
// mutex: the log has exactly one writer.
type Queue struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	file        *os.File
	flk         *flock.Flock
	pending     map[string]*PendingEvent
	order       []string
	totalFrames int
	deadLetters int
	closed      bool

	notify chan struct{}
}

// Open loads or creates the queue in the configured directory, repairing
// a torn tail and compacting acked garbage left by a previous run.
func Open(cfg Config) (*Queue, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, trace.ConvertSystemError(err)
	}

	flk := flock.New(filepath.Join(cfg.Dir, lockFileName))
	locked, err := flk.TryLock()
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	if !locked {
		return nil, trace.AlreadyExists("queue at %q is locked by another process", cfg.Dir)
	}

	q := &Queue{
		cfg:     cfg,
		logger:  cfg.Logger,
		flk:     flk,
		pending: make(map[string]*PendingEvent),
		notify:  make(chan struct{}, 1),
	}
	if err := q.load(); err != nil {
		flk.Unlock()
		return nil, trace.Wrap(err)
	}
	return q, nil
}

// load replays the log into memory and reopens it for appending.
func (q *Queue) load() error {
	path := filepath.Join(q.cfg.Dir, queueFileName)
	frames, truncated, err := scanLog(path)
	if err != nil {
		return trace.Wrap(err)
	}
	if truncated {
		q.logger.Warn("Dropped torn tail of the event queue, the unsynced remainder of an interrupted write.", "path", path)
	}
	for i := range frames {
		q.applyFrame(&frames[i])
	}
	q.totalFrames = len(frames)

	deadPath := filepath.Join(q.cfg.Dir, deadLetterFileName)
	deadFrames, deadTruncated, err := scanLog(deadPath)
	if err != nil {
		if !trace.IsBadParameter(err) {
			return trace.Wrap(err)
		}
		// The dead-letter file is an archive, not the source of truth;
		// quarantine an unreadable one instead of refusing to start.
		if err := os.Rename(deadPath, deadPath+".corrupt"); err != nil {
			return trace.ConvertSystemError(err)
		}
		q.logger.Warn("Dead-letter log is unreadable, moved aside.", "path", deadPath+".corrupt")
	} else if deadTruncated {
		q.logger.Warn("Dropped torn tail of the dead-letter log.", "path", deadPath)
	}
	for i := range deadFrames {
		if deadFrames[i].Pending != nil {
			q.deadLetters++
		}
	}

	// Rewrite at open when there is anything to reclaim, which also
	// clears a repaired tail from disk.
	garbage := q.totalFrames - len(q.order)
	if garbage > 0 || truncated {
		if err := q.compactLocked(); err != nil {
			return trace.Wrap(err)
		}
		return nil
	}
	return q.reopenLocked()
}

// applyFrame replays one record into the in-memory index.
func (q *Queue) applyFrame(fr *frame) {
	switch {
	case fr.Pending != nil:
		id := fr.Pending.Event.ClientID
		if _, ok := q.pending[id]; ok {
			return
		}
		pendingCopy := *fr.Pending
		q.pending[id] = &pendingCopy
		q.order = append(q.order, id)
	case len(fr.Ack) > 0:
		q.removeLocked(fr.Ack)
	case len(fr.Retry) > 0:
		for _, id := range fr.Retry {
			if p, ok := q.pending[id]; ok {
				p.Retries++
				p.LastError = fr.Reason
			}
		}
	}
}

// Enqueue appends the event and returns once it is durable. The event is
// admitted even at the soft cap; older retried events are pruned instead.
func (q *Queue) Enqueue(event types.Event) error {
	if event.ClientID == "" {
		return trace.BadParameter("event carries no client id")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return trace.Errorf("queue is closed")
	}
	if _, ok := q.pending[event.ClientID]; ok {
		// Already durable under the same id.
		return nil
	}

	pe := &PendingEvent{Event: event}
	if err := q.appendFrame(q.file, &frame{Pending: pe}); err != nil {
		return trace.Wrap(err)
	}
	q.pending[event.ClientID] = pe
	q.order = append(q.order, event.ClientID)
	q.totalFrames++

	if len(q.order) > q.cfg.SoftCap {
		if err := q.pruneLocked(); err != nil {
			return trace.Wrap(err)
		}
	}
	if err := q.maybeCompactLocked(); err != nil {
		return trace.Wrap(err)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// PeekBatch returns up to max oldest events in insertion order without
// removing them.
func (q *Queue) PeekBatch(max int) []PendingEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max > len(q.order) {
		max = len(q.order)
	}
	batch := make([]PendingEvent, 0, max)
	for _, id := range q.order[:max] {
		batch = append(batch, *q.pending[id])
	}
	return batch
}

// Ack durably removes the given events. Unknown ids are ignored, so acks
// from a peek taken before a restart stay safe.
func (q *Queue) Ack(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return trace.Errorf("queue is closed")
	}
	present := q.presentLocked(ids)
	if len(present) == 0 {
		return nil
	}
	if err := q.appendFrame(q.file, &frame{Ack: present}); err != nil {
		return trace.Wrap(err)
	}
	q.removeLocked(present)
	q.totalFrames++
	return trace.Wrap(q.maybeCompactLocked())
}

// Fail records a delivery failure for the given events. Events that reach
// the retry ceiling move to the dead-letter log and stop shipping.
func (q *Queue) Fail(ids []string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return trace.Errorf("queue is closed")
	}

	var retried, dead []string
	for _, id := range q.presentLocked(ids) {
		p := q.pending[id]
		p.Retries++
		p.LastError = reason
		if p.Retries >= q.cfg.RetryCeiling {
			dead = append(dead, id)
		} else {
			retried = append(retried, id)
		}
	}

	if len(dead) > 0 {
		// Dead-letter first, tombstone second: a crash in between
		// re-fails the event later, it never silently disappears.
		if err := q.appendDeadLettersLocked(dead); err != nil {
			return trace.Wrap(err)
		}
		if err := q.appendFrame(q.file, &frame{Ack: dead}); err != nil {
			return trace.Wrap(err)
		}
		q.removeLocked(dead)
		q.totalFrames++
		q.deadLetters += len(dead)
		q.logger.Warn("Events exhausted their retry budget and moved to the dead-letter log.",
			"count", len(dead), "reason", reason)
	}
	if len(retried) > 0 {
		if err := q.appendFrame(q.file, &frame{Retry: retried, Reason: reason}); err != nil {
			return trace.Wrap(err)
		}
		q.totalFrames++
	}
	return trace.Wrap(q.maybeCompactLocked())
}

// DeadLetter moves the given events straight to the dead-letter log,
// bypassing the retry budget. For rejections no retry can fix.
func (q *Queue) DeadLetter(ids []string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return trace.Errorf("queue is closed")
	}
	present := q.presentLocked(ids)
	if len(present) == 0 {
		return nil
	}
	for _, id := range present {
		q.pending[id].LastError = reason
	}
	if err := q.appendDeadLettersLocked(present); err != nil {
		return trace.Wrap(err)
	}
	if err := q.appendFrame(q.file, &frame{Ack: present}); err != nil {
		return trace.Wrap(err)
	}
	q.removeLocked(present)
	q.totalFrames++
	q.deadLetters += len(present)
	q.logger.Warn("Events were permanently rejected and moved to the dead-letter log.",
		"count", len(present), "reason", reason)
	return trace.Wrap(q.maybeCompactLocked())
}

// Size returns the number of pending events.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// DeadLetterSize returns the number of dead-lettered events.
func (q *Queue) DeadLetterSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deadLetters
}

// PendingEvents returns a snapshot of all pending events in order.
func (q *Queue) PendingEvents() []PendingEvent {
	return q.PeekBatch(math.MaxInt)
}

// DeadLetters enumerates the dead-letter log.
func (q *Queue) DeadLetters() ([]PendingEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	frames, _, err := scanLog(filepath.Join(q.cfg.Dir, deadLetterFileName))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	letters := make([]PendingEvent, 0, len(frames))
	for i := range frames {
		if frames[i].Pending != nil {
			letters = append(letters, *frames[i].Pending)
		}
	}
	return letters, nil
}

// Notify signals enqueues. The channel carries at most one pending wakeup.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// Close releases the log and the directory lock. Pending events stay on
// disk for the next run.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	var errs []error
	if q.file != nil {
		errs = append(errs, q.file.Close())
	}
	errs = append(errs, q.flk.Unlock())
	return trace.NewAggregate(errs...)
}

// presentLocked filters ids down to those still pending, preserving
// insertion order.
func (q *Queue) presentLocked(ids []string) []string {
	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}
	var present []string
	for _, id := range q.order {
		if requested[id] {
			present = append(present, id)
		}
	}
	return present
}

func (q *Queue) removeLocked(ids []string) {
	doomed := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := q.pending[id]; ok {
			doomed[id] = true
			delete(q.pending, id)
		}
	}
	if len(doomed) == 0 {
		return
	}
	kept := q.order[:0]
	for _, id := range q.order {
		if !doomed[id] {
			kept = append(kept, id)
		}
	}
	q.order = kept
}

// pruneLocked shrinks the queue to the prune threshold. Retried events go
// first, then the oldest, so fresh signal survives a sustained outage.
func (q *Queue) pruneLocked() error {
	excess := len(q.order) - q.cfg.PruneThreshold
	if excess <= 0 {
		return nil
	}
	victims := make([]string, 0, excess)
	for _, id := range q.order {
		if len(victims) == excess {
			break
		}
		if q.pending[id].Retries > 0 {
			victims = append(victims, id)
		}
	}
	for _, id := range q.order {
		if len(victims) == excess {
			break
		}
		if q.pending[id].Retries == 0 {
			victims = append(victims, id)
		}
	}
	if err := q.appendFrame(q.file, &frame{Ack: victims}); err != nil {
		return trace.Wrap(err)
	}
	q.removeLocked(victims)
	q.totalFrames++
	q.logger.Warn("Pruned oldest queued events past the soft cap.",
		"pruned", len(victims), "pending", len(q.order))
	return nil
}

// appendDeadLettersLocked appends the given pending events to the
// dead-letter log and syncs it.
func (q *Queue) appendDeadLettersLocked(ids []string) error {
	f, err := os.OpenFile(filepath.Join(q.cfg.Dir, deadLetterFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaults.QueueFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	defer f.Close()
	for _, id := range ids {
		if err := q.appendFrame(f, &frame{Pending: q.pending[id]}); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// appendFrame encodes, writes and syncs one record.
func (q *Queue) appendFrame(f *os.File, fr *frame) error {
	encoded, err := encodeFrame(fr)
	if err != nil {
		return trace.Wrap(err)
	}
	if _, err := f.Write(encoded); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(f.Sync())
}

// maybeCompactLocked compacts once acked garbage dominates the log.
func (q *Queue) maybeCompactLocked() error {
	if q.totalFrames < compactMinFrames {
		return nil
	}
	garbage := q.totalFrames - len(q.order)
	if float64(garbage) < q.cfg.CompactRatio*float64(q.totalFrames) {
		return nil
	}
	return trace.Wrap(q.compactLocked())
}

// compactLocked atomically rewrites the log to the live set.
func (q *Queue) compactLocked() error {
	var buf []byte
	for _, id := range q.order {
		encoded, err := encodeFrame(&frame{Pending: q.pending[id]})
		if err != nil {
			return trace.Wrap(err)
		}
		buf = append(buf, encoded...)
	}
	if q.file != nil {
		if err := q.file.Close(); err != nil {
			return trace.ConvertSystemError(err)
		}
		q.file = nil
	}
	path := filepath.Join(q.cfg.Dir, queueFileName)
	if err := renameio.WriteFile(path, buf, defaults.QueueFileMode); err != nil {
		return trace.ConvertSystemError(err)
	}
	q.totalFrames = len(q.order)
	return q.reopenLocked()
}

func (q *Queue) reopenLocked() error {
	f, err := os.OpenFile(filepath.Join(q.cfg.Dir, queueFileName),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, defaults.QueueFileMode)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	q.file = f
	return nil
}

// encodeFrame frames the record body with its length and CRC32C checksum.
func encodeFrame(fr *frame) ([]byte, error) {
	body, err := json.Marshal(fr)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(body) > maxFrameBytes {
		return nil, trace.BadParameter("record of %d bytes exceeds the frame limit", len(body))
	}
	encoded := make([]byte, frameHeaderLen+len(body))
	binary.LittleEndian.PutUint32(encoded, uint32(len(body)))
	binary.LittleEndian.PutUint32(encoded[4:], crc32.Checksum(body, castagnoli))
	copy(encoded[frameHeaderLen:], body)
	return encoded, nil
}

// scanLog reads every valid frame from the log. A damaged or incomplete
// record ends the scan: when valid records precede it the file is
// truncated to them, damage before any valid record is fatal.
func scanLog(path string) (frames []frame, truncated bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, trace.ConvertSystemError(err)
	}

	offset := 0
	for offset < len(data) {
		rest := len(data) - offset
		if rest < frameHeaderLen {
			break
		}
		length := int(binary.LittleEndian.Uint32(data[offset:]))
		if length == 0 || length > maxFrameBytes || rest-frameHeaderLen < length {
			break
		}
		sum := binary.LittleEndian.Uint32(data[offset+4:])
		body := data[offset+frameHeaderLen : offset+frameHeaderLen+length]
		if crc32.Checksum(body, castagnoli) != sum {
			break
		}
		var fr frame
		if json.Unmarshal(body, &fr) != nil {
			break
		}
		frames = append(frames, fr)
		offset += frameHeaderLen + length
	}

	if offset == len(data) {
		return frames, false, nil
	}
	if len(frames) == 0 {
		return nil, false, trace.BadParameter("log %q is corrupted before any valid record, refusing to guess at its contents", path)
	}
	if err := os.Truncate(path, int64(offset)); err != nil {
		return nil, false, trace.ConvertSystemError(err)
	}
	return frames, true, nil
}
