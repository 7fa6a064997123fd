package main

import (
	"database/sql"
	"sync"
	"time"
)

// Combat event types recorded by the analytics writer
const (
	EvtPlayerKill    = "player_kill"
	EvtAsteroidShot  = "asteroid_shot"
	EvtAsteroidCrash = "asteroid_crash"
	EvtShipCollision = "ship_collision"
)

// CombatEvent is one scoring-relevant thing that happened in the arena
type CombatEvent struct {
	Type     string
	PlayerID string
	Target   string
	Time     time.Time
}

// Analytics writes combat events and finished rounds in the background,
// batching inserts so the arena never waits on the disk. A nil db discards
// everything.
type Analytics struct {
	db     *DB
	events chan CombatEvent
	rounds chan RoundResult
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	flushEvery time.Duration
	batchSize  int
}

// NewAnalytics creates and starts the analytics background writer
func NewAnalytics(db *DB) *Analytics {
	a := &Analytics{
		db:         db,
		events:     make(chan CombatEvent, 1024),
		rounds:     make(chan RoundResult, 16),
		stop:       make(chan struct{}),
		flushEvery: 5 * time.Second,
		batchSize:  50,
	}
	a.wg.Add(1)
	go a.writer()
	return a
}

// Track enqueues an event for async persistence (non-blocking)
func (a *Analytics) Track(evt CombatEvent) {
	if a.db == nil {
		return
	}
	select {
	case a.events <- evt:
	default:
		logger.Debug("analytics queue full, event dropped", "type", evt.Type)
	}
}

// TrackRound enqueues a finished round (non-blocking)
func (a *Analytics) TrackRound(res RoundResult) {
	if a.db == nil {
		return
	}
	select {
	case a.rounds <- res:
	default:
		logger.Warn("analytics queue full, round dropped", "ended", res.EndedAt)
	}
}

// Stop drains the queues and shuts the writer down
func (a *Analytics) Stop() {
	a.once.Do(func() { close(a.stop) })
	a.wg.Wait()
}

// writer is the background goroutine that batches and writes events to DB
func (a *Analytics) writer() {
	defer a.wg.Done()

	batch := make([]CombatEvent, 0, 64)
	ticker := time.NewTicker(a.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case evt := <-a.events:
			batch = append(batch, evt)
			// Flush immediately if batch is large
			if len(batch) >= a.batchSize {
				a.flush(batch)
				batch = batch[:0]
			}
		case res := <-a.rounds:
			a.writeRound(res)
		case <-ticker.C:
			if len(batch) > 0 {
				a.flush(batch)
				batch = batch[:0]
			}
		case <-a.stop:
			// Drain remaining work
		drain:
			for {
				select {
				case evt := <-a.events:
					batch = append(batch, evt)
				case res := <-a.rounds:
					a.writeRound(res)
				default:
					break drain
				}
			}
			a.flush(batch)
			return
		}
	}
}

func (a *Analytics) writeRound(res RoundResult) {
	if a.db == nil {
		return
	}
	if _, err := a.db.RecordRound(res); err != nil {
		logger.Error("analytics: record round", "err", err)
	}
}

// flush writes a batch of events to the database
func (a *Analytics) flush(events []CombatEvent) {
	if a.db == nil || len(events) == 0 {
		return
	}
	tx, err := a.db.conn.Begin()
	if err != nil {
		logger.Error("analytics: begin tx", "err", err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO combat_events (event_type, player_id, target_id, created_at) VALUES (?, ?, ?, ?)`)
	if err != nil {
		logger.Error("analytics: prepare", "err", err)
		return
	}
	defer stmt.Close()

	for _, evt := range events {
		target := sql.NullString{String: evt.Target, Valid: evt.Target != ""}
		if _, err := stmt.Exec(evt.Type, evt.PlayerID, target, evt.Time.UTC()); err != nil {
			logger.Error("analytics: insert", "type", evt.Type, "err", err)
		}
	}
	if err := tx.Commit(); err != nil {
		logger.Error("analytics: commit", "err", err)
	}
}
