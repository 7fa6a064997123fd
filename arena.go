package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const maxChatLen = 200

var (
	ErrUnknownPlayer   = errors.New("unknown player")
	ErrUnknownAsteroid = errors.New("unknown asteroid")
	ErrAlreadyJoined   = errors.New("connection already has a player")
	ErrBadPayload      = errors.New("bad payload")
	ErrUnknownEvent    = errors.New("unknown event")
)

// Broadcaster sends one named event to one connection
type Broadcaster interface {
	SendEvent(event string, data interface{})
}

// EventSink receives combat events and finished rounds for recording
type EventSink interface {
	Track(evt CombatEvent)
	TrackRound(res RoundResult)
}

// ArenaOption customizes an Arena
type ArenaOption func(*Arena)

// WithClock replaces time.Now
func WithClock(now func() time.Time) ArenaOption {
	return func(a *Arena) { a.now = now }
}

// WithRand sets the random source used for asteroids
func WithRand(rng *rand.Rand) ArenaOption {
	return func(a *Arena) { a.rng = rng }
}

// WithEventSink records combat events and round results
func WithEventSink(sink EventSink) ArenaOption {
	return func(a *Arena) { a.sink = sink }
}

// WithMetrics reports arena activity to Prometheus
func WithMetrics(m *Metrics) ArenaOption {
	return func(a *Arena) { a.metrics = m }
}

// Arena owns the whole authoritative game state. Every client intent and
// every timer callback runs under mu, one at a time.
type Arena struct {
	mu      sync.Mutex
	cfg     GameConfig
	now     func() time.Time
	rng     *rand.Rand
	sink    EventSink
	metrics *Metrics

	players []*Player              // join order, used for winner ties
	peers   map[string]Broadcaster // connID -> connection
	grid    *ShipGrid
	near    []*Player // scratch for grid queries
	field   *Field
	round   Round
	started bool

	roundTask    *Task
	asteroidTask *Task
}

// NewArena creates an arena. Call Run (or Start) to begin the first round.
func NewArena(cfg GameConfig, opts ...ArenaOption) *Arena {
	a := &Arena{
		cfg:   cfg,
		now:   time.Now,
		peers: make(map[string]Broadcaster),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	a.grid = NewShipGrid(cfg.AreaWidth, cfg.AreaHeight)
	a.field = NewField(cfg.NumAsteroids, cfg.AreaWidth, cfg.AreaHeight, a.rng)
	a.round = Round{Duration: cfg.RoundTime()}
	return a
}

// Start opens the first round and arms the round and asteroid loops
func (a *Arena) Start() {
	a.mu.Lock()
	a.startRound()
	a.mu.Unlock()

	a.roundTask = Every(a.cfg.RoundTime(), a.rollover)
	a.asteroidTask = Every(a.cfg.AsteroidUpdateRate, a.advanceAsteroids)
	logger.Info("arena started",
		"round", a.cfg.RoundTime(),
		"asteroids", a.cfg.NumAsteroids,
		"area", fmt.Sprintf("%.0fx%.0f", a.cfg.AreaWidth, a.cfg.AreaHeight))
}

// Run starts the arena and blocks until ctx is done
func (a *Arena) Run(ctx context.Context) {
	a.Start()
	<-ctx.Done()
	a.Close()
}

// Close stops every timer owned by the arena
func (a *Arena) Close() {
	a.roundTask.Stop()
	a.asteroidTask.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range a.players {
		p.stopProbe()
	}
}

// Attach registers a connection so it receives broadcasts and tells it its id
func (a *Arena) Attach(connID string, peer Broadcaster) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.peers[connID] = peer
	a.emit(connID, MsgConnected, ConnectedData{ID: connID})
}

// Detach removes a connection and its player, if it had one
func (a *Arena) Detach(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.peers, connID)
	idx := a.indexOf(connID)
	if idx < 0 {
		logger.Debug("disconnect without player", "conn", connID)
		return
	}
	p := a.players[idx]
	p.stopProbe()
	a.players = append(a.players[:idx], a.players[idx+1:]...)
	a.grid.Remove(connID)

	a.broadcast(connID, MsgRemovePlayer, RemovePlayerData{ID: connID})
	a.metrics.SetPlayers(len(a.players))
	logger.Info("player left", "id", connID, "alias", p.Alias, "players", len(a.players))
}

// ---- intents ----

// NewPlayer enters the sender into the arena and brings it up to date
func (a *Arena) NewPlayer(connID string, msg NewPlayerMsg) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.peers[connID]; !ok {
		return fmt.Errorf("conn %s: %w", connID, ErrUnknownPlayer)
	}
	if a.indexOf(connID) >= 0 {
		return ErrAlreadyJoined
	}

	now := a.now()
	p := NewPlayer(connID, msg)

	a.broadcast(connID, MsgNewPlayer, p.ToData(false))
	a.emit(connID, MsgNewRound, NewRoundData{TimeLeft: a.round.TimeLeft(now), Reset: false})
	for _, ad := range a.field.Snapshot(now) {
		a.emit(connID, MsgNewAsteroid, ad)
	}
	for _, existing := range a.players {
		a.emit(connID, MsgNewPlayer, existing.ToData(true))
		for _, slot := range existing.BulletSlots() {
			a.emit(connID, MsgNewBullet, existing.Bullets[slot].ToData(existing.ID, slot, now))
		}
	}

	a.players = append(a.players, p)
	a.grid.Update(p)
	a.sendPing(p)
	p.probe = Every(a.cfg.PingInterval, func() { a.probePing(connID) })

	a.metrics.SetPlayers(len(a.players))
	logger.Info("player joined", "id", connID, "alias", p.Alias, "players", len(a.players))
	return nil
}

// MovePlayer updates the sender's ship and checks it against every other ship
func (a *Arena) MovePlayer(connID string, msg MovePlayerMsg) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.player(connID)
	if err != nil {
		return err
	}
	p.Position = Vector2{X: msg.X, Y: msg.Y}
	p.Rotation = msg.Rotation
	a.grid.Update(p)

	a.near = a.grid.Near(p.Position, ShipHeight/2, a.near[:0])
	for _, other := range a.near {
		if other.ID == p.ID {
			continue
		}
		if ShipsTouch(p, other) {
			a.broadcastAll(MsgPlayersCollide, PlayersCollideData{PlayerID1: p.ID, PlayerID2: other.ID})
		}
	}

	a.broadcast(connID, MsgMovePlayer, MovePlayerData{
		ID:             p.ID,
		X:              p.Position.X,
		Y:              p.Position.Y,
		Rotation:       p.Rotation,
		IsAccelerating: msg.IsAccelerating,
	})
	return nil
}

// RespawnPlayer relays a client-side respawn
func (a *Arena) RespawnPlayer(connID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.player(connID); err != nil {
		return err
	}
	a.broadcast(connID, MsgRespawnPlayer, RespawnPlayerData{PlayerID: connID})
	return nil
}

// PlayersCollide counts a ship-collision death reported by a client
func (a *Arena) PlayersCollide(connID string, msg PlayersCollideReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.player(connID); err != nil {
		return err
	}
	p, err := a.player(msg.PlayerID)
	if err != nil {
		return err
	}
	ApplyCrash(p)
	a.track(CombatEvent{Type: EvtShipCollision, PlayerID: p.ID, Target: connID})
	return nil
}

// PlayerMessage relays a chat line to everyone
func (a *Arena) PlayerMessage(connID string, msg PlayerMessageMsg) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.player(connID); err != nil {
		return err
	}
	text := truncateRunes(msg.Message, maxChatLen)
	a.broadcastAll(MsgPlayerMessage, PlayerMessageData{PlayerID: connID, Message: text})
	return nil
}

// NewBullet stores a bullet with its latency-compensated spawn time and relays it
func (a *Arena) NewBullet(connID string, msg NewBulletMsg) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.player(connID)
	if err != nil {
		return err
	}
	if msg.Index < 0 || msg.Index >= maxBulletSlot {
		return fmt.Errorf("bullet slot %d: %w", msg.Index, ErrBadPayload)
	}

	now := a.now()
	spawnTime := ReconstructSpawnTime(now, msg.TimeExisted, p.Ping())
	b := NewBullet(Vector2{X: msg.SpawnX, Y: msg.SpawnY}, msg.Velocity, spawnTime)
	p.Bullets[msg.Index] = b

	a.broadcast(connID, MsgNewBullet, b.ToData(p.ID, msg.Index, now))
	return nil
}

// RemoveBullet frees a bullet slot, leaving a gap
func (a *Arena) RemoveBullet(connID string, msg RemoveBulletMsg) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.player(connID)
	if err != nil {
		return err
	}
	delete(p.Bullets, msg.Index)
	a.broadcast(connID, MsgRemoveBullet, RemoveBulletData{PlayerID: p.ID, Index: msg.Index})
	return nil
}

// BulletHitPlayer applies a hit reported by the shooter
func (a *Arena) BulletHitPlayer(connID string, msg BulletHitPlayerMsg) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	shooter, err := a.player(connID)
	if err != nil {
		return err
	}
	target, err := a.player(msg.ID)
	if err != nil {
		return err
	}

	if ApplyBulletHit(shooter, target, a.cfg.BulletDamage) {
		a.metrics.IncKill()
		a.track(CombatEvent{Type: EvtPlayerKill, PlayerID: shooter.ID, Target: target.ID})
		logger.Debug("kill", "shooter", shooter.Alias, "target", target.Alias)
	}
	a.broadcast(connID, MsgBulletHitPlayer, BulletHitPlayerData{
		PlayerWhoShot: shooter.ID,
		HitPlayer:     target.ID,
	})
	return nil
}

// BulletHitAsteroid credits the shooter and replaces the asteroid
func (a *Arena) BulletHitAsteroid(connID string, msg BulletHitAsteroidMsg) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	shooter, err := a.player(connID)
	if err != nil {
		return err
	}
	if _, ok := a.field.Slot(msg.Index); !ok {
		return fmt.Errorf("slot %d: %w", msg.Index, ErrUnknownAsteroid)
	}

	ApplyAsteroidShot(shooter)
	a.broadcast(connID, MsgBulletHitAsteroid, BulletHitAsteroidData{
		PlayerID:      shooter.ID,
		AsteroidIndex: msg.Index,
	})
	a.track(CombatEvent{Type: EvtAsteroidShot, PlayerID: shooter.ID})
	return a.replaceAsteroid(msg.Index, "shot")
}

// AsteroidHitPlayer counts the sender's death and replaces the asteroid
func (a *Arena) AsteroidHitPlayer(connID string, msg AsteroidHitPlayerMsg) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.player(connID)
	if err != nil {
		return err
	}
	if _, ok := a.field.Slot(msg.AsteroidIndex); !ok {
		return fmt.Errorf("slot %d: %w", msg.AsteroidIndex, ErrUnknownAsteroid)
	}

	ApplyCrash(p)
	a.broadcast(connID, MsgAsteroidHitPlayer, AsteroidHitPlayerData{PlayerID: p.ID})
	a.track(CombatEvent{Type: EvtAsteroidCrash, PlayerID: p.ID})
	return a.replaceAsteroid(msg.AsteroidIndex, "crash")
}

// Ping answers a client-initiated ping
func (a *Arena) Ping(connID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.peers[connID]; !ok {
		return fmt.Errorf("conn %s: %w", connID, ErrUnknownPlayer)
	}
	a.emit(connID, MsgPong, nil)
	return nil
}

// Pong closes a server ping and records the round trip
func (a *Arena) Pong(connID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.player(connID)
	if err != nil {
		return err
	}
	if p.pingStart.IsZero() {
		return nil
	}
	p.PushPing(a.now().Sub(p.pingStart))
	p.pingStart = time.Time{}
	return nil
}

// ---- timers ----

func (a *Arena) rollover() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startRound()
}

// startRound closes the running round (if any) and opens a new one
func (a *Arena) startRound() {
	now := a.now()
	res := a.round.Rollover(now, a.players)
	if a.started {
		if a.sink != nil {
			a.sink.TrackRound(res)
		}
		a.metrics.IncRound()
		logger.Info("round over", "winner", res.Winner.Alias, "score", res.Winner.Score, "players", len(res.Players))
	}
	a.started = true

	winner := res.Winner
	a.broadcastAll(MsgNewRound, NewRoundData{
		TimeLeft: a.round.TimeLeft(now),
		Winner:   &winner,
		Reset:    true,
	})

	a.field.Populate(now)
	for _, ad := range a.field.Snapshot(now) {
		a.broadcastAll(MsgNewAsteroid, ad)
	}
}

func (a *Arena) advanceAsteroids() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	dt := a.cfg.AsteroidUpdateRate.Seconds()
	for _, fresh := range a.field.Step(dt, now) {
		a.metrics.IncReplacement("drift")
		a.broadcastAll(MsgNewAsteroid, fresh.ToData(now))
	}
}

func (a *Arena) probePing(connID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, err := a.player(connID)
	if err != nil {
		return
	}
	a.sendPing(p)
}

func (a *Arena) sendPing(p *Player) {
	p.pingStart = a.now()
	a.emit(p.ID, MsgPing, PingData{Ping: p.Ping()})
}

// ---- queries ----

// PlayerCount returns the number of players in the arena
func (a *Arena) PlayerCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.players)
}

// Status returns a summary for the status endpoint
func (a *Arena) Status() StatusData {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := a.now()
	return StatusData{
		Players:     len(a.players),
		Connections: len(a.peers),
		Asteroids:   a.field.Len(),
		TimeLeft:    a.round.TimeLeft(now),
		RoundStart:  a.round.Start.UnixMilli(),
	}
}

// ---- helpers, all called with mu held ----

func (a *Arena) indexOf(id string) int {
	for i, p := range a.players {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (a *Arena) player(id string) (*Player, error) {
	if i := a.indexOf(id); i >= 0 {
		return a.players[i], nil
	}
	return nil, fmt.Errorf("player %s: %w", id, ErrUnknownPlayer)
}

func (a *Arena) replaceAsteroid(index int, cause string) error {
	now := a.now()
	fresh, err := a.field.Replace(index, now)
	if err != nil {
		return err
	}
	a.metrics.IncReplacement(cause)
	a.broadcastAll(MsgNewAsteroid, fresh.ToData(now))
	return nil
}

func (a *Arena) track(evt CombatEvent) {
	if a.sink == nil {
		return
	}
	evt.Time = a.now()
	a.sink.Track(evt)
}

// emit sends to one connection
func (a *Arena) emit(connID, event string, data interface{}) {
	if peer, ok := a.peers[connID]; ok {
		peer.SendEvent(event, data)
	}
}

// broadcast sends to every connection except the sender
func (a *Arena) broadcast(except, event string, data interface{}) {
	for id, peer := range a.peers {
		if id != except {
			peer.SendEvent(event, data)
		}
	}
}

// broadcastAll sends to every connection
func (a *Arena) broadcastAll(event string, data interface{}) {
	for _, peer := range a.peers {
		peer.SendEvent(event, data)
	}
}
