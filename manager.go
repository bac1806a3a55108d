package main

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Gateway delivers one event to one connection. The production gateway is
// the websocket registry; tests substitute a recorder.
type Gateway interface {
	To(connID string, msg any)
}

// registry tracks live connections and which room each one has joined.
// It is owned by the transport layer; the manager only consults it.
type registry struct {
	mu    sync.RWMutex
	conns map[string]*Client
	rooms map[string]string // connection id -> room code
}

func newRegistry() *registry {
	return &registry{
		conns: make(map[string]*Client),
		rooms: make(map[string]string),
	}
}

func (r *registry) add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[c.id] = c
}

// drop removes the connection and closes its send channel exactly once.
func (r *registry) drop(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	delete(r.rooms, id)
	r.mu.Unlock()

	if ok {
		close(c.send)
	}
}

func (r *registry) bind(id, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rooms[id] = code
}

func (r *registry) unbind(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.rooms, id)
}

func (r *registry) roomOf(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	code, ok := r.rooms[id]
	return code, ok
}

func (r *registry) connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.conns[id]
	return ok
}

// To implements Gateway over live websocket clients. A consumer whose send
// buffer is full is dropped rather than allowed to stall the room.
func (r *registry) To(id string, msg any) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return
	}

	select {
	case c.send <- msg:
		r.mu.Unlock()
	default:
		delete(r.conns, id)
		delete(r.rooms, id)
		r.mu.Unlock()
		close(c.send)
	}
}

// Manager routes decoded client actions to the target session, applies the
// transition, and emits the resulting broadcasts. The session's own lock
// serializes mutations; the session's order lock is additionally held
// across each mutation and its broadcasts, so a room's events are always
// delivered in the order they committed. The order lock for one room is
// never held while taking another room's.
type Manager struct {
	cfg   *Config
	store *RoomStore
	reg   *registry
	gw    Gateway
}

func newManager(cfg *Config, reg *registry, gw Gateway) *Manager {
	m := &Manager{
		cfg:   cfg,
		store: newRoomStore(),
		reg:   reg,
		gw:    gw,
	}

	if cfg.sessionTimeout > 0 {
		go m.reaperLoop()
	}

	return m
}

func (m *Manager) Dispatch(c *Client, msg ClientMessage) {
	switch msg.Type {
	case "create-room":
		m.createRoom(c, msg)
	case "join-room":
		m.joinRoom(c, msg)
	case "submit-content":
		m.submitContent(c, msg)
	case "start-game":
		m.startGame(c, msg)
	case "ask-question":
		m.askQuestion(c, msg)
	case "end-answer":
		m.endAnswer(c, msg)
	case "send-chat":
		m.sendChat(c, msg)
	case "cast-vote":
		m.castVote(c, msg)
	default:
		// ignore unknown types
	}
}

// Disconnect removes the connection from its room (if any) and the
// registry. Called from the read pump on any connection teardown.
func (m *Manager) Disconnect(c *Client) {
	m.leaveRoom(c.id)
	m.reg.drop(c.id)
}

func (m *Manager) sendError(c *Client, err error) {
	m.gw.To(c.id, ErrorMessage{
		Type:    "error",
		Code:    errorCode(err),
		Message: err.Error(),
	})
}

func (m *Manager) broadcast(s *Session, msg any) {
	for _, id := range s.MemberIDs() {
		m.gw.To(id, msg)
	}
}

func (m *Manager) createRoom(c *Client, msg ClientMessage) {
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		m.sendError(c, fmt.Errorf("%w: display name required", errValidation))
		return
	}

	session, err := m.store.Create()
	if err != nil {
		// The caller keeps any existing membership on failure.
		m.sendError(c, err)
		return
	}

	// A connection holds at most one membership at a time; the old room is
	// left only once the new one is secured.
	prev, hadPrev := m.reg.roomOf(c.id)
	m.reg.bind(c.id, session.Code())

	session.order.Lock()
	_ = session.AddPlayer(c.id, name)
	logf(m.cfg, "GAMES: %q created room %s", name, session.Code())
	m.gw.To(c.id, RoomCreatedMessage{Type: "room-created", Code: session.Code()})
	m.broadcast(session, session.Roster())
	session.order.Unlock()

	if hadPrev {
		m.removeFrom(prev, c.id)
	}
}

func (m *Manager) joinRoom(c *Client, msg ClientMessage) {
	name := strings.TrimSpace(msg.Name)
	if name == "" {
		m.sendError(c, fmt.Errorf("%w: display name required", errValidation))
		return
	}

	session, ok := m.store.Get(msg.RoomCode)
	if !ok {
		m.sendError(c, errRoomNotFound)
		return
	}

	prev, hadPrev := m.reg.roomOf(c.id)
	if hadPrev && prev == msg.RoomCode {
		return
	}

	// Admission is settled before the old membership is touched, so a
	// rejected join leaves the caller exactly where they were.
	session.order.Lock()
	if err := session.AddPlayer(c.id, name); err != nil {
		session.order.Unlock()
		m.sendError(c, err)
		return
	}

	m.reg.bind(c.id, msg.RoomCode)

	logf(m.cfg, "GAMES: %q joined room %s", name, msg.RoomCode)

	m.broadcast(session, session.Roster())
	session.order.Unlock()

	if hadPrev {
		m.removeFrom(prev, c.id)
	}
}

func (m *Manager) submitContent(c *Client, msg ClientMessage) {
	session, ok := m.store.Get(msg.RoomCode)
	if !ok {
		return
	}

	session.order.Lock()
	defer session.order.Unlock()

	if session.SubmitContent(c.id, msg.Locations, msg.Roles) {
		m.broadcast(session, session.Roster())
	}
}

func (m *Manager) startGame(c *Client, msg ClientMessage) {
	session, ok := m.store.Get(msg.RoomCode)
	if !ok {
		return
	}

	session.order.Lock()
	defer session.order.Unlock()

	res, err := session.Start(c.id, m.cfg.turnTimeout, m.cfg.gameTimeout,
		m.turnFire(msg.RoomCode), m.gameFire(msg.RoomCode))
	if err != nil {
		m.sendError(c, err)
		return
	}

	logf(m.cfg, "GAMES: Room %s started with %d players", msg.RoomCode, len(res.roster))

	m.broadcast(session, GameStartedMessage{
		Type:    "game-started",
		Players: res.roster,
		Asker:   res.asker,
	})

	// Each connection receives only its own secret.
	for id, secret := range res.secrets {
		m.gw.To(id, secret)
	}

	m.broadcast(session, TurnUpdateMessage{Type: "turn-update", Asker: res.asker})
}

func (m *Manager) askQuestion(c *Client, msg ClientMessage) {
	session, ok := m.store.Get(msg.RoomCode)
	if !ok {
		return
	}

	session.order.Lock()
	defer session.order.Unlock()

	turn, err := session.Ask(c.id, msg.TargetID, m.cfg.turnTimeout, m.turnFire(msg.RoomCode))
	if err != nil {
		m.sendError(c, err)
		return
	}

	m.broadcast(session, *turn)
}

func (m *Manager) endAnswer(c *Client, msg ClientMessage) {
	session, ok := m.store.Get(msg.RoomCode)
	if !ok {
		return
	}

	session.order.Lock()
	defer session.order.Unlock()

	turn, err := session.EndAnswer(c.id, m.cfg.turnTimeout, m.turnFire(msg.RoomCode))
	if err != nil {
		m.sendError(c, err)
		return
	}

	m.broadcast(session, *turn)
}

// sendChat relays without touching authoritative state; it still takes the
// order lock so chatter interleaves consistently with game events.
func (m *Manager) sendChat(c *Client, msg ClientMessage) {
	session, ok := m.store.Get(msg.RoomCode)
	if !ok {
		return
	}

	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return
	}

	session.order.Lock()
	defer session.order.Unlock()

	m.broadcast(session, ChatBroadcastMessage{
		Type:   "chat-message",
		Author: msg.Name,
		Body:   body,
	})
}

func (m *Manager) castVote(c *Client, msg ClientMessage) {
	session, ok := m.store.Get(msg.RoomCode)
	if !ok {
		return
	}

	session.order.Lock()
	defer session.order.Unlock()

	tally, end, ok := session.Vote(c.id, msg.VotedID)
	if !ok {
		return
	}

	m.broadcast(session, VoteTallyMessage{Type: "vote-tally", Votes: tally})

	if end != nil {
		logf(m.cfg, "GAMES: Room %s resolved by vote, %d/%d correct",
			msg.RoomCode, end.correct, len(end.votes))
		m.broadcast(session, endMessage(end))
	}
}

// leaveRoom removes the connection's player from its current room, if any.
func (m *Manager) leaveRoom(id string) {
	code, ok := m.reg.roomOf(id)
	if !ok {
		return
	}
	m.reg.unbind(id)

	m.removeFrom(code, id)
}

// removeFrom drops the player from the named room and settles the fallout:
// empty rooms are deleted with their timers cancelled, otherwise the roster
// and any forced turn/vote changes are rebroadcast.
func (m *Manager) removeFrom(code, id string) {
	session, ok := m.store.Get(code)
	if !ok {
		return
	}

	session.order.Lock()
	defer session.order.Unlock()

	dep := session.RemovePlayer(id)

	if dep.empty {
		session.Close()
		m.store.Remove(code)
		logf(m.cfg, "GAMES: Removed empty room %s", code)
		return
	}

	if dep.roster {
		m.broadcast(session, session.Roster())
	}
	if dep.turn != nil {
		m.broadcast(session, *dep.turn)
	}
	if dep.tally != nil {
		m.broadcast(session, VoteTallyMessage{Type: "vote-tally", Votes: dep.tally})
	}
	if dep.end != nil {
		logf(m.cfg, "GAMES: Room %s resolved after departure", code)
		m.broadcast(session, endMessage(dep.end))
	}
}

// turnFire builds the per-turn timer callback. The fired epoch is checked
// inside the session; a room deleted between arming and firing is skipped.
// Every committed rotation is broadcast.
func (m *Manager) turnFire(code string) func(uint64) {
	return func(epoch uint64) {
		session, ok := m.store.Get(code)
		if !ok {
			return
		}

		session.order.Lock()
		defer session.order.Unlock()

		turn, ok := session.TurnTimeout(epoch)
		if !ok {
			return
		}

		logf(m.cfg, "GAMES: Room %s turn rotated on timeout", code)
		m.broadcast(session, *turn)
	}
}

func (m *Manager) gameFire(code string) func(uint64) {
	return func(epoch uint64) {
		session, ok := m.store.Get(code)
		if !ok {
			return
		}

		session.order.Lock()
		defer session.order.Unlock()

		end, ok := session.GameTimeout(epoch)
		if !ok {
			return
		}

		logf(m.cfg, "GAMES: Room %s resolved on game timeout, %d correct", code, end.correct)
		m.broadcast(session, endMessage(end))
	}
}

func endMessage(end *endResult) GameEndedMessage {
	return GameEndedMessage{
		Type:           "game-ended",
		SpyID:          end.spyID,
		Votes:          end.votes,
		Players:        end.players,
		CorrectGuesses: end.correct,
	}
}

// reaperLoop periodically removes rooms that have been idle longer than the
// configured session timeout, notifying any members still connected.
func (m *Manager) reaperLoop() {
	ticker := time.NewTicker(m.cfg.sessionTimeout / 2)
	for range ticker.C {
		cutoff := time.Now().Add(-m.cfg.sessionTimeout)

		for _, session := range m.store.All() {
			if !session.IdleSince(cutoff) {
				continue
			}

			session.order.Lock()
			members := session.MemberIDs()
			session.Close()
			m.store.Remove(session.Code())

			for _, id := range members {
				m.gw.To(id, RoomClosedMessage{Type: "room-closed"})
				m.reg.unbind(id)
			}
			session.order.Unlock()

			logf(m.cfg, "GAMES: Reaped idle room %s", session.Code())
		}
	}
}
