package main

import (
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"sync"
	"time"
)

const (
	minPlayers       = 3
	rolesPerLocation = 5

	// The spy's placeholder assignment, matching what every other player
	// sees as a blank card.
	spyLocation = "???"
	spyRole     = "Spy"
)

type Phase string

const (
	PhaseLobby      Phase = "lobby"
	PhaseSubmitting Phase = "submitting"
	PhaseInTurn     Phase = "in-turn"
	PhaseVoting     Phase = "voting"
	PhaseEnded      Phase = "ended"
)

// Player holds the data we store server-side for one room member.
// Submitted content accumulates during the lobby; assignments are written
// once at game start and never mutated afterwards.
type Player struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	SubmittedLocations []string `json:"submittedLocations,omitempty"`
	SubmittedRoles     []string `json:"submittedRoles,omitempty"`
	AssignedLocation   string   `json:"assignedLocation,omitempty"`
	AssignedRole       string   `json:"assignedRole,omitempty"`
	IsSpy              bool     `json:"isSpy,omitempty"`
}

// Session is the authoritative state of one room. Every mutation goes
// through mu, including timer callbacks; each armed timer carries an epoch
// snapshot so a timer that fires after being superseded is a no-op.
//
// The stored phase is one of lobby, in-turn, or ended. "Submitting" and
// "voting" are reported states derived from content completeness and the
// tally, respectively.
type Session struct {
	mu sync.Mutex

	// order is held by the manager across a mutation and the broadcasts it
	// produces, so members receive this room's events in commit order. It
	// is never taken by Session methods themselves.
	order sync.Mutex

	code     string
	players  []*Player
	phase    Phase
	spyID    string
	asker    string
	answerer string
	votes    map[string]string

	turnTimer *time.Timer
	turnEpoch uint64
	gameTimer *time.Timer
	gameEpoch uint64

	lastActive time.Time
}

// startResult carries everything the caller needs to announce a started
// game: the public roster, the opening asker, and one private secret per
// player id. Secrets are delivered per-connection, never broadcast.
type startResult struct {
	roster  []RosterPlayer
	asker   string
	secrets map[string]SecretAssignedMessage
}

type endResult struct {
	spyID   string
	votes   map[string]string
	players []*Player
	correct int
}

// departure describes the broadcasts owed after a player removal.
type departure struct {
	empty  bool
	roster bool
	turn   *TurnUpdateMessage
	tally  map[string]string
	end    *endResult
}

func newSession(code string) *Session {
	return &Session{
		code:       code,
		phase:      PhaseLobby,
		lastActive: time.Now(),
	}
}

func (s *Session) Code() string {
	return s.code
}

// HostID is always derived from join order, never cached, so the earliest
// surviving joiner becomes host after any roster mutation.
func (s *Session) HostID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.hostLocked()
}

func (s *Session) hostLocked() string {
	if len(s.players) == 0 {
		return ""
	}
	return s.players[0].ID
}

func (s *Session) MemberIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.players))
	for _, p := range s.players {
		ids = append(ids, p.ID)
	}
	return ids
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reportedPhaseLocked()
}

func (s *Session) reportedPhaseLocked() Phase {
	switch s.phase {
	case PhaseLobby:
		for _, p := range s.players {
			if len(p.SubmittedLocations) == 0 {
				return PhaseSubmitting
			}
		}
		return PhaseLobby
	case PhaseInTurn:
		if len(s.votes) > 0 {
			return PhaseVoting
		}
		return PhaseInTurn
	default:
		return s.phase
	}
}

func (s *Session) hasPlayerLocked(id string) bool {
	return slices.ContainsFunc(s.players, func(p *Player) bool { return p.ID == id })
}

func (s *Session) touchLocked() {
	s.lastActive = time.Now()
}

// IdleSince reports whether the room has seen no activity since cutoff.
func (s *Session) IdleSince(cutoff time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastActive.Before(cutoff)
}

func (s *Session) publicRosterLocked() []RosterPlayer {
	roster := make([]RosterPlayer, 0, len(s.players))
	for _, p := range s.players {
		roster = append(roster, RosterPlayer{
			ID:        p.ID,
			Name:      p.Name,
			Submitted: len(p.SubmittedLocations) > 0,
		})
	}
	return roster
}

// Roster snapshots the public room view for broadcast. Submitted content
// and assignments are withheld until the game resolves.
func (s *Session) Roster() RosterUpdateMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return RosterUpdateMessage{
		Type:    "roster-updated",
		Code:    s.code,
		HostID:  s.hostLocked(),
		Phase:   s.reportedPhaseLocked(),
		Players: s.publicRosterLocked(),
	}
}

func (s *Session) tallyLocked() map[string]string {
	return maps.Clone(s.votes)
}

// AddPlayer appends a player in join order. Joining is only permitted in
// the lobby; rejoining with a known id is a no-op.
func (s *Session) AddPlayer(id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseLobby {
		return errGameStarted
	}
	if s.hasPlayerLocked(id) {
		return nil
	}

	s.players = append(s.players, &Player{ID: id, Name: name})
	s.touchLocked()

	return nil
}

// SubmitContent stores a player's candidate locations and roles. Content
// may be resubmitted any number of times before the game starts.
func (s *Session) SubmitContent(id string, locations, roles []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseLobby {
		return false
	}

	for _, p := range s.players {
		if p.ID == id {
			p.SubmittedLocations = slices.Clone(locations)
			p.SubmittedRoles = slices.Clone(roles)
			s.touchLocked()
			return true
		}
	}
	return false
}

// Start validates submitted content and assigns secrets. The first-joined
// player's location list is the canonical catalog; one location index is
// chosen from it, and every player contributes their own 5-role block at
// that index to the shuffled role pool. On any validation failure the
// session is left untouched.
func (s *Session) Start(initiator string, turnTimeout, gameTimeout time.Duration, turnFire, gameFire func(uint64)) (*startResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseLobby {
		return nil, errGameStarted
	}
	if initiator != s.hostLocked() {
		return nil, fmt.Errorf("%w: only the host can start the game", errValidation)
	}
	if len(s.players) < minPlayers {
		return nil, fmt.Errorf("%w: need at least %d players", errValidation, minPlayers)
	}

	catalog := s.players[0].SubmittedLocations
	if len(catalog) == 0 {
		return nil, fmt.Errorf("%w: the host has not submitted any locations", errValidation)
	}
	for _, p := range s.players {
		if len(p.SubmittedLocations) != len(catalog) {
			return nil, fmt.Errorf("%w: %s submitted %d locations, expected %d",
				errValidation, p.Name, len(p.SubmittedLocations), len(catalog))
		}
		if len(p.SubmittedRoles) != rolesPerLocation*len(p.SubmittedLocations) {
			return nil, fmt.Errorf("%w: %s submitted %d roles, expected %d",
				errValidation, p.Name, len(p.SubmittedRoles), rolesPerLocation*len(p.SubmittedLocations))
		}
	}

	idx := rand.Intn(len(catalog))
	location := catalog[idx]

	pool := make([]string, 0, len(s.players)*rolesPerLocation)
	for _, p := range s.players {
		pool = append(pool, p.SubmittedRoles[idx*rolesPerLocation:(idx+1)*rolesPerLocation]...)
	}
	rand.Shuffle(len(pool), func(i, j int) {
		pool[i], pool[j] = pool[j], pool[i]
	})

	spyIdx := rand.Intn(len(s.players))
	secrets := make(map[string]SecretAssignedMessage, len(s.players))
	next := 0
	for i, p := range s.players {
		if i == spyIdx {
			p.AssignedLocation = spyLocation
			p.AssignedRole = spyRole
			p.IsSpy = true
		} else {
			p.AssignedLocation = location
			p.AssignedRole = pool[next]
			next++
			p.IsSpy = false
		}
		secrets[p.ID] = SecretAssignedMessage{
			Type:     "secret-assigned",
			Location: p.AssignedLocation,
			Role:     p.AssignedRole,
			IsSpy:    p.IsSpy,
		}
	}

	s.spyID = s.players[spyIdx].ID
	s.asker = s.players[rand.Intn(len(s.players))].ID
	s.answerer = ""
	s.votes = make(map[string]string)
	s.phase = PhaseInTurn
	s.touchLocked()

	s.armTurnTimerLocked(turnTimeout, turnFire)
	s.armGameTimerLocked(gameTimeout, gameFire)

	return &startResult{
		roster:  s.publicRosterLocked(),
		asker:   s.asker,
		secrets: secrets,
	}, nil
}

// Ask designates an answerer. Only the current asker may ask, and only of
// another current member. The pending turn timer is always cancelled
// before the replacement is armed, so a room never holds two live timers.
func (s *Session) Ask(caller, target string, turnTimeout time.Duration, fire func(uint64)) (*TurnUpdateMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInTurn || caller != s.asker {
		return nil, errNotYourTurn
	}
	if target == caller || !s.hasPlayerLocked(target) {
		return nil, fmt.Errorf("%w: invalid question target", errValidation)
	}

	s.answerer = target
	s.touchLocked()
	s.armTurnTimerLocked(turnTimeout, fire)

	return &TurnUpdateMessage{Type: "turn-update", Asker: s.asker, Answerer: s.answerer}, nil
}

// EndAnswer promotes the answerer to asker and arms a fresh turn timer.
func (s *Session) EndAnswer(caller string, turnTimeout time.Duration, fire func(uint64)) (*TurnUpdateMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInTurn || s.answerer == "" || caller != s.answerer {
		return nil, errNotYourTurn
	}

	s.asker = s.answerer
	s.answerer = ""
	s.touchLocked()
	s.armTurnTimerLocked(turnTimeout, fire)

	return &TurnUpdateMessage{Type: "turn-update", Asker: s.asker}, nil
}

// Vote records or overwrites the voter's accusation. Accepted from in-turn
// onward, for any current member including the voter themselves. When every
// player has voted the session resolves.
func (s *Session) Vote(voter, voted string) (map[string]string, *endResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInTurn {
		return nil, nil, false
	}
	if !s.hasPlayerLocked(voter) || !s.hasPlayerLocked(voted) {
		return nil, nil, false
	}

	s.votes[voter] = voted
	s.touchLocked()

	tally := s.tallyLocked()
	if len(s.votes) == len(s.players) {
		return tally, s.endLocked(), true
	}
	return tally, nil, true
}

// RemovePlayer drops a player and settles every consequence in one
// critical section: host re-derivation (implicit in join order), a forced
// rotation if the departing player held the turn, and completion of the
// vote if the remaining tally now covers everyone.
func (s *Session) RemovePlayer(id string) departure {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.players, func(p *Player) bool { return p.ID == id })
	if idx < 0 {
		return departure{}
	}

	heldTurn := s.phase == PhaseInTurn && (id == s.asker || id == s.answerer)
	_, hadVoted := s.votes[id]

	s.players = slices.Delete(s.players, idx, idx+1)
	delete(s.votes, id)
	s.touchLocked()

	if len(s.players) == 0 {
		s.cancelTimersLocked()
		return departure{empty: true}
	}

	dep := departure{roster: true}

	if heldTurn {
		s.cancelTurnTimerLocked()
		dep.turn = s.rotateLocked()
	}

	if s.phase == PhaseInTurn {
		if len(s.votes) > 0 && len(s.votes) == len(s.players) {
			dep.tally = s.tallyLocked()
			dep.end = s.endLocked()
		} else if hadVoted {
			dep.tally = s.tallyLocked()
		}
	}

	return dep
}

// TurnTimeout is the armed turn timer's callback path. A stale epoch means
// the timer was superseded or cancelled after firing; the session may also
// have ended in the interim. Both cases are guarded no-ops.
func (s *Session) TurnTimeout(epoch uint64) (*TurnUpdateMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInTurn || epoch != s.turnEpoch {
		return nil, false
	}

	msg := s.rotateLocked()
	if msg == nil {
		return nil, false
	}
	s.touchLocked()

	return msg, true
}

// GameTimeout force-resolves the session with whatever tally exists.
func (s *Session) GameTimeout(epoch uint64) (*endResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != PhaseInTurn || epoch != s.gameEpoch {
		return nil, false
	}

	end := s.endLocked()
	return end, end != nil
}

// rotateLocked picks a new random asker among current members, excluding
// whoever holds the turn now. With a single member left there is nobody to
// rotate to, so the rotation is a no-op.
func (s *Session) rotateLocked() *TurnUpdateMessage {
	if len(s.players) <= 1 {
		return nil
	}

	candidates := make([]string, 0, len(s.players))
	for _, p := range s.players {
		if p.ID != s.asker {
			candidates = append(candidates, p.ID)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	s.asker = candidates[rand.Intn(len(candidates))]
	s.answerer = ""

	return &TurnUpdateMessage{Type: "turn-update", Asker: s.asker}
}

// endLocked transitions to Ended exactly once, cancelling both timers.
// Correct guesses are counted only over voters who accused the true spy.
func (s *Session) endLocked() *endResult {
	if s.phase == PhaseEnded {
		return nil
	}

	s.phase = PhaseEnded
	s.cancelTimersLocked()
	s.touchLocked()

	correct := 0
	for _, voted := range s.votes {
		if voted == s.spyID {
			correct++
		}
	}

	return &endResult{
		spyID:   s.spyID,
		votes:   s.tallyLocked(),
		players: slices.Clone(s.players),
		correct: correct,
	}
}

func (s *Session) armTurnTimerLocked(d time.Duration, fire func(uint64)) {
	if s.turnTimer != nil {
		s.turnTimer.Stop()
	}
	s.turnEpoch++
	epoch := s.turnEpoch
	s.turnTimer = time.AfterFunc(d, func() {
		fire(epoch)
	})
}

func (s *Session) armGameTimerLocked(d time.Duration, fire func(uint64)) {
	if s.gameTimer != nil {
		s.gameTimer.Stop()
	}
	s.gameEpoch++
	epoch := s.gameEpoch
	s.gameTimer = time.AfterFunc(d, func() {
		fire(epoch)
	})
}

func (s *Session) cancelTurnTimerLocked() {
	if s.turnTimer != nil {
		s.turnTimer.Stop()
		s.turnTimer = nil
	}
	s.turnEpoch++
}

func (s *Session) cancelTimersLocked() {
	s.cancelTurnTimerLocked()
	if s.gameTimer != nil {
		s.gameTimer.Stop()
		s.gameTimer = nil
	}
	s.gameEpoch++
}

// Close cancels outstanding timers ahead of removal from the store, so a
// dangling timer can never fire against a deleted room.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelTimersLocked()
}
