package main

import (
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"
)

func noopFire(uint64) {}

// lobbyWithPlayers builds a session whose n players have each submitted a
// single location with five roles apiece.
func lobbyWithPlayers(t *testing.T, n int) *Session {
	t.Helper()

	s := newSession("abcde")
	t.Cleanup(s.Close)

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("p%d", i)
		if err := s.AddPlayer(id, fmt.Sprintf("player%d", i)); err != nil {
			t.Fatalf("AddPlayer(%s): %v", id, err)
		}
		if !s.SubmitContent(id, []string{"beach"}, testRoles(i)) {
			t.Fatalf("SubmitContent(%s) did not find the player", id)
		}
	}

	return s
}

func testRoles(i int) []string {
	roles := make([]string, rolesPerLocation)
	for j := range roles {
		roles[j] = fmt.Sprintf("p%d-role%d", i, j)
	}
	return roles
}

func TestStartRequiresThreePlayers(t *testing.T) {
	s := lobbyWithPlayers(t, 2)

	_, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire)
	if !errors.Is(err, errValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := s.Phase(); got != PhaseLobby {
		t.Errorf("phase = %q, want %q", got, PhaseLobby)
	}
}

func TestStartRequiresHost(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	if _, err := s.Start("p1", time.Minute, time.Minute, noopFire, noopFire); !errors.Is(err, errValidation) {
		t.Fatalf("expected validation error for non-host start, got %v", err)
	}
	if got := s.Phase(); got != PhaseLobby {
		t.Errorf("phase = %q, want %q", got, PhaseLobby)
	}
}

func TestStartValidatesContent(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	// Wrong role count for the declared location count.
	s.SubmitContent("p2", []string{"beach"}, []string{"too", "few"})

	if _, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire); !errors.Is(err, errValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := s.Phase(); got != PhaseSubmitting && got != PhaseLobby {
		t.Errorf("phase = %q, want a lobby state", got)
	}

	// Empty host catalog.
	s2 := lobbyWithPlayers(t, 3)
	s2.SubmitContent("p0", nil, nil)
	if _, err := s2.Start("p0", time.Minute, time.Minute, noopFire, noopFire); !errors.Is(err, errValidation) {
		t.Fatalf("expected validation error for empty catalog, got %v", err)
	}
}

func TestStartAssignsExactlyOneSpy(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	res, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The candidate pool is every player's 5-role block for the chosen
	// location: 15 entries for 3 players.
	pool := make([]string, 0, 3*rolesPerLocation)
	for i := 0; i < 3; i++ {
		pool = append(pool, testRoles(i)...)
	}

	spies := 0
	seenRoles := make(map[string]bool)
	for id, secret := range res.secrets {
		if secret.IsSpy {
			spies++
			if secret.Location != spyLocation || secret.Role != spyRole {
				t.Errorf("spy %s assigned %q/%q", id, secret.Location, secret.Role)
			}
			continue
		}
		if secret.Location != "beach" {
			t.Errorf("non-spy %s assigned location %q, want \"beach\"", id, secret.Location)
		}
		if !slices.Contains(pool, secret.Role) {
			t.Errorf("non-spy %s assigned role %q, not drawn from the pool", id, secret.Role)
		}
		if seenRoles[secret.Role] {
			t.Errorf("role %q assigned twice", secret.Role)
		}
		seenRoles[secret.Role] = true
	}

	if spies != 1 {
		t.Errorf("assigned %d spies, want exactly 1", spies)
	}
	if got := s.Phase(); got != PhaseInTurn {
		t.Errorf("phase = %q, want %q", got, PhaseInTurn)
	}
	if res.asker == "" || !slices.Contains(s.MemberIDs(), res.asker) {
		t.Errorf("asker %q is not a current member", res.asker)
	}
}

func TestStartFailsAfterStart(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	if _, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire); !errors.Is(err, errGameStarted) {
		t.Fatalf("expected errGameStarted, got %v", err)
	}
}

func TestJoinAfterStartRejected(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	if _, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.AddPlayer("late", "dave"); !errors.Is(err, errGameStarted) {
		t.Fatalf("expected errGameStarted, got %v", err)
	}
}

func TestHostFollowsJoinOrder(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	if got := s.HostID(); got != "p0" {
		t.Fatalf("host = %q, want p0", got)
	}

	s.RemovePlayer("p0")

	if got := s.HostID(); got != "p1" {
		t.Errorf("host after departure = %q, want p1", got)
	}
}

func TestAskEnforcesTurnOwnership(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	res, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var other string
	for _, id := range s.MemberIDs() {
		if id != res.asker {
			other = id
			break
		}
	}

	if _, err := s.Ask(other, res.asker, time.Minute, noopFire); !errors.Is(err, errNotYourTurn) {
		t.Errorf("ask by non-asker: got %v, want errNotYourTurn", err)
	}
	if _, err := s.Ask(res.asker, res.asker, time.Minute, noopFire); !errors.Is(err, errValidation) {
		t.Errorf("self-targeted ask: got %v, want errValidation", err)
	}

	turn, err := s.Ask(res.asker, other, time.Minute, noopFire)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if turn.Asker != res.asker || turn.Answerer != other {
		t.Errorf("turn = %+v, want asker %q answerer %q", turn, res.asker, other)
	}

	if _, err := s.EndAnswer(res.asker, time.Minute, noopFire); !errors.Is(err, errNotYourTurn) {
		t.Errorf("end-answer by asker: got %v, want errNotYourTurn", err)
	}

	turn, err = s.EndAnswer(other, time.Minute, noopFire)
	if err != nil {
		t.Fatalf("EndAnswer: %v", err)
	}
	if turn.Asker != other || turn.Answerer != "" {
		t.Errorf("turn after end-answer = %+v, want asker %q", turn, other)
	}
}

func TestVoteOverwritesAndResolves(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	res, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var spy string
	for id, secret := range res.secrets {
		if secret.IsSpy {
			spy = id
		}
	}

	tally, end, ok := s.Vote("p0", "p1")
	if !ok || end != nil {
		t.Fatalf("first vote: ok=%v end=%v", ok, end)
	}
	if tally["p0"] != "p1" {
		t.Errorf("tally[p0] = %q, want p1", tally["p0"])
	}

	// Re-vote overwrites.
	tally, _, _ = s.Vote("p0", spy)
	if len(tally) != 1 || tally["p0"] != spy {
		t.Errorf("tally after re-vote = %v, want single entry p0→%s", tally, spy)
	}
	if got := s.Phase(); got != PhaseVoting {
		t.Errorf("phase = %q, want %q", got, PhaseVoting)
	}

	s.Vote("p1", "p0")
	_, end, _ = s.Vote("p2", "p0")
	if end == nil {
		t.Fatal("expected resolution once every player voted")
	}
	if end.spyID != spy {
		t.Errorf("end.spyID = %q, want %q", end.spyID, spy)
	}

	want := 1
	if spy == "p0" {
		// Everyone, including p0, accused p0.
		want = 3
	}
	if end.correct != want {
		t.Errorf("correct guesses = %d, want %d", end.correct, want)
	}

	// The session is read-only once ended.
	if _, _, ok := s.Vote("p0", "p1"); ok {
		t.Error("vote accepted after the game ended")
	}
	if got := s.Phase(); got != PhaseEnded {
		t.Errorf("phase = %q, want %q", got, PhaseEnded)
	}
}

func TestVoteRejectsNonMembers(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	if _, err := s.Start("p0", time.Minute, time.Minute, noopFire, noopFire); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, _, ok := s.Vote("stranger", "p0"); ok {
		t.Error("vote from non-member accepted")
	}
	if _, _, ok := s.Vote("p0", "stranger"); ok {
		t.Error("vote for non-member accepted")
	}
}

func TestTurnTimeoutIgnoresStaleEpoch(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	fired := make(chan uint64, 8)
	res, err := s.Start("p0", time.Hour, time.Hour, func(e uint64) { fired <- e }, noopFire)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var target string
	for _, id := range s.MemberIDs() {
		if id != res.asker {
			target = id
			break
		}
	}

	// Asking supersedes the timer armed at start; the start-era epoch must
	// no longer rotate.
	startEpoch := s.turnEpoch
	if _, err := s.Ask(res.asker, target, time.Hour, func(e uint64) { fired <- e }); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if _, ok := s.TurnTimeout(startEpoch); ok {
		t.Error("stale epoch rotated the turn")
	}
	if turn, ok := s.TurnTimeout(s.turnEpoch); !ok || turn == nil {
		t.Error("current epoch failed to rotate the turn")
	}
}

func TestTimeoutRotationSkipsCurrentAsker(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	if _, err := s.Start("p0", time.Hour, time.Hour, noopFire, noopFire); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for n := 0; n < 20; n++ {
		before := s.asker
		turn, ok := s.TurnTimeout(s.turnEpoch)
		if !ok {
			t.Fatal("rotation failed with players remaining")
		}
		if turn.Asker == before {
			t.Fatalf("rotation re-selected the current asker %q", before)
		}
	}
}

func TestTimeoutRotationNoopWithOnePlayer(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	if _, err := s.Start("p0", time.Hour, time.Hour, noopFire, noopFire); err != nil {
		t.Fatalf("Start: %v", err)
	}

	s.RemovePlayer("p1")
	s.RemovePlayer("p2")

	if _, ok := s.TurnTimeout(s.turnEpoch); ok {
		t.Error("rotation should be a no-op with a single player")
	}
}

func TestGameTimeoutResolvesWithPartialTally(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	res, err := s.Start("p0", time.Hour, time.Hour, noopFire, noopFire)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	var spy string
	for id, secret := range res.secrets {
		if secret.IsSpy {
			spy = id
		}
	}

	s.Vote("p0", spy)

	end, ok := s.GameTimeout(s.gameEpoch)
	if !ok || end == nil {
		t.Fatal("game timeout did not resolve the session")
	}
	if len(end.votes) != 1 {
		t.Errorf("tally size = %d, want 1 (partial votes allowed)", len(end.votes))
	}

	wantCorrect := 0
	if spy != "p0" {
		wantCorrect = 1
	}
	if end.correct != wantCorrect {
		t.Errorf("correct = %d, want %d", end.correct, wantCorrect)
	}

	// Resolution happens exactly once.
	if _, ok := s.GameTimeout(s.gameEpoch); ok {
		t.Error("second game timeout resolved an already-ended session")
	}
}

func TestRemovePlayerSettlesTurnAndVotes(t *testing.T) {
	s := lobbyWithPlayers(t, 4)

	res, err := s.Start("p0", time.Hour, time.Hour, noopFire, noopFire)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Departing asker forces a rotation to a surviving member.
	dep := s.RemovePlayer(res.asker)
	if dep.empty || !dep.roster {
		t.Fatalf("departure = %+v, want roster update", dep)
	}
	if dep.turn == nil {
		t.Fatal("expected a forced rotation after the asker departed")
	}
	if dep.turn.Asker == res.asker || !slices.Contains(s.MemberIDs(), dep.turn.Asker) {
		t.Errorf("forced rotation chose %q", dep.turn.Asker)
	}

	// A non-voter departing completes the vote if everyone left has voted.
	remaining := s.MemberIDs()
	s.Vote(remaining[0], remaining[1])
	s.Vote(remaining[1], remaining[0])

	dep = s.RemovePlayer(remaining[2])
	if dep.end == nil {
		t.Fatal("expected resolution once the remaining tally covered everyone")
	}
}

func TestRemoveLastPlayerReportsEmpty(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	s.RemovePlayer("p0")
	s.RemovePlayer("p1")
	dep := s.RemovePlayer("p2")

	if !dep.empty {
		t.Error("expected empty departure for the last player")
	}
}

func TestRosterWithholdsSubmissions(t *testing.T) {
	s := lobbyWithPlayers(t, 3)

	roster := s.Roster()
	if roster.HostID != "p0" || roster.Code != "abcde" {
		t.Errorf("roster header = %+v", roster)
	}
	for _, p := range roster.Players {
		if !p.Submitted {
			t.Errorf("player %s should be marked submitted", p.ID)
		}
	}

	if err := s.AddPlayer("p3", "dave"); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	if got := s.Phase(); got != PhaseSubmitting {
		t.Errorf("phase with incomplete content = %q, want %q", got, PhaseSubmitting)
	}
}
