package main

import (
	"crypto/rand"
	"sync"
)

const (
	codeLength   = 5
	codeCharset  = "abcdefghijklmnopqrstuvwxyz0123456789"
	maxCodeTries = 64
)

// RoomStore maps room codes to sessions. Creation holds the store lock
// across generation, uniqueness check, and insertion, so two concurrent
// creates can never claim the same freshly generated code.
type RoomStore struct {
	mu    sync.Mutex
	rooms map[string]*Session
}

func newRoomStore() *RoomStore {
	return &RoomStore{
		rooms: make(map[string]*Session),
	}
}

func randomCode() string {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failure: " + err.Error())
	}
	out := make([]byte, codeLength)
	for i := range out {
		out[i] = codeCharset[int(buf[i])%len(codeCharset)]
	}
	return string(out)
}

// Create inserts an empty lobby under a collision-checked random code.
// Codes are short, so collisions are expected and retried; a full code
// space fails the create rather than looping forever.
func (rs *RoomStore) Create() (*Session, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	for try := 0; try < maxCodeTries; try++ {
		code := randomCode()
		if _, exists := rs.rooms[code]; exists {
			continue
		}

		session := newSession(code)
		rs.rooms[code] = session
		return session, nil
	}

	return nil, errCodeSpace
}

func (rs *RoomStore) Get(code string) (*Session, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	session, ok := rs.rooms[code]
	return session, ok
}

func (rs *RoomStore) Remove(code string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	delete(rs.rooms, code)
}

func (rs *RoomStore) All() []*Session {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	sessions := make([]*Session, 0, len(rs.rooms))
	for _, session := range rs.rooms {
		sessions = append(sessions, session)
	}
	return sessions
}

func (rs *RoomStore) Len() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	return len(rs.rooms)
}
