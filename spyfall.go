// Spyfall
//
// Players gather in a room identified by a short code. During the lobby,
// each player authors candidate locations, with five roles per location.
// When the host starts the game, one location is drawn from the host's
// catalog and everyone except a randomly chosen spy is dealt that location
// plus a role from the pooled role blocks. Players then interrogate each
// other in rotating turns, trying to flush out the spy, while the spy
// tries to deduce the location. Anyone may accuse at any time; when every
// player has voted, or the game clock runs out, the spy is revealed.
//
// Features:
// - Single WebSocket endpoint: /path/ws, rooms addressed by code in each message
// - Connection-scoped UUID identity, announced in a welcome message
// - Host = earliest surviving joiner, re-derived after every roster change
// - Per-room turn timer (asker rotates on stall) and global game timer
// - Secrets delivered per-connection, never broadcast to the whole room
// - Fire-and-forget chat relay
// - Rooms removed when the last player leaves, or reaped after idling
// - In-browser QR button to share the room join link, backed by go-qrcode

package main

import (
	_ "embed"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients
type ClientMessage struct {
	Type      string   `json:"type"`                // "create-room", "join-room", "submit-content", "start-game", "ask-question", "end-answer", "send-chat", "cast-vote"
	Name      string   `json:"name,omitempty"`      // create-room / join-room / send-chat
	RoomCode  string   `json:"roomCode,omitempty"`  // all room-scoped actions
	Locations []string `json:"locations,omitempty"` // submit-content
	Roles     []string `json:"roles,omitempty"`     // submit-content
	TargetID  string   `json:"targetId,omitempty"`  // ask-question
	VotedID   string   `json:"votedId,omitempty"`   // cast-vote
	Body      string   `json:"body,omitempty"`      // send-chat
}

// WelcomeMessage is sent immediately on connect so the client knows its
// own connection identifier.
type WelcomeMessage struct {
	Type   string `json:"type"` // "welcome"
	ConnID string `json:"connId"`
}

// Sent to the creating connection only.
type RoomCreatedMessage struct {
	Type string `json:"type"` // "room-created"
	Code string `json:"code"`
}

// Sent to the offending connection only.
type ErrorMessage struct {
	Type    string `json:"type"`    // "error"
	Code    string `json:"code"`    // machine-readable taxonomy entry
	Message string `json:"message"` // user-facing text
}

// RosterPlayer is the public view of a member: no submissions, no secrets.
type RosterPlayer struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Submitted bool   `json:"submitted"`
}

type RosterUpdateMessage struct {
	Type    string         `json:"type"` // "roster-updated"
	Code    string         `json:"code"`
	HostID  string         `json:"hostId"`
	Phase   Phase          `json:"phase"`
	Players []RosterPlayer `json:"players"`
}

type GameStartedMessage struct {
	Type    string         `json:"type"` // "game-started"
	Players []RosterPlayer `json:"players"`
	Asker   string         `json:"asker"`
}

// SecretAssignedMessage carries one player's own assignment and nothing
// else; it is delivered to that connection alone.
type SecretAssignedMessage struct {
	Type     string `json:"type"` // "secret-assigned"
	Location string `json:"location"`
	Role     string `json:"role"`
	IsSpy    bool   `json:"isSpy"`
}

type TurnUpdateMessage struct {
	Type     string `json:"type"` // "turn-update"
	Asker    string `json:"asker"`
	Answerer string `json:"answerer,omitempty"`
}

type ChatBroadcastMessage struct {
	Type   string `json:"type"` // "chat-message"
	Author string `json:"author"`
	Body   string `json:"body"`
}

type VoteTallyMessage struct {
	Type  string            `json:"type"`  // "vote-tally"
	Votes map[string]string `json:"votes"` // voter id -> voted id
}

// GameEndedMessage is the resolution payload: the spy, the final tally,
// and the full roster including submissions for post-game review.
type GameEndedMessage struct {
	Type           string            `json:"type"` // "game-ended"
	SpyID          string            `json:"spyId"`
	Votes          map[string]string `json:"votes"`
	Players        []*Player         `json:"players"`
	CorrectGuesses int               `json:"correctGuesses"`
}

type RoomClosedMessage struct {
	Type string `json:"type"` // "room-closed"
}

type Client struct {
	conn *websocket.Conn
	send chan any
	id   string
}

func (c *Client) readPump(m *Manager) {
	defer func() {
		m.Disconnect(c)
		_ = c.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		m.Dispatch(c, msg)
	}
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for msg := range c.send {
		if err := c.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func serveWS(cfg *Config, m *Manager) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		client := &Client{
			conn: conn,
			send: make(chan any, 8),
			id:   uuid.NewString(),
		}

		m.reg.add(client)

		go client.writePump()

		client.send <- WelcomeMessage{Type: "welcome", ConnID: client.id}

		logf(cfg, "GAMES: Connection %s from %s", client.id, realIP(r))

		client.readPump(m)
	}
}

// QR handler: generates a PNG QR code for the room join URL using go-qrcode.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	code := ps.ByName("code")
	if code == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	// Derive scheme (respecting TLS and X-Forwarded-Proto if present).
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	// We are at /.../qr/:code; strip the qr segment to get the join URL.
	path := strings.TrimSuffix(r.URL.Path, "/qr/"+code)

	url := scheme + "://" + r.Host + path + "?room=" + code

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ---- Static file paths ----

//go:embed spyfall/index.html
var indexHTML []byte

//go:embed spyfall/app.css
var spyfallCSS []byte

//go:embed spyfall/app.js
var spyfallJS []byte

func getIndexHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(indexHTML)
	}
}

func getCssHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "text/css; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(spyfallCSS)
	}
}

func getJsHandler(cfg *Config) func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Expires", time.Now().Add(time.Hour).UTC().Format(http.TimeFormat))
		securityHeaders(cfg, w)

		_, _ = w.Write(spyfallJS)
	}
}

// registerSpyfallGame sets up routes so that:
//   - $path                  → HTML client (room chosen or created in-page)
//   - $path/ws               → shared WebSocket endpoint
//   - $path/qr/:code         → PNG QR code linking to that room
func registerSpyfallGame(cfg *Config, path string, mux *httprouter.Router) {
	reg := newRegistry()
	m := newManager(cfg, reg, reg)

	// Client view (HTML)
	mux.GET(cfg.prefix+path, getIndexHandler(cfg))

	// Shared assets (no room code in route)
	mux.GET(cfg.prefix+"/assets/spyfall/app.css", getCssHandler(cfg))
	mux.GET(cfg.prefix+"/assets/spyfall/app.js", getJsHandler(cfg))

	// Game websocket
	mux.GET(cfg.prefix+path+"/ws", serveWS(cfg, m))

	// Per-room QR code
	mux.GET(cfg.prefix+path+"/qr/:code", qrHandler)
}
