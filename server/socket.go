package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the client.
	pongWait = 60 * time.Second

	// Send pings to client with this period. Must be less than pongWait.
	pingPeriod = 15 * time.Second

	// Maximum message size allowed from client.
	maxMessageSize = 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client to server frame types.
const (
	frameLocationPing    = "location:ping"
	frameLocationTrack   = "location:track"
	frameLocationUntrack = "location:untrack"
)

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type pingFrame struct {
	Lat      float64 `json:"lat"`
	Lng      float64 `json:"lng"`
	Accuracy float64 `json:"accuracy"`
}

type trackFrame struct {
	FriendID        string `json:"friendId"`
	DurationSeconds int    `json:"durationSeconds"`
}

type untrackFrame struct {
	FriendID string `json:"friendId"`
}

type trackAck struct {
	FriendID string `json:"friendId"`
}

type frameError struct {
	FriendID string `json:"friendId,omitempty"`
	Message  string `json:"message"`
}

// HandleWS authenticates the connection, upgrades it and runs the session
// until either side goes away. A missing or invalid credential rejects the
// connection before any message is processed.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.VerifyToken(r.Context(), wsToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
		return
	}

	// auth may ride in on Sec-WebSocket-Protocol, echo it back
	var rspHdr http.Header
	if prots := r.Header.Values("Sec-WebSocket-Protocol"); len(prots) > 0 {
		rspHdr = http.Header{}
		for _, p := range prots {
			rspHdr.Add("Sec-WebSocket-Protocol", p)
		}
	}

	conn, err := upgrader.Upgrade(w, r, rspHdr)
	if err != nil {
		// Upgrade already wrote the response
		return
	}

	session := s.hub.Register(userID)
	st := &socketStream{
		ctx:     r.Context(),
		conn:    conn,
		server:  s,
		session: session,
	}
	st.run()
}

// wsToken extracts the bearer credential from the Authorization header or,
// for browser clients that cannot set headers on websockets, from the
// subprotocol list as ["bearer", "<token>"].
func wsToken(r *http.Request) string {
	if token := bearerToken(r); token != "" {
		return token
	}
	prots := websocket.Subprotocols(r)
	for i, p := range prots {
		if p == "bearer" && i+1 < len(prots) {
			return prots[i+1]
		}
	}
	return ""
}

type socketStream struct {
	ctx     context.Context
	conn    *websocket.Conn
	server  *Server
	session *Session
}

func (st *socketStream) run() {
	defer func() {
		st.server.hub.Unregister(st.session)
		st.conn.Close()
	}()

	stopCtx, cancel := context.WithCancel(context.Background())

	wg := sync.WaitGroup{}
	wg.Add(2)
	go st.writeLoop(cancel, &wg, stopCtx)
	go st.readLoop(cancel, &wg, stopCtx)
	wg.Wait()
}

func (st *socketStream) readLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		cancel()
		wg.Done()
	}()

	st.conn.SetReadLimit(maxMessageSize)
	st.conn.SetReadDeadline(time.Now().Add(pongWait))
	st.conn.SetPongHandler(func(string) error { st.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		select {
		case <-stopCtx.Done():
			return
		default:
		}

		_, msg, err := st.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				st.server.log.Debug().Err(err).Str("user", st.session.UserID).Msg("socket closed")
			}
			return
		}

		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			st.reply("error", frameError{Message: "malformed frame"})
			continue
		}
		st.dispatch(f)
	}
}

// dispatch handles one client frame. Failures map to a paired :error event
// echoing the request's key fields; they never end the session.
func (st *socketStream) dispatch(f frame) {
	userID := st.session.UserID

	switch f.Type {
	case frameLocationPing:
		var p pingFrame
		if err := json.Unmarshal(f.Data, &p); err != nil {
			st.reply(frameLocationPing+":error", frameError{Message: "malformed ping"})
			return
		}
		if _, err := st.server.gateway.ReportLocation(st.ctx, userID, p.Lat, p.Lng, p.Accuracy); err != nil {
			st.reply(frameLocationPing+":error", frameError{Message: err.Error()})
		}

	case frameLocationTrack:
		var t trackFrame
		if err := json.Unmarshal(f.Data, &t); err != nil {
			st.reply(frameLocationTrack+":error", frameError{Message: "malformed track request"})
			return
		}
		duration := time.Duration(t.DurationSeconds) * time.Second
		if err := st.server.gateway.Track(st.ctx, userID, t.FriendID, duration); err != nil {
			st.reply(frameLocationTrack+":error", frameError{FriendID: t.FriendID, Message: err.Error()})
			return
		}
		st.reply(frameLocationTrack+":ack", trackAck{FriendID: t.FriendID})

	case frameLocationUntrack:
		var u untrackFrame
		if err := json.Unmarshal(f.Data, &u); err != nil {
			st.reply(frameLocationUntrack+":error", frameError{Message: "malformed untrack request"})
			return
		}
		st.server.gateway.Untrack(userID, u.FriendID)

	default:
		st.reply("error", frameError{Message: "unknown frame type " + f.Type})
	}
}

// reply queues an event for this session only.
func (st *socketStream) reply(event string, payload interface{}) {
	select {
	case st.session.Events <- Event{Type: event, Data: payload}:
	default:
	}
}

func (st *socketStream) writeLoop(cancel context.CancelFunc, wg *sync.WaitGroup, stopCtx context.Context) {
	defer func() {
		st.conn.Close()
		cancel()
		wg.Done()
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stopCtx.Done():
			return
		case <-st.ctx.Done():
			return
		case <-st.session.Kill():
			st.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := st.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event := <-st.session.Events:
			st.conn.SetWriteDeadline(time.Now().Add(writeWait))
			b, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := st.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}
	}
}
