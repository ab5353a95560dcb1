package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dialWS(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) (string, json.RawMessage) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev.Type, ev.Data
}

func TestHandleWS_RejectsMissingToken(t *testing.T) {
	f := newServerFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWS_AuthorizationHeader(t *testing.T) {
	f := newServerFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dialWS(t, srv, http.Header{"Authorization": {"Bearer tok-1"}})

	// an invalid ping comes back as a paired error on the same socket
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "location:ping",
		"data": map[string]float64{"lat": 91, "lng": 0, "accuracy": 5},
	}))

	typ, data := readFrame(t, conn)
	assert.Equal(t, "location:ping:error", typ)
	assert.Contains(t, string(data), "message")
}

func TestHandleWS_SubprotocolToken(t *testing.T) {
	f := newServerFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dialWS(t, srv, http.Header{"Sec-WebSocket-Protocol": {"bearer, tok-1"}})

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "bogus",
		"data": map[string]string{},
	}))

	typ, _ := readFrame(t, conn)
	assert.Equal(t, "error", typ)
}

func TestHandleWS_TrackAckAndError(t *testing.T) {
	f := newServerFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	conn := dialWS(t, srv, http.Header{"Authorization": {"Bearer tok-1"}})

	// no connection yet: the track request fails with an echoed friendId
	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "location:track",
		"data": map[string]interface{}{"friendId": "friend", "durationSeconds": 60},
	}))
	typ, data := readFrame(t, conn)
	assert.Equal(t, "location:track:error", typ)
	assert.Contains(t, string(data), `"friendId":"friend"`)
}
