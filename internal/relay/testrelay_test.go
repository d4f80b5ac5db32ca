package relay

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"nostr-buzz/internal/nostr"
	"nostr-buzz/internal/types"
)

// testRelay is a minimal in-process relay answering REQ with stored events and EOSE.
type testRelay struct {
	t        *testing.T
	server   *httptest.Server
	mu       sync.Mutex
	events   []types.Event
	requests int
	silent   bool // never send EOSE
}

func newTestRelay(t *testing.T, events ...types.Event) *testRelay {
	tr := &testRelay{t: t, events: events}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	tr.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		tr.serve(conn)
	}))
	t.Cleanup(tr.server.Close)
	return tr
}

func (tr *testRelay) URL() string {
	return "ws" + strings.TrimPrefix(tr.server.URL, "http")
}

func (tr *testRelay) setSilent(silent bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.silent = silent
}

func (tr *testRelay) Requests() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.requests
}

func (tr *testRelay) serve(conn *websocket.Conn) {
	for {
		var msg []json.RawMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if len(msg) < 2 {
			continue
		}
		var typ, subID string
		_ = json.Unmarshal(msg[0], &typ)
		if typ == "EVENT" {
			var evt types.Event
			_ = json.Unmarshal(msg[1], &evt)
			ok := nostr.VerifyEvent(&evt)
			if ok {
				tr.mu.Lock()
				tr.events = append(tr.events, evt)
				tr.mu.Unlock()
			}
			if err := conn.WriteJSON([]interface{}{"OK", evt.ID, ok, ""}); err != nil {
				return
			}
			continue
		}
		_ = json.Unmarshal(msg[1], &subID)
		if typ != "REQ" || len(msg) < 3 {
			continue
		}
		var filter struct {
			Kinds   []int    `json:"kinds"`
			Authors []string `json:"authors"`
		}
		_ = json.Unmarshal(msg[2], &filter)

		tr.mu.Lock()
		tr.requests++
		events := append([]types.Event(nil), tr.events...)
		silent := tr.silent
		tr.mu.Unlock()

		for _, evt := range events {
			if matches(evt, filter.Kinds, filter.Authors) {
				if err := conn.WriteJSON([]interface{}{"EVENT", subID, evt}); err != nil {
					return
				}
			}
		}
		if !silent {
			if err := conn.WriteJSON([]interface{}{"EOSE", subID}); err != nil {
				return
			}
		}
	}
}

func matches(evt types.Event, kinds []int, authors []string) bool {
	if len(kinds) > 0 && !containsInt(kinds, evt.Kind) {
		return false
	}
	if len(authors) > 0 && !containsString(authors, evt.PubKey) {
		return false
	}
	return true
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func signedEvent(t *testing.T, signer *nostr.KeySigner, kind int, createdAt int64, content string, tags ...[]string) types.Event {
	t.Helper()
	evt := types.Event{Kind: kind, CreatedAt: createdAt, Content: content, Tags: tags}
	require.NoError(t, signer.SignEvent(&evt))
	return evt
}

func mustSigner(t *testing.T) *nostr.KeySigner {
	t.Helper()
	signer, err := nostr.GenerateKeySigner()
	require.NoError(t, err)
	return signer
}
