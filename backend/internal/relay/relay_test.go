package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/assert/v2"
	"github.com/go-sql-driver/mysql"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"collabspace/backend/internal/transport"
	"collabspace/backend/internal/transport/wsrelay"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePresence struct {
	mu      sync.Mutex
	touched map[string][]string
}

func (f *fakePresence) Touch(_ context.Context, topic string, peers []string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.touched == nil {
		f.touched = map[string][]string{}
	}
	f.touched[topic] = append(f.touched[topic], peers...)
	return nil
}

func (f *fakePresence) Rooms(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rooms []string
	for t := range f.touched {
		rooms = append(rooms, t)
	}
	return rooms, nil
}

func (f *fakePresence) AlivePeers(_ context.Context, topic string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.touched[topic], nil
}

type fakeRooms struct {
	mu    sync.Mutex
	stats map[string]*RoomStats
}

func (f *fakeRooms) Record(_ context.Context, topic string, messages, bytes uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stats == nil {
		f.stats = map[string]*RoomStats{}
	}
	s := f.stats[topic]
	if s == nil {
		s = &RoomStats{Topic: topic}
		f.stats[topic] = s
	}
	s.Messages += messages
	s.Bytes += bytes
	return nil
}

func (f *fakeRooms) List(context.Context) ([]RoomStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []RoomStats
	for _, s := range f.stats {
		out = append(out, *s)
	}
	return out, nil
}

func (f *fakeRooms) Get(_ context.Context, topic string) (*RoomStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.stats[topic]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, errors.NotFoundf("room %q", topic)
}

func startRelay(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(context.Background(), nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = s.Close()
	})
	return s, ts
}

func dial(t *testing.T, ts *httptest.Server, id string) *wsrelay.Client {
	t.Helper()
	c, err := wsrelay.Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", id)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHub_ForwardsToOtherSubscribersOnly(t *testing.T) {
	s, ts := startRelay(t, Options{})
	a, b, c := dial(t, ts, "a"), dial(t, ts, "b"), dial(t, ts, "c")

	var mu sync.Mutex
	got := map[string][]transport.Message{}
	for id, cl := range map[string]*wsrelay.Client{"a": a, "b": b, "c": c} {
		id := id
		cl.OnMessage(func(m transport.Message) {
			mu.Lock()
			got[id] = append(got[id], m)
			mu.Unlock()
		})
	}
	assert.Equal(t, nil, a.Subscribe("room"))
	assert.Equal(t, nil, b.Subscribe("room"))
	assert.Equal(t, nil, c.Subscribe("other"))
	eventually(t, "joins", func() bool { return len(s.Hub().Members("room")) == 2 })

	assert.Equal(t, nil, a.Publish(context.Background(), "room", []byte("hi")))
	eventually(t, "delivery", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got["b"]) == 1
	})
	// 给可能的错误投递留一点时间
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, transport.Message{Topic: "room", Data: []byte("hi"), From: "a"}, got["b"][0])
	assert.Equal(t, 0, len(got["a"]))
	assert.Equal(t, 0, len(got["c"]))
	mu.Unlock()

	assert.Equal(t, nil, b.Unsubscribe("room"))
	eventually(t, "leave", func() bool { return len(s.Hub().Members("room")) == 1 })
	assert.Equal(t, []string{"other", "room"}, s.Hub().Topics())

	assert.Equal(t, nil, c.Close())
	eventually(t, "disconnect", func() bool { return len(s.Hub().Members("other")) == 0 })
}

func TestActivity_FlushesToStores(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	presence, rooms := &fakePresence{}, &fakeRooms{}
	a := newActivity(presence, rooms, time.Minute, time.Second, clk)
	a.start()

	a.record("room", "p1", 3)
	a.record("room", "p2", 4)
	a.record("room", "p1", 5)
	assert.Equal(t, nil, clk.WaitAdvance(time.Second, time.Second, 1))
	eventually(t, "flush", func() bool {
		s, err := rooms.Get(context.Background(), "room")
		return err == nil && s.Messages == 3
	})
	s, _ := rooms.Get(context.Background(), "room")
	assert.Equal(t, uint64(12), s.Bytes)
	peers, _ := presence.AlivePeers(context.Background(), "room")
	assert.Equal(t, []string{"p1", "p2"}, peers)

	// stop 会写出剩下的计数
	a.record("room", "", 1)
	a.stop()
	s, _ = rooms.Get(context.Background(), "room")
	assert.Equal(t, uint64(4), s.Messages)
}

func TestAPI_Endpoints(t *testing.T) {
	presence, rooms := &fakePresence{}, &fakeRooms{}
	s, ts := startRelay(t, Options{Topics: []string{"configured"}, Presence: presence, Rooms: rooms, FlushInterval: 10 * time.Millisecond})

	var health map[string]string
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["message"])

	var addrs Addresses
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/addresses", &addrs))
	assert.Equal(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", addrs.Relay)
	assert.Equal(t, 0, len(addrs.All))

	a, b := dial(t, ts, "a"), dial(t, ts, "b")
	assert.Equal(t, nil, a.Subscribe("room"))
	assert.Equal(t, nil, b.Subscribe("room"))
	eventually(t, "joins", func() bool { return len(s.Hub().Members("room")) == 2 })
	assert.Equal(t, nil, a.Publish(context.Background(), "room", []byte("abc")))
	eventually(t, "stats", func() bool {
		st, err := rooms.Get(context.Background(), "room")
		return err == nil && st.Messages == 1
	})

	var list struct {
		Rooms []RoomView `json:"rooms"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/rooms", &list))
	assert.Equal(t, 2, len(list.Rooms))
	assert.Equal(t, "configured", list.Rooms[0].Topic)
	assert.Equal(t, "room", list.Rooms[1].Topic)
	assert.Equal(t, []string{"a", "b"}, list.Rooms[1].WSPeers)
	assert.Equal(t, []string{"a"}, list.Rooms[1].Alive)
	assert.Equal(t, uint64(3), list.Rooms[1].Stats.Bytes)

	var room RoomView
	assert.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/rooms/configured", &room))
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/rooms/nowhere", nil))

	resp, err := http.Get(ts.URL + "/metrics")
	assert.Equal(t, nil, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, true, strings.Contains(string(body), `collabspace_relay_messages_total{source="ws"} 1`))
	assert.Equal(t, true, strings.Contains(string(body), "collabspace_relay_ws_connections 2"))
}

func TestIsDuplicateKey(t *testing.T) {
	assert.Equal(t, true, isDuplicateKey(errors.Annotate(&mysql.MySQLError{Number: 1062}, "insert")))
	assert.Equal(t, false, isDuplicateKey(&mysql.MySQLError{Number: 1064}))
	assert.Equal(t, false, isDuplicateKey(nil))
}
