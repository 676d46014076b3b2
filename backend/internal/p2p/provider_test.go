package p2p

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"collabspace/backend/internal/crdt"
	"collabspace/backend/internal/origin"
	"collabspace/backend/internal/presence"
	"collabspace/backend/internal/transport"
	"collabspace/backend/internal/transport/memory"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type testPeer struct {
	doc *crdt.Doc
	tr  *memory.Peer
	p   *Provider
}

func (tp *testPeer) text() string { return tp.doc.Text(crdt.MainText).String() }

func join(t *testing.T, bus *memory.Bus, room string, opts Options) *testPeer {
	return joinWith(t, bus, room, crdt.NewDoc(), opts)
}

func joinWith(t *testing.T, bus *memory.Bus, room string, doc *crdt.Doc, opts Options) *testPeer {
	tr := bus.NewPeer("")
	p, err := New(room, doc, tr, opts)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() {
		p.Destroy()
		tr.Close()
	})
	return &testPeer{doc: doc, tr: tr, p: p}
}

// published 解析总线日志里某个节点发出的指定类型消息
func published(bus *memory.Bus, topic, from string, kind Kind) []Envelope {
	var out []Envelope
	for _, m := range bus.Published(topic) {
		if m.From != from {
			continue
		}
		env, err := DecodeEnvelope(m.Data, topic)
		if err != nil || env.Type != kind {
			continue
		}
		out = append(out, env)
	}
	return out
}

func TestProvider_CatchUpAndLiveEdits(t *testing.T) {
	bus := memory.NewBus(memory.Options{})
	b := join(t, bus, "r1", Options{RetryInterval: 20 * time.Millisecond})
	assert.Equal(t, nil, b.doc.Text(crdt.MainText).Insert(0, "hello"))

	a := join(t, bus, "r1", Options{RetryInterval: 20 * time.Millisecond})
	waitFor(t, "catch-up snapshot", func() bool { return a.text() == "hello" })
	waitFor(t, "synced", a.p.Synced)

	assert.Equal(t, nil, a.doc.Text(crdt.MainText).Insert(5, " world"))
	waitFor(t, "live edit", func() bool { return b.text() == "hello world" })
	assert.Equal(t, a.doc.EncodeStateAsUpdate(), b.doc.EncodeStateAsUpdate())
	assert.Equal(t, "collab-space-v1-r1", a.p.Topic())
}

func TestProvider_PresenceProjection(t *testing.T) {
	bus := memory.NewBus(memory.Options{})
	a := join(t, bus, "r1", Options{})
	b := join(t, bus, "r1", Options{})

	err := a.p.Presence().SetLocalStateField(presence.UserField, map[string]string{"name": "Ann", "color": "#fff"})
	assert.Equal(t, nil, err)

	waitFor(t, "Ann on b", func() bool { return len(b.p.Users()) == 1 })
	users := b.p.Users()
	assert.Equal(t, a.doc.ClientID(), users[0].ClientID)
	assert.Equal(t, "Ann", users[0].Name)
	assert.Equal(t, "#fff", users[0].Color)
	// b 自己只有空状态，不出现在投影里
	_, ok := b.p.Presence().GetStates()[b.doc.ClientID()]
	assert.Equal(t, true, ok)

	a.p.Destroy()
	waitFor(t, "Ann leaves", func() bool { return len(b.p.Users()) == 0 })
}

// naiveDoc 每次合并都触发事件（不做去重），用来验证 origin 标记是唯一的防回环手段
type naiveDoc struct {
	mu      sync.Mutex
	applied []string
	obs     []func([]byte, origin.Origin)
}

func (d *naiveDoc) ClientID() uint64            { return 42 }
func (d *naiveDoc) EncodeStateAsUpdate() []byte { return nil }
func (d *naiveDoc) IsEmpty() bool               { return false }

func (d *naiveDoc) ApplyUpdate(u []byte, o origin.Origin) error {
	d.mu.Lock()
	d.applied = append(d.applied, string(u))
	obs := append([]func([]byte, origin.Origin)(nil), d.obs...)
	d.mu.Unlock()
	for _, fn := range obs {
		fn(u, o)
	}
	return nil
}

func (d *naiveDoc) ObserveUpdates(fn func([]byte, origin.Origin)) func() {
	d.mu.Lock()
	d.obs = append(d.obs, fn)
	d.mu.Unlock()
	return func() {}
}

func (d *naiveDoc) edit(u string) {
	d.mu.Lock()
	obs := append([]func([]byte, origin.Origin)(nil), d.obs...)
	d.mu.Unlock()
	for _, fn := range obs {
		fn([]byte(u), origin.Local())
	}
}

func (d *naiveDoc) count(u string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, x := range d.applied {
		if x == u {
			n++
		}
	}
	return n
}

func newNaivePeer(t *testing.T, bus *memory.Bus, opts Options) (*naiveDoc, *memory.Peer) {
	doc := &naiveDoc{}
	tr := bus.NewPeer("")
	p, err := New("r1", doc, tr, opts)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	t.Cleanup(func() {
		p.Destroy()
		tr.Close()
	})
	return doc, tr
}

func settle(bus *memory.Bus) {
	bus.Wait()
	time.Sleep(50 * time.Millisecond)
	bus.Wait()
}

func TestProvider_NoSelfEchoOnEchoingTransport(t *testing.T) {
	bus := memory.NewBus(memory.Options{EchoToSelf: true})
	opts := Options{DisableSelfFilter: true}
	a, aTr := newNaivePeer(t, bus, opts)
	b, bTr := newNaivePeer(t, bus, opts)
	settle(bus)

	a.edit("x")
	waitFor(t, "b merges", func() bool { return b.count("x") == 1 })
	settle(bus)

	topic := TopicFor("r1")
	count := func(from string) int {
		n := 0
		for _, env := range published(bus, topic, from, KindSyncUpdate) {
			if string(env.Update) == "x" {
				n++
			}
		}
		return n
	}
	// 一次本地编辑只发一次；自己的回显被合并但不再广播
	assert.Equal(t, 1, count(aTr.LocalID()))
	assert.Equal(t, 0, count(bTr.LocalID()))
	assert.Equal(t, 1, a.count("x"))
	assert.Equal(t, 1, b.count("x"))
}

func TestProvider_SelfFilterDropsOwnMessages(t *testing.T) {
	bus := memory.NewBus(memory.Options{EchoToSelf: true})
	a, _ := newNaivePeer(t, bus, Options{})
	b, _ := newNaivePeer(t, bus, Options{})
	settle(bus)

	a.edit("y")
	waitFor(t, "b merges", func() bool { return b.count("y") == 1 })
	settle(bus)
	assert.Equal(t, 0, a.count("y"))
}

func TestProvider_BootstrapStopsOnceAnswered(t *testing.T) {
	bus := memory.NewBus(memory.Options{})
	b := join(t, bus, "r1", Options{})
	assert.Equal(t, nil, b.doc.Text(crdt.MainText).Insert(0, "hello"))

	clk := testclock.NewClock(time.Now())
	doc := crdt.NewDoc()
	own := presence.New(doc.ClientID(), presence.Options{})
	defer own.Destroy()
	a := joinWith(t, bus, "r1", doc, Options{Clock: clk, RetryInterval: time.Second, Presence: own})

	waitFor(t, "answer merged", func() bool { return a.text() == "hello" && a.p.Synced() })
	for i := 0; i < 3; i++ {
		clk.Advance(time.Second)
	}
	settle(bus)
	assert.Equal(t, 1, len(published(bus, a.p.Topic(), a.tr.LocalID(), KindSyncRequest)))
}

func TestProvider_RetriesUntilAPeerAnswers(t *testing.T) {
	bus := memory.NewBus(memory.Options{})
	clk := testclock.NewClock(time.Now())
	doc := crdt.NewDoc()
	own := presence.New(doc.ClientID(), presence.Options{})
	defer own.Destroy()
	a := joinWith(t, bus, "r1", doc, Options{Clock: clk, RetryInterval: time.Second, Presence: own})

	requests := func() int { return len(published(bus, a.p.Topic(), a.tr.LocalID(), KindSyncRequest)) }
	waitFor(t, "first request", func() bool { return requests() == 1 })
	for i := 1; i <= 3; i++ {
		if err := clk.WaitAdvance(time.Second, time.Second, 1); err != nil {
			t.Fatalf("advance: %v", err)
		}
		want := 1 + i
		waitFor(t, "retry", func() bool { return requests() == want })
	}
	assert.Equal(t, false, a.p.Synced())

	// 对方晚到：它自己的 join 不会把状态推给 a，要靠 a 的下一次重试
	bdoc := crdt.NewDoc()
	assert.Equal(t, nil, bdoc.Text(crdt.MainText).Insert(0, "late"))
	joinWith(t, bus, "r1", bdoc, Options{})
	settle(bus)
	if err := clk.WaitAdvance(time.Second, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, "late answer", func() bool { return a.text() == "late" && a.p.Synced() })

	n := requests()
	clk.Advance(10 * time.Second)
	settle(bus)
	assert.Equal(t, n, requests())
}

func TestProvider_LocalPresenceDeltaIsMinimal(t *testing.T) {
	bus := memory.NewBus(memory.Options{})
	a := join(t, bus, "r1", Options{})
	for i := 0; i < 3; i++ {
		other := join(t, bus, "r1", Options{})
		assert.Equal(t, nil, other.p.Presence().SetLocalStateField(presence.UserField, map[string]string{"name": "peer"}))
	}
	waitFor(t, "a sees everyone", func() bool { return len(a.p.Users()) == 3 })
	settle(bus)

	topic := a.p.Topic()
	before := len(published(bus, topic, a.tr.LocalID(), KindAwareness))
	assert.Equal(t, nil, a.p.Presence().SetLocalStateField("cursor", 12))
	waitFor(t, "awareness publish", func() bool {
		return len(published(bus, topic, a.tr.LocalID(), KindAwareness)) > before
	})

	env := published(bus, topic, a.tr.LocalID(), KindAwareness)[before]
	observer := presence.New(999, presence.Options{})
	defer observer.Destroy()
	var touched []uint64
	observer.OnUpdate(func(ev presence.ChangeEvent) { touched = append(touched, ev.Changed()...) })
	assert.Equal(t, nil, observer.ApplyUpdate(env.Update, origin.Remote("test")))
	assert.Equal(t, []uint64{a.doc.ClientID()}, touched)
}

func TestProvider_RemoteAwarenessNotRepublished(t *testing.T) {
	bus := memory.NewBus(memory.Options{})
	// 不重试握手，避免 syncRequest 的应答混进计数
	a := join(t, bus, "r1", Options{RetryInterval: time.Hour})
	b := join(t, bus, "r1", Options{RetryInterval: time.Hour})
	waitFor(t, "b sees a", func() bool {
		_, ok := b.p.Presence().GetStates()[a.doc.ClientID()]
		return ok
	})
	settle(bus)

	topic := a.p.Topic()
	fromA := len(published(bus, topic, a.tr.LocalID(), KindAwareness))
	fromB := len(published(bus, topic, b.tr.LocalID(), KindAwareness))

	assert.Equal(t, nil, a.p.Presence().SetLocalStateField(presence.UserField, map[string]string{"name": "Ann"}))
	waitFor(t, "Ann on b", func() bool { return len(b.p.Users()) == 1 })
	settle(bus)

	assert.Equal(t, fromA+1, len(published(bus, topic, a.tr.LocalID(), KindAwareness)))
	assert.Equal(t, fromB, len(published(bus, topic, b.tr.LocalID(), KindAwareness)))
}

func TestProvider_ConvergesUnderReorderAndDuplicates(t *testing.T) {
	bus := memory.NewBus(memory.Options{EchoToSelf: true, Duplicates: 1, MaxDelay: 3 * time.Millisecond})
	var peers []*testPeer
	for i := 0; i < 3; i++ {
		peers = append(peers, join(t, bus, "r1", Options{RetryInterval: 20 * time.Millisecond, DisableSelfFilter: i == 0}))
	}
	settle(bus)

	var wg sync.WaitGroup
	for i, tp := range peers {
		wg.Add(1)
		go func(i int, tp *testPeer) {
			defer wg.Done()
			text := tp.doc.Text(crdt.MainText)
			for n := 0; n < 10; n++ {
				pos := rand.IntN(text.Len() + 1)
				if err := text.Insert(pos, string(rune('a'+i))); err != nil {
					t.Errorf("insert: %v", err)
				}
				time.Sleep(time.Millisecond)
			}
		}(i, tp)
	}
	wg.Wait()

	waitFor(t, "convergence", func() bool {
		s0 := string(peers[0].doc.EncodeStateAsUpdate())
		for _, tp := range peers[1:] {
			if string(tp.doc.EncodeStateAsUpdate()) != s0 {
				return false
			}
		}
		return len([]rune(peers[0].text())) == 30
	})
}

func TestProvider_IgnoresMalformedEnvelopes(t *testing.T) {
	bus := memory.NewBus(memory.Options{})
	a := join(t, bus, "r1", Options{})
	raw := bus.NewPeer("raw")
	defer raw.Close()
	topic := a.p.Topic()
	assert.Equal(t, nil, raw.Subscribe(topic))

	src := crdt.NewDoc()
	assert.Equal(t, nil, src.Text(crdt.MainText).Insert(0, "ok"))
	update := src.EncodeStateAsUpdate()
	ints := make([]int, len(update))
	for i, b := range update {
		ints[i] = int(b)
	}
	legacy, err := json.Marshal(map[string]any{"type": "doc-update", "payload": ints})
	assert.Equal(t, nil, err)

	ctx := context.Background()
	for _, junk := range []string{
		"not json",
		`{"type":"mystery"}`,
		`{"type":"syncUpdate","topic":"` + topic + `","update":"AAAA"}`,
		`{"type":"syncUpdate","topic":"collab-space-v1-elsewhere","update":"AQ=="}`,
	} {
		_ = raw.Publish(ctx, topic, []byte(junk))
	}
	_ = raw.Publish(ctx, topic, legacy)
	waitFor(t, "legacy update", func() bool { return a.text() == "ok" })
}

// recordingTransport 记录 provider 对传输层的调用顺序
type recordingTransport struct {
	mu           sync.Mutex
	calls        []string
	subscribeErr error
	listeners    transport.Listeners
}

func (r *recordingTransport) record(call string) {
	r.mu.Lock()
	r.calls = append(r.calls, call)
	r.mu.Unlock()
}

func (r *recordingTransport) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recordingTransport) Subscribe(string) error {
	r.record("subscribe")
	return r.subscribeErr
}

func (r *recordingTransport) Unsubscribe(string) error {
	r.record("unsubscribe")
	return errors.New("already gone")
}

func (r *recordingTransport) Publish(context.Context, string, []byte) error {
	r.record("publish")
	return transport.ErrNoPeers
}

func (r *recordingTransport) OnMessage(h transport.Handler) func() {
	r.record("listen")
	cancel := r.listeners.Add(h)
	return func() {
		r.record("unlisten")
		cancel()
	}
}

func (r *recordingTransport) LocalID() string { return "rec" }

func TestProvider_DestroyOrderAndIdempotence(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	tr := &recordingTransport{}
	own := presence.New(1, presence.Options{})
	defer own.Destroy()
	p, err := New("r1", crdt.NewDoc(), tr, Options{Clock: clk, RetryInterval: time.Second, Presence: own})
	assert.Equal(t, nil, err)

	// 没有对端时重试一直继续，发布失败被吞掉
	if err := clk.WaitAdvance(time.Second, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	waitFor(t, "retry publish", func() bool {
		n := 0
		for _, c := range tr.Calls() {
			if c == "publish" {
				n++
			}
		}
		return n >= 3 // join 时的 syncRequest + awareness，再加一次重试
	})

	p.Destroy()
	p.Destroy()
	calls := tr.Calls()
	assert.Equal(t, []string{"unlisten", "unsubscribe"}, calls[len(calls)-2:])

	n := len(tr.Calls())
	clk.Advance(5 * time.Second)
	tr.listeners.Dispatch(transport.Message{Topic: p.Topic(), Data: []byte(`{"type":"syncRequest"}`), From: "x"})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(tr.Calls()))
	// 外部传入的 presence 不归 provider 销毁
	assert.Equal(t, true, own.LocalState() != nil)
}

func TestProvider_PartialInitDestroy(t *testing.T) {
	tr := &recordingTransport{subscribeErr: errors.New("boom")}
	p, err := New("r1", crdt.NewDoc(), tr, Options{})
	assert.Equal(t, true, err != nil)
	assert.Equal(t, true, p == nil)
	assert.Equal(t, []string{"listen", "subscribe", "unlisten"}, tr.Calls())
	p.Destroy()

	_, err = New("r1", nil, tr, Options{})
	assert.Equal(t, true, errors.Is(err, errors.NotValid))
}
