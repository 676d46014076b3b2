package presence

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"collabspace/backend/internal/origin"
)

func newRegistry(t *testing.T, id uint64) *Registry {
	r := New(id, Options{})
	t.Cleanup(r.Destroy)
	return r
}

// syncStates 把 from 中 clients 的状态复制到 to
func syncStates(t *testing.T, from, to *Registry, clients ...uint64) {
	u, err := from.EncodeUpdate(clients)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := to.ApplyUpdate(u, origin.Remote("test")); err != nil {
		t.Fatalf("apply: %v", err)
	}
}

func TestRegistry_LocalFieldDeltaTouchesOnlyLocalClient(t *testing.T) {
	a := newRegistry(t, 1)
	for id := uint64(2); id <= 5; id++ {
		other := newRegistry(t, id)
		assert.Equal(t, nil, other.SetLocalStateField("user", map[string]string{"name": "peer"}))
		syncStates(t, other, a, id)
	}
	assert.Equal(t, 5, len(a.GetStates()))

	var events []ChangeEvent
	a.OnUpdate(func(ev ChangeEvent) { events = append(events, ev) })
	assert.Equal(t, nil, a.SetLocalStateField("cursor", 42))

	assert.Equal(t, 1, len(events))
	assert.Equal(t, []uint64{1}, events[0].Changed())
	assert.Equal(t, origin.KindLocal, events[0].Origin.Kind)

	u, err := a.EncodeUpdate(events[0].Changed())
	assert.Equal(t, nil, err)
	entries, err := decodeEntries(u)
	assert.Equal(t, nil, err)
	assert.Equal(t, 1, len(entries))
	assert.Equal(t, uint64(1), entries[0].client)
}

func TestRegistry_ApplyUpdateEvents(t *testing.T) {
	a := newRegistry(t, 1)
	b := newRegistry(t, 2)

	var changes []ChangeEvent
	b.OnChange(func(ev ChangeEvent) { changes = append(changes, ev) })

	assert.Equal(t, nil, a.SetLocalStateField("user", map[string]string{"name": "Ann", "color": "#fff"}))
	syncStates(t, a, b, 1)
	assert.Equal(t, 1, len(changes))
	assert.Equal(t, []uint64{1}, changes[0].Added)
	assert.Equal(t, origin.Remote("test"), changes[0].Origin)

	// 重复合并同一个时钟不产生事件
	syncStates(t, a, b, 1)
	assert.Equal(t, 1, len(changes))

	assert.Equal(t, nil, a.SetLocalStateField("cursor", 3))
	syncStates(t, a, b, 1)
	assert.Equal(t, 2, len(changes))
	assert.Equal(t, []uint64{1}, changes[1].Updated)

	a.SetLocalState(nil)
	syncStates(t, a, b, 1)
	assert.Equal(t, 3, len(changes))
	assert.Equal(t, []uint64{1}, changes[2].Removed)
	_, ok := b.GetStates()[1]
	assert.Equal(t, false, ok)
}

func TestRegistry_StaleUpdateIgnored(t *testing.T) {
	a := newRegistry(t, 1)
	b := newRegistry(t, 2)

	assert.Equal(t, nil, a.SetLocalStateField("user", map[string]string{"name": "old"}))
	stale, err := a.EncodeUpdate([]uint64{1})
	assert.Equal(t, nil, err)
	assert.Equal(t, nil, a.SetLocalStateField("user", map[string]string{"name": "new"}))
	fresh, err := a.EncodeUpdate([]uint64{1})
	assert.Equal(t, nil, err)

	assert.Equal(t, nil, b.ApplyUpdate(fresh, origin.Remote("x")))
	assert.Equal(t, nil, b.ApplyUpdate(stale, origin.Remote("x")))
	users := b.Users()
	assert.Equal(t, 1, len(users))
	assert.Equal(t, "new", users[0].Name)
}

func TestRegistry_InvalidUpdate(t *testing.T) {
	r := newRegistry(t, 1)
	before := r.GetStates()
	for _, bad := range [][]byte{
		{0xff},
		{0x0a, 0x02, 0x08, 0x07},                  // entry 缺少 state
		{0x0a, 0x05, 0x08, 0x07, 0x1a, 0x01, '{'}, // state 不是合法 JSON
	} {
		err := r.ApplyUpdate(bad, origin.Remote("x"))
		assert.Equal(t, true, errors.Is(err, errors.NotValid))
	}
	assert.Equal(t, before, r.GetStates())
}

func TestRegistry_OutdatedRemoteRemoved(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	b := New(2, Options{Clock: clk, OutdatedTimeout: 30 * time.Second})
	defer b.Destroy()

	a := newRegistry(t, 1)
	assert.Equal(t, nil, a.SetLocalStateField("user", map[string]string{"name": "Ann"}))
	syncStates(t, a, b, 1)
	assert.Equal(t, 1, len(b.Users()))

	removed := make(chan ChangeEvent, 1)
	renewed := make(chan ChangeEvent, 1)
	b.OnUpdate(func(ev ChangeEvent) {
		switch ev.Origin.Kind {
		case origin.KindTimeout:
			removed <- ev
		case origin.KindLocal:
			renewed <- ev
		}
	})

	if err := clk.WaitAdvance(31*time.Second, time.Second, 1); err != nil {
		t.Fatalf("advance: %v", err)
	}
	select {
	case ev := <-renewed:
		assert.Equal(t, []uint64{2}, ev.Updated)
	case <-time.After(time.Second):
		t.Fatalf("local state was not renewed")
	}
	select {
	case ev := <-removed:
		assert.Equal(t, []uint64{1}, ev.Removed)
	case <-time.After(time.Second):
		t.Fatalf("outdated state was not removed")
	}
	assert.Equal(t, 0, len(b.Users()))
}

func TestRegistry_RenewalKeepsConcurrentFieldSets(t *testing.T) {
	clk := testclock.NewClock(time.Now())
	r := New(1, Options{Clock: clk, OutdatedTimeout: 30 * time.Second})
	defer r.Destroy()

	var changes int
	var mu sync.Mutex
	r.OnChange(func(ChangeEvent) {
		mu.Lock()
		changes++
		mu.Unlock()
	})

	const n = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			if err := r.SetLocalStateField(fmt.Sprintf("k%d", i), i); err != nil {
				t.Errorf("SetLocalStateField: %v", err)
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			clk.Advance(16 * time.Second)
			r.checkOutdated()
		}
	}()
	wg.Wait()

	local := r.LocalState()
	assert.Equal(t, n, len(local))
	for i := 0; i < n; i++ {
		assert.Equal(t, json.RawMessage(fmt.Sprint(i)), local[fmt.Sprintf("k%d", i)])
	}
	// 续期不会产生内容变化
	mu.Lock()
	assert.Equal(t, n, changes)
	mu.Unlock()

	// 远端看到的是最新内容
	b := newRegistry(t, 2)
	syncStates(t, r, b, 1)
	assert.Equal(t, local, b.GetStates()[1])
}

func TestRegistry_DestroyAnnouncesLeaveOnce(t *testing.T) {
	r := New(7, Options{})
	var removed int
	r.OnUpdate(func(ev ChangeEvent) { removed += len(ev.Removed) })
	r.Destroy()
	r.Destroy()
	assert.Equal(t, 1, removed)
	assert.Equal(t, true, r.LocalState() == nil)
	// 已离开时设置字段是空操作
	assert.Equal(t, nil, r.SetLocalStateField("user", map[string]string{"name": "late"}))
	assert.Equal(t, true, r.LocalState() == nil)
}

func TestUsers_OnlyEntriesWithUserField(t *testing.T) {
	states := map[uint64]State{
		3: {"user": json.RawMessage(`{"name":"Bob","color":"#000","colorLight":"#00000033"}`)},
		1: {"user": json.RawMessage(`{"name":"Ann","color":"#fff"}`)},
		2: {},
		4: {"cursor": json.RawMessage(`{"anchor":1}`)},
		5: {"user": json.RawMessage(`null`)},
	}
	users := Users(states)
	assert.Equal(t, []User{
		{ClientID: 1, Name: "Ann", Color: "#fff"},
		{ClientID: 3, Name: "Bob", Color: "#000", ColorLight: "#00000033"},
	}, users)
}
