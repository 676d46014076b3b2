// Package presence 维护房间内每个参与者的临时状态（awareness）：名字、颜色、光标等。
//
// 每个 client 的状态带一个逻辑时钟，远端合并按时钟做 last-write-wins；状态为 null 表示离开。
// 本地状态每 OutdatedTimeout/2 续期一次，超过 OutdatedTimeout 没有刷新的远端状态会被清理。
package presence

import (
	"bytes"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"

	"collabspace/backend/internal/origin"
)

var logger = loggo.GetLogger("collabspace.presence")

// DefaultOutdatedTimeout 远端状态多久不刷新就视为离线
const DefaultOutdatedTimeout = 30 * time.Second

// State 是一个参与者的状态，字段值保持为原始 JSON
type State map[string]json.RawMessage

func (s State) clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func (s State) equal(o State) bool {
	if (s == nil) != (o == nil) {
		return false
	}
	a, _ := json.Marshal(s)
	b, _ := json.Marshal(o)
	return bytes.Equal(a, b)
}

// ChangeEvent 描述一次变化涉及的 client
type ChangeEvent struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  origin.Origin
}

// Changed 返回 added ∪ updated ∪ removed
func (ev ChangeEvent) Changed() []uint64 {
	out := make([]uint64, 0, len(ev.Added)+len(ev.Updated)+len(ev.Removed))
	out = append(out, ev.Added...)
	out = append(out, ev.Updated...)
	return append(out, ev.Removed...)
}

func (ev ChangeEvent) empty() bool {
	return len(ev.Added) == 0 && len(ev.Updated) == 0 && len(ev.Removed) == 0
}

type Options struct {
	Clock           clock.Clock
	OutdatedTimeout time.Duration
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

type Registry struct {
	clientID uint64
	clk      clock.Clock
	timeout  time.Duration

	mu     sync.Mutex
	states map[uint64]State
	meta   map[uint64]meta

	obsMu     sync.Mutex
	onUpdate  map[uint64]func(ChangeEvent)
	onChange  map[uint64]func(ChangeEvent)
	nextObsID uint64

	done        chan struct{}
	wg          sync.WaitGroup
	destroyOnce sync.Once
}

// New 创建 registry，本地状态初始为空对象，并启动过期检查
func New(clientID uint64, opts Options) *Registry {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.OutdatedTimeout <= 0 {
		opts.OutdatedTimeout = DefaultOutdatedTimeout
	}
	r := &Registry{
		clientID: clientID,
		clk:      opts.Clock,
		timeout:  opts.OutdatedTimeout,
		states:   make(map[uint64]State),
		meta:     make(map[uint64]meta),
		onUpdate: make(map[uint64]func(ChangeEvent)),
		onChange: make(map[uint64]func(ChangeEvent)),
		done:     make(chan struct{}),
	}
	r.SetLocalState(State{})
	r.wg.Add(1)
	go r.checkLoop()
	return r
}

func (r *Registry) ClientID() uint64 { return r.clientID }

// OnUpdate 每次合并或本地设置都会触发（包括只刷新时钟的续期）
func (r *Registry) OnUpdate(fn func(ChangeEvent)) (cancel func()) {
	return r.observe(r.onUpdate, fn)
}

// OnChange 只在状态内容真的变化时触发
func (r *Registry) OnChange(fn func(ChangeEvent)) (cancel func()) {
	return r.observe(r.onChange, fn)
}

func (r *Registry) observe(set map[uint64]func(ChangeEvent), fn func(ChangeEvent)) func() {
	r.obsMu.Lock()
	id := r.nextObsID
	r.nextObsID++
	set[id] = fn
	r.obsMu.Unlock()
	return func() {
		r.obsMu.Lock()
		delete(set, id)
		r.obsMu.Unlock()
	}
}

func (r *Registry) LocalState() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[r.clientID].clone()
}

// SetLocalState 替换本地状态；nil 表示离开房间
func (r *Registry) SetLocalState(s State) {
	r.mu.Lock()
	update, change := r.setLocalLocked(s)
	r.mu.Unlock()
	r.emit(update, change)
}

// SetLocalStateField 设置本地状态的一个字段，本地状态为 nil（已离开）时忽略
func (r *Registry) SetLocalStateField(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Annotatef(err, "marshal presence field %q", key)
	}
	r.mu.Lock()
	current := r.states[r.clientID]
	if current == nil {
		r.mu.Unlock()
		return nil
	}
	s := current.clone()
	s[key] = raw
	update, change := r.setLocalLocked(s)
	r.mu.Unlock()
	r.emit(update, change)
	return nil
}

// setLocalLocked 写入本地状态并推进时钟，返回需要分发的事件
func (r *Registry) setLocalLocked(s State) (update, change ChangeEvent) {
	prev, had := r.states[r.clientID]
	var clk uint64
	if m, ok := r.meta[r.clientID]; ok {
		clk = m.clock + 1
	}
	if s == nil {
		delete(r.states, r.clientID)
	} else {
		r.states[r.clientID] = s.clone()
	}
	r.meta[r.clientID] = meta{clock: clk, lastUpdated: r.clk.Now()}

	update = ChangeEvent{Origin: origin.Local()}
	change = ChangeEvent{Origin: origin.Local()}
	switch {
	case s == nil:
		if had {
			update.Removed = []uint64{r.clientID}
			change.Removed = update.Removed
		}
	case !had:
		update.Added = []uint64{r.clientID}
		change.Added = update.Added
	default:
		update.Updated = []uint64{r.clientID}
		if !prev.equal(s) {
			change.Updated = update.Updated
		}
	}
	return update, change
}

// GetStates 返回所有 client 当前状态的副本
func (r *Registry) GetStates() map[uint64]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uint64]State, len(r.states))
	for id, s := range r.states {
		out[id] = s.clone()
	}
	return out
}

// RemoveStates 删除指定远端 client 的状态（例如传输层得知对方断开）
func (r *Registry) RemoveStates(clients []uint64, o origin.Origin) {
	r.mu.Lock()
	var removed []uint64
	for _, id := range clients {
		if _, ok := r.states[id]; !ok {
			continue
		}
		delete(r.states, id)
		if id == r.clientID {
			m := r.meta[id]
			r.meta[id] = meta{clock: m.clock + 1, lastUpdated: r.clk.Now()}
		}
		removed = append(removed, id)
	}
	r.mu.Unlock()
	ev := ChangeEvent{Removed: removed, Origin: o}
	r.emit(ev, ev)
}

// Destroy 停止过期检查并清掉本地状态，可重复调用
func (r *Registry) Destroy() {
	r.destroyOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.SetLocalState(nil)
	})
}

func (r *Registry) emit(update, change ChangeEvent) {
	if update.empty() {
		return
	}
	r.obsMu.Lock()
	updateFns := sortedObservers(r.onUpdate)
	changeFns := sortedObservers(r.onChange)
	r.obsMu.Unlock()
	if !change.empty() {
		for _, fn := range changeFns {
			fn(change)
		}
	}
	for _, fn := range updateFns {
		fn(update)
	}
}

func sortedObservers(set map[uint64]func(ChangeEvent)) []func(ChangeEvent) {
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(ChangeEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, set[id])
	}
	return fns
}

func (r *Registry) checkLoop() {
	defer r.wg.Done()
	interval := r.timeout / 10
	timer := r.clk.NewTimer(interval)
	defer timer.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-timer.Chan():
			r.checkOutdated()
			timer.Reset(interval)
		}
	}
}

// checkOutdated 续期本地状态并清理过期的远端状态
func (r *Registry) checkOutdated() {
	now := r.clk.Now()
	r.mu.Lock()
	var renewal ChangeEvent
	if _, ok := r.states[r.clientID]; ok && r.timeout/2 <= now.Sub(r.meta[r.clientID].lastUpdated) {
		// 续期只推进时钟，内容保持锁内的当前值
		m := r.meta[r.clientID]
		r.meta[r.clientID] = meta{clock: m.clock + 1, lastUpdated: now}
		renewal = ChangeEvent{Updated: []uint64{r.clientID}, Origin: origin.Local()}
	}
	var removed []uint64
	for id, m := range r.meta {
		if id == r.clientID {
			continue
		}
		if _, ok := r.states[id]; !ok {
			continue
		}
		if r.timeout <= now.Sub(m.lastUpdated) {
			delete(r.states, id)
			removed = append(removed, id)
		}
	}
	r.mu.Unlock()

	r.emit(renewal, ChangeEvent{})
	if len(removed) > 0 {
		sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
		logger.Debugf("client %d: %d outdated presence states removed", r.clientID, len(removed))
		ev := ChangeEvent{Removed: removed, Origin: origin.Timeout()}
		r.emit(ev, ev)
	}
}
