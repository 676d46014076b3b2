// Package crdt 实现一个基于 RGA 的文本 CRDT，作为同步 provider 的文档引擎。
//
// 每个字符是一个 item，ID 为 (Lamport clock, client)。插入时记录左邻居（origin），
// 合并时从 origin 右侧开始跳过所有 ID 更大的 item 后插入；删除只打墓碑。
// 同一个更新重复合并是空操作，更新之间的合并顺序不影响最终状态。
package crdt

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/juju/errors"
	"github.com/juju/loggo"

	"collabspace/backend/internal/origin"
	"collabspace/backend/internal/ot/delta"
)

var logger = loggo.GetLogger("collabspace.crdt")

// MainText 是文档的主文本字段（编辑器绑定的那一个）
const MainText = "main"

// ID 全局唯一标识一个 item
type ID struct {
	Clock  uint64
	Client uint64
}

func (id ID) IsZero() bool { return id.Clock == 0 && id.Client == 0 }

// Less 给出并发插入时的排序：clock 优先，其次 client
func (id ID) Less(o ID) bool {
	if id.Clock != o.Clock {
		return id.Clock < o.Clock
	}
	return id.Client < o.Client
}

func (id ID) String() string { return fmt.Sprintf("%d@%d", id.Clock, id.Client) }

type item struct {
	id      ID
	origin  ID // 插入时的左邻居，零值表示文本开头
	text    string
	content rune
	deleted bool
}

type textState struct {
	items []*item // 文档顺序，包含墓碑
}

func (ts *textState) indexOf(it *item) int {
	for i, x := range ts.items {
		if x == it {
			return i
		}
	}
	return -1
}

// visibleBefore 返回 items[:i] 中未删除的个数
func (ts *textState) visibleBefore(i int) int {
	n := 0
	for _, x := range ts.items[:i] {
		if !x.deleted {
			n++
		}
	}
	return n
}

// UpdateEvent 在每次文档变化后触发（本地编辑或远端合并）
type UpdateEvent struct {
	// Update 只包含这次变化（diff），可直接发给其他副本
	Update []byte
	Origin origin.Origin
	// Changes 按文本名给出编辑器视角的变化，按顺序依次应用
	Changes map[string][]delta.Delta
}

type Doc struct {
	mu       sync.Mutex
	clientID uint64
	clock    uint64

	texts map[string]*textState
	index map[ID]*item

	// 左邻居尚未到达的 item、目标尚未到达的删除
	pending        map[ID]*item
	pendingDeletes map[ID]struct{}

	observers    map[uint64]func(UpdateEvent)
	nextObserver uint64

	// 按提交顺序等待分发的事件；同一时刻只有一个 goroutine 在分发
	outbox   []queuedEvent
	emitting bool
}

type queuedEvent struct {
	fns []func(UpdateEvent)
	ev  UpdateEvent
}

type Option func(*Doc)

// WithClientID 固定 client id（测试用；正常情况每个实例随机生成）
func WithClientID(id uint64) Option {
	return func(d *Doc) { d.clientID = id }
}

func NewDoc(opts ...Option) *Doc {
	d := &Doc{
		texts:          make(map[string]*textState),
		index:          make(map[ID]*item),
		pending:        make(map[ID]*item),
		pendingDeletes: make(map[ID]struct{}),
		observers:      make(map[uint64]func(UpdateEvent)),
	}
	for _, opt := range opts {
		opt(d)
	}
	for d.clientID == 0 {
		d.clientID = rand.Uint64()
	}
	return d
}

func (d *Doc) ClientID() uint64 { return d.clientID }

// IsEmpty 文档还没有任何 item（包括墓碑），用作握手阶段的“空文档”判断
func (d *Doc) IsEmpty() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index) == 0
}

// OnUpdate 注册变化监听，返回取消函数。监听在锁外按提交顺序调用，可以在回调里再读写文档。
func (d *Doc) OnUpdate(fn func(UpdateEvent)) (cancel func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addObserverLocked(fn)
}

func (d *Doc) addObserverLocked(fn func(UpdateEvent)) (cancel func()) {
	id := d.nextObserver
	d.nextObserver++
	d.observers[id] = fn
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

// ObserveUpdates 是 OnUpdate 的简化形式，只带 diff 和 origin
func (d *Doc) ObserveUpdates(fn func(update []byte, o origin.Origin)) (cancel func()) {
	return d.OnUpdate(func(ev UpdateEvent) { fn(ev.Update, ev.Origin) })
}

// ApplyUpdate 合并一个更新块（diff 或 snapshot）。结构非法时返回 NotValid，文档保持不变。
func (d *Doc) ApplyUpdate(b []byte, o origin.Origin) error {
	u, err := decodeUpdate(b)
	if err != nil {
		return err
	}
	d.mu.Lock()
	tx := newTxn()
	for _, it := range u.items {
		if _, ok := d.index[it.id]; ok {
			continue
		}
		if _, ok := d.pending[it.id]; ok {
			continue
		}
		if !d.integrate(tx, it) {
			d.pending[it.id] = it
		}
	}
	d.integratePending(tx)
	for _, id := range u.deletes {
		if it, ok := d.index[id]; ok {
			d.deleteItem(tx, it)
			continue
		}
		d.pendingDeletes[id] = struct{}{}
	}
	if len(d.pending) > 0 {
		logger.Tracef("client %d holds %d pending items", d.clientID, len(d.pending))
	}
	d.queueLocked(tx, o)
	d.flushUnlock()
	return nil
}

// EncodeStateAsUpdate 把当前完整状态编码为一个更新块（snapshot）
func (d *Doc) EncodeStateAsUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	u := &update{}
	for _, name := range d.textNames() {
		for _, it := range d.texts[name].items {
			u.items = append(u.items, it)
			if it.deleted {
				u.deletes = append(u.deletes, it.id)
			}
		}
	}
	pending := make([]*item, 0, len(d.pending))
	for _, it := range d.pending {
		pending = append(pending, it)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].id.Less(pending[j].id) })
	u.items = append(u.items, pending...)
	pendingDeletes := make([]ID, 0, len(d.pendingDeletes))
	for id := range d.pendingDeletes {
		pendingDeletes = append(pendingDeletes, id)
	}
	sort.Slice(pendingDeletes, func(i, j int) bool { return pendingDeletes[i].Less(pendingDeletes[j]) })
	u.deletes = append(u.deletes, pendingDeletes...)
	return encodeUpdate(u)
}

// Text 返回指定名字的文本句柄（懒创建）
func (d *Doc) Text(name string) *Text {
	return &Text{doc: d, name: name}
}

func (d *Doc) textNames() []string {
	names := make([]string, 0, len(d.texts))
	for name := range d.texts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (d *Doc) textState(name string) *textState {
	ts := d.texts[name]
	if ts == nil {
		ts = &textState{}
		d.texts[name] = ts
	}
	return ts
}

func (d *Doc) nextID() ID {
	d.clock++
	return ID{Clock: d.clock, Client: d.clientID}
}

// integrate 把 item 放到文档里；左邻居还没到时返回 false
func (d *Doc) integrate(tx *txn, it *item) bool {
	ts := d.textState(it.text)
	start := 0
	if !it.origin.IsZero() {
		o, ok := d.index[it.origin]
		if !ok {
			return false
		}
		if o.text != it.text {
			// 左邻居在另一个文本里，永远无法放置，直接丢弃
			logger.Warningf("drop item %v: origin %v belongs to text %q", it.id, it.origin, o.text)
			return true
		}
		start = ts.indexOf(o) + 1
	}
	i := start
	for i < len(ts.items) && it.id.Less(ts.items[i].id) {
		i++
	}
	ts.items = append(ts.items, nil)
	copy(ts.items[i+1:], ts.items[i:])
	ts.items[i] = it
	d.index[it.id] = it
	if it.id.Clock > d.clock {
		d.clock = it.id.Clock
	}
	tx.items = append(tx.items, it)

	if _, ok := d.pendingDeletes[it.id]; ok {
		delete(d.pendingDeletes, it.id)
		it.deleted = true
		tx.deletes = append(tx.deletes, it.id)
		return true
	}
	tx.change(it.text, delta.At(ts.visibleBefore(i), delta.Insert(string(it.content))))
	return true
}

func (d *Doc) integratePending(tx *txn) {
	for progress := true; progress && len(d.pending) > 0; {
		progress = false
		for id, it := range d.pending {
			if d.integrate(tx, it) {
				delete(d.pending, id)
				progress = true
			}
		}
	}
}

func (d *Doc) deleteItem(tx *txn, it *item) {
	if it.deleted {
		return
	}
	ts := d.texts[it.text]
	pos := ts.visibleBefore(ts.indexOf(it))
	it.deleted = true
	tx.deletes = append(tx.deletes, it.id)
	tx.change(it.text, delta.At(pos, delta.Delete(1)))
}

// observersLocked 在事务的锁内取出监听器，保证事务之后注册的监听器不会收到这次事件
func (d *Doc) observersLocked() []func(UpdateEvent) {
	ids := make([]uint64, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(UpdateEvent), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	return fns
}

// queueLocked 在提交事务的锁内排队事件，保证分发顺序和提交顺序一致
func (d *Doc) queueLocked(tx *txn, o origin.Origin) {
	if tx.empty() {
		return
	}
	ev := UpdateEvent{
		Update:  encodeUpdate(&update{items: tx.items, deletes: tx.deletes}),
		Origin:  o,
		Changes: tx.changes,
	}
	d.outbox = append(d.outbox, queuedEvent{fns: d.observersLocked(), ev: ev})
}

// flushUnlock 分发排队的事件并释放 d.mu。已有 goroutine 在分发时直接返回，
// 事件由它按顺序送出；回调里再编辑文档产生的事件排在当前事件之后。
func (d *Doc) flushUnlock() {
	if d.emitting {
		d.mu.Unlock()
		return
	}
	d.emitting = true
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.emitting = false
			d.mu.Unlock()
			panic(r)
		}
	}()
	for len(d.outbox) > 0 {
		next := d.outbox[0]
		d.outbox[0] = queuedEvent{}
		d.outbox = d.outbox[1:]
		d.mu.Unlock()
		for _, fn := range next.fns {
			fn(next.ev)
		}
		d.mu.Lock()
	}
	d.outbox = nil
	d.emitting = false
	d.mu.Unlock()
}

// localTransact 在锁内执行一次本地编辑，锁外分发事件
func (d *Doc) localTransact(fn func(tx *txn) error) error {
	d.mu.Lock()
	tx := newTxn()
	err := fn(tx)
	// 出错前已经落地的修改也要通知出去，否则副本之间会丢变更
	d.queueLocked(tx, origin.Local())
	d.flushUnlock()
	return errors.Trace(err)
}

// txn 收集一次合并/编辑产生的变化
type txn struct {
	items   []*item
	deletes []ID
	changes map[string][]delta.Delta
}

func newTxn() *txn { return &txn{changes: make(map[string][]delta.Delta)} }

func (tx *txn) empty() bool { return len(tx.items) == 0 && len(tx.deletes) == 0 }

func (tx *txn) change(text string, d delta.Delta) {
	tx.changes[text] = append(tx.changes[text], d)
}
