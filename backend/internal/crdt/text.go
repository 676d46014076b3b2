package crdt

import (
	"strings"

	"github.com/juju/errors"

	"collabspace/backend/internal/origin"
	"collabspace/backend/internal/ot/delta"
)

// Text 是文档里一个命名文本的句柄，本身不持有状态
type Text struct {
	doc  *Doc
	name string
}

func (t *Text) Name() string { return t.name }

func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.stringLocked()
}

func (t *Text) stringLocked() string {
	ts := t.doc.texts[t.name]
	if ts == nil {
		return ""
	}
	var sb strings.Builder
	for _, it := range ts.items {
		if !it.deleted {
			sb.WriteRune(it.content)
		}
	}
	return sb.String()
}

func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	ts := t.doc.texts[t.name]
	if ts == nil {
		return 0
	}
	return ts.visibleBefore(len(ts.items))
}

// Insert 在可见位置 index 处插入 s（按 rune 计）
func (t *Text) Insert(index int, s string) error {
	return t.doc.localTransact(func(tx *txn) error {
		return t.insert(tx, index, s)
	})
}

// Delete 删除可见位置 [index, index+length) 的字符
func (t *Text) Delete(index, length int) error {
	return t.doc.localTransact(func(tx *txn) error {
		return t.delete(tx, index, length)
	})
}

// ApplyDelta 把编辑器产生的 delta 作为一次本地编辑应用
func (t *Text) ApplyDelta(d delta.Delta) error {
	return t.doc.localTransact(func(tx *txn) error {
		pos := 0
		for _, op := range d {
			switch op.Kind {
			case delta.KindRetain:
				pos += op.Count
			case delta.KindInsert:
				if err := t.insert(tx, pos, op.Text); err != nil {
					return err
				}
				pos += len([]rune(op.Text))
			case delta.KindDelete:
				if err := t.delete(tx, pos, op.Count); err != nil {
					return err
				}
			default:
				return errors.NotValidf("delta op kind %q", op.Kind)
			}
		}
		return nil
	})
}

// Observe 只关注本文本的变化
func (t *Text) Observe(fn func(changes []delta.Delta, o origin.Origin)) (cancel func()) {
	return t.doc.OnUpdate(func(ev UpdateEvent) {
		if changes := ev.Changes[t.name]; len(changes) > 0 {
			fn(changes, ev.Origin)
		}
	})
}

// ObserveFrom 原子地读取当前内容并注册监听：current 之后的每个变化恰好收到一次
func (t *Text) ObserveFrom(fn func(changes []delta.Delta, o origin.Origin)) (current string, cancel func()) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	cancel = t.doc.addObserverLocked(func(ev UpdateEvent) {
		if changes := ev.Changes[t.name]; len(changes) > 0 {
			fn(changes, ev.Origin)
		}
	})
	return t.stringLocked(), cancel
}

// visibleAt 返回第 n 个可见 item 在 items 里的下标，n 等于可见长度时返回 len(items)
func (ts *textState) visibleAt(n int) int {
	seen := 0
	for i, it := range ts.items {
		if it.deleted {
			continue
		}
		if seen == n {
			return i
		}
		seen++
	}
	return len(ts.items)
}

func (t *Text) insert(tx *txn, index int, s string) error {
	d := t.doc
	ts := d.textState(t.name)
	if index < 0 || index > ts.visibleBefore(len(ts.items)) {
		return errors.NotValidf("insert index %d in text %q", index, t.name)
	}
	var left ID
	if index > 0 {
		left = ts.items[ts.visibleAt(index-1)].id
	}
	for _, r := range s {
		it := &item{id: d.nextID(), origin: left, text: t.name, content: r}
		d.integrate(tx, it)
		left = it.id
	}
	return nil
}

func (t *Text) delete(tx *txn, index, length int) error {
	d := t.doc
	ts := d.textState(t.name)
	if index < 0 || length < 0 || index+length > ts.visibleBefore(len(ts.items)) {
		return errors.NotValidf("delete range [%d,%d) in text %q", index, index+length, t.name)
	}
	for ; length > 0; length-- {
		d.deleteItem(tx, ts.items[ts.visibleAt(index)])
	}
	return nil
}
