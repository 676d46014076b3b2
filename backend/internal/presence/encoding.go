package presence

import (
	"bytes"
	"encoding/json"

	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"

	"collabspace/backend/internal/origin"
)

// awareness 更新块：
//
//	Update { repeated Entry entries = 1; }
//	Entry  { client = 1; clock = 2; state = 3 (JSON, "null" 表示删除); }
const (
	fieldEntry       protowire.Number = 1
	fieldEntryClient protowire.Number = 1
	fieldEntryClock  protowire.Number = 2
	fieldEntryState  protowire.Number = 3
)

var nullState = []byte("null")

type entry struct {
	client uint64
	clock  uint64
	state  []byte
}

// EncodeUpdate 只编码给定 client 的状态；没有记录的 client 被跳过
func (r *Registry) EncodeUpdate(clients []uint64) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var b []byte
	for _, id := range clients {
		m, ok := r.meta[id]
		if !ok {
			continue
		}
		state := nullState
		if s, ok := r.states[id]; ok {
			raw, err := json.Marshal(s)
			if err != nil {
				return nil, errors.Annotatef(err, "marshal presence state of %d", id)
			}
			state = raw
		}
		var e []byte
		e = protowire.AppendTag(e, fieldEntryClient, protowire.VarintType)
		e = protowire.AppendVarint(e, id)
		e = protowire.AppendTag(e, fieldEntryClock, protowire.VarintType)
		e = protowire.AppendVarint(e, m.clock)
		e = protowire.AppendTag(e, fieldEntryState, protowire.BytesType)
		e = protowire.AppendBytes(e, state)

		b = protowire.AppendTag(b, fieldEntry, protowire.BytesType)
		b = protowire.AppendBytes(b, e)
	}
	return b, nil
}

// ApplyUpdate 合并远端 awareness 更新。时钟更大的状态胜出；相同时钟下只接受删除。
// 结构非法时返回 NotValid，registry 不变。
func (r *Registry) ApplyUpdate(b []byte, o origin.Origin) error {
	entries, err := decodeEntries(b)
	if err != nil {
		return err
	}
	states := make([]State, len(entries))
	for i, e := range entries {
		if bytes.Equal(e.state, nullState) {
			continue
		}
		var s State
		if err := json.Unmarshal(e.state, &s); err != nil {
			return errors.NotValidf("presence state of %d", e.client)
		}
		if s == nil {
			s = State{}
		}
		states[i] = s
	}

	now := r.clk.Now()
	update := ChangeEvent{Origin: o}
	change := ChangeEvent{Origin: o}
	r.mu.Lock()
	for i, e := range entries {
		state := states[i]
		cur, hasMeta := r.meta[e.client]
		prev, hasState := r.states[e.client]
		if !(cur.clock < e.clock || (cur.clock == e.clock && state == nil && hasState)) && hasMeta {
			continue
		}
		clk := e.clock
		if state == nil {
			if e.client == r.clientID && hasState {
				// 别人宣布我们离开了，本地状态还在：抬高时钟，下一次广播覆盖它
				clk++
				r.meta[e.client] = meta{clock: clk, lastUpdated: now}
				update.Updated = append(update.Updated, e.client)
				continue
			}
			delete(r.states, e.client)
		} else {
			r.states[e.client] = state
		}
		r.meta[e.client] = meta{clock: clk, lastUpdated: now}
		switch {
		case !hasMeta && state != nil:
			update.Added = append(update.Added, e.client)
			change.Added = append(change.Added, e.client)
		case state == nil:
			if hasState {
				update.Removed = append(update.Removed, e.client)
				change.Removed = append(change.Removed, e.client)
			}
		default:
			update.Updated = append(update.Updated, e.client)
			if !hasState || !prev.equal(state) {
				change.Updated = append(change.Updated, e.client)
			}
		}
	}
	r.mu.Unlock()

	r.emit(update, change)
	return nil
}

func decodeEntries(b []byte) ([]entry, error) {
	var entries []entry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.NotValidf("awareness tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num != fieldEntry || typ != protowire.BytesType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, errors.NotValidf("awareness field %d: %v", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		raw, m := protowire.ConsumeBytes(b)
		if m < 0 {
			return nil, errors.NotValidf("awareness entry: %v", protowire.ParseError(m))
		}
		b = b[m:]
		e, err := decodeEntry(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func decodeEntry(b []byte) (entry, error) {
	var e entry
	var hasClient, hasState bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return entry{}, errors.NotValidf("awareness entry tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldEntryClient && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return entry{}, errors.NotValidf("awareness client: %v", protowire.ParseError(m))
			}
			e.client, hasClient = v, true
			b = b[m:]
		case num == fieldEntryClock && typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return entry{}, errors.NotValidf("awareness clock: %v", protowire.ParseError(m))
			}
			e.clock = v
			b = b[m:]
		case num == fieldEntryState && typ == protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return entry{}, errors.NotValidf("awareness state: %v", protowire.ParseError(m))
			}
			e.state, hasState = v, true
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return entry{}, errors.NotValidf("awareness entry field %d: %v", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if !hasClient || !hasState {
		return entry{}, errors.NotValidf("awareness entry incomplete")
	}
	return e, nil
}
