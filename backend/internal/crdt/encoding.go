package crdt

import (
	"github.com/juju/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// 更新块格式（protobuf wire 编码，不依赖生成代码）：
//
//	Update { repeated Item items = 1; repeated ID deletes = 2; }
//	Item   { clock = 1; client = 2; originClock = 3; originClient = 4; text = 5; content = 6; }
//	ID     { clock = 1; client = 2; }
//
// diff 和 snapshot 共用同一种格式，合并走同一条路径。
const (
	fieldUpdateItem   protowire.Number = 1
	fieldUpdateDelete protowire.Number = 2

	fieldItemClock        protowire.Number = 1
	fieldItemClient       protowire.Number = 2
	fieldItemOriginClock  protowire.Number = 3
	fieldItemOriginClient protowire.Number = 4
	fieldItemText         protowire.Number = 5
	fieldItemContent      protowire.Number = 6

	fieldIDClock  protowire.Number = 1
	fieldIDClient protowire.Number = 2
)

type update struct {
	items   []*item
	deletes []ID
}

func (u *update) empty() bool { return len(u.items) == 0 && len(u.deletes) == 0 }

func encodeUpdate(u *update) []byte {
	var b []byte
	for _, it := range u.items {
		b = protowire.AppendTag(b, fieldUpdateItem, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeItem(it))
	}
	for _, id := range u.deletes {
		b = protowire.AppendTag(b, fieldUpdateDelete, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeID(id))
	}
	return b
}

func encodeItem(it *item) []byte {
	var b []byte
	b = appendVarint(b, fieldItemClock, it.id.Clock)
	b = appendVarint(b, fieldItemClient, it.id.Client)
	if !it.origin.IsZero() {
		b = appendVarint(b, fieldItemOriginClock, it.origin.Clock)
		b = appendVarint(b, fieldItemOriginClient, it.origin.Client)
	}
	b = protowire.AppendTag(b, fieldItemText, protowire.BytesType)
	b = protowire.AppendString(b, it.text)
	b = appendVarint(b, fieldItemContent, uint64(it.content))
	return b
}

func encodeID(id ID) []byte {
	var b []byte
	b = appendVarint(b, fieldIDClock, id.Clock)
	b = appendVarint(b, fieldIDClient, id.Client)
	return b
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func decodeUpdate(b []byte) (*update, error) {
	u := &update{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.NotValidf("update tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldUpdateItem && typ == protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, errors.NotValidf("update item: %v", protowire.ParseError(m))
			}
			it, err := decodeItem(raw)
			if err != nil {
				return nil, err
			}
			u.items = append(u.items, it)
			b = b[m:]
		case num == fieldUpdateDelete && typ == protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, errors.NotValidf("update delete: %v", protowire.ParseError(m))
			}
			id, err := decodeID(raw)
			if err != nil {
				return nil, err
			}
			u.deletes = append(u.deletes, id)
			b = b[m:]
		default:
			// 未知字段跳过，给以后的格式扩展留余地
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, errors.NotValidf("update field %d: %v", num, protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return u, nil
}

func decodeItem(b []byte) (*item, error) {
	it := &item{}
	var hasContent, hasText bool
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, errors.NotValidf("item tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldItemText {
			if typ != protowire.BytesType {
				return nil, errors.NotValidf("item text wire type %d", typ)
			}
			s, m := protowire.ConsumeString(b)
			if m < 0 {
				return nil, errors.NotValidf("item text: %v", protowire.ParseError(m))
			}
			it.text, hasText = s, true
			b = b[m:]
			continue
		}
		if typ != protowire.VarintType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return nil, errors.NotValidf("item field %d: %v", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return nil, errors.NotValidf("item field %d: %v", num, protowire.ParseError(m))
		}
		b = b[m:]
		switch num {
		case fieldItemClock:
			it.id.Clock = v
		case fieldItemClient:
			it.id.Client = v
		case fieldItemOriginClock:
			it.origin.Clock = v
		case fieldItemOriginClient:
			it.origin.Client = v
		case fieldItemContent:
			if v > 0x10FFFF {
				return nil, errors.NotValidf("item content %#x", v)
			}
			it.content, hasContent = rune(v), true
		}
	}
	if it.id.Clock == 0 {
		return nil, errors.NotValidf("item without clock")
	}
	if !hasContent || !hasText {
		return nil, errors.NotValidf("item %v incomplete", it.id)
	}
	return it, nil
}

func decodeID(b []byte) (ID, error) {
	var id ID
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return ID{}, errors.NotValidf("id tag: %v", protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return ID{}, errors.NotValidf("id field %d: %v", num, protowire.ParseError(m))
			}
			b = b[m:]
			continue
		}
		v, m := protowire.ConsumeVarint(b)
		if m < 0 {
			return ID{}, errors.NotValidf("id field %d: %v", num, protowire.ParseError(m))
		}
		b = b[m:]
		switch num {
		case fieldIDClock:
			id.Clock = v
		case fieldIDClient:
			id.Client = v
		}
	}
	if id.Clock == 0 {
		return ID{}, errors.NotValidf("delete without clock")
	}
	return id, nil
}
