package p2p

import (
	"encoding/json"

	"github.com/juju/errors"
)

// TopicPrefix 带协议版本，协议不兼容时整体换前缀
const TopicPrefix = "collab-space-v1-"

// TopicFor 由房间 id 推导 topic，同一个房间在所有节点上得到同一个字符串
func TopicFor(roomID string) string { return TopicPrefix + roomID }

type Kind string

const (
	KindSyncRequest Kind = "syncRequest"
	KindSyncUpdate  Kind = "syncUpdate"
	KindAwareness   Kind = "awareness"

	// 旧格式：payload 为字节数组，没有 topic 字段
	legacyDocUpdate       = "doc-update"
	legacyAwarenessUpdate = "awareness-update"
)

// Envelope 是 topic 上交换的消息。编码为 JSON，Update 以 base64 传输：
// {"type":"syncUpdate","topic":"collab-space-v1-r1","update":"AQID"}
type Envelope struct {
	Type   Kind   `json:"type"`
	Topic  string `json:"topic"`
	Update []byte `json:"update,omitempty"`
}

func (e Envelope) Encode() ([]byte, error) {
	switch e.Type {
	case KindSyncRequest, KindSyncUpdate, KindAwareness:
	default:
		return nil, errors.NotValidf("envelope type %q", e.Type)
	}
	return json.Marshal(e)
}

type wireEnvelope struct {
	Type    string          `json:"type"`
	Topic   *string         `json:"topic"`
	Update  []byte          `json:"update"`
	Payload json.RawMessage `json:"payload"`
}

// DecodeEnvelope 解析收到的消息并做第二道 topic 过滤。
// 同时接受旧的字节数组格式 {"type":"doc-update","payload":[1,2,3]}。
// 结构非法、type 未知或 topic 不一致都返回 NotValid。
func DecodeEnvelope(data []byte, topic string) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, errors.NotValidf("envelope: %v", err)
	}
	if w.Topic != nil && *w.Topic != topic {
		return Envelope{}, errors.NotValidf("envelope for topic %q on %q", *w.Topic, topic)
	}
	env := Envelope{Topic: topic}
	switch w.Type {
	case string(KindSyncRequest):
		env.Type = KindSyncRequest
	case string(KindSyncUpdate), string(KindAwareness):
		env.Type = Kind(w.Type)
		env.Update = w.Update
	case legacyDocUpdate, legacyAwarenessUpdate:
		payload, err := decodeLegacyPayload(w.Payload)
		if err != nil {
			return Envelope{}, err
		}
		env.Type = KindSyncUpdate
		if w.Type == legacyAwarenessUpdate {
			env.Type = KindAwareness
		}
		env.Update = payload
	default:
		return Envelope{}, errors.NotValidf("envelope type %q", w.Type)
	}
	return env, nil
}

func decodeLegacyPayload(raw json.RawMessage) ([]byte, error) {
	var values []int
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, errors.NotValidf("legacy payload: %v", err)
	}
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return nil, errors.NotValidf("legacy payload byte %d at %d", v, i)
		}
		out[i] = byte(v)
	}
	return out, nil
}
