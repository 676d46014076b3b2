package wsrelay

// 客户端和 relay hub 之间的 JSON 帧
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPublish     = "publish"
	// OpMessage 是 hub 转发给订阅者的消息，From 由 hub 填写
	OpMessage = "message"
)

// PeerParam 是连接 URL 上携带节点 id 的查询参数
const PeerParam = "peer"

type Frame struct {
	Op    string `json:"op"`
	Topic string `json:"topic,omitempty"`
	From  string `json:"from,omitempty"`
	Data  []byte `json:"data,omitempty"`
}
