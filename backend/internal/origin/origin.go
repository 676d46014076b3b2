package origin

import "fmt"

// Kind 标记一次变更的来源类别
type Kind int

const (
	KindLocal    Kind = iota // 本地编辑（编辑器/业务层直接修改）
	KindProvider             // 某个同步 provider 代为合并的远端更新
	KindRemote               // 远端 presence 增量
	KindTimeout              // presence 过期清理
)

func (k Kind) String() string {
	switch k {
	case KindLocal:
		return "local"
	case KindProvider:
		return "provider"
	case KindRemote:
		return "remote"
	case KindTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Origin 随合并调用一起传入，并在变更事件中原样带回。
// 可比较（==），同一个 provider 实例的 Origin 永远相等。
type Origin struct {
	Kind Kind
	ID   string
}

func Local() Origin             { return Origin{Kind: KindLocal} }
func Provider(id string) Origin { return Origin{Kind: KindProvider, ID: id} }
func Remote(id string) Origin   { return Origin{Kind: KindRemote, ID: id} }
func Timeout() Origin           { return Origin{Kind: KindTimeout} }

func (o Origin) String() string {
	if o.ID == "" {
		return o.Kind.String()
	}
	return o.Kind.String() + ":" + o.ID
}
