package delta

import (
	"strings"

	"github.com/juju/errors"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

type Op struct {
	Kind  Kind           `json:"kind"`            // "retain" / "insert" / "delete"
	Count int            `json:"count,omitempty"` // retain/delete 的长度（按 rune 计）
	Text  string         `json:"text,omitempty"`  // insert 的文本
	Attrs map[string]any `json:"attrs,omitempty"` // 样式属性（粗体/颜色等），CRDT 层不解释
}

// Delta 是编辑器视角的一次变更：从文档开头按顺序 retain/insert/delete
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

func Retain(n int) Op    { return Op{Kind: KindRetain, Count: n} }
func Insert(s string) Op { return Op{Kind: KindInsert, Text: s} }
func Delete(n int) Op    { return Op{Kind: KindDelete, Count: n} }

// At 构造“在 pos 处执行 op”的 delta，pos 为 0 时省略 retain
func At(pos int, op Op) Delta {
	if pos <= 0 {
		return Delta{op}
	}
	return Delta{Retain(pos), op}
}

// Apply 把 delta 作用到纯文本上，主要用于测试和调试输出
func (d Delta) Apply(s string) (string, error) {
	src := []rune(s)
	var out strings.Builder
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case KindRetain:
			if pos+op.Count > len(src) {
				return "", errors.NotValidf("retain %d out of range at %d (len=%d)", op.Count, pos, len(src))
			}
			out.WriteString(string(src[pos : pos+op.Count]))
			pos += op.Count
		case KindInsert:
			out.WriteString(op.Text)
		case KindDelete:
			if pos+op.Count > len(src) {
				return "", errors.NotValidf("delete %d out of range at %d (len=%d)", op.Count, pos, len(src))
			}
			pos += op.Count
		default:
			return "", errors.NotValidf("op kind %q", op.Kind)
		}
	}
	out.WriteString(string(src[pos:]))
	return out.String(), nil
}
