/*
PieceTable 的结构示例

初始内容 "Hello world"：original = "Hello world"，add 为空，
pieces = [ (orig, 0, 11) ]

在位置 5 插入 " collaborative"：add 末尾追加，原 piece 一分为三
pieces = [ (orig, 0, 5) "Hello", (add, 0, 14) " collaborative", (orig, 5, 6) " world" ]

删除只调整 piece 的 offset/length，两个缓冲区都只追加不修改。
*/
package editor

import (
	"strings"

	"github.com/juju/errors"

	"collabspace/backend/internal/ot/delta"
)

type source int

const (
	srcOriginal source = iota
	srcAdd
)

type piece struct {
	src    source
	offset int
	length int
}

type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{src: srcOriginal, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int { return pt.length }

func (pt *PieceTable) String() string {
	var sb strings.Builder
	for _, p := range pt.pieces {
		sb.WriteString(string(pt.runes(p)))
	}
	return sb.String()
}

// Apply 按顺序执行 delta；越界时返回 NotValid，已执行的部分保留
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			if op.Count < 0 || pos+op.Count > pt.length {
				return errors.NotValidf("retain %d at %d (len=%d)", op.Count, pos, pt.length)
			}
			pos += op.Count
		case delta.KindInsert:
			pt.insert(pos, []rune(op.Text))
			pos += len([]rune(op.Text))
		case delta.KindDelete:
			if op.Count < 0 || pos+op.Count > pt.length {
				return errors.NotValidf("delete %d at %d (len=%d)", op.Count, pos, pt.length)
			}
			pt.delete(pos, op.Count)
		default:
			return errors.NotValidf("delta op kind %q", op.Kind)
		}
	}
	return nil
}

func (pt *PieceTable) runes(p piece) []rune {
	if p.src == srcAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// split 保证 pos 落在某个 piece 的开头，返回该 piece 的下标
func (pt *PieceTable) split(pos int) int {
	cur := 0
	for i, p := range pt.pieces {
		if pos == cur {
			return i
		}
		if pos < cur+p.length {
			k := pos - cur
			left := piece{src: p.src, offset: p.offset, length: k}
			right := piece{src: p.src, offset: p.offset + k, length: p.length - k}
			pt.pieces = append(pt.pieces[:i+1], pt.pieces[i:]...)
			pt.pieces[i], pt.pieces[i+1] = left, right
			return i + 1
		}
		cur += p.length
	}
	return len(pt.pieces)
}

func (pt *PieceTable) insert(pos int, r []rune) {
	if len(r) == 0 {
		return
	}
	np := piece{src: srcAdd, offset: len(pt.add), length: len(r)}
	pt.add = append(pt.add, r...)
	i := pt.split(pos)
	// 连续输入时直接延长上一个 add piece
	if i > 0 {
		prev := &pt.pieces[i-1]
		if prev.src == srcAdd && prev.offset+prev.length == np.offset {
			prev.length += np.length
			pt.length += np.length
			return
		}
	}
	pt.pieces = append(pt.pieces, piece{})
	copy(pt.pieces[i+1:], pt.pieces[i:])
	pt.pieces[i] = np
	pt.length += np.length
}

func (pt *PieceTable) delete(pos, n int) {
	if n == 0 {
		return
	}
	from := pt.split(pos)
	to := pt.split(pos + n)
	pt.pieces = append(pt.pieces[:from], pt.pieces[to:]...)
	pt.length -= n
}
