// Package editor 是一个无界面的编辑器模型：把 CRDT 文本镜像到本地缓冲区，
// 本地编辑以 delta 的形式写回 CRDT，远端变化以 delta 的形式落到缓冲区。
package editor

import (
	"sync"

	"github.com/juju/loggo"

	"collabspace/backend/internal/crdt"
	"collabspace/backend/internal/origin"
	"collabspace/backend/internal/ot/delta"
)

var logger = loggo.GetLogger("collabspace.editor")

// Buffer 是编辑器侧的文档内容
type Buffer interface {
	Len() int
	Apply(d delta.Delta) error
	String() string
}

// Binding 让 Buffer 始终等于某个 crdt.Text 的内容
type Binding struct {
	text *crdt.Text

	mu       sync.Mutex
	buf      Buffer
	onChange func(content string, o origin.Origin)

	cancel   func()
	stopOnce sync.Once
}

type Option func(*Binding)

// WithOnChange 每次缓冲区变化后回调（在 binding 的锁内调用，不要在回调里编辑）
func WithOnChange(fn func(content string, o origin.Origin)) Option {
	return func(b *Binding) { b.onChange = fn }
}

// Bind 用 piece table 作为缓冲区绑定 text
func Bind(text *crdt.Text, opts ...Option) *Binding {
	return BindBuffer(text, func(initial string) Buffer { return NewPieceTable(initial) }, opts...)
}

// BindBuffer 用自定义缓冲区绑定 text，newBuffer 收到绑定时刻的内容
func BindBuffer(text *crdt.Text, newBuffer func(initial string) Buffer, opts ...Option) *Binding {
	b := &Binding{text: text}
	for _, opt := range opts {
		opt(b)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	current, cancel := text.ObserveFrom(b.apply)
	b.buf = newBuffer(current)
	b.cancel = cancel
	return b
}

func (b *Binding) apply(changes []delta.Delta, o origin.Origin) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.buf == nil {
		return
	}
	for _, d := range changes {
		if err := b.buf.Apply(d); err != nil {
			// 理论上不会发生；出现时以 CRDT 为准重建
			logger.Errorf("buffer diverged from text %q: %v", b.text.Name(), err)
			b.buf = NewPieceTable(b.text.String())
			break
		}
	}
	if b.onChange != nil {
		b.onChange(b.buf.String(), o)
	}
}

// Edit 把编辑器里的一次变更写回 CRDT
func (b *Binding) Edit(d delta.Delta) error {
	return b.text.ApplyDelta(d)
}

func (b *Binding) Insert(pos int, s string) error {
	return b.Edit(delta.At(pos, delta.Insert(s)))
}

func (b *Binding) Delete(pos, n int) error {
	return b.Edit(delta.At(pos, delta.Delete(n)))
}

func (b *Binding) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *Binding) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// Destroy 解除绑定，之后的变化不再落到缓冲区
func (b *Binding) Destroy() {
	b.stopOnce.Do(func() {
		b.cancel()
	})
}
