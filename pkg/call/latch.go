package call

import (
	"context"
	"sync"
	"time"
)

// Latch одноразовый барьер с меткой. После Release все ожидания завершаются
// сразу. Ожидание всегда ограничено по времени.
type Latch struct {
	label string
	ch    chan struct{}
	once  sync.Once
}

// NewLatch создает закрытый барьер.
func NewLatch(label string) *Latch {
	return &Latch{label: label, ch: make(chan struct{})}
}

// Label описывает, чего ждут на барьере.
func (l *Latch) Label() string {
	return l.label
}

// Release открывает барьер. Повторные вызовы ничего не делают.
func (l *Latch) Release() {
	l.once.Do(func() { close(l.ch) })
}

// Released сообщает, открыт ли барьер.
func (l *Latch) Released() bool {
	select {
	case <-l.ch:
		return true
	default:
		return false
	}
}

// Done канал, закрываемый при Release.
func (l *Latch) Done() <-chan struct{} {
	return l.ch
}

// Wait ждет открытия барьера не дольше timeout. Возвращает false при
// истечении времени или отмене ctx.
func (l *Latch) Wait(ctx context.Context, timeout time.Duration) bool {
	if l.Released() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-l.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
