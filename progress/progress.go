package progress

import (
	"sync"
)

type Stage string

const (
	Loading    Stage = "loading"
	Processing Stage = "processing"
)

// Event 一条进度事件，只用于展示，不参与控制流
type Event struct {
	RequestID string `json:"requestId"`
	StageKey  string `json:"stageKey"`
	Percent   int    `json:"percent"`
	Stage     Stage  `json:"stage"`
}

type Sink interface {
	Emit(Event)
}

type nop struct{}

func (nop) Emit(Event) {}

var Nop Sink = nop{}

// Func 让普通函数满足 Sink
type Func func(Event)

func (f Func) Emit(e Event) { f(e) }

func OrNop(s Sink) Sink {
	if s == nil {
		return Nop
	}
	return s
}

// Report 构造事件并发送，percent 会被截断到 0-100
func Report(s Sink, requestID, key string, stage Stage, percent int) {
	if s == nil {
		return
	}
	s.Emit(Event{RequestID: requestID, StageKey: key, Percent: min(max(percent, 0), 100), Stage: stage})
}

// Bus 按 requestID 分发事件；订阅者缓冲满时直接丢弃，不做背压
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan Event
	nextID int
	buffer int
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 16
	}
	return &Bus{subs: map[string]map[int]chan Event{}, buffer: buffer}
}

func (b *Bus) Emit(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs[e.RequestID] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe 订阅某个请求的事件，cancel 后通道关闭
func (b *Bus) Subscribe(requestID string) (<-chan Event, func()) {
	ch := make(chan Event, b.buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[requestID] == nil {
		b.subs[requestID] = map[int]chan Event{}
	}
	b.subs[requestID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[requestID], id)
			if len(b.subs[requestID]) == 0 {
				delete(b.subs, requestID)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Tee 同时发给多个 sink
type Tee []Sink

func (t Tee) Emit(e Event) {
	for _, s := range t {
		if s != nil {
			s.Emit(e)
		}
	}
}
