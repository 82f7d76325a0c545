package broadcast

import (
	"context"
	"sync"
)

// Loopback はプロセス内だけで完結するブローカー。
// Produceは同じトピックを購読中の全UpstreamにProduceの呼び出し内で同期的に届ける。
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]map[*loopbackHandler]struct{}
}

type loopbackHandler struct {
	handle func(Message)
}

// NewLoopback は新しいLoopbackを生成する。
func NewLoopback() *Loopback {
	return &Loopback{handlers: make(map[string]map[*loopbackHandler]struct{})}
}

// Produce はtopicの購読者にメッセージを届ける。購読者がいなければ捨てる。
func (l *Loopback) Produce(_ context.Context, topic, key string, value []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for h := range l.handlers[topic] {
		h.handle(Message{Key: key, Value: value})
	}
	return nil
}

// Upstream はtopicを購読するUpstreamを返す。
func (l *Loopback) Upstream(topic string) Upstream {
	return loopbackUpstream{broker: l, topic: topic}
}

type loopbackUpstream struct {
	broker *Loopback
	topic  string
}

func (u loopbackUpstream) Consume(ctx context.Context, ready func(), handle func(Message)) error {
	h := &loopbackHandler{handle: handle}

	u.broker.mu.Lock()
	if u.broker.handlers[u.topic] == nil {
		u.broker.handlers[u.topic] = make(map[*loopbackHandler]struct{})
	}
	u.broker.handlers[u.topic][h] = struct{}{}
	u.broker.mu.Unlock()
	ready()

	<-ctx.Done()

	u.broker.mu.Lock()
	delete(u.broker.handlers[u.topic], h)
	u.broker.mu.Unlock()
	return ctx.Err()
}
