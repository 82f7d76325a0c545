package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/navikt/klage-notifications-api-sub000/internal/metrics"
)

// Message は上流から届く1件のメッセージ。Keyは受信者のNAVident。
type Message struct {
	Key   string
	Value []byte
}

// Upstream はチャネルの上流購読。
type Upstream interface {
	// Consume はctxが終了するまで受信したメッセージをhandleに渡す。
	// 購読の準備ができた時点でreadyを1回呼ぶ。
	// handleは同じゴルーチンから順番に呼ばれる。
	Consume(ctx context.Context, ready func(), handle func(Message)) error
}

// defaultRetryBackoff は上流購読が失敗したときの再接続までの待ち時間。
const defaultRetryBackoff = 2 * time.Second

// Channel は1本の上流購読を複数のローカル購読者に参照カウント付きで共有する。
type Channel[T any] struct {
	name     string
	upstream Upstream
	decode   func([]byte) (T, error)
	bufSize  int
	backoff  time.Duration
	logger   *slog.Logger
	metrics  *metrics.Recorder

	mu   sync.Mutex
	subs map[*Subscription[T]]struct{}
	// cancel は実行中の上流購読を止める。上流が止まっていればnil。
	cancel context.CancelFunc
	// started は実行中の上流購読の最初の準備完了（または失敗）で閉じられる。
	started chan struct{}
}

// ChannelOptions はNewChannelの任意設定。
type ChannelOptions struct {
	// BufferSize は購読者ごとのバッファ長。0以下なら64。
	BufferSize int
	// RetryBackoff は上流購読の再接続間隔。0以下なら2秒。
	RetryBackoff time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Recorder
}

// NewChannel は新しいチャネルを生成する。上流購読は最初のSubscribeまで開始しない。
func NewChannel[T any](name string, upstream Upstream, decode func([]byte) (T, error), opts ChannelOptions) *Channel[T] {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Channel[T]{
		name:     name,
		upstream: upstream,
		decode:   decode,
		bufSize:  opts.BufferSize,
		backoff:  opts.RetryBackoff,
		logger:   opts.Logger.With("channel", name),
		metrics:  opts.Metrics,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Subscription はチャネルのローカル購読。
type Subscription[T any] struct {
	ch      chan T
	filter  func(T) bool
	channel *Channel[T]
	once    sync.Once
}

// C は受信用のチャネルを返す。Close後に閉じられる。
func (s *Subscription[T]) C() <-chan T {
	return s.ch
}

// Close は購読を解除する。最後の購読者だった場合は上流購読も解放する。
// 複数回呼んでもよい。
func (s *Subscription[T]) Close() {
	s.once.Do(func() { s.channel.unsubscribe(s) })
}

// Subscribe はfilterがtrueを返すイベントだけを受け取る購読を追加する。
// filterがnilなら全イベントを受け取る。
// 上流購読が読み始めの位置を確定させるまで待つため、戻った後に発行されたイベントは取りこぼさない。
// 上流が再接続した場合は、切断中のイベントを失うことがある。
func (c *Channel[T]) Subscribe(filter func(T) bool) *Subscription[T] {
	sub := &Subscription[T]{
		ch:      make(chan T, c.bufSize),
		filter:  filter,
		channel: c,
	}

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	if c.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		c.cancel = cancel
		c.started = make(chan struct{})
		go c.run(ctx, c.started)
		c.logger.Debug("上流購読を開始")
	}
	started := c.started
	c.mu.Unlock()

	<-started
	return sub
}

func (c *Channel[T]) unsubscribe(sub *Subscription[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.subs[sub]; !ok {
		return
	}
	delete(c.subs, sub)
	close(sub.ch)
	if len(c.subs) == 0 && c.cancel != nil {
		c.cancel()
		c.cancel = nil
		c.logger.Debug("最後の購読者が去ったため上流購読を解放")
	}
}

// SubscriberCount は現在のローカル購読者数を返す。
func (c *Channel[T]) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

// UpstreamActive は上流購読が開始されているかを返す。
func (c *Channel[T]) UpstreamActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// run はctxが終了するまで上流購読を続ける。失敗したら待ってから再接続する。
func (c *Channel[T]) run(ctx context.Context, started chan struct{}) {
	var once sync.Once
	ready := func() { once.Do(func() { close(started) }) }
	defer ready()

	handle := func(msg Message) {
		// 解放済みの上流から遅れて届いたものは配らない。
		if ctx.Err() != nil {
			return
		}
		c.dispatch(msg)
	}

	for {
		err := c.upstream.Consume(ctx, ready, handle)
		// 最初の接続に失敗しても購読者は待たせない。
		ready()
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("上流購読が終了したため再接続します", "error", err, "backoff", c.backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.backoff):
		}
	}
}

// dispatch はメッセージを全購読者にノンブロッキングで配る。
func (c *Channel[T]) dispatch(msg Message) {
	v, err := c.decode(msg.Value)
	if err != nil {
		c.logger.Warn("メッセージのデシリアライズに失敗", "key", msg.Key, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		if sub.filter != nil && !sub.filter(v) {
			continue
		}
		select {
		case sub.ch <- v:
		default:
			c.metrics.BroadcastDropped(c.name)
			c.logger.Warn("購読者のバッファが満杯のためイベントを破棄", "key", msg.Key)
		}
	}
}
