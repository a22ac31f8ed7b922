// Package orchestrator drives the per-session turn state machine.
//
// Each session runs one goroutine that owns its chat.Session. Callers talk to it
// through a bounded mailbox; provider calls run on their own goroutine and report
// back as events tagged with a turn sequence number, so a cancelled turn's late
// result is simply discarded.
package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/metrics"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
)

// Option customises a single orchestrator.
type Option func(*Orchestrator)

// WithProvider overrides the initial provider.
func WithProvider(p chat.Provider) Option {
	return func(o *Orchestrator) {
		if p.Valid() {
			o.session.ActiveProvider = p
		}
	}
}

// WithAwaitPlaybackAck overrides whether Speaking waits for a playback ack.
func WithAwaitPlaybackAck(await bool) Option {
	return func(o *Orchestrator) { o.awaitAck = await }
}

// WithOnClose registers a callback run when the loop stops, before Done is closed.
// The callback must not wait on Done or call Close.
func WithOnClose(fn func(id string)) Option {
	return func(o *Orchestrator) { o.onClose = fn }
}

// Orchestrator owns one session.
type Orchestrator struct {
	id        string
	cfg       Config
	providers Providers
	emotions  EmotionContext
	observer  Observer
	metrics   *metrics.Collector
	sink      Sink
	logger    *zap.Logger
	now       func() time.Time
	awaitAck  bool
	onClose   func(id string)

	events    chan any
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once

	snapshot atomic.Pointer[chat.Session]

	listenersMu sync.RWMutex
	listeners   map[int]Sink
	nextID      int

	// 以下字段只在会话协程中访问。
	session   chat.Session
	seq       uint64
	inflight  *inflightTurn
	pending   *transcriptEvent
	lastStamp time.Time
}

func newOrchestrator(id string, sink Sink, cfg Config, deps Deps, opts ...Option) *Orchestrator {
	if sink == nil {
		sink = discardSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		id:        id,
		cfg:       cfg,
		providers: deps.Providers,
		emotions:  deps.Emotions,
		observer:  deps.Observer,
		metrics:   deps.Metrics,
		sink:      sink,
		now:       deps.Clock,
		awaitAck:  cfg.AwaitPlaybackAck,
		events:    make(chan any, cfg.MailboxSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	o.session = chat.NewSession(id, cfg.DefaultProvider, o.now())
	for _, opt := range opts {
		opt(o)
	}
	o.logger = deps.Logger.With(
		zap.String("component", "orchestrator"),
		zap.String("session_id", id),
	)
	o.publish()
	return o
}

// ID 返回会话 ID。
func (o *Orchestrator) ID() string {
	return o.id
}

// Start launches the session goroutine. Calling it more than once is a no-op.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() { go o.run() })
}

// Close cancels any in-flight provider call, stops the loop and waits for it to exit.
// It is idempotent and must not be called from a Sink or Observer.
func (o *Orchestrator) Close() {
	o.cancel()
	o.Start()
	<-o.done
}

// Done is closed once the session goroutine has exited.
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Attach registers an extra sink that receives every output until the returned
// detach function is called. Attached sinks must not block.
func (o *Orchestrator) Attach(s Sink) (detach func()) {
	o.listenersMu.Lock()
	defer o.listenersMu.Unlock()
	if o.listeners == nil {
		o.listeners = make(map[int]Sink)
	}
	id := o.nextID
	o.nextID++
	o.listeners[id] = s
	return func() {
		o.listenersMu.Lock()
		delete(o.listeners, id)
		o.listenersMu.Unlock()
	}
}

// Snapshot returns the latest published, immutable view of the session.
func (o *Orchestrator) Snapshot() chat.Session {
	return *o.snapshot.Load()
}

// SubmitTranscript hands a finished transcript to the session. queued reports
// whether it was parked behind the current turn.
func (o *Orchestrator) SubmitTranscript(ctx context.Context, text string, emotions map[string]float64) (queued bool, err error) {
	ev := &transcriptEvent{text: text, emotions: emotions, reply: make(chan submitReply, 1)}
	if err := o.post(ctx, ev); err != nil {
		return false, err
	}
	r, err := awaitReply(ctx, o.done, ev.reply)
	if err != nil {
		return false, err
	}
	return r.queued, r.err
}

// Ask runs a full turn and waits for its outcome. On provider failure the returned
// Result still carries the fallback text when one is configured.
func (o *Orchestrator) Ask(ctx context.Context, text string, emotions map[string]float64) (Result, error) {
	ev := &transcriptEvent{
		text:     text,
		emotions: emotions,
		reply:    make(chan submitReply, 1),
		outcome:  make(chan turnOutcome, 1),
	}
	if err := o.post(ctx, ev); err != nil {
		return Result{}, err
	}
	r, err := awaitReply(ctx, o.done, ev.reply)
	if err != nil {
		return Result{}, err
	}
	if r.err != nil {
		return Result{}, r.err
	}
	out, err := awaitReply(ctx, o.done, ev.outcome)
	if err != nil {
		return Result{}, err
	}
	return out.result, out.err
}

// Listening 表示前端开始采集音频。
func (o *Orchestrator) Listening(ctx context.Context) error {
	return o.control(ctx, controlEvent{kind: controlListening})
}

// PlaybackStarted 表示前端已开始播放回复。
func (o *Orchestrator) PlaybackStarted(ctx context.Context) error {
	return o.control(ctx, controlEvent{kind: controlPlayback})
}

// BargeIn 表示用户在回复期间开口，取消进行中的调用并丢弃排队的转写。
func (o *Orchestrator) BargeIn(ctx context.Context) error {
	return o.control(ctx, controlEvent{kind: controlBargeIn})
}

// Reset 将 Error 阶段的会话恢复为 Idle。
func (o *Orchestrator) Reset(ctx context.Context) error {
	return o.control(ctx, controlEvent{kind: controlReset})
}

// SwitchProvider 切换后端，从下一轮开始生效。
func (o *Orchestrator) SwitchProvider(ctx context.Context, p chat.Provider) error {
	return o.control(ctx, controlEvent{kind: controlSwitch, provider: p})
}

func (o *Orchestrator) control(ctx context.Context, ev controlEvent) error {
	ev.reply = make(chan error, 1)
	if err := o.post(ctx, ev); err != nil {
		return err
	}
	err, waitErr := awaitReply(ctx, o.done, ev.reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

// post enqueues ev, blocking while the mailbox is full.
func (o *Orchestrator) post(ctx context.Context, ev any) error {
	select {
	case <-o.done:
		return chat.ErrSessionClosed
	case <-o.ctx.Done():
		return chat.ErrSessionClosed
	default:
	}
	select {
	case o.events <- ev:
		return nil
	case <-o.done:
		return chat.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deliver is used by provider goroutines; it gives up once the session stops.
func (o *Orchestrator) deliver(ctx context.Context, ev any) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	case <-o.done:
	}
}

func awaitReply[T any](ctx context.Context, done <-chan struct{}, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-done:
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, chat.ErrSessionClosed
		}
	}
}
