package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/clm-bridge/backend/internal/apierror"
	"github.com/zhouzirui/clm-bridge/backend/internal/model/chat"
	"github.com/zhouzirui/clm-bridge/backend/internal/service/ai"
)

type transcriptEvent struct {
	text     string
	emotions map[string]float64
	reply    chan submitReply
	// outcome 仅在同步调用时设置。
	outcome chan turnOutcome
}

type submitReply struct {
	queued bool
	err    error
}

type turnOutcome struct {
	result Result
	err    error
}

type controlKind int

const (
	controlListening controlKind = iota
	controlPlayback
	controlBargeIn
	controlReset
	controlSwitch
)

type controlEvent struct {
	kind     controlKind
	provider chat.Provider
	reply    chan error
}

type providerChunk struct {
	seq  uint64
	text string
}

type providerDone struct {
	seq     uint64
	text    string
	err     error
	latency time.Duration
}

type inflightTurn struct {
	seq      uint64
	replyID  string
	provider chat.Provider
	hint     string
	emotions map[string]float64
	outcome  chan turnOutcome
	cancel   context.CancelFunc
}

func (t *inflightTurn) finish(out turnOutcome) {
	if t.outcome == nil {
		return
	}
	select {
	case t.outcome <- out:
	default:
	}
}

func (o *Orchestrator) run() {
	defer o.shutdown()
	o.metrics.SessionOpened()
	o.logger.Debug("session loop started")

	for {
		select {
		case <-o.ctx.Done():
			return
		case ev := <-o.events:
			o.handle(ev)
		}
	}
}

func (o *Orchestrator) shutdown() {
	if t := o.inflight; t != nil {
		t.cancel()
		t.finish(turnOutcome{err: chat.ErrSessionClosed})
		o.inflight = nil
	}
	if p := o.pending; p != nil {
		o.pending = nil
		finishPending(p, chat.ErrSessionClosed)
	}

	if o.observer != nil {
		o.observer.SessionClosed(o.id)
	}
	o.metrics.SessionClosed()
	o.logger.Debug("session loop stopped", zap.Int("turns", len(o.session.History)))
	if o.onClose != nil {
		o.onClose(o.id)
	}
	close(o.done)
}

func (o *Orchestrator) handle(ev any) {
	switch ev := ev.(type) {
	case *transcriptEvent:
		o.onTranscript(ev)
	case controlEvent:
		ev.reply <- o.onControl(ev)
	case providerChunk:
		o.onChunk(ev)
	case providerDone:
		o.onDone(ev)
	default:
		o.logger.Error("unknown event", zap.Any("event", ev))
	}
}

func (o *Orchestrator) onTranscript(ev *transcriptEvent) {
	ev.text = strings.TrimSpace(ev.text)
	if ev.text == "" {
		ev.reply <- submitReply{err: chat.NewProtocolError("empty transcript")}
		return
	}

	phase := o.session.Phase
	switch {
	case phase == chat.PhaseError:
		ev.reply <- submitReply{err: chat.ErrResetRequired}
	case o.inflight != nil || phase.Busy():
		if o.cfg.BusyPolicy == BusyQueue && o.pending == nil {
			o.pending = ev
			o.session.Pending = true
			o.touch()
			o.publish()
			o.emit(Output{Type: OutputQueued, Phase: phase, Text: ev.text})
			ev.reply <- submitReply{queued: true}
			return
		}
		o.metrics.RecordBusyRejection()
		o.logger.Info("transcript rejected, session busy", zap.String("phase", string(phase)))
		ev.reply <- submitReply{err: chat.ErrSessionBusy}
	default:
		ev.reply <- submitReply{}
		o.beginTurn(ev)
	}
}

// beginTurn records the user turn and starts the provider call off-loop.
func (o *Orchestrator) beginTurn(ev *transcriptEvent) {
	emotions := ev.emotions
	if o.emotions != nil {
		emotions = o.emotions.Resolve(ev.text, ev.emotions)
	} else {
		emotions = chat.CloneEmotions(emotions)
	}

	user := chat.Turn{
		ID:        uuid.NewString(),
		Seq:       len(o.session.History),
		Role:      chat.RoleUser,
		Text:      ev.text,
		Emotions:  emotions,
		Timestamp: o.stamp(),
	}
	o.session.History = append(o.session.History, user)
	o.session.LastEmotions = chat.CloneEmotions(emotions)
	o.transition(chat.PhaseTranscribed)

	hint := ""
	if o.emotions != nil {
		hint = o.emotions.Hint(emotions)
	}

	o.seq++
	ctx, cancel := context.WithCancel(o.ctx)
	t := &inflightTurn{
		seq:      o.seq,
		replyID:  uuid.NewString(),
		provider: o.session.ActiveProvider,
		hint:     hint,
		emotions: emotions,
		outcome:  ev.outcome,
		cancel:   cancel,
	}
	o.inflight = t
	o.transition(chat.PhaseThinking)

	adapter, err := o.providers.Select(t.provider)
	if err != nil {
		o.failTurn(t, err, 0)
		return
	}

	req := ai.Request{
		History:     o.session.Freeze().History,
		EmotionHint: hint,
		Options:     o.cfg.Options,
	}
	o.logger.Debug("provider call started",
		zap.String("provider", string(t.provider)),
		zap.Int("history", len(req.History)),
	)
	go o.call(ctx, t.seq, adapter, req)
}

// call runs on its own goroutine. Chunks and the final result flow back through the mailbox.
func (o *Orchestrator) call(ctx context.Context, seq uint64, adapter ai.Adapter, req ai.Request) {
	start := time.Now()
	provider := adapter.Kind()
	streamer, canStream := adapter.(ai.Streamer)
	stream := o.cfg.Stream && canStream

	var text string
	emitted := false
	err := o.cfg.Retry.Do(ctx, provider, func(ctx context.Context) error {
		if !stream {
			out, err := adapter.Generate(ctx, req)
			if err != nil {
				return err
			}
			if strings.TrimSpace(out) == "" {
				return ai.Malformed(provider, "empty reply")
			}
			text = strings.TrimSpace(out)
			return nil
		}

		chunks, err := streamer.Stream(ctx, req)
		if err != nil {
			return err
		}
		out, err := ai.Collect(ctx, provider, chunks, func(piece string) {
			emitted = true
			o.deliver(ctx, providerChunk{seq: seq, text: piece})
		})
		if err != nil {
			// 已经向前端输出过片段，不能再重试。
			if emitted {
				return ai.Permanent(err)
			}
			return err
		}
		text = out
		return nil
	})

	o.deliver(o.ctx, providerDone{seq: seq, text: text, err: err, latency: time.Since(start)})
}

func (o *Orchestrator) current(seq uint64) *inflightTurn {
	if t := o.inflight; t != nil && t.seq == seq && o.session.Phase == chat.PhaseThinking {
		return t
	}
	return nil
}

func (o *Orchestrator) onChunk(ev providerChunk) {
	t := o.current(ev.seq)
	if t == nil {
		return
	}
	o.emit(Output{Type: OutputChunk, TurnID: t.replyID, Phase: chat.PhaseThinking, Text: ev.text})
}

func (o *Orchestrator) onDone(ev providerDone) {
	t := o.current(ev.seq)
	if t == nil {
		o.logger.Debug("stale provider result discarded", zap.Uint64("seq", ev.seq))
		return
	}
	t.cancel()

	if ev.err != nil {
		o.failTurn(t, ev.err, ev.latency)
		return
	}

	o.inflight = nil
	reply := chat.Turn{
		ID:        t.replyID,
		Seq:       len(o.session.History),
		Role:      chat.RoleAssistant,
		Text:      ev.text,
		Provider:  t.provider,
		Timestamp: o.stamp(),
	}
	o.session.History = append(o.session.History, reply)
	o.session.LastLatency = ev.latency
	o.session.LastError = ""
	o.metrics.RecordTurn(string(t.provider), "ok", ev.latency)
	o.logger.Info("turn completed",
		zap.String("provider", string(t.provider)),
		zap.Duration("latency", ev.latency),
	)

	o.transition(chat.PhaseSpeaking)
	o.emit(Output{Type: OutputResponse, TurnID: reply.ID, Phase: chat.PhaseSpeaking, Text: reply.Text})
	// 无需播放确认时，回到 Listening 的阶段输出必须先于 Ask 返回
	if !o.awaitAck {
		o.transition(chat.PhaseListening)
	}
	t.finish(turnOutcome{result: Result{
		TurnID:      reply.ID,
		Text:        reply.Text,
		Provider:    t.provider,
		EmotionHint: t.hint,
		Emotions:    chat.CloneEmotions(t.emotions),
		Latency:     ev.latency,
	}})

	if !o.awaitAck {
		o.resumeListening()
	}
}

// failTurn moves the session to Error. No assistant turn is recorded.
func (o *Orchestrator) failTurn(t *inflightTurn, err error, latency time.Duration) {
	t.cancel()
	o.inflight = nil

	code := apierror.Code(err)
	o.session.LastError = code
	o.session.LastLatency = latency
	o.metrics.RecordTurn(string(t.provider), code, latency)
	o.logger.Warn("provider call failed",
		zap.String("provider", string(t.provider)),
		zap.String("code", code),
		zap.Duration("latency", latency),
		zap.Error(err),
	)

	if p := o.pending; p != nil {
		o.pending = nil
		o.session.Pending = false
		finishPending(p, chat.ErrResetRequired)
		o.logger.Info("queued transcript dropped after failed turn")
	}

	o.transition(chat.PhaseError)

	fallback := ""
	if o.cfg.FallbackEnabled {
		fallback = o.cfg.FallbackMessage
	}
	o.emit(Output{
		Type:     OutputError,
		TurnID:   t.replyID,
		Phase:    chat.PhaseError,
		Code:     code,
		Text:     fallback,
		Fallback: fallback != "",
		Err:      err,
	})
	t.finish(turnOutcome{
		result: Result{Provider: t.provider, EmotionHint: t.hint, Emotions: chat.CloneEmotions(t.emotions), Latency: latency, Fallback: fallback},
		err:    err,
	})
}

func (o *Orchestrator) onControl(ev controlEvent) error {
	phase := o.session.Phase
	switch ev.kind {
	case controlListening:
		switch phase {
		case chat.PhaseError:
			return chat.ErrResetRequired
		case chat.PhaseIdle:
			o.transition(chat.PhaseListening)
		case chat.PhaseSpeaking:
			o.resumeListening()
		}
		return nil

	case controlPlayback:
		if phase == chat.PhaseSpeaking {
			o.resumeListening()
		}
		return nil

	case controlBargeIn:
		if phase == chat.PhaseError {
			return chat.ErrResetRequired
		}
		if p := o.pending; p != nil {
			o.pending = nil
			o.session.Pending = false
			finishPending(p, chat.ErrTurnCancelled)
		}
		if t := o.inflight; t != nil {
			t.cancel()
			o.inflight = nil
			o.metrics.RecordTurn(string(t.provider), apierror.CodeTurnCancelled, 0)
			t.finish(turnOutcome{err: chat.ErrTurnCancelled})
			o.logger.Info("in-flight turn cancelled by barge-in", zap.String("provider", string(t.provider)))
		}
		if phase != chat.PhaseListening {
			o.transition(chat.PhaseListening)
		} else {
			o.publish()
		}
		return nil

	case controlReset:
		if phase != chat.PhaseError {
			return nil
		}
		o.session.LastError = ""
		o.transition(chat.PhaseIdle)
		return nil

	case controlSwitch:
		if !ev.provider.Valid() {
			return fmt.Errorf("%w: %q", chat.ErrUnknownProvider, ev.provider)
		}
		if _, err := o.providers.Select(ev.provider); err != nil {
			return err
		}
		if ev.provider == o.session.ActiveProvider {
			return nil
		}
		o.logger.Info("provider switched",
			zap.String("from", string(o.session.ActiveProvider)),
			zap.String("to", string(ev.provider)),
		)
		o.session.ActiveProvider = ev.provider
		o.touch()
		o.publish()
		return nil
	}
	return nil
}

// resumeListening enters Listening and starts the queued transcript, if any.
func (o *Orchestrator) resumeListening() {
	o.transition(chat.PhaseListening)
	if p := o.pending; p != nil {
		o.pending = nil
		o.session.Pending = false
		o.beginTurn(p)
	}
}

func finishPending(p *transcriptEvent, err error) {
	if p.outcome == nil {
		return
	}
	select {
	case p.outcome <- turnOutcome{err: err}:
	default:
	}
}

func (o *Orchestrator) transition(to chat.Phase) {
	from := o.session.Phase
	if from == to {
		return
	}
	if !chat.CanTransition(from, to) {
		o.logger.Error("illegal phase transition",
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		return
	}
	o.session.Phase = to
	o.touch()
	snap := o.publish()

	o.metrics.RecordPhaseTransition(string(from), string(to))
	if o.observer != nil {
		o.observer.PhaseChanged(snap, from)
	}
	o.emit(Output{Type: OutputPhase, Phase: to})
}

func (o *Orchestrator) publish() chat.Session {
	snap := o.session.Freeze()
	o.snapshot.Store(&snap)
	return snap
}

func (o *Orchestrator) touch() {
	o.session.UpdatedAt = o.now()
}

// stamp returns a turn timestamp strictly after the previous one.
func (o *Orchestrator) stamp() time.Time {
	now := o.now()
	if !now.After(o.lastStamp) {
		now = o.lastStamp.Add(time.Nanosecond)
	}
	o.lastStamp = now
	o.session.UpdatedAt = now
	return now
}

func (o *Orchestrator) emit(out Output) {
	out.SessionID = o.id
	if err := o.sink.Send(out); err != nil {
		o.logger.Debug("sink send failed", zap.String("type", string(out.Type)), zap.Error(err))
	}

	o.listenersMu.RLock()
	defer o.listenersMu.RUnlock()
	for _, l := range o.listeners {
		if err := l.Send(out); err != nil {
			o.logger.Debug("listener send failed", zap.String("type", string(out.Type)), zap.Error(err))
		}
	}
}
