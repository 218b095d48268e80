package worker

import (
	"context"
	"github.com/rs/zerolog"
	"sync"
	"sync/atomic"
	"time"
	"worker-transcribe/constant"
	"worker-transcribe/dto"
)

type Queue interface {
	Receive(ctx context.Context) ([]dto.QueueMessage, error)
	Ack(ctx context.Context, msg dto.QueueMessage) error
	// Release hands the message back for delayed redelivery.
	Release(ctx context.Context, msg dto.QueueMessage) error
}

type Handler interface {
	Process(ctx context.Context, body []byte) constant.Outcome
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

type Options struct {
	Concurrency      int
	IdleDelay        time.Duration
	PollErrorBackoff time.Duration
}

// Loop polls the queue and runs at most Concurrency messages at a time.
// Once stopped it polls no more and waits for every dispatched message
// to be settled before reporting StateStopped.
type Loop struct {
	queue   Queue
	handler Handler
	opts    Options

	slots    chan struct{}
	wg       sync.WaitGroup
	inFlight atomic.Int64

	mu       sync.RWMutex
	state    State
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewLoop(queue Queue, handler Handler, opts Options) *Loop {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Loop{
		queue:   queue,
		handler: handler,
		opts:    opts,
		slots:   make(chan struct{}, opts.Concurrency),
		state:   StateIdle,
		stopCh:  make(chan struct{}),
	}
}

// Run blocks until Stop is called or ctx is cancelled, then drains.
// Dispatched messages run on a context that outlives ctx.
func (l *Loop) Run(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	l.setState(StateRunning)
	log.Info().Int("concurrency", l.opts.Concurrency).Msg("worker loop started")

	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-l.stopCh:
			cancel()
		case <-pollCtx.Done():
		}
	}()
	jobCtx := context.WithoutCancel(ctx)

	for pollCtx.Err() == nil {
		messages, err := l.queue.Receive(pollCtx)
		if err != nil {
			if pollCtx.Err() != nil {
				break
			}
			log.Error().Err(err).Dur("backoff", l.opts.PollErrorBackoff).Msg("failed to receive messages")
			l.pause(pollCtx, l.opts.PollErrorBackoff)
			continue
		}

		if len(messages) == 0 {
			l.pause(pollCtx, l.opts.IdleDelay)
			continue
		}

		for i, msg := range messages {
			if !l.acquire(pollCtx) {
				log.Info().Int("undispatched", len(messages)-i).Msg("stopping before dispatch, leaving messages to the queue")
				break
			}
			l.dispatch(jobCtx, msg)
		}
	}

	l.setState(StateStopping)
	log.Info().Int64("in_flight", l.inFlight.Load()).Msg("worker loop stopping, waiting for in-flight jobs")
	l.wg.Wait()
	l.setState(StateStopped)
	log.Info().Msg("worker loop stopped")
}

// Stop halts polling. It does not wait; Run returns once drained.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
	})
}

func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) InFlight() int {
	return int(l.inFlight.Load())
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

func (l *Loop) acquire(ctx context.Context) bool {
	select {
	case l.slots <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Loop) dispatch(ctx context.Context, msg dto.QueueMessage) {
	l.wg.Add(1)
	l.inFlight.Add(1)
	go func() {
		defer l.wg.Done()
		defer func() { <-l.slots }()
		defer l.inFlight.Add(-1)

		log := zerolog.Ctx(ctx).With().Str("token", msg.Token).Bool("redelivered", msg.Redelivered).Logger()
		ctx := log.WithContext(ctx)

		outcome := l.handle(ctx, msg)
		l.settle(ctx, msg, outcome)
	}()
}

func (l *Loop) handle(ctx context.Context, msg dto.QueueMessage) (outcome constant.Outcome) {
	defer func() {
		if r := recover(); r != nil {
			zerolog.Ctx(ctx).Error().Interface("panic", r).Msg("recovered from panic while handling message")
			outcome = constant.OutcomeRetry
		}
	}()
	return l.handler.Process(ctx, msg.Body)
}

func (l *Loop) settle(ctx context.Context, msg dto.QueueMessage, outcome constant.Outcome) {
	log := zerolog.Ctx(ctx)
	if outcome.Terminal() {
		if err := l.queue.Ack(ctx, msg); err != nil {
			log.Error().Err(err).Msg("failed to acknowledge message")
		}
		return
	}
	if err := l.queue.Release(ctx, msg); err != nil {
		log.Error().Err(err).Msg("failed to release message")
	}
}

func (l *Loop) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
