// Package relay turns one upstream provider stream into an ordered sequence
// of events with exactly one terminal event.
package relay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/charmbracelet/log"

	"github.com/lkarlslund/llmrelay/pkg/credentials"
	"github.com/lkarlslund/llmrelay/pkg/llm"
	"github.com/lkarlslund/llmrelay/pkg/provider"
)

var (
	ErrIdleTimeout = errors.New("upstream idle timeout")
	ErrMaxDuration = errors.New("upstream stream exceeded maximum duration")
)

type EventKind int

const (
	KindContent EventKind = iota
	KindDone
	KindError
)

func (k EventKind) String() string {
	switch k {
	case KindContent:
		return "content"
	case KindDone:
		return "done"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is one item of a relayed stream. Content is set for KindContent,
// Err for KindError.
type Event struct {
	Kind    EventKind
	Content string
	Err     string
}

func (e Event) Terminal() bool {
	return e.Kind == KindDone || e.Kind == KindError
}

// Options bound a relayed stream. A zero duration leaves that bound unset;
// the server always passes the positive values from its configuration.
type Options struct {
	// IdleTimeout bounds the gap between two upstream chunks.
	IdleTimeout time.Duration
	// MaxDuration bounds the whole stream.
	MaxDuration time.Duration
	Logger      *log.Logger
}

type Relay struct {
	registry    *provider.Registry
	idleTimeout time.Duration
	maxDuration time.Duration
	logger      *log.Logger
}

func New(registry *provider.Registry, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Relay{
		registry:    registry,
		idleTimeout: opts.IdleTimeout,
		maxDuration: opts.MaxDuration,
		logger:      logger,
	}
}

// Stream validates its input and starts relaying in the background. Input
// errors are returned synchronously and no upstream call is made. Every
// other failure arrives as the terminal KindError event. The channel is
// closed after the terminal event, or without one once ctx is cancelled.
func (r *Relay) Stream(ctx context.Context, bundle credentials.Bundle, messages []llm.Message) (<-chan Event, error) {
	if messages == nil {
		return nil, credentials.BadRequest(credentials.MsgMissingMessages)
	}
	if !bundle.Valid() {
		return nil, &credentials.Error{
			Kind:    credentials.ErrInvalidConfig,
			Status:  http.StatusBadRequest,
			Message: credentials.MsgInvalidConfig,
		}
	}
	out := make(chan Event)
	go r.run(ctx, bundle, messages, out)
	return out, nil
}

func (r *Relay) run(ctx context.Context, bundle credentials.Bundle, messages []llm.Message, out chan<- Event) {
	defer close(out)
	started := time.Now()
	logger := r.logger.With("provider", bundle.Type, "model", bundle.Model)

	emit := func(ev Event) bool {
		if ctx.Err() != nil {
			return false
		}
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		if ctx.Err() != nil {
			logger.Debug("stream abandoned by client", "err", err, "elapsed", time.Since(started))
			return
		}
		switch {
		case provider.IsAuthError(err):
			logger.Error("upstream rejected credentials", "err", err)
		case provider.IsRateLimited(err):
			logger.Warn("upstream rate limited", "err", err)
		default:
			logger.Warn("upstream stream failed", "err", err, "elapsed", time.Since(started))
		}
		emit(Event{Kind: KindError, Err: err.Error()})
	}

	p, err := r.registry.Lookup(bundle.Type)
	if err != nil {
		fail(err)
		return
	}

	upCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if r.maxDuration > 0 {
		var stop context.CancelFunc
		upCtx, stop = context.WithTimeoutCause(upCtx, r.maxDuration, ErrMaxDuration)
		defer stop()
	}
	var idle *time.Timer
	if r.idleTimeout > 0 {
		idle = time.AfterFunc(r.idleTimeout, func() { cancel(ErrIdleTimeout) })
		defer idle.Stop()
	}

	stream, err := p.Open(upCtx, provider.Request{
		BaseURL:  bundle.BaseURL,
		APIKey:   bundle.APIKey,
		Model:    bundle.Model,
		Messages: messages,
	})
	if err != nil {
		fail(causeOf(upCtx, err))
		return
	}
	defer stream.Close()

	chunks := 0
	for {
		text, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			logger.Debug("upstream stream done", "chunks", chunks, "elapsed", time.Since(started))
			emit(Event{Kind: KindDone})
			return
		}
		if err != nil {
			fail(causeOf(upCtx, err))
			return
		}
		// The idle clock does not run while the consumer is writing.
		if idle != nil && !idle.Stop() {
			fail(ErrIdleTimeout)
			return
		}
		if !emit(Event{Kind: KindContent, Content: text}) {
			return
		}
		chunks++
		if idle != nil {
			idle.Reset(r.idleTimeout)
		}
	}
}

// causeOf prefers the timeout reason recorded on ctx over the transport
// error it provoked.
func causeOf(ctx context.Context, err error) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrIdleTimeout) || errors.Is(cause, ErrMaxDuration) {
		return cause
	}
	return err
}
