package messenger

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// defaultPipeBuffer bounds each direction of an in-process pipe.
const defaultPipeBuffer = 64

// ErrClosed is returned by Send on a closed messenger.
var ErrClosed = errors.New("messenger: closed")

// PipeConfig configures an in-process messenger pair.
type PipeConfig struct {
	// PageOrigin and DialogOrigin name the two contexts. Each side stamps
	// its own origin on outbound envelopes and verifies the peer's.
	PageOrigin   string
	DialogOrigin string
	// Buffer bounds each direction. Zero means defaultPipeBuffer.
	Buffer int
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// PipeMessenger is one end of an in-process pair. It is the same-process
// analogue of a page/dialog postMessage channel and is what tests and
// embedded dialogs use.
type PipeMessenger struct {
	local    string
	expected string
	out      chan<- Envelope
	in       <-chan Envelope
	done     chan struct{}
	once     sync.Once
	d        dispatcher
	log      *zap.Logger
}

// Pipe creates the two connected ends. Envelopes sent on one end are
// dispatched on the other in send order per topic.
func Pipe(cfg PipeConfig) (page, dialog *PipeMessenger) {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = defaultPipeBuffer
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	toDialog := make(chan Envelope, buffer)
	toPage := make(chan Envelope, buffer)
	page = &PipeMessenger{
		local:    cfg.PageOrigin,
		expected: cfg.DialogOrigin,
		out:      toDialog,
		in:       toPage,
		done:     make(chan struct{}),
		log:      log,
	}
	dialog = &PipeMessenger{
		local:    cfg.DialogOrigin,
		expected: cfg.PageOrigin,
		out:      toPage,
		in:       toDialog,
		done:     make(chan struct{}),
		log:      log,
	}
	go page.readLoop()
	go dialog.readLoop()
	return page, dialog
}

func (p *PipeMessenger) readLoop() {
	for {
		select {
		case env := <-p.in:
			if checkOrigin(p.log, p.expected, env) {
				p.d.dispatch(env)
			}
		case <-p.done:
			return
		}
	}
}

// Send publishes a payload toward the peer, blocking only when the
// direction's buffer is full.
func (p *PipeMessenger) Send(ctx context.Context, topic Topic, payload interface{}) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	env := Envelope{Topic: topic, Origin: p.local, Payload: raw}
	select {
	case <-p.done:
		return ErrClosed
	default:
	}
	select {
	case p.out <- env:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// On registers a topic handler.
func (p *PipeMessenger) On(topic Topic, handler Handler) func() {
	return p.d.on(topic, handler)
}

// Close stops this end. The peer keeps its already-received envelopes.
func (p *PipeMessenger) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
