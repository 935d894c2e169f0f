package bus

import (
	"context"
	"sync"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/sirupsen/logrus"
)

// In-process implementation of the fabric for unit tests and standalone
// runs. Each (stream, group) pair gets its own buffered channel, so every
// group sees every event once, mirroring Redis consumer-group semantics.

const inprocBuffer = 256

type inprocProvider struct {
	log    logrus.FieldLogger
	mu     sync.Mutex
	groups map[string]map[string]chan domain.Event
	wg     sync.WaitGroup
	cancel []context.CancelFunc
}

func NewInProcProvider(log logrus.FieldLogger) Provider {
	return &inprocProvider{
		log:    log,
		groups: make(map[string]map[string]chan domain.Event),
	}
}

func (p *inprocProvider) CheckHealth(_ context.Context) error { return nil }

func (p *inprocProvider) NewPublisher(_ context.Context, stream string) (Publisher, error) {
	return &inprocPublisher{provider: p, stream: stream}, nil
}

func (p *inprocProvider) NewConsumer(_ context.Context, stream, group string) (Consumer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.groups[stream] == nil {
		p.groups[stream] = make(map[string]chan domain.Event)
	}
	ch, ok := p.groups[stream][group]
	if !ok {
		ch = make(chan domain.Event, inprocBuffer)
		p.groups[stream][group] = ch
	}
	return &inprocConsumer{provider: p, ch: ch}, nil
}

func (p *inprocProvider) publish(stream string, event domain.Event) {
	p.mu.Lock()
	channels := make([]chan domain.Event, 0, len(p.groups[stream]))
	for _, ch := range p.groups[stream] {
		channels = append(channels, ch)
	}
	p.mu.Unlock()
	for _, ch := range channels {
		select {
		case ch <- event:
		default:
			p.log.Warnf("dropping event %s on full in-proc stream %s", event.Kind, stream)
		}
	}
}

func (p *inprocProvider) Stop() {
	p.mu.Lock()
	cancels := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
}

func (p *inprocProvider) Wait() {
	p.wg.Wait()
}

type inprocPublisher struct {
	provider *inprocProvider
	stream   string
}

func (p *inprocPublisher) Publish(_ context.Context, event domain.Event) error {
	p.provider.publish(p.stream, event)
	return nil
}

func (p *inprocPublisher) Close() {}

type inprocConsumer struct {
	provider *inprocProvider
	ch       chan domain.Event
	cancel   context.CancelFunc
}

func (c *inprocConsumer) Consume(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.provider.mu.Lock()
	c.provider.cancel = append(c.provider.cancel, cancel)
	c.provider.mu.Unlock()
	c.provider.wg.Add(1)
	go func() {
		defer c.provider.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-c.ch:
				if err := handler(ctx, event, c.provider.log); err != nil {
					c.provider.log.WithError(err).Errorf("event handler failed for %s", event.Kind)
				}
			}
		}
	}()
	return nil
}

func (c *inprocConsumer) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
