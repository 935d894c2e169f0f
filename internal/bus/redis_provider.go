package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calcifer-iot/calcifer/internal/domain"
	"github.com/calcifer-iot/calcifer/pkg/log"
	"github.com/calcifer-iot/calcifer/pkg/reqid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis-stream implementation of the event fabric. Each stream uses consumer
// groups; events are acknowledged and deleted after the handler returns, so a
// crashed consumer leaves its pending entries for the claim sweep of the next
// run. A handler error leaves the entry pending for redelivery, which gives
// at-least-once semantics.

const (
	readBlock    = 5 * time.Second
	claimMinIdle = time.Minute
)

type redisProvider struct {
	client    *redis.Client
	log       logrus.FieldLogger
	wg        sync.WaitGroup
	stopped   atomic.Bool
	mu        sync.Mutex
	consumers []*redisConsumer
}

func NewRedisProvider(ctx context.Context, logger logrus.FieldLogger, hostname string, port uint, password string) (Provider, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", hostname, port),
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed connecting to event bus: %w", err)
	}
	return &redisProvider{client: client, log: logger}, nil
}

func (p *redisProvider) CheckHealth(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *redisProvider) NewPublisher(_ context.Context, stream string) (Publisher, error) {
	if p.stopped.Load() {
		return nil, errors.New("provider is stopped")
	}
	return &redisPublisher{client: p.client, stream: stream, log: p.log}, nil
}

func (p *redisProvider) NewConsumer(ctx context.Context, stream, group string) (Consumer, error) {
	if p.stopped.Load() {
		return nil, errors.New("provider is stopped")
	}
	err := p.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroupErr(err) {
		return nil, fmt.Errorf("failed creating consumer group %s on %s: %w", group, stream, err)
	}
	c := &redisConsumer{
		provider: p,
		stream:   stream,
		group:    group,
		name:     reqid.NextRequestID(),
		log:      p.log,
	}
	p.mu.Lock()
	p.consumers = append(p.consumers, c)
	p.mu.Unlock()
	return c, nil
}

func isBusyGroupErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func (p *redisProvider) Stop() {
	if p.stopped.Swap(true) {
		return
	}
	p.mu.Lock()
	consumers := p.consumers
	p.mu.Unlock()
	for _, c := range consumers {
		c.Close()
	}
}

func (p *redisProvider) Wait() {
	p.wg.Wait()
	if err := p.client.Close(); err != nil {
		p.log.WithError(err).Error("failed closing event bus client")
	}
}

type redisPublisher struct {
	client *redis.Client
	stream string
	log    logrus.FieldLogger
	closed atomic.Bool
}

func (p *redisPublisher) Publish(ctx context.Context, event domain.Event) error {
	if p.closed.Load() {
		return errors.New("publisher is closed")
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"body":      body,
			"requestID": reqid.NextRequestID(),
		},
	}).Err()
}

func (p *redisPublisher) Close() {
	p.closed.Store(true)
}

type redisConsumer struct {
	provider *redisProvider
	stream   string
	group    string
	name     string
	log      logrus.FieldLogger
	cancel   context.CancelFunc
}

func (c *redisConsumer) Consume(ctx context.Context, handler Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.provider.wg.Add(1)
	go func() {
		defer c.provider.wg.Done()
		for {
			if ctx.Err() != nil {
				return
			}
			if err := c.readBatch(ctx, handler); err != nil && ctx.Err() == nil {
				c.log.WithError(err).Errorf("failed reading from stream %s", c.stream)
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return nil
}

func (c *redisConsumer) readBatch(ctx context.Context, handler Handler) error {
	// Claim entries abandoned by crashed consumers before reading new ones.
	claimed, _, err := c.provider.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  claimMinIdle,
		Start:    "0-0",
		Count:    10,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	for _, msg := range claimed {
		c.handleMessage(ctx, msg, handler)
	}

	streams, err := c.provider.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{c.stream, ">"},
		Count:    10,
		Block:    readBlock,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			c.handleMessage(ctx, msg, handler)
		}
	}
	return nil
}

func (c *redisConsumer) handleMessage(ctx context.Context, msg redis.XMessage, handler Handler) {
	body, ok := msg.Values["body"].(string)
	if !ok {
		c.log.Errorf("dropping malformed entry %s on %s", msg.ID, c.stream)
		c.ack(ctx, msg.ID)
		return
	}
	requestID, _ := msg.Values["requestID"].(string)
	entryLog := log.WithReqID(requestID, c.log)

	var event domain.Event
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		entryLog.WithError(err).Errorf("dropping undecodable event %s", msg.ID)
		c.ack(ctx, msg.ID)
		return
	}
	if err := handler(ctx, event, entryLog); err != nil {
		// Leave the entry pending; it will be redelivered by the claim sweep.
		entryLog.WithError(err).Errorf("event handler failed for %s", msg.ID)
		return
	}
	c.ack(ctx, msg.ID)
}

func (c *redisConsumer) ack(ctx context.Context, id string) {
	if err := c.provider.client.XAck(ctx, c.stream, c.group, id).Err(); err != nil {
		c.log.WithError(err).Errorf("failed to ack %s on %s", id, c.stream)
		return
	}
	if err := c.provider.client.XDel(ctx, c.stream, id).Err(); err != nil {
		c.log.WithError(err).Errorf("failed to delete %s on %s", id, c.stream)
	}
}

func (c *redisConsumer) Close() {
	if c.cancel != nil {
		c.cancel()
	}
}
