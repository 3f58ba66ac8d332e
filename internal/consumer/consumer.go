package consumer

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/smile-health/interop/internal/cloudevents"
	"github.com/smile-health/interop/internal/config"
	"github.com/smile-health/interop/internal/logging"
)

// Channel is the subset of the AMQP channel API the consumer uses.
// *amqp091.Channel satisfies it; tests substitute fakes.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp091.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

// ChannelSource obtains a channel from the connection manager. The consumer
// never closes the channel it is handed; the manager owns channel lifecycle.
type ChannelSource func() (Channel, error)

// ProcessingContext accompanies each event into the handler.
type ProcessingContext struct {
	CorrelationID string
	Queue         string
	ConsumerTag   string
	DeliveryTag   uint64
	MessageID     string
	ReceivedAt    time.Time
}

// HandlerFunc processes one validated CloudEvent. A nil return acknowledges
// the message; an error nacks it per the consumer's requeue policy.
type HandlerFunc func(ctx context.Context, event *cloudevents.Event, pctx ProcessingContext) error

// Observer receives outcome callbacks the handler never sees: duplicate
// suppression and rejections without requeue.
type Observer interface {
	EventDuplicate(queue string)
	EventDeadLettered(queue string)
}

// Consumer drains one (queue, exchange, routing pattern) binding, turning
// broker messages into validated CloudEvents. The consumer is the sole owner
// of message acknowledgement.
type Consumer struct {
	cfg     config.ConsumerConfig
	source  ChannelSource
	handler HandlerFunc

	mu       sync.Mutex
	active   bool
	starting bool
	channel  Channel
	tag      string
	cancel   context.CancelFunc
	done     chan struct{}

	dedup    *dedupStore
	stats    *Stats
	observer Observer
}

// New creates a consumer for the given binding.
func New(cfg config.ConsumerConfig, source ChannelSource, handler HandlerFunc) *Consumer {
	c := &Consumer{
		cfg:     cfg,
		source:  source,
		handler: handler,
		stats:   NewStats(),
	}
	if cfg.Dedup.Enabled {
		window := cfg.Dedup.Window
		if window <= 0 {
			window = 60 * time.Second
		}
		c.dedup = newDedupStore(window)
	}
	return c
}

// SetObserver registers an outcome observer. Must be called before Start.
func (c *Consumer) SetObserver(o Observer) {
	c.observer = o
}

// Start declares the topology and begins consuming. Calling Start while
// active or while another Start is in flight fails.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.active || c.starting {
		c.mu.Unlock()
		return fmt.Errorf("consumer %s: already active", c.cfg.Name)
	}
	c.starting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.starting = false
		c.mu.Unlock()
	}()

	ch, err := c.source()
	if err != nil {
		return fmt.Errorf("consumer %s: channel: %w", c.cfg.Name, err)
	}

	exchangeType := c.cfg.ExchangeType
	if exchangeType == "" {
		exchangeType = "topic"
	}
	if err := ch.ExchangeDeclare(c.cfg.Exchange, exchangeType, c.cfg.Durable, c.cfg.AutoDelete, false, false, nil); err != nil {
		return fmt.Errorf("consumer %s: exchange declare: %w", c.cfg.Name, err)
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, c.cfg.Durable, c.cfg.AutoDelete, false, false, c.queueArgs()); err != nil {
		return fmt.Errorf("consumer %s: queue declare: %w", c.cfg.Name, err)
	}

	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingPattern, c.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("consumer %s: queue bind: %w", c.cfg.Name, err)
	}

	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			return fmt.Errorf("consumer %s: qos: %w", c.cfg.Name, err)
		}
	}

	tag := c.cfg.Name + "-" + uuid.NewString()[:8]
	deliveries, err := ch.Consume(c.cfg.Queue, tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consumer %s: consume: %w", c.cfg.Name, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.active = true
	c.channel = ch
	c.tag = tag
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	c.stats.MarkStarted()
	if c.dedup != nil {
		c.dedup.startSweeper()
	}

	go c.loop(loopCtx, deliveries)

	logging.Info("consumer started",
		zap.String("consumer", c.cfg.Name),
		zap.String("queue", c.cfg.Queue),
		zap.String("exchange", c.cfg.Exchange),
		zap.String("pattern", c.cfg.RoutingPattern),
	)
	return nil
}

func (c *Consumer) queueArgs() amqp091.Table {
	args := amqp091.Table{}
	qa := c.cfg.QueueArgs
	if qa.MessageTTL > 0 {
		args["x-message-ttl"] = qa.MessageTTL.Milliseconds()
	}
	if qa.MaxLength > 0 {
		args["x-max-length"] = int64(qa.MaxLength)
	}
	if qa.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = qa.DeadLetterExchange
	}
	if qa.DeadLetterRoutingKey != "" {
		args["x-dead-letter-routing-key"] = qa.DeadLetterRoutingKey
	}
	if len(args) == 0 {
		return nil
	}
	return args
}

// loop drains the delivery stream. One message at a time unless the
// parallel option bounds multiple in-flight handlers.
func (c *Consumer) loop(ctx context.Context, deliveries <-chan amqp091.Delivery) {
	defer close(c.done)

	var sem chan struct{}
	if c.cfg.Parallel.Enabled && c.cfg.Parallel.MaxParallel > 1 {
		sem = make(chan struct{}, c.cfg.Parallel.MaxParallel)
	}

	var wg sync.WaitGroup
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case d, ok := <-deliveries:
			if !ok {
				wg.Wait()
				return
			}
			if sem == nil {
				c.handleDelivery(ctx, d)
				continue
			}
			sem <- struct{}{}
			wg.Add(1)
			go func(d amqp091.Delivery) {
				defer func() { <-sem; wg.Done() }()
				c.handleDelivery(ctx, d)
			}(d)
		}
	}
}

// handleDelivery runs the per-message pipeline and decides the ack outcome.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp091.Delivery) {
	c.stats.IncConsumed()

	event, err := cloudevents.Parse(d.Body)
	if err != nil {
		c.rejectPermanent(d, "malformed message", err)
		return
	}
	if err := event.Validate(); err != nil {
		c.rejectPermanent(d, "invalid cloudevent", err)
		return
	}

	if c.dedup != nil {
		if c.dedup.Seen(event.ID) {
			c.stats.IncDuplicate()
			if c.observer != nil {
				c.observer.EventDuplicate(c.cfg.Queue)
			}
			d.Ack(false)
			logging.Debug("duplicate event suppressed",
				zap.String("consumer", c.cfg.Name),
				zap.String("event_id", event.ID),
			)
			return
		}
	}

	pctx := ProcessingContext{
		CorrelationID: c.resolveCorrelationID(event, d),
		Queue:         c.cfg.Queue,
		ConsumerTag:   c.tag,
		DeliveryTag:   d.DeliveryTag,
		MessageID:     d.MessageId,
		ReceivedAt:    time.Now(),
	}

	if err := c.handler(ctx, event, pctx); err != nil {
		c.stats.IncFailed()
		requeue := c.cfg.RequeueOnFailure
		if !requeue {
			c.stats.IncDeadLettered()
			if c.observer != nil {
				c.observer.EventDeadLettered(c.cfg.Queue)
			}
		}
		d.Nack(false, requeue)
		logging.Warn("event handler failed",
			zap.String("consumer", c.cfg.Name),
			zap.String("event_id", event.ID),
			zap.String("event_type", event.Type),
			zap.String("correlation_id", pctx.CorrelationID),
			zap.Bool("requeued", requeue),
			zap.Error(err),
		)
		return
	}

	c.stats.IncProcessed()
	d.Ack(false)
}

// rejectPermanent nacks without requeue; the message lands in the DLQ when
// one is bound.
func (c *Consumer) rejectPermanent(d amqp091.Delivery, reason string, err error) {
	c.stats.IncFailed()
	c.stats.IncDeadLettered()
	if c.observer != nil {
		c.observer.EventDeadLettered(c.cfg.Queue)
	}
	d.Nack(false, false)
	logging.Warn(reason,
		zap.String("consumer", c.cfg.Name),
		zap.Uint64("delivery_tag", d.DeliveryTag),
		zap.Error(err),
	)
}

// resolveCorrelationID walks the documented resolution chain:
// data.metadata.correlationId, the correlationid extension, message
// properties, the delivery tag, and finally the event id.
func (c *Consumer) resolveCorrelationID(event *cloudevents.Event, d amqp091.Delivery) string {
	if v := event.Field("data.metadata.correlationId"); v.Exists() && v.String() != "" {
		return v.String()
	}
	if v := event.Extension("correlationid"); v != "" {
		return v
	}
	if d.CorrelationId != "" {
		return d.CorrelationId
	}
	if d.MessageId != "" {
		return d.MessageId
	}
	if d.DeliveryTag != 0 {
		return strconv.FormatUint(d.DeliveryTag, 10)
	}
	return event.ID
}

// Stop cancels the subscription by tag and stops the loop. The channel
// stays open; the connection manager owns it. Stop never fails.
func (c *Consumer) Stop() {
	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	ch := c.channel
	tag := c.tag
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	if ch != nil {
		if err := ch.Cancel(tag, false); err != nil {
			logging.Warn("consumer cancel failed",
				zap.String("consumer", c.cfg.Name),
				zap.Error(err),
			)
		}
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(time.Second):
			// Grace period elapsed; in-flight handlers are abandoned.
		}
	}
	if c.dedup != nil {
		c.dedup.stopSweeper()
	}
	c.stats.MarkStopped()

	logging.Info("consumer stopped", zap.String("consumer", c.cfg.Name))
}

// IsActive reports whether the consumer is running.
func (c *Consumer) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Name returns the consumer's configured name.
func (c *Consumer) Name() string {
	return c.cfg.Name
}

// Stats returns a consistent snapshot of the counters.
func (c *Consumer) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}
