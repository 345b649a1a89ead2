package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeDeclaration defines an exchange to be declared
type ExchangeDeclaration struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Arguments  amqp.Table
}

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// Binding defines a queue-to-exchange binding
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  amqp.Table
}

// QueueInfo is a point in time view of a queue
type QueueInfo struct {
	Name      string
	Messages  int
	Consumers int
}

// DurableQueue returns the declaration used for every request and result queue
func DurableQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:    name,
		Durable: true,
	}
}

// TopologyManager declares the exchange and queues the services use. Every
// declaration is idempotent on the broker; successful ones are also cached so
// the publish path does not pay a round trip per message.
type TopologyManager struct {
	channels ChannelProvider
	exchange ExchangeDeclaration

	mu       sync.Mutex
	exchOK   bool
	declared map[string]struct{}
}

// NewTopologyManager creates a topology manager for the given exchange. An
// empty exchange name selects the default exchange with no bindings.
func NewTopologyManager(channels ChannelProvider, exchange string) *TopologyManager {
	return &TopologyManager{
		channels: channels,
		exchange: ExchangeDeclaration{
			Name:    exchange,
			Type:    amqp.ExchangeDirect,
			Durable: true,
		},
		declared: make(map[string]struct{}),
	}
}

// Exchange returns the exchange name messages are published to
func (tm *TopologyManager) Exchange() string {
	return tm.exchange.Name
}

// EnsureQueue declares the queue and binds it to the exchange with the queue
// name as routing key
func (tm *TopologyManager) EnsureQueue(ctx context.Context, name string) error {
	return tm.ensure(ctx, DurableQueue(name))
}

// EnsureQueues declares several queues
func (tm *TopologyManager) EnsureQueues(ctx context.Context, names ...string) error {
	for _, name := range names {
		if err := tm.EnsureQueue(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// Reset forgets cached declarations, used after a reconnect
func (tm *TopologyManager) Reset() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.exchOK = false
	tm.declared = make(map[string]struct{})
}

// Inspect returns message and consumer counts without creating the queue
func (tm *TopologyManager) Inspect(ctx context.Context, name string) (QueueInfo, error) {
	var info QueueInfo
	err := tm.withChannel(ctx, func(ch *amqp.Channel) error {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err}
		}
		info = QueueInfo{Name: q.Name, Messages: q.Messages, Consumers: q.Consumers}
		return nil
	})
	return info, err
}

func (tm *TopologyManager) ensure(ctx context.Context, queue QueueDeclaration) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if _, ok := tm.declared[queue.Name]; ok && tm.exchOK {
		return nil
	}

	err := tm.withChannel(ctx, func(ch *amqp.Channel) error {
		if !tm.exchOK && tm.exchange.Name != "" {
			if err := declareExchange(ch, tm.exchange); err != nil {
				return &TopologyError{Component: "exchange", Name: tm.exchange.Name, Op: "declare", Err: err}
			}
		}

		if _, err := declareQueue(ch, queue); err != nil {
			return &TopologyError{Component: "queue", Name: queue.Name, Op: "declare", Err: err}
		}

		if tm.exchange.Name != "" {
			binding := Binding{Queue: queue.Name, Exchange: tm.exchange.Name, RoutingKey: queue.Name}
			if err := bindQueue(ch, binding); err != nil {
				return &TopologyError{Component: "binding", Name: queue.Name, Op: "bind", Err: err}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	tm.exchOK = true
	tm.declared[queue.Name] = struct{}{}
	return nil
}

// withChannel runs fn on a short-lived channel; a failed declaration closes
// the channel on the broker side so it is never reused
func (tm *TopologyManager) withChannel(ctx context.Context, fn func(ch *amqp.Channel) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch, err := tm.channels.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	return fn(ch)
}

func declareExchange(ch *amqp.Channel, exchange ExchangeDeclaration) error {
	return ch.ExchangeDeclare(
		exchange.Name,
		exchange.Type,
		exchange.Durable,
		exchange.AutoDelete,
		false, // internal
		false, // no-wait
		exchange.Arguments,
	)
}

func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}

func bindQueue(ch *amqp.Channel, binding Binding) error {
	return ch.QueueBind(
		binding.Queue,
		binding.RoutingKey,
		binding.Exchange,
		false, // no-wait
		binding.Arguments,
	)
}
