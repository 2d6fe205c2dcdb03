package bus

import "fmt"

// Channels the scheduler talks on.
//
//   - processor: {process, tick} | {finalize, tick} | {shutdown}
//   - runner:    {run, tick}
//   - service:   {tickFinished, tick}
//   - room/<name>: {didUpdate, tick} | {willSpawn}
const (
	ChannelProcessor = "processor"
	ChannelRunner    = "runner"
	ChannelService   = "service"
)

// RoomChannel names the per-room channel.
func RoomChannel(room string) string {
	return "room/" + room
}

type MessageType string

const (
	TypeProcess      MessageType = "process"
	TypeFinalize     MessageType = "finalize"
	TypeShutdown     MessageType = "shutdown"
	TypeRun          MessageType = "run"
	TypeTickFinished MessageType = "tickFinished"
	TypeDidUpdate    MessageType = "didUpdate"
	TypeWillSpawn    MessageType = "willSpawn"
)

// Message is the tagged payload carried on every channel. Tick is meaningful for
// every type except shutdown and willSpawn.
type Message struct {
	Type MessageType
	Tick int64
	Room string
}

func (m Message) String() string {
	if m.Room != "" {
		return fmt.Sprintf("%s(%s@%d)", m.Type, m.Room, m.Tick)
	}
	return fmt.Sprintf("%s(%d)", m.Type, m.Tick)
}

// PubSub is a thread-safe publish/subscribe abstraction over named channels.
//
// Key characteristics:
// - Channel fan-out: every active subscription of a channel receives each message.
// - Synchronous delivery: Publish calls handler callbacks in the caller goroutine.
// - Error aggregation: multiple handler errors are joined and returned from Publish.
// - Listen adapts a subscription to an unbounded Go channel for polling workers.
type PubSub interface {
	Publish(channel string, msg Message) error
	Subscribe(channel string, handler Handler) (Subscription, error)
	// Listen subscribes with an unbounded mailbox. The returned channel is closed
	// once the subscription is cancelled.
	Listen(channel string) (<-chan Message, Subscription)
	Unsubscribe(Subscription) error

	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	// GetMetrics returns counters accumulated while at least one observer was registered.
	GetMetrics() Metrics
	Channels() []ChannelInfo
}

// Handler is invoked per delivered message. A returned error is joined into the
// error returned from Publish.
type Handler func(msg Message) error

// Subscription represents a registered handler bound to a channel.
type Subscription interface {
	ID() string
	Channel() string
	IsActive() bool
	// Cancel de-registers the handler. Multiple calls are safe.
	Cancel() error
}

// Observer is notified about deliveries. Observers should return quickly.
type Observer interface {
	OnPublish(channel string, msg Message)
	OnDelivered(channel string, msg Message, handlers int, err error)
}

type Metrics struct {
	Published         uint64
	DeliveredHandlers uint64
	Errors            uint64
}

type ChannelInfo struct {
	Name string
	Subs int
}
