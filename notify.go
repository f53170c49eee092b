package docswarm

import (
	"github.com/sirupsen/logrus"
)

// OperationType distinguishes which replication path materialized a conflict.
type OperationType string

const (
	OpPut    OperationType = "put"
	OpDelete OperationType = "delete"
)

// ConflictNotification is emitted after a conflict has been materialized.
// Etag is the post-write version token of the conflict placeholder and
// Conflicts the ordered artifact id list it enumerates.
type ConflictNotification struct {
	ID        string
	Etag      string
	ItemType  ItemKind
	Operation OperationType
	Conflicts []string
}

// Bus receives conflict notifications. Implementations must be safe for
// concurrent publishers.
type Bus interface {
	Publish(n ConflictNotification)
}

// ChannelBus is a buffered in-process bus. Publish never blocks: when the
// buffer is full the notification is dropped and logged, so a slow consumer
// cannot stall replication.
type ChannelBus struct {
	ch  chan ConflictNotification
	log *logrus.Entry
}

func NewChannelBus(buffer int, log *logrus.Entry) *ChannelBus {
	if buffer <= 0 {
		buffer = DefaultBusBuffer
	}
	return &ChannelBus{
		ch:  make(chan ConflictNotification, buffer),
		log: log.WithField("component", "bus"),
	}
}

func (b *ChannelBus) Publish(n ConflictNotification) {
	select {
	case b.ch <- n:
	default:
		b.log.Warnf("notification buffer full, dropping conflict notification for %s", n.ID)
	}
}

// Notifications exposes the receive side of the bus.
func (b *ChannelBus) Notifications() <-chan ConflictNotification {
	return b.ch
}
