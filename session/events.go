package session

import (
	"context"

	"github.com/ammiranda/treeext/mapping"
	"github.com/ammiranda/treeext/repository"
)

// EventType names a lifecycle event of a session.
type EventType string

const (
	// PostLoad fires when a node enters the identity map from storage.
	PostLoad EventType = "postLoad"
	// PrePersist fires before a scheduled node is inserted.
	PrePersist EventType = "prePersist"
	// PostPersist fires after a node is inserted and has its identifier.
	PostPersist EventType = "postPersist"
	// PreUpdate fires before a changed node is written. Event.Changes holds
	// the changed fields.
	PreUpdate EventType = "preUpdate"
	// PostUpdate fires after a changed node is written.
	PostUpdate EventType = "postUpdate"
	// PreRemove fires before a node's row is deleted.
	PreRemove EventType = "preRemove"
	// PostRemove fires after a node's row is deleted.
	PostRemove EventType = "postRemove"
	// FlushComplete fires once every scheduled write of a flush has been
	// issued, still inside the flush transaction.
	FlushComplete EventType = "flushComplete"
	// PostFlush fires after the flush transaction committed.
	PostFlush EventType = "postFlush"
)

// Change is the old and new value of a field.
type Change struct {
	Old any
	New any
}

// Event is passed to subscribers.
type Event struct {
	Type    EventType
	Session *Session
	Node    *repository.Node
	Meta    *mapping.ClassMetadata
	Changes map[string]Change
}

// Subscriber receives the events it subscribes to. An error aborts the
// operation that raised the event.
type Subscriber interface {
	SubscribedEvents() []EventType
	HandleEvent(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to a Subscriber of the given events.
type SubscriberFunc struct {
	Events []EventType
	Fn     func(ctx context.Context, ev Event) error
}

func (s SubscriberFunc) SubscribedEvents() []EventType { return s.Events }

func (s SubscriberFunc) HandleEvent(ctx context.Context, ev Event) error {
	return s.Fn(ctx, ev)
}
