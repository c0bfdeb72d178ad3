// Package notify tells long-polling devices that their store changed.
package notify

import (
	"context"
	"errors"
	"sync/atomic"
)

var ErrStopped = errors.New("events manager stopped")

// Event says a store reached Revision.
type Event struct {
	StoreID  string `json:"store_id"`
	Revision int64  `json:"revision"`
}

// Publisher fans out change events to every service instance.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type unsubscribe struct {
	storeID string
	id      int64
}

type Subscription struct {
	id      int64
	storeID string
	// Events holds at most one pending event; a slow reader only learns
	// that something changed.
	Events chan Event
}

// Manager tracks the subscriptions of this instance. All bookkeeping
// happens on the Run goroutine.
type Manager struct {
	globalIDs atomic.Int64
	streams   map[string][]*Subscription
	msgChan   chan any
	done      chan struct{}
}

func NewManager() *Manager {
	return &Manager{
		streams: make(map[string][]*Subscription),
		msgChan: make(chan any),
		done:    make(chan struct{}),
	}
}

// Run serves subscriptions until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case msg := <-m.msgChan:
			switch s := msg.(type) {
			case *Subscription:
				m.streams[s.storeID] = append(m.streams[s.storeID], s)
			case *unsubscribe:
				var newSubs []*Subscription
				for _, sub := range m.streams[s.storeID] {
					if sub.id != s.id {
						newSubs = append(newSubs, sub)
					}
				}
				delete(m.streams, s.storeID)
				if len(newSubs) > 0 {
					m.streams[s.storeID] = newSubs
				}
			case Event:
				for _, sub := range m.streams[s.StoreID] {
					select {
					case sub.Events <- s:
					default:
					}
				}
			}

		case <-ctx.Done():
			return nil
		}
	}
}

func (m *Manager) send(ctx context.Context, msg any) error {
	select {
	case m.msgChan <- msg:
		return nil
	case <-m.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish delivers event to local subscribers only.
func (m *Manager) Publish(ctx context.Context, event Event) error {
	return m.send(ctx, event)
}

func (m *Manager) Subscribe(ctx context.Context, storeID string) (*Subscription, error) {
	s := &Subscription{
		id:      m.globalIDs.Add(1),
		storeID: storeID,
		Events:  make(chan Event, 1),
	}
	if err := m.send(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) Unsubscribe(s *Subscription) {
	m.send(context.Background(), &unsubscribe{storeID: s.storeID, id: s.id})
}
