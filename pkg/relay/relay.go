// Package relay bridges the bin change feed to connected websocket clients.
// It subscribes to the feed subject, normalizes each change document into a
// canonical event and fans it out to the affected user's connections.
// Delivery is fire-and-forget: users without a live connection miss the event.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/binwatch/binwatch/pkg/log"
	"github.com/binwatch/binwatch/pkg/realtime"
)

// errNoUser marks change documents that name no affected user.
var errNoUser = errors.New("change document names no user")

// Subscription is an active feed subscription.
type Subscription interface {
	Unsubscribe() error
}

// Feed is the subscribe surface of the change feed.
type Feed interface {
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
}

// NATSFeed adapts a *nats.Conn to the Feed interface.
type NATSFeed struct {
	Conn *nats.Conn
}

func (f *NATSFeed) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	return f.Conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Relay subscribes to the change feed and fans events out via the registry.
// A failed subscription is retried at a fixed interval indefinitely; status
// transitions are logged.
type Relay struct {
	feed     Feed
	subject  string
	registry *realtime.Registry
	retry    time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	sub    Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(feed Feed, subject string, registry *realtime.Registry) *Relay {
	return &Relay{
		feed:     feed,
		subject:  subject,
		registry: registry,
		retry:    5 * time.Second,
		logger:   log.ForComponent("relay"),
	}
}

// Start subscribes to the feed in the background. It returns immediately;
// subscription failures are retried until Stop is called.
func (r *Relay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopCh != nil {
		return
	}
	r.stopCh = make(chan struct{})

	r.wg.Add(1)
	go r.subscribeLoop(r.stopCh)
}

func (r *Relay) subscribeLoop(stopCh chan struct{}) {
	defer r.wg.Done()

	for {
		sub, err := r.feed.Subscribe(r.subject, r.handleMessage)
		if err == nil {
			r.logger.Infof("subscribed to change feed on %s", r.subject)
			r.mu.Lock()
			r.sub = sub
			r.mu.Unlock()
			return
		}

		r.logger.Warnf("subscribing to %s failed, retrying in %s: %v", r.subject, r.retry, err)
		select {
		case <-stopCh:
			return
		case <-time.After(r.retry):
		}
	}
}

// Stop unsubscribes from the feed and waits for the subscribe loop to exit.
func (r *Relay) Stop() {
	r.mu.Lock()
	if r.stopCh == nil {
		r.mu.Unlock()
		return
	}
	close(r.stopCh)
	r.stopCh = nil
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()

	r.wg.Wait()
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warnf("unsubscribing from %s: %v", r.subject, err)
		}
	}
	r.logger.Infof("change feed relay stopped")
}

func (r *Relay) handleMessage(data []byte) {
	event, err := normalize(data)
	if err != nil {
		if errors.Is(err, errNoUser) {
			r.logger.Warnf("dropping change event with no affected user")
		} else {
			r.logger.Warnf("dropping malformed change document: %v", err)
		}
		return
	}

	sent := r.registry.Send(event.UserID, event.Fanout())
	r.logger.Debugf("%s event %s for user %s delivered to %d connection(s)",
		event.Operation, event.ID, event.UserID, sent)
}

// rawChange accepts both the shapes the feed may deliver: documents with
// record/old_record keys and documents with new/old keys.
type rawChange struct {
	ID        string              `json:"id"`
	Operation string              `json:"operation"`
	EventType string              `json:"eventType"`
	Record    *realtime.BinRecord `json:"record"`
	OldRecord *realtime.BinRecord `json:"old_record"`
	New       *realtime.BinRecord `json:"new"`
	Old       *realtime.BinRecord `json:"old"`
}

// normalize converts a raw change document into a canonical event. The
// affected user is resolved from the new record first, then the old one;
// documents naming no user are rejected with errNoUser.
func normalize(data []byte) (*realtime.ChangeEvent, error) {
	var raw rawChange
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("unmarshaling change document: %w", err)
	}

	operation := raw.Operation
	if operation == "" {
		operation = raw.EventType
	}
	switch operation {
	case realtime.OpInsert, realtime.OpUpdate, realtime.OpDelete:
	default:
		return nil, fmt.Errorf("unknown operation %q", operation)
	}

	record := raw.Record
	if record == nil {
		record = raw.New
	}
	oldRecord := raw.OldRecord
	if oldRecord == nil {
		oldRecord = raw.Old
	}

	userID := ""
	if record != nil && record.UserID != "" {
		userID = record.UserID
	} else if oldRecord != nil && oldRecord.UserID != "" {
		userID = oldRecord.UserID
	}
	if userID == "" {
		return nil, errNoUser
	}

	id := raw.ID
	if id == "" {
		id = uuid.New().String()
	}

	return &realtime.ChangeEvent{
		ID:        id,
		Operation: operation,
		UserID:    userID,
		Record:    record,
		OldRecord: oldRecord,
	}, nil
}
