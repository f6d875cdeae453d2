package notify

import (
	"sync"
	"time"

	"github.com/binwatch/binwatch/pkg/client"
	"github.com/binwatch/binwatch/pkg/log"
	"github.com/binwatch/binwatch/pkg/realtime"
)

// Notification is one popup shown to the user.
type Notification struct {
	EventID   string
	Operation string
	Message   string
	ShownAt   time.Time
	// TTL is how long the popup stays visible before auto-hiding.
	TTL time.Duration
}

// Display renders notifications. Implementations must tolerate Hide without a
// preceding Show.
type Display interface {
	Show(n Notification)
	Hide()
}

// Controller drives the notification popup from incoming change frames. An
// event with the same id as the currently shown notification is dropped;
// every accepted event triggers the refresh callback and restarts the
// auto-hide countdown.
type Controller struct {
	display   Display
	refresh   func()
	hideAfter time.Duration
	logger    *log.Logger

	mu          sync.Mutex
	lastShownID string
	hideTimer   *time.Timer
}

func NewController(display Display, refresh func()) *Controller {
	return &Controller{
		display:   display,
		refresh:   refresh,
		hideAfter: 5 * time.Second,
		logger:    log.ForComponent("notify"),
	}
}

// Attach subscribes the controller to bin change frames on the transport.
func (c *Controller) Attach(t *client.Transport) *client.Subscription {
	return t.On(realtime.TypeSubscribeBins, c.HandleFrame)
}

// HandleFrame processes one subscribe_bins frame.
func (c *Controller) HandleFrame(frame realtime.Frame) {
	if frame.Data == nil {
		return
	}
	ev := &realtime.ChangeEvent{
		ID:        frame.Data.ID,
		Operation: frame.Operation,
		Record:    frame.Data.Record,
		OldRecord: frame.Data.OldRecord,
	}

	c.mu.Lock()
	if ev.ID != "" && ev.ID == c.lastShownID {
		c.mu.Unlock()
		c.logger.Debugf("dropping duplicate event %s", ev.ID)
		return
	}
	c.lastShownID = ev.ID
	if c.hideTimer != nil {
		c.hideTimer.Stop()
	}
	n := Notification{
		EventID:   ev.ID,
		Operation: ev.Operation,
		Message:   ComposeMessage(ev),
		ShownAt:   time.Now(),
		TTL:       c.hideAfter,
	}
	c.hideTimer = time.AfterFunc(c.hideAfter, c.autoHide)
	c.mu.Unlock()

	c.display.Show(n)
	if c.refresh != nil {
		c.refresh()
	}
}

func (c *Controller) autoHide() {
	c.mu.Lock()
	c.lastShownID = ""
	c.hideTimer = nil
	c.mu.Unlock()

	c.display.Hide()
}

// Dismiss hides the current notification immediately.
func (c *Controller) Dismiss() {
	c.mu.Lock()
	if c.hideTimer != nil {
		c.hideTimer.Stop()
		c.hideTimer = nil
	}
	c.lastShownID = ""
	c.mu.Unlock()

	c.display.Hide()
}

// Stop cancels any pending auto-hide without touching the display.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hideTimer != nil {
		c.hideTimer.Stop()
		c.hideTimer = nil
	}
}
