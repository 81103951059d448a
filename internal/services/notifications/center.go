package notifications

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CourierBox/internal/broker/messages"
	"github.com/BearBump/CourierBox/internal/models"
)

var ErrNotFound = errors.New("notification not found")

// Identity is the slice of the session holder the center filters events with.
type Identity interface {
	CourierID() uint64
}

// Center keeps the courier's notifications for the session. Entries arrive
// from the delivery events topic and from locally observed status changes;
// the courier only marks them read.
type Center struct {
	identity Identity

	mu    sync.Mutex
	seq   uint64
	items []models.Notification
}

func New(identity Identity) *Center {
	return &Center{identity: identity}
}

func (c *Center) add(n models.Notification) {
	c.mu.Lock()
	c.seq++
	n.ID = c.seq
	c.items = append(c.items, n)
	c.mu.Unlock()
}

// StatusChanged derives a notification from a local transition.
func (c *Center) StatusChanged(d models.Delivery, from models.Status) {
	me := c.identity.CourierID()
	if me == 0 {
		return
	}
	c.add(models.Notification{
		Type:       models.NotificationStatusChanged,
		Message:    fmt.Sprintf("Commande %s: %s → %s", d.OrderNumber, from, d.Status),
		OccurredAt: time.Now().UTC(),
		DeliveryID: d.ID,
		CourierID:  me,
	})
}

// HandleEvent is the kafka consumer handler. Events addressed to another
// courier are skipped; courier id zero is a broadcast.
func (c *Center) HandleEvent(key, value []byte) error {
	var ev messages.DeliveryEvent
	if err := json.Unmarshal(value, &ev); err != nil {
		return errors.Wrap(err, "decode delivery event")
	}

	me := c.identity.CourierID()
	if me == 0 {
		return nil
	}
	if ev.CourierID != 0 && ev.CourierID != me {
		return nil
	}

	typ := ev.Type
	switch typ {
	case messages.EventNewDelivery, messages.EventStatusChanged, messages.EventReminder:
	default:
		typ = messages.EventReminder
	}

	occurred := ev.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	c.add(models.Notification{
		Type:       typ,
		Message:    ev.Message,
		OccurredAt: occurred,
		DeliveryID: ev.DeliveryID,
		CourierID:  me,
	})
	return nil
}

// List returns a copy, newest last.
func (c *Center) List() []models.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Notification, len(c.items))
	copy(out, c.items)
	return out
}

func (c *Center) Unread() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, it := range c.items {
		if !it.Read {
			n++
		}
	}
	return n
}

func (c *Center) MarkRead(id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		if c.items[i].ID == id {
			c.items[i].Read = true
			return nil
		}
	}
	return ErrNotFound
}

func (c *Center) MarkAllRead() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.items {
		c.items[i].Read = true
	}
}

// Reset drops everything, used on logout.
func (c *Center) Reset() {
	c.mu.Lock()
	c.items = nil
	c.mu.Unlock()
}
