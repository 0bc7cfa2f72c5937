package dispatch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNoOpenOffer is returned when a response does not match a live offer.
var ErrNoOpenOffer = errors.New("no open offer")

// Response is a driver's answer to an offer.
type Response string

const (
	ResponsePending  Response = "pending"
	ResponseAccepted Response = "accepted"
	ResponseRejected Response = "rejected"
	ResponseExpired  Response = "expired"
)

// Offer is one time-boxed proposal to one driver.
type Offer struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	DriverID  string    `json:"driver_id"`
	SentAt    time.Time `json:"sent_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Response  Response  `json:"response"`
}

// Board holds at most one live offer per order. The negotiating goroutine
// opens and clears offers; the driver path answers them.
type Board struct {
	mu     sync.Mutex
	offers map[string]*Offer
	now    func() time.Time
}

func NewBoard(now func() time.Time) *Board {
	if now == nil {
		now = time.Now
	}
	return &Board{offers: make(map[string]*Offer), now: now}
}

// Open replaces any offer for orderID with a fresh pending one.
func (b *Board) Open(orderID, driverID string, ttl time.Duration) Offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	o := &Offer{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		DriverID:  driverID,
		SentAt:    now,
		ExpiresAt: now.Add(ttl),
		Response:  ResponsePending,
	}
	b.offers[orderID] = o
	return *o
}

// Respond records the driver's answer. Answers to expired or foreign
// offers are rejected.
func (b *Board) Respond(orderID, driverID string, accept bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.offers[orderID]
	if !ok || o.DriverID != driverID || o.Response != ResponsePending {
		return fmt.Errorf("order %s driver %s: %w", orderID, driverID, ErrNoOpenOffer)
	}
	if !b.now().Before(o.ExpiresAt) {
		o.Response = ResponseExpired
		return fmt.Errorf("order %s driver %s: offer expired: %w", orderID, driverID, ErrNoOpenOffer)
	}
	if accept {
		o.Response = ResponseAccepted
	} else {
		o.Response = ResponseRejected
	}
	return nil
}

// Status returns the current response for orderID, marking it expired
// once past its deadline.
func (b *Board) Status(orderID string) (Response, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.offers[orderID]
	if !ok {
		return "", false
	}
	if o.Response == ResponsePending && !b.now().Before(o.ExpiresAt) {
		o.Response = ResponseExpired
	}
	return o.Response, true
}

// Clear drops the offer for orderID.
func (b *Board) Clear(orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.offers, orderID)
}

// List returns live offers, oldest first.
func (b *Board) List() []Offer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Offer, 0, len(b.offers))
	for _, o := range b.offers {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.Before(out[j].SentAt) })
	return out
}
