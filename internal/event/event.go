// Package event defines the tagged event variants that flow through a
// single backtest's FIFO queue: MARKET, SIGNAL, ORDER and FILL.
package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind tags the concrete payload carried by an Event.
type Kind string

const (
	KindMarket Kind = "MARKET"
	KindSignal Kind = "SIGNAL"
	KindOrder  Kind = "ORDER"
	KindFill   Kind = "FILL"
)

// SignalName is the strategy's intent for a symbol.
type SignalName string

const (
	SignalLong  SignalName = "LONG"
	SignalShort SignalName = "SHORT"
	SignalExit  SignalName = "EXIT"
)

// OrderType selects how an order is priced against the bar.
type OrderType string

const (
	OrderMarket OrderType = "MKT"
	OrderLimit  OrderType = "LMT"
)

// Direction is the side of an order or fill.
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// Event is implemented by Market, Signal, Order and Fill. Kind reports
// which concrete type it is; the payload is read by asserting the
// event to that concrete type.
type Event interface {
	Kind() Kind
	Timestamp() time.Time
}

// Market carries no payload beyond "the cursor advanced".
type Market struct {
	TS time.Time
}

func (m Market) Kind() Kind          { return KindMarket }
func (m Market) Timestamp() time.Time { return m.TS }

// Signal is strategy intent; the portfolio decides whether to turn it
// into an Order.
type Signal struct {
	TS         time.Time
	Symbol     string
	SignalName SignalName
	OrderType  OrderType
	Quantity   decimal.Decimal // may be zero; portfolio computes a size
	LimitPrice decimal.Decimal // only meaningful when OrderType == OrderLimit
}

func (s Signal) Kind() Kind          { return KindSignal }
func (s Signal) Timestamp() time.Time { return s.TS }

// Order is a portfolio-accepted intent to trade a concrete quantity.
type Order struct {
	TS         time.Time
	Symbol     string
	SignalName SignalName
	OrderType  OrderType
	Quantity   decimal.Decimal // always positive
	Direction  Direction
	LimitPrice decimal.Decimal
}

func (o Order) Kind() Kind          { return KindOrder }
func (o Order) Timestamp() time.Time { return o.TS }

// Fill confirms an order executed.
type Fill struct {
	TS              time.Time
	Symbol          string
	Exchange        string
	Quantity        decimal.Decimal
	Direction       Direction
	ExecutionPrice  decimal.Decimal
	Commission      decimal.Decimal
	SignalName      SignalName
}

func (f Fill) Kind() Kind          { return KindFill }
func (f Fill) Timestamp() time.Time { return f.TS }

// Queue is a strictly FIFO event queue. A single backtest's kernel
// owns the receive side; the strategy, portfolio and executor each
// hold a send handle. It is not safe for concurrent use from more than
// one goroutine — per the concurrency model, exactly one component
// runs at a time within a backtest.
type Queue struct {
	items []Event
}

// NewQueue returns an empty queue with room for n events before the
// backing slice grows.
func NewQueue(n int) *Queue {
	return &Queue{items: make([]Event, 0, n)}
}

// Push appends an event to the tail of the queue.
func (q *Queue) Push(e Event) {
	q.items = append(q.items, e)
}

// Pop removes and returns the event at the head of the queue.
func (q *Queue) Pop() (Event, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	e := q.items[0]
	q.items = q.items[1:]
	return e, true
}

// Len reports the number of pending events.
func (q *Queue) Len() int {
	return len(q.items)
}

// Drain removes and returns every event currently queued, in FIFO
// order, leaving the queue empty. Events pushed while the caller
// processes the returned batch (e.g. a synthetic EXIT signal queued
// while handling a FILL) are not part of it; they surface on the next
// drain, which
// is exactly the ordering spec.md §4.5 requires.
func (q *Queue) Drain() []Event {
	drained := q.items
	q.items = make([]Event, 0, cap(drained))
	return drained
}
