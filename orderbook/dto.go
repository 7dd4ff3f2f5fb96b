package orderbook

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// PriceLevel is a single ladder entry. A zero quantity in an update removes
// the level.
type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// DeltaEvent is an incremental depth update covering the update id range
// [FirstUpdateID, FinalUpdateID].
type DeltaEvent struct {
	Symbol        string
	EventTime     time.Time
	FirstUpdateID int64
	FinalUpdateID int64
	Bids          []PriceLevel
	Asks          []PriceLevel
}

// Valid reports whether the event carries a usable update id range
func (d *DeltaEvent) Valid() bool {
	return d.FirstUpdateID <= d.FinalUpdateID
}

// SnapshotEvent is a full ladder as of LastUpdateID
type SnapshotEvent struct {
	LastUpdateID int64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

// TopOfBook is the immutable read model published after every change to the
// book. Stale is set while the book is being (re)synchronised and the values
// must not be trusted.
type TopOfBook struct {
	Symbol       string           `json:"symbol"`
	BestBid      *PriceLevel      `json:"bestBid,omitempty"`
	BestAsk      *PriceLevel      `json:"bestAsk,omitempty"`
	Spread       *decimal.Decimal `json:"spread,omitempty"`
	LastUpdateID int64            `json:"lastUpdateId"`
	Stale        bool             `json:"stale"`
	State        string           `json:"state"`
	Bids         []PriceLevel     `json:"bids,omitempty"`
	Asks         []PriceLevel     `json:"asks,omitempty"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}
