package orderbook

import (
	"errors"
	"fmt"

	"github.com/emirpasic/gods/trees/binaryheap"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

var (
	ErrNegativeQuantity = errors.New("quantity cannot be negative")
	ErrInvalidSide      = errors.New("invalid side")
	ErrInvalidRange     = errors.New("first update id greater than final update id")

	// ErrMissingVersion marks a snapshot payload without a last update id.
	// A book cannot be anchored without it so callers treat it as fatal.
	ErrMissingVersion = errors.New("snapshot missing last update id")

	errNilSnapshot = errors.New("snapshot is nil")
)

// compactSlack bounds how many dead prices a view may carry beyond twice the
// live level count before it is rebuilt
const compactSlack = 1024

// ladder is one side of the book. levels is authoritative, view is a heap over
// prices that may still hold entries already removed from levels. ordered
// mirrors levels best first and backs depth export.
type ladder struct {
	levels  map[string]PriceLevel
	view    *binaryheap.Heap
	queued  map[string]struct{}
	ordered *redblacktree.Tree
}

func newLadder(cmp func(a, b interface{}) int) *ladder {
	return &ladder{
		levels:  make(map[string]PriceLevel),
		view:    binaryheap.NewWith(cmp),
		queued:  make(map[string]struct{}),
		ordered: redblacktree.NewWith(cmp),
	}
}

func (l *ladder) apply(price, quantity decimal.Decimal) {
	key := price.String()
	if quantity.IsZero() {
		if _, ok := l.levels[key]; ok {
			delete(l.levels, key)
			l.ordered.Remove(price)
		}
		return
	}
	l.levels[key] = PriceLevel{Price: price, Quantity: quantity}
	l.ordered.Put(price, l.levels[key])
	if _, ok := l.queued[key]; ok {
		return
	}
	l.queued[key] = struct{}{}
	l.view.Push(price)
	if l.view.Size() > 2*len(l.levels)+compactSlack {
		l.rebuild()
	}
}

// best discards dead entries off the top of the view until it finds a live
// level
func (l *ladder) best() (PriceLevel, bool) {
	for {
		v, ok := l.view.Peek()
		if !ok {
			return PriceLevel{}, false
		}
		key := v.(decimal.Decimal).String()
		if lvl, ok := l.levels[key]; ok {
			return lvl, true
		}
		l.view.Pop()
		delete(l.queued, key)
	}
}

func (l *ladder) rebuild() {
	l.view.Clear()
	l.queued = make(map[string]struct{}, len(l.levels))
	if len(l.levels) == 0 {
		return
	}
	prices := make([]interface{}, 0, len(l.levels))
	for key, lvl := range l.levels {
		l.queued[key] = struct{}{}
		prices = append(prices, lvl.Price)
	}
	l.view.Push(prices...)
}

func (l *ladder) clear() {
	l.levels = make(map[string]PriceLevel)
	l.queued = make(map[string]struct{})
	l.view.Clear()
	l.ordered.Clear()
}

// load bulk inserts levels into an empty ladder, skipping zero quantities
func (l *ladder) load(levels []PriceLevel) {
	for _, lvl := range lo.Filter(levels, func(lvl PriceLevel, _ int) bool { return !lvl.Quantity.IsZero() }) {
		l.levels[lvl.Price.String()] = lvl
		l.ordered.Put(lvl.Price, lvl)
	}
	l.rebuild()
}

// sorted walks the ordered index, so only the exported levels are visited
func (l *ladder) sorted(depth int) []PriceLevel {
	n := l.ordered.Size()
	if depth > 0 && depth < n {
		n = depth
	}
	out := make([]PriceLevel, 0, n)
	it := l.ordered.Iterator()
	for len(out) < n && it.Next() {
		out = append(out, it.Value().(PriceLevel))
	}
	return out
}

// Store holds the bid and ask ladders. It is not safe for concurrent use; a
// single goroutine owns it and publishes read models for everyone else.
type Store struct {
	bids *ladder
	asks *ladder
}

// NewStore returns an empty store
func NewStore() *Store {
	return &Store{
		bids: newLadder(BidComparator),
		asks: newLadder(AskComparator),
	}
}

func (s *Store) side(side Side) (*ladder, error) {
	switch side {
	case Bid:
		return s.bids, nil
	case Ask:
		return s.asks, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrInvalidSide, side)
}

// ApplyLevel sets the quantity at price. A zero quantity removes the level and
// is a no-op when the level is absent.
func (s *Store) ApplyLevel(side Side, price, quantity decimal.Decimal) error {
	if quantity.IsNegative() {
		return fmt.Errorf("%w: %s at %s", ErrNegativeQuantity, quantity, price)
	}
	l, err := s.side(side)
	if err != nil {
		return err
	}
	l.apply(price, quantity)
	return nil
}

// ValidateDelta checks an update before any of it is applied so a bad level
// never leaves the book half updated
func ValidateDelta(d *DeltaEvent) error {
	if !d.Valid() {
		return fmt.Errorf("%w: U=%d u=%d", ErrInvalidRange, d.FirstUpdateID, d.FinalUpdateID)
	}
	for _, lvl := range d.Bids {
		if lvl.Quantity.IsNegative() {
			return fmt.Errorf("bid %w: %s at %s", ErrNegativeQuantity, lvl.Quantity, lvl.Price)
		}
	}
	for _, lvl := range d.Asks {
		if lvl.Quantity.IsNegative() {
			return fmt.Errorf("ask %w: %s at %s", ErrNegativeQuantity, lvl.Quantity, lvl.Price)
		}
	}
	return nil
}

// ApplyDelta validates then applies every level of d
func (s *Store) ApplyDelta(d *DeltaEvent) error {
	if err := ValidateDelta(d); err != nil {
		return err
	}
	for _, lvl := range d.Bids {
		s.bids.apply(lvl.Price, lvl.Quantity)
	}
	for _, lvl := range d.Asks {
		s.asks.apply(lvl.Price, lvl.Quantity)
	}
	return nil
}

// Seed replaces the whole book with the non-zero levels of snap
func (s *Store) Seed(snap *SnapshotEvent) error {
	if snap == nil {
		return errNilSnapshot
	}
	negative := func(lvl PriceLevel) bool { return lvl.Quantity.IsNegative() }
	if lvl, found := lo.Find(snap.Bids, negative); found {
		return fmt.Errorf("snapshot bid %w: %s at %s", ErrNegativeQuantity, lvl.Quantity, lvl.Price)
	}
	if lvl, found := lo.Find(snap.Asks, negative); found {
		return fmt.Errorf("snapshot ask %w: %s at %s", ErrNegativeQuantity, lvl.Quantity, lvl.Price)
	}
	s.Clear()
	s.bids.load(snap.Bids)
	s.asks.load(snap.Asks)
	return nil
}

// Clear empties both sides
func (s *Store) Clear() {
	s.bids.clear()
	s.asks.clear()
}

// BestBid returns the highest live bid
func (s *Store) BestBid() (PriceLevel, bool) {
	return s.bids.best()
}

// BestAsk returns the lowest live ask
func (s *Store) BestAsk() (PriceLevel, bool) {
	return s.asks.best()
}

// Spread returns best ask minus best bid when both sides are populated
func (s *Store) Spread() (decimal.Decimal, bool) {
	bid, ok := s.BestBid()
	if !ok {
		return decimal.Decimal{}, false
	}
	ask, ok := s.BestAsk()
	if !ok {
		return decimal.Decimal{}, false
	}
	return ask.Price.Sub(bid.Price), true
}

// Quantity returns the live quantity at price
func (s *Store) Quantity(side Side, price decimal.Decimal) (decimal.Decimal, bool) {
	l, err := s.side(side)
	if err != nil {
		return decimal.Decimal{}, false
	}
	lvl, ok := l.levels[price.String()]
	return lvl.Quantity, ok
}

// Len returns the number of live levels on a side
func (s *Store) Len(side Side) int {
	l, err := s.side(side)
	if err != nil {
		return 0
	}
	return len(l.levels)
}

// Levels returns up to depth levels of a side ordered best first. depth <= 0
// returns the whole side.
func (s *Store) Levels(side Side, depth int) []PriceLevel {
	l, err := s.side(side)
	if err != nil {
		return nil
	}
	return l.sorted(depth)
}

// AskComparator orders prices ascending so the heap root is the lowest ask
func AskComparator(a, b interface{}) int {
	return a.(decimal.Decimal).Cmp(b.(decimal.Decimal))
}

// BidComparator orders prices descending so the heap root is the highest bid
func BidComparator(a, b interface{}) int {
	return b.(decimal.Decimal).Cmp(a.(decimal.Decimal))
}
