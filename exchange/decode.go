package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"depthbook/orderbook"
)

const depthUpdateEvent = "depthUpdate"

var (
	// ErrNotDepthUpdate is returned for well formed stream frames that carry
	// something other than a depth update, such as subscription acks.
	ErrNotDepthUpdate = errors.New("not a depth update")
	ErrMalformed      = errors.New("malformed depth payload")
)

// DecodeDepthUpdate parses a diff depth event, either bare or wrapped in a
// combined stream envelope. Events that would fail validation are rejected
// here so they never reach the buffer.
func DecodeDepthUpdate(msg []byte) (orderbook.DeltaEvent, error) {
	var ev orderbook.DeltaEvent
	if data, dt, _, err := jsonparser.Get(msg, "data"); err == nil && dt == jsonparser.Object {
		msg = data
	}
	kind, err := jsonparser.GetString(msg, "e")
	if err != nil || kind != depthUpdateEvent {
		return ev, ErrNotDepthUpdate
	}

	if ev.Symbol, err = jsonparser.GetString(msg, "s"); err != nil {
		return ev, fmt.Errorf("%w: symbol: %v", ErrMalformed, err)
	}
	if ms, err := jsonparser.GetInt(msg, "E"); err == nil {
		ev.EventTime = time.UnixMilli(ms)
	}
	if ev.FirstUpdateID, err = jsonparser.GetInt(msg, "U"); err != nil {
		return ev, fmt.Errorf("%w: first update id: %v", ErrMalformed, err)
	}
	if ev.FinalUpdateID, err = jsonparser.GetInt(msg, "u"); err != nil {
		return ev, fmt.Errorf("%w: final update id: %v", ErrMalformed, err)
	}
	if ev.Bids, err = parseLevels(msg, "b"); err != nil {
		return ev, err
	}
	if ev.Asks, err = parseLevels(msg, "a"); err != nil {
		return ev, err
	}
	if err = orderbook.ValidateDelta(&ev); err != nil {
		return ev, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return ev, nil
}

// DecodeSnapshot parses a REST depth snapshot
func DecodeSnapshot(body []byte) (*orderbook.SnapshotEvent, error) {
	raw, dt, _, err := jsonparser.Get(body, "lastUpdateId")
	switch {
	case errors.Is(err, jsonparser.KeyPathNotFoundError), err == nil && dt == jsonparser.Null:
		return nil, orderbook.ErrMissingVersion
	case err != nil:
		return nil, fmt.Errorf("%w: last update id: %v", ErrMalformed, err)
	case dt != jsonparser.Number:
		return nil, fmt.Errorf("%w: last update id is %s, want number", ErrMalformed, dt)
	}
	id, err := jsonparser.ParseInt(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: last update id: %v", ErrMalformed, err)
	}
	snap := &orderbook.SnapshotEvent{LastUpdateID: id}
	if snap.Bids, err = parseLevels(body, "bids"); err != nil {
		return nil, err
	}
	if snap.Asks, err = parseLevels(body, "asks"); err != nil {
		return nil, err
	}
	return snap, nil
}

// parseLevels reads an array of [price, quantity] string pairs. A missing key
// is an empty side.
func parseLevels(data []byte, key string) ([]orderbook.PriceLevel, error) {
	raw, dt, _, err := jsonparser.Get(data, key)
	if errors.Is(err, jsonparser.KeyPathNotFoundError) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	if dt != jsonparser.Array {
		return nil, fmt.Errorf("%w: %s is %s, want array", ErrMalformed, key, dt)
	}

	var (
		levels   []orderbook.PriceLevel
		levelErr error
	)
	_, err = jsonparser.ArrayEach(raw, func(value []byte, vt jsonparser.ValueType, _ int, _ error) {
		if levelErr != nil {
			return
		}
		lvl, err := parseLevel(value, vt)
		if err != nil {
			levelErr = fmt.Errorf("%w: %s[%d]: %v", ErrMalformed, key, len(levels), err)
			return
		}
		levels = append(levels, lvl)
	})
	if levelErr != nil {
		return nil, levelErr
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, key, err)
	}
	return levels, nil
}

func parseLevel(value []byte, vt jsonparser.ValueType) (orderbook.PriceLevel, error) {
	if vt != jsonparser.Array {
		return orderbook.PriceLevel{}, fmt.Errorf("level is %s", vt)
	}
	price, err := decimalAt(value, "[0]")
	if err != nil {
		return orderbook.PriceLevel{}, fmt.Errorf("price: %w", err)
	}
	qty, err := decimalAt(value, "[1]")
	if err != nil {
		return orderbook.PriceLevel{}, fmt.Errorf("quantity: %w", err)
	}
	return orderbook.PriceLevel{Price: price, Quantity: qty}, nil
}

func decimalAt(value []byte, idx string) (decimal.Decimal, error) {
	s, err := jsonparser.GetString(value, idx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.NewFromString(s)
}
