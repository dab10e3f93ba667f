package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/darkswap-foundation/darkswap/internal/asset"
	"github.com/darkswap-foundation/darkswap/internal/dserr"
	"github.com/darkswap-foundation/darkswap/internal/node"
	"github.com/darkswap-foundation/darkswap/internal/orderbook"
	"github.com/darkswap-foundation/darkswap/pkg/helpers"
)

// orderToPayload converts a local order into the wire record of the
// Order kind.
func orderToPayload(o *orderbook.Order) node.OrderPayload {
	var sig string
	if len(o.Signature) > 0 {
		sig = helpers.BytesToHex(o.Signature)
	}
	return node.OrderPayload{
		ID:         o.ID,
		Maker:      o.Maker,
		BaseAsset:  o.BaseAsset.String(),
		QuoteAsset: o.QuoteAsset.String(),
		Side:       o.Side.String(),
		Amount:     o.Amount.String(),
		Filled:     o.Filled.String(),
		Price:      o.Price.String(),
		Status:     o.Status.String(),
		CreatedAt:  o.CreatedAt.Unix(),
		ExpiresAt:  o.ExpiresAt.Unix(),
		Signature:  sig,
	}
}

func parseSide(s string) (orderbook.Side, error) {
	switch strings.ToLower(s) {
	case "buy":
		return orderbook.Buy, nil
	case "sell":
		return orderbook.Sell, nil
	default:
		return 0, fmt.Errorf("%w: unknown order side %q", dserr.ErrInvalidOrderSide, s)
	}
}

func parseStatus(s string) (orderbook.Status, error) {
	switch strings.ToLower(s) {
	case "open":
		return orderbook.Open, nil
	case "partially_filled":
		return orderbook.PartiallyFilled, nil
	case "filled":
		return orderbook.Filled, nil
	case "cancelled":
		return orderbook.Cancelled, nil
	case "expired":
		return orderbook.Expired, nil
	default:
		return 0, fmt.Errorf("%w: unknown order status %q", dserr.ErrInvalidAsset, s)
	}
}

// payloadToOrder reconstructs an Order from a received wire record,
// validating every field the way a locally constructed order would be.
func payloadToOrder(p node.OrderPayload) (*orderbook.Order, error) {
	base, err := asset.Parse(p.BaseAsset)
	if err != nil {
		return nil, err
	}
	quote, err := asset.Parse(p.QuoteAsset)
	if err != nil {
		return nil, err
	}
	side, err := parseSide(p.Side)
	if err != nil {
		return nil, err
	}
	status, err := parseStatus(p.Status)
	if err != nil {
		return nil, err
	}
	amount, err := decimal.NewFromString(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dserr.ErrInvalidAmount, err)
	}
	filled, err := decimal.NewFromString(p.Filled)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dserr.ErrInvalidAmount, err)
	}
	price, err := decimal.NewFromString(p.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dserr.ErrInvalidPrice, err)
	}
	var sig []byte
	if p.Signature != "" {
		sig, err = helpers.HexToBytes(p.Signature)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid signature encoding", dserr.ErrInvalidAsset)
		}
	}
	return &orderbook.Order{
		ID:         p.ID,
		Maker:      p.Maker,
		BaseAsset:  base,
		QuoteAsset: quote,
		Side:       side,
		Amount:     amount,
		Filled:     filled,
		Price:      price,
		Status:     status,
		CreatedAt:  time.Unix(p.CreatedAt, 0).UTC(),
		ExpiresAt:  time.Unix(p.ExpiresAt, 0).UTC(),
		Signature:  sig,
	}, nil
}

// broadcastOrder publishes o as a full Order gossip record (new orders and
// re-broadcasts after a fill both use this kind).
func (c *Core) broadcastOrder(ctx context.Context, o *orderbook.Order) error {
	gh := c.node.GossipHandler()
	if gh == nil {
		return nil // not yet started, or gossip disabled
	}
	msg, err := node.NewOrderMessage(o.ID, orderToPayload(o))
	if err != nil {
		return err
	}
	return gh.PublishOrder(ctx, msg)
}

// broadcastCancelOrder publishes a CancelOrder gossip record.
func (c *Core) broadcastCancelOrder(ctx context.Context, orderID string) error {
	gh := c.node.GossipHandler()
	if gh == nil {
		return nil
	}
	msg, err := node.NewCancelOrderMessage(orderID)
	if err != nil {
		return err
	}
	return gh.PublishOrder(ctx, msg)
}

// onRemoteOrder applies a gossiped Order record from a remote maker to the
// local registry, ignoring orders this node already knows about (the
// registry's AddOrder rejects duplicate ids).
func (c *Core) onRemoteOrder(_ context.Context, msg *node.Message) error {
	var payload node.OrderPayload
	if err := unmarshalGossipPayload(msg, &payload); err != nil {
		return err
	}
	o, err := payloadToOrder(payload)
	if err != nil {
		return err
	}
	if o.Maker == c.node.ID().String() {
		return nil // echo of our own broadcast
	}
	if err := c.orders.AddOrder(o); err != nil {
		if err == dserr.ErrOrderAlreadyExists {
			return nil
		}
		return err
	}
	return nil
}

// onRemoteCancelOrder applies a gossiped CancelOrder record.
func (c *Core) onRemoteCancelOrder(_ context.Context, msg *node.Message) error {
	var payload node.CancelOrderPayload
	if err := unmarshalGossipPayload(msg, &payload); err != nil {
		return err
	}
	if err := c.orders.CancelOrder(payload.OrderID); err != nil && err != dserr.ErrOrderNotFound {
		return err
	}
	return nil
}

func unmarshalGossipPayload(msg *node.Message, dst interface{}) error {
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return fmt.Errorf("%w: %v", dserr.ErrInvalidAsset, err)
	}
	return nil
}
