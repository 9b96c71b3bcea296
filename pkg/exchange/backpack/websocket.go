package backpack

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/mmbot/pkg/exchange/stream"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const streamBuffer = 1024

type wsEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type subscribeMessage struct {
	Method    string   `json:"method"`
	Params    []string `json:"params"`
	Signature []string `json:"signature,omitempty"`
}

// Event structs name every key that differs from a field only by case, since
// encoding/json would otherwise fold it into that field.
type bookTickerEvent struct {
	Symbol    string          `json:"s"`
	AskPrice  decimal.Decimal `json:"a"`
	AskSize   decimal.Decimal `json:"A"`
	BidPrice  decimal.Decimal `json:"b"`
	BidSize   decimal.Decimal `json:"B"`
	Timestamp int64           `json:"T"`
}

type orderUpdateEvent struct {
	Type      string          `json:"e"`
	EventTime int64           `json:"E"`
	Symbol    string          `json:"s"`
	ClientID  *uint32         `json:"c"`
	Side      string          `json:"S"`
	OrderID   string          `json:"i"`
	RelatedID json.RawMessage `json:"I"`
	TradeID   json.Number     `json:"t"`
	Quantity  decimal.Decimal `json:"q"`
	Executed  decimal.Decimal `json:"z"`
	FillSize  decimal.Decimal `json:"l"`
	FillPrice decimal.Decimal `json:"L"`
	Maker     bool            `json:"m"`
	Fee       decimal.Decimal `json:"n"`
	FeeSymbol string          `json:"N"`
	Timestamp int64           `json:"T"`
}

func (c *Client) subscribe(ctx context.Context, streamName string, private bool, handle stream.MessageHandler) (*stream.Client, error) {
	client := stream.New(stream.Config{
		Name: name + ":" + streamName,
		URL: func(context.Context) (string, error) {
			return c.opts.WSURL, nil
		},
		OnConnect: func(conn *websocket.Conn) error {
			msg := subscribeMessage{Method: "SUBSCRIBE", Params: []string{streamName}}
			if private {
				msg.Signature = c.signer.StreamSignature()
			}
			return conn.WriteJSON(msg)
		},
		Handle: func(raw []byte) error {
			var env wsEnvelope
			if err := json.Unmarshal(raw, &env); err != nil {
				return fmt.Errorf("failed to decode envelope: %w", err)
			}
			if env.Stream != streamName || len(env.Data) == 0 {
				return nil
			}
			return handle(env.Data)
		},
	}, c.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// StreamBook delivers best bid/ask updates. Slow readers miss intermediate
// tickers rather than stalling the socket.
func (c *Client) StreamBook(ctx context.Context, symbol string) (<-chan models.BookTicker, error) {
	out := make(chan models.BookTicker, streamBuffer)
	client, err := c.subscribe(ctx, "bookTicker."+symbol, false, func(data []byte) error {
		var ev bookTickerEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("failed to decode book ticker: %w", err)
		}
		t := models.BookTicker{
			Symbol:    ev.Symbol,
			BidPrice:  ev.BidPrice,
			BidSize:   ev.BidSize,
			AskPrice:  ev.AskPrice,
			AskSize:   ev.AskSize,
			Timestamp: time.UnixMicro(ev.Timestamp),
		}
		select {
		case out <- t:
		default:
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-client.Done()
		close(out)
	}()
	return out, nil
}

// StreamFills delivers our own executions from the private order update
// stream. Fills are never dropped; a full buffer applies backpressure.
func (c *Client) StreamFills(ctx context.Context, symbol string) (<-chan models.Fill, error) {
	out := make(chan models.Fill, streamBuffer)
	client, err := c.subscribe(ctx, "account.orderUpdate."+symbol, true, func(data []byte) error {
		var ev orderUpdateEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return fmt.Errorf("failed to decode order update: %w", err)
		}
		switch ev.Type {
		case "orderCancelled", "orderExpired":
			if ev.ClientID != nil {
				c.forgetClientID(*ev.ClientID)
			}
			return nil
		case "orderFill":
		default:
			return nil
		}
		f := models.Fill{
			FillID:    ev.TradeID.String(),
			OrderID:   ev.OrderID,
			Symbol:    ev.Symbol,
			Side:      fromSide(ev.Side),
			Price:     ev.FillPrice,
			Size:      ev.FillSize,
			Fee:       ev.Fee,
			Maker:     ev.Maker,
			Timestamp: time.UnixMicro(ev.Timestamp),
		}
		if f.FillID == "" {
			f.FillID = ev.OrderID + ":" + strconv.FormatInt(ev.Timestamp, 10)
		}
		if ev.ClientID != nil {
			f.CorrelationID = c.correlationID(*ev.ClientID)
			if ev.Quantity.IsPositive() && ev.Executed.GreaterThanOrEqual(ev.Quantity) {
				c.forgetClientID(*ev.ClientID)
			}
		}
		select {
		case out <- f:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	go func() {
		<-client.Done()
		close(out)
	}()
	c.logger.WithFields(logrus.Fields{"exchange": name, "symbol": symbol}).Info("Subscribed to fills")
	return out, nil
}
