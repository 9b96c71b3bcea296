package aster

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gregtusar/mmbot/pkg/exchange/stream"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	streamBuffer       = 1024
	listenKeyKeepAlive = 30 * time.Minute
)

// Event structs name every key that differs from a field only by case, since
// encoding/json would otherwise fold it into that field.
type bookTickerEvent struct {
	Type      string          `json:"e"`
	Symbol    string          `json:"s"`
	BidPrice  decimal.Decimal `json:"b"`
	BidSize   decimal.Decimal `json:"B"`
	AskPrice  decimal.Decimal `json:"a"`
	AskSize   decimal.Decimal `json:"A"`
	Timestamp int64           `json:"T"`
	EventTime int64           `json:"E"`
}

// execution is the order update body shared by the futures
// ORDER_TRADE_UPDATE (nested under "o") and spot executionReport events.
type execution struct {
	Symbol            string          `json:"s"`
	ClientOrderID     string          `json:"c"`
	OrigClientOrderID string          `json:"C"`
	Side              string          `json:"S"`
	ExecType          string          `json:"x"`
	Status            string          `json:"X"`
	OrderID           int64           `json:"i"`
	Ignore            int64           `json:"I"`
	LastQty           decimal.Decimal `json:"l"`
	LastPrice         decimal.Decimal `json:"L"`
	Commission        decimal.Decimal `json:"n"`
	CommissionAsset   string          `json:"N"`
	TradeTime         int64           `json:"T"`
	TradeID           int64           `json:"t"`
	Maker             bool            `json:"m"`
	IgnoreFlag        bool            `json:"M"`
}

type userEvent struct {
	Type      string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     json.RawMessage `json:"o"`
	Created   json.RawMessage `json:"O"`
}

type listenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

func (c *Client) listenKey(ctx context.Context, method string) (string, error) {
	var resp listenKeyResponse
	if err := c.doRequest(ctx, "listen_key", method, c.paths.listenKey, nil, false, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// StreamBook delivers best bid/ask updates. Slow readers miss intermediate
// tickers rather than stalling the socket.
func (c *Client) StreamBook(ctx context.Context, symbol string) (<-chan models.BookTicker, error) {
	out := make(chan models.BookTicker, streamBuffer)
	client := stream.New(stream.Config{
		Name: name + ":bookTicker:" + symbol,
		URL: func(context.Context) (string, error) {
			return c.opts.WSURL + "/" + strings.ToLower(symbol) + "@bookTicker", nil
		},
		Handle: func(raw []byte) error {
			var ev bookTickerEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return fmt.Errorf("failed to decode book ticker: %w", err)
			}
			ts := ev.Timestamp
			if ts == 0 {
				ts = ev.EventTime
			}
			t := models.BookTicker{
				Symbol:    ev.Symbol,
				BidPrice:  ev.BidPrice,
				BidSize:   ev.BidSize,
				AskPrice:  ev.AskPrice,
				AskSize:   ev.AskSize,
				Timestamp: time.UnixMilli(ts),
			}
			select {
			case out <- t:
			default:
			}
			return nil
		},
	}, c.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	go func() {
		<-client.Done()
		close(out)
	}()
	return out, nil
}

// StreamFills subscribes to the user data stream. A fresh listen key is minted
// on every connect and kept alive until ctx ends.
func (c *Client) StreamFills(ctx context.Context, symbol string) (<-chan models.Fill, error) {
	out := make(chan models.Fill, streamBuffer)
	var keyMu sync.Mutex
	var key string

	client := stream.New(stream.Config{
		Name: name + ":user:" + symbol,
		URL: func(ctx context.Context) (string, error) {
			k, err := c.listenKey(ctx, http.MethodPost)
			if err != nil {
				return "", err
			}
			keyMu.Lock()
			key = k
			keyMu.Unlock()
			return c.opts.WSURL + "/" + k, nil
		},
		Handle: func(raw []byte) error {
			var ev userEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return fmt.Errorf("failed to decode user event: %w", err)
			}
			var exec execution
			switch ev.Type {
			case "ORDER_TRADE_UPDATE":
				if err := json.Unmarshal(ev.Order, &exec); err != nil {
					return fmt.Errorf("failed to decode order update: %w", err)
				}
			case "executionReport":
				if err := json.Unmarshal(raw, &exec); err != nil {
					return fmt.Errorf("failed to decode execution report: %w", err)
				}
			default:
				return nil
			}
			if exec.ExecType != "TRADE" || exec.Symbol != symbol {
				return nil
			}

			orderID := fmt.Sprintf("%d", exec.OrderID)
			f := models.Fill{
				FillID:        fmt.Sprintf("%s:%d", orderID, exec.TradeID),
				OrderID:       orderID,
				CorrelationID: exec.ClientOrderID,
				Symbol:        exec.Symbol,
				Side:          fromSide(exec.Side),
				Price:         exec.LastPrice,
				Size:          exec.LastQty,
				Fee:           exec.Commission,
				Maker:         exec.Maker,
				Timestamp:     time.UnixMilli(exec.TradeTime),
			}
			select {
			case out <- f:
			case <-ctx.Done():
			}
			return nil
		},
	}, c.logger)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	go c.keepListenKey(ctx, func() string {
		keyMu.Lock()
		defer keyMu.Unlock()
		return key
	})
	go func() {
		<-client.Done()
		close(out)
	}()
	c.logger.WithFields(logrus.Fields{"exchange": name, "symbol": symbol}).Info("Subscribed to fills")
	return out, nil
}

func (c *Client) keepListenKey(ctx context.Context, current func() string) {
	ticker := time.NewTicker(listenKeyKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if current() == "" {
				continue
			}
			if _, err := c.listenKey(ctx, http.MethodPut); err != nil {
				c.logger.WithError(err).Warn("Failed to extend listen key")
			}
		}
	}
}
