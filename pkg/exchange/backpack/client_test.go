package backpack

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gregtusar/mmbot/pkg/exchange"
	"github.com/gregtusar/mmbot/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSeed = make([]byte, ed25519.SeedSize)

func testSecret() string {
	for i := range testSeed {
		testSeed[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(testSeed)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewClient(Options{
		BaseURL:   srv.URL,
		WSURL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		APISecret: testSecret(),
	}, quietLogger())
	require.NoError(t, err)
	return c
}

func TestSignerPayloadOrdering(t *testing.T) {
	s, err := NewSigner("", testSecret())
	require.NoError(t, err)

	got := s.payload("orderExecute", map[string]string{"symbol": "SOL_USDC", "side": "Bid", "price": "100"}, 1700000000000)
	assert.Equal(t, "instruction=orderExecute&price=100&side=Bid&symbol=SOL_USDC&timestamp=1700000000000&window=5000", got)

	got = s.payload("balanceQuery", nil, 1)
	assert.Equal(t, "instruction=balanceQuery&timestamp=1&window=5000", got)
}

func TestSignerRejectsBadSecret(t *testing.T) {
	_, err := NewSigner("key", "not base64!")
	assert.Error(t, err)
	_, err = NewSigner("key", base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestPlaceOrderSignsRequest(t *testing.T) {
	var gotBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/order", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		ts, err := strconv.ParseInt(r.Header.Get("X-Timestamp"), 10, 64)
		require.NoError(t, err)
		sig, err := base64.StdEncoding.DecodeString(r.Header.Get("X-Signature"))
		require.NoError(t, err)
		pub, err := base64.StdEncoding.DecodeString(r.Header.Get("X-API-Key"))
		require.NoError(t, err)

		params := map[string]string{}
		for k, v := range gotBody {
			switch val := v.(type) {
			case string:
				params[k] = val
			case bool:
				params[k] = strconv.FormatBool(val)
			case float64:
				params[k] = strconv.FormatFloat(val, 'f', -1, 64)
			}
		}
		s := &Signer{window: defaultWindow}
		msg := s.payload("orderExecute", params, ts)
		assert.True(t, ed25519.Verify(pub, []byte(msg), sig), "signature must verify over %q", msg)

		json.NewEncoder(w).Encode(map[string]any{
			"id":               "111",
			"clientId":         gotBody["clientId"],
			"symbol":           "SOL_USDC_PERP",
			"side":             "Bid",
			"orderType":        "Limit",
			"price":            "99.94",
			"quantity":         "0.3",
			"executedQuantity": "0",
			"status":           "New",
			"timeInForce":      "GTC",
			"postOnly":         true,
		})
	})

	o, err := c.PlaceOrder(context.Background(), &models.OrderRequest{
		Symbol:      "SOL_USDC_PERP",
		ClientID:    "corr-1",
		Side:        models.OrderSideBuy,
		Type:        models.OrderTypeLimit,
		Price:       decimal.RequireFromString("99.94"),
		Size:        decimal.RequireFromString("0.3"),
		TimeInForce: models.TimeInForceGTC,
		PostOnly:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "111", o.OrderID)
	assert.Equal(t, "corr-1", o.ClientID)
	assert.Equal(t, models.OrderStatusAcknowledged, o.Status)
	assert.Equal(t, "Bid", gotBody["side"])
	assert.Equal(t, "99.94", gotBody["price"])
	assert.Equal(t, true, gotBody["postOnly"])
	assert.NotContains(t, gotBody, "reduceOnly")
}

func TestReduceOnlyByMarketType(t *testing.T) {
	for _, mt := range []models.MarketType{models.MarketTypePerp, models.MarketTypeSpot} {
		t.Run(string(mt), func(t *testing.T) {
			var gotBody map[string]any
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
				json.NewEncoder(w).Encode(map[string]any{
					"id": "7", "symbol": "SOL_USDC", "side": "Ask", "orderType": "Limit",
					"price": "99.5", "quantity": "1", "executedQuantity": "1", "status": "Filled",
				})
			}))
			t.Cleanup(srv.Close)
			c, err := NewClient(Options{BaseURL: srv.URL, APISecret: testSecret(), MarketType: mt}, quietLogger())
			require.NoError(t, err)

			_, err = c.PlaceOrder(context.Background(), &models.OrderRequest{
				Symbol:      "SOL_USDC",
				ClientID:    "flat-1",
				Side:        models.OrderSideSell,
				Type:        models.OrderTypeLimit,
				Price:       decimal.RequireFromString("99.5"),
				Size:        decimal.RequireFromString("1"),
				TimeInForce: models.TimeInForceIOC,
				ReduceOnly:  true,
			})
			require.NoError(t, err)
			if mt == models.MarketTypeSpot {
				assert.NotContains(t, gotBody, "reduceOnly")
			} else {
				assert.Equal(t, true, gotBody["reduceOnly"])
			}
		})
	}
}

func TestClientIDsAreBounded(t *testing.T) {
	c := &Client{clients: make(map[uint32]string)}

	first, _ := c.clientID("corr-0")
	for i := 1; i <= maxClientIDs; i++ {
		c.clientID("corr-" + strconv.Itoa(i))
	}
	assert.LessOrEqual(t, len(c.clients), maxClientIDs)
	assert.Len(t, c.issued, len(c.clients))
	assert.Equal(t, strconv.FormatUint(uint64(first), 10), c.correlationID(first), "oldest id evicted")

	last, _ := c.clientID("corr-" + strconv.Itoa(maxClientIDs))
	assert.Equal(t, "corr-"+strconv.Itoa(maxClientIDs), c.correlationID(last))
	c.forgetClientID(last)
	_, ok := c.clients[last]
	assert.False(t, ok)
	assert.Len(t, c.issued, len(c.clients))
}

func TestRetriedPlacementReturnsExistingOrder(t *testing.T) {
	var posts int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			posts++
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(apiError{Code: "SERVICE_UNAVAILABLE", Message: "try later"})
		case http.MethodGet:
			id, _ := strconv.ParseUint(r.URL.Query().Get("clientId"), 10, 32)
			json.NewEncoder(w).Encode(map[string]any{
				"id": "222", "clientId": id, "symbol": "SOL_USDC_PERP", "side": "Ask",
				"price": "100.06", "quantity": "0.3", "executedQuantity": "0.1", "status": "PartiallyFilled",
			})
		}
	})
	req := &models.OrderRequest{
		Symbol: "SOL_USDC_PERP", ClientID: "corr-2", Side: models.OrderSideSell, Type: models.OrderTypeLimit,
		Price: decimal.RequireFromString("100.06"), Size: decimal.RequireFromString("0.3"),
	}

	_, err := c.PlaceOrder(context.Background(), req)
	require.ErrorIs(t, err, exchange.ErrNetworkTransient)

	o, err := c.PlaceOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, posts)
	assert.Equal(t, "222", o.OrderID)
	assert.Equal(t, "corr-2", o.ClientID)
	assert.Equal(t, models.OrderStatusPartiallyFilled, o.Status)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"not found", http.StatusNotFound, "RESOURCE_NOT_FOUND", exchange.ErrOrderNotFound},
		{"rejected", http.StatusBadRequest, "INVALID_CLIENT_REQUEST", exchange.ErrOrderRejected},
		{"auth", http.StatusUnauthorized, "UNAUTHORIZED", exchange.ErrAuthFailure},
		{"rate limit", http.StatusTooManyRequests, "", exchange.ErrRateLimited},
		{"server", http.StatusBadGateway, "", exchange.ErrNetworkTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Retry-After", "2")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(apiError{Code: tt.code, Message: "boom"})
			})
			err := c.CancelOrder(context.Background(), "SOL_USDC_PERP", "1")
			require.ErrorIs(t, err, tt.want)

			var exErr *exchange.Error
			require.ErrorAs(t, err, &exErr)
			assert.Equal(t, tt.status, exErr.Status)
			assert.Equal(t, 2*time.Second, exErr.RetryAfter)
		})
	}
}

func TestMarketAndBook(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/market":
			assert.Equal(t, "SOL_USDC_PERP", r.URL.Query().Get("symbol"))
			io.WriteString(w, `{"symbol":"SOL_USDC_PERP","baseSymbol":"SOL","quoteSymbol":"USDC","marketType":"PERP",
				"filters":{"price":{"tickSize":"0.01"},"quantity":{"stepSize":"0.01","minQuantity":"0.01"}}}`)
		case "/api/v1/depth":
			io.WriteString(w, `{"bids":[["99.98","1"],["99.99","2"]],"asks":[["100.01","3"],["100.02","4"]],"timestamp":1700000000000}`)
		}
	})
	ctx := context.Background()

	m, err := c.GetMarket(ctx, "SOL_USDC_PERP")
	require.NoError(t, err)
	assert.Equal(t, models.MarketTypePerp, m.Type)
	assert.Equal(t, "0.01", m.TickSize.String())
	assert.Equal(t, "SOL", m.BaseAsset)

	book, err := c.GetMidPrice(ctx, "SOL_USDC_PERP")
	require.NoError(t, err)
	assert.Equal(t, "99.99", book.BidPrice.String())
	assert.Equal(t, "100.01", book.AskPrice.String())
	assert.Equal(t, "100", book.Mid().String())
}

func TestGetPosition(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/position", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Signature"))
		io.WriteString(w, `[{"symbol":"BTC_USDC_PERP","netQuantity":"5"},
			{"symbol":"SOL_USDC_PERP","netQuantity":"-0.6","entryPrice":"101.5","markPrice":"100","pnlRealized":"1.2","pnlUnrealized":"0.9"}]`)
	})

	p, err := c.GetPosition(context.Background(), "SOL_USDC_PERP")
	require.NoError(t, err)
	assert.Equal(t, "-0.6", p.NetSize.String())
	assert.Equal(t, "101.5", p.EntryPrice.String())
	assert.Equal(t, "1.2", p.RealizedPL.String())
}

func TestStreamFills(t *testing.T) {
	upgrader := websocket.Upgrader{}
	subscribed := make(chan subscribeMessage, 1)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		subscribed <- sub

		id := fnvID("corr-9")
		conn.WriteJSON(map[string]any{
			"stream": "account.orderUpdate.SOL_USDC_PERP",
			"data": map[string]any{
				"e": "orderAccepted", "s": "SOL_USDC_PERP", "i": "333", "c": id,
			},
		})
		conn.WriteJSON(map[string]any{
			"stream": "account.orderUpdate.SOL_USDC_PERP",
			"data": map[string]any{
				"e": "orderFill", "s": "SOL_USDC_PERP", "c": id, "S": "Ask", "i": "333", "t": 42,
				"l": "0.1", "L": "100.06", "m": true, "n": "0.002", "T": 1700000000000000,
				"q": "0.1", "z": "0.1",
			},
		})
		// Hold the connection until the client goes away.
		conn.ReadMessage()
	})
	c.clientID("corr-9")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fills, err := c.StreamFills(ctx, "SOL_USDC_PERP")
	require.NoError(t, err)

	sub := <-subscribed
	assert.Equal(t, "SUBSCRIBE", sub.Method)
	assert.Equal(t, []string{"account.orderUpdate.SOL_USDC_PERP"}, sub.Params)
	require.Len(t, sub.Signature, 4)

	select {
	case f := <-fills:
		assert.Equal(t, "42", f.FillID)
		assert.Equal(t, "333", f.OrderID)
		assert.Equal(t, "corr-9", f.CorrelationID)
		assert.Equal(t, models.OrderSideSell, f.Side)
		assert.Equal(t, "0.1", f.Size.String())
		assert.True(t, f.Maker)
	case <-time.After(5 * time.Second):
		t.Fatal("no fill received")
	}
	c.mu.RLock()
	assert.Empty(t, c.clients, "fully filled order no longer tracked")
	c.mu.RUnlock()

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-fills
		return !open
	}, 5*time.Second, 10*time.Millisecond)
}

func fnvID(corr string) uint32 {
	c := &Client{clients: make(map[uint32]string)}
	id, _ := c.clientID(corr)
	return id
}
