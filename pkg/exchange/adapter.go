package exchange

import (
	"context"

	"github.com/gregtusar/mmbot/pkg/models"
)

// Adapter is the capability set every exchange backend provides to the engine.
// Implementations translate wire errors into the taxonomy in errors.go and
// honour OrderRequest.ClientID so a retried placement never creates a second order.
type Adapter interface {
	Name() string
	GetMarket(ctx context.Context, symbol string) (*models.Market, error)
	GetMidPrice(ctx context.Context, symbol string) (*models.BookTicker, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.Order, error)
	PlaceOrder(ctx context.Context, req *models.OrderRequest) (*models.Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	GetPosition(ctx context.Context, symbol string) (*models.Position, error)
	StreamFills(ctx context.Context, symbol string) (<-chan models.Fill, error)
	StreamBook(ctx context.Context, symbol string) (<-chan models.BookTicker, error)
}
