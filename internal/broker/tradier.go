package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dmiller/tradeledger/internal/models"
)

const (
	tradierProdURL    = "https://api.tradier.com/v1"
	tradierSandboxURL = "https://sandbox.tradier.com/v1"

	defaultHTTPTimeout = 30 * time.Second
)

// TradierHistory reads order status and execution history from the Tradier
// account endpoints.
type TradierHistory struct {
	apiKey    string
	accountID string
	baseURL   string
	client    *http.Client
}

// NewTradierHistory creates a Tradier history client. Sandbox selects the
// paper-trading host.
func NewTradierHistory(apiKey, accountID string, sandbox bool) *TradierHistory {
	baseURL := tradierProdURL
	if sandbox {
		baseURL = tradierSandboxURL
	}
	return &TradierHistory{
		apiKey:    apiKey,
		accountID: accountID,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// tradierOrder mirrors the wire shape of Tradier's order object.
type tradierOrder struct {
	ID           int     `json:"id"`
	Symbol       string  `json:"symbol"`
	OptionSymbol string  `json:"option_symbol"`
	Side         string  `json:"side"`
	Quantity     float64 `json:"quantity"`
	Status       string  `json:"status"`
	AvgFillPrice float64 `json:"avg_fill_price"`
	ExecQuantity float64 `json:"exec_quantity"`
	CreateDate   string  `json:"create_date"`
	TransactionD string  `json:"transaction_date"`
}

type tradierOrderResponse struct {
	Order tradierOrder `json:"order"`
}

type tradierHistoryEvent struct {
	Type  string `json:"type"`
	Date  string `json:"date"`
	Trade struct {
		OrderID     int     `json:"order_id"`
		Symbol      string  `json:"symbol"`
		TradeType   string  `json:"trade_type"`
		Side        string  `json:"side"`
		Quantity    float64 `json:"quantity"`
		Price       float64 `json:"price"`
		Commission  float64 `json:"commission"`
		Description string  `json:"description"`
	} `json:"trade"`
}

type tradierHistoryResponse struct {
	History struct {
		Events []tradierHistoryEvent `json:"event"`
	} `json:"history"`
}

func (t *TradierHistory) GetOrderStatus(ctx context.Context, orderID string) (*OrderRecord, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/orders/%s", t.baseURL, t.accountID, url.PathEscape(orderID))
	var resp tradierOrderResponse
	if err := t.get(ctx, endpoint, nil, &resp); err != nil {
		if apiErr, ok := asAPIError(err); ok && apiErr.Status == http.StatusNotFound {
			return nil, fmt.Errorf("order %s: %w", orderID, ErrOrderNotFound)
		}
		return nil, err
	}
	return orderFromWire(resp.Order), nil
}

func (t *TradierHistory) GetFills(ctx context.Context, since time.Time) ([]FillEvent, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/history", t.baseURL, t.accountID)
	params := url.Values{}
	params.Set("type", "trade")
	params.Set("start", since.UTC().Format("2006-01-02"))
	params.Set("limit", "500")

	var resp tradierHistoryResponse
	if err := t.get(ctx, endpoint, params, &resp); err != nil {
		return nil, err
	}

	var fills []FillEvent
	for _, ev := range resp.History.Events {
		if ev.Type != "trade" {
			continue
		}
		ts, err := time.Parse("2006-01-02", ev.Date)
		if err != nil {
			ts, err = time.Parse(time.RFC3339, ev.Date)
			if err != nil {
				continue
			}
		}
		if ts.Before(since.Truncate(24 * time.Hour)) {
			continue
		}
		qty := int(ev.Trade.Quantity)
		if qty < 0 {
			qty = -qty
		}
		fills = append(fills, FillEvent{
			OrderID:   fmt.Sprintf("%d", ev.Trade.OrderID),
			Symbol:    ev.Trade.Symbol,
			Side:      sideFromWire(ev.Trade.Side),
			Quantity:  qty,
			Price:     ev.Trade.Price,
			Fees:      ev.Trade.Commission,
			Timestamp: ts,
		})
	}
	return fills, nil
}

func (t *TradierHistory) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("broker request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read broker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode broker response: %w", err)
	}
	return nil
}

func orderFromWire(o tradierOrder) *OrderRecord {
	symbol := o.OptionSymbol
	if symbol == "" {
		symbol = o.Symbol
	}
	return &OrderRecord{
		ID:           fmt.Sprintf("%d", o.ID),
		Symbol:       symbol,
		Side:         sideFromWire(o.Side),
		Quantity:     int(o.Quantity),
		Status:       statusFromWire(o.Status),
		AvgFillPrice: o.AvgFillPrice,
		FilledQty:    int(o.ExecQuantity),
		CreatedAt:    parseWireTime(o.CreateDate),
		UpdatedAt:    parseWireTime(o.TransactionD),
	}
}

func sideFromWire(side string) models.OrderSide {
	switch strings.ToLower(side) {
	case "sell_to_open":
		return models.SideSellToOpen
	case "buy_to_open":
		return models.SideBuyToOpen
	case "buy_to_close":
		return models.SideBuyToClose
	case "sell_to_close":
		return models.SideSellToClose
	default:
		return models.OrderSide(strings.ToLower(side))
	}
}

func statusFromWire(status string) OrderStatus {
	switch strings.ToLower(status) {
	case "filled":
		return StatusFilled
	case "rejected", "error":
		return StatusRejected
	case "canceled", "cancelled":
		return StatusCanceled
	case "expired":
		return StatusExpired
	case "partially_filled":
		return StatusPartiallyFilled
	case "pending", "submitted":
		return StatusPending
	default:
		return StatusOpen
	}
}

func parseWireTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05.000Z", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func asAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	ok := errors.As(err, &apiErr)
	return apiErr, ok
}
