package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradebot/internal/application/port"
	"tradebot/internal/domain/model"
)

// signedRequest is shared helper for signed REST calls.
func (c *Client) signedRequest(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if params.Get("recvWindow") == "" {
		params.Set("recvWindow", "5000")
	}

	query := params.Encode()
	signature := c.credentials.Sign(query)
	endpoint := fmt.Sprintf("%s%s?%s&signature=%s", c.restURL, path, query, signature)

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.credentials.APIKey())
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		// 4xx 意味着交易所明确拒绝了请求
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: http %d: %s", port.ErrExchangeRejected, resp.StatusCode, string(body))
		}
		return nil, apiErr(resp.StatusCode, body)
	}

	return body, nil
}

// ===== account =====

type accountResponse struct {
	TotalWalletBalance string `json:"totalWalletBalance"`
	TotalMarginBalance string `json:"totalMarginBalance"`
	TotalMaintMargin   string `json:"totalMaintMargin"`
	AvailableBalance   string `json:"availableBalance"`
	Positions          []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		Leverage    string `json:"leverage"`
	} `json:"positions"`
}

// AccountSnapshot 获取合约账户的余额与持仓快照
func (c *Client) AccountSnapshot(ctx context.Context) (model.AccountSnapshot, error) {
	body, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil)
	if err != nil {
		return model.AccountSnapshot{}, fmt.Errorf("binance account: %w", err)
	}

	var resp accountResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.AccountSnapshot{}, fmt.Errorf("binance account unmarshal: %w", err)
	}

	snap := model.AccountSnapshot{
		Balance:     pf(resp.TotalWalletBalance),
		Equity:      pf(resp.TotalMarginBalance),
		MarginUsed:  pf(resp.TotalMaintMargin),
		FreeMargin:  pf(resp.AvailableBalance),
		RetrievedAt: time.Now().UnixMilli(),
	}
	for _, p := range resp.Positions {
		amt := pf(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := model.Buy
		if amt < 0 {
			side = model.Sell
			amt = -amt
		}
		lev, _ := strconv.Atoi(p.Leverage)
		snap.Positions = append(snap.Positions, model.Position{
			Symbol:     p.Symbol,
			Side:       side,
			Quantity:   amt,
			EntryPrice: pf(p.EntryPrice),
			Leverage:   lev,
			Status:     model.PositionOpen,
		})
	}
	return snap, nil
}

// ===== orders =====

type orderResponse struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
	UpdateTime  int64  `json:"updateTime"`
}

// PlaceOrder 下单。Price 为 0 时按市价单提交，否则为 GTC 限价单。
func (c *Client) PlaceOrder(ctx context.Context, req model.OrderRequest) (model.OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("quantity", strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Price > 0 {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", strconv.FormatFloat(req.Price, 'f', -1, 64))
	} else {
		params.Set("type", "MARKET")
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	// RESULT 响应里带成交均价
	params.Set("newOrderRespType", "RESULT")

	body, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return model.OrderResult{}, fmt.Errorf("binance place order: %w", err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.OrderResult{}, fmt.Errorf("binance order unmarshal: %w", err)
	}
	if resp.Status == "REJECTED" || resp.Status == "EXPIRED" {
		return model.OrderResult{}, fmt.Errorf("%w: status %s", port.ErrExchangeRejected, resp.Status)
	}

	return model.OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      resp.Symbol,
		Side:        req.Side,
		ExecutedQty: pf(resp.ExecutedQty),
		AvgPrice:    pf(resp.AvgPrice),
		Timestamp:   resp.UpdateTime,
	}, nil
}

// CancelOrder 撤单
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", orderID)
	if _, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params); err != nil {
		return fmt.Errorf("binance cancel order: %w", err)
	}
	return nil
}

// ===== market data =====

// LastPrice 查询最新成交价（公共接口，无需签名）
func (c *Client) LastPrice(ctx context.Context, symbol string) (float64, error) {
	endpoint := fmt.Sprintf("%s/fapi/v1/ticker/price?symbol=%s", c.restURL, strings.ToUpper(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	if resp.StatusCode != http.StatusOK {
		return 0, apiErr(resp.StatusCode, body)
	}

	var out struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return 0, fmt.Errorf("binance price unmarshal: %w", err)
	}
	price := pf(out.Price)
	if price <= 0 {
		return 0, fmt.Errorf("binance: bad price %q for %s", out.Price, symbol)
	}
	return price, nil
}
