package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// ===== Credentials 凭证 =====

// Credentials 包含 API 凭证和签名方法
type Credentials struct {
	apiKey    string
	apiSecret string
}

// NewCredentials 创建凭证对象
func NewCredentials(apiKey, apiSecret string) *Credentials {
	return &Credentials{
		apiKey:    apiKey,
		apiSecret: apiSecret,
	}
}

// Sign 生成 HMAC-SHA256 签名
func (c *Credentials) Sign(data string) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// APIKey 返回 API Key
func (c *Credentials) APIKey() string {
	return c.apiKey
}

// Client 是 Binance USDT 永续合约客户端：行情走 WebSocket，交易走 REST。
// 实现 port.ExchangeClient。
type Client struct {
	wsURL   string // e.g. wss://fstream.binance.com
	restURL string // e.g. https://fapi.binance.com

	credentials *Credentials
	httpClient  *http.Client

	mu   sync.Mutex
	subs map[string]*wsSub
}

// New 创建 Binance 客户端。空 URL 使用生产环境默认值。
func New(wsURL, restURL, apiKey, apiSecret string) *Client {
	if strings.TrimSpace(wsURL) == "" {
		wsURL = "wss://fstream.binance.com"
	}
	if strings.TrimSpace(restURL) == "" {
		restURL = "https://fapi.binance.com"
	}
	return &Client{
		wsURL:       strings.TrimRight(strings.TrimSpace(wsURL), "/"),
		restURL:     strings.TrimRight(strings.TrimSpace(restURL), "/"),
		credentials: NewCredentials(apiKey, apiSecret),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		subs: make(map[string]*wsSub),
	}
}

func (c *Client) Name() string { return "binance" }

// Close 关闭所有订阅连接
func (c *Client) Close() error {
	c.mu.Lock()
	subs := make([]*wsSub, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.subs = make(map[string]*wsSub)
	c.mu.Unlock()

	for _, s := range subs {
		s.cancel()
		<-s.done
	}
	return nil
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func apiErr(code int, body []byte) error {
	return fmt.Errorf("binance api error: %d %s", code, string(body))
}
