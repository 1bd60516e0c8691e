package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownbot/internal/crypto"
	"github.com/alanyoungcy/updownbot/internal/domain"
)

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API: order placement and cancellation, order status, tick
// size, midpoints and position balances.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
}

// NewClobClient creates a new CLOB REST client.
//
// baseURL is the CLOB API root, e.g. "https://clob.polymarket.com".
// signer may be nil for read-only use (midpoints, tick sizes).
// hmac may be nil; call DeriveAPIKey to obtain credentials.
func NewClobClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *ClobClient {
	return &ClobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
	}
}

// HasCredentials reports whether L2 credentials are set.
func (c *ClobClient) HasCredentials() bool {
	return c.hmacAuth.Valid()
}

// SignedOrder is a signed order ready for POST /order.
type SignedOrder struct {
	Payload   crypto.OrderPayload
	Signature string
}

// PostOrder submits a signed order with the given time-in-force. A
// fill-or-kill rejection for lack of liquidity is reported as
// domain.ErrLiquidity.
func (c *ClobClient) PostOrder(ctx context.Context, order SignedOrder, orderType domain.OrderType) (domain.OrderResult, error) {
	side := "BUY"
	if order.Payload.Side == 1 {
		side = "SELL"
	}
	salt, err := decimal.NewFromString(order.Payload.Salt)
	if err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: bad salt: %w", err)
	}
	owner := ""
	if c.hmacAuth != nil {
		owner = c.hmacAuth.Key
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          json.Number(salt.String()),
			"maker":         order.Payload.Maker,
			"signer":        order.Payload.Signer,
			"taker":         order.Payload.Taker,
			"tokenId":       order.Payload.TokenID,
			"makerAmount":   order.Payload.MakerAmount,
			"takerAmount":   order.Payload.TakerAmount,
			"expiration":    order.Payload.Expiration,
			"nonce":         order.Payload.Nonce,
			"feeRateBps":    order.Payload.FeeRateBps,
			"side":          side,
			"signatureType": order.Payload.SignatureType,
			"signature":     order.Signature,
		},
		"owner":     owner,
		"orderType": string(orderType),
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body)
	if err != nil {
		if isLiquidityFailure(err.Error()) {
			return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w: %v", domain.ErrLiquidity, err)
		}
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderResult{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	result := apiResult.ToDomainOrderResult()
	if !result.Success {
		if isLiquidityFailure(result.Message) {
			return result, fmt.Errorf("polymarket/clob: order rejected: %w: %s", domain.ErrLiquidity, result.Message)
		}
		return result, fmt.Errorf("polymarket/clob: order rejected: %s", result.Message)
	}

	return result, nil
}

// isLiquidityFailure matches the exchange's fill-or-kill rejection, e.g.
// "order couldn't be fully filled. FOK orders are fully filled or killed."
func isLiquidityFailure(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "fully filled")
}

// CancelOrder cancels a single order by its ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{
		"orderID": orderID,
	}

	if _, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body); err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAll cancels all open orders for the authenticated wallet.
func (c *ClobClient) CancelAll(ctx context.Context) error {
	if _, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/cancel-all", nil); err != nil {
		return fmt.Errorf("polymarket/clob: cancel all: %w", err)
	}
	return nil
}

// GetOrder retrieves a single order by ID.
func (c *ClobClient) GetOrder(ctx context.Context, orderID string) (APIOrder, error) {
	path := "/data/order/" + url.PathEscape(orderID)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: get order %s: %w", orderID, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return APIOrder{}, fmt.Errorf("polymarket/clob: decode order: %w", err)
	}
	return apiOrder, nil
}

// OrderStatus returns the raw exchange status of an order, e.g. "LIVE".
func (c *ClobClient) OrderStatus(ctx context.Context, orderID string) (string, error) {
	o, err := c.GetOrder(ctx, orderID)
	if err != nil {
		return "", err
	}
	return o.Status, nil
}

// GetTickSize returns the minimum tick size of a token.
func (c *ClobClient) GetTickSize(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	respBody, err := c.doPublicGet(ctx, "/tick-size", url.Values{"token_id": {tokenID}})
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: tick size %s: %w", tokenID, err)
	}
	var resp struct {
		MinimumTickSize flexString `json:"minimum_tick_size"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: decode tick size: %w", err)
	}
	tick, ok := resp.MinimumTickSize.Decimal()
	if !ok || !tick.IsPositive() {
		return decimal.Zero, fmt.Errorf("polymarket/clob: tick size %s: %w", tokenID, domain.ErrNotFound)
	}
	return tick, nil
}

// GetMidpoint returns the exchange's point-in-time midpoint for a token.
func (c *ClobClient) GetMidpoint(ctx context.Context, tokenID string) (decimal.Decimal, error) {
	respBody, err := c.doPublicGet(ctx, "/midpoint", url.Values{"token_id": {tokenID}})
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: midpoint %s: %w", tokenID, err)
	}
	var resp struct {
		Mid      flexString `json:"mid"`
		Midpoint flexString `json:"midpoint"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: decode midpoint: %w", err)
	}
	mid, ok := resp.Mid.Decimal()
	if !ok {
		mid, ok = resp.Midpoint.Decimal()
	}
	if !ok {
		return decimal.Zero, fmt.Errorf("polymarket/clob: midpoint %s: %w", tokenID, domain.ErrNoPrice)
	}
	return mid, nil
}

// GetBalance returns the shares of tokenID held by user. The endpoint
// answers with either a list of positions or a single object.
func (c *ClobClient) GetBalance(ctx context.Context, user, tokenID string) (decimal.Decimal, error) {
	path := "/data/positions?" + url.Values{"user": {user}, "token_id": {tokenID}}.Encode()
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: positions: %w", err)
	}
	bal, err := parseBalance(respBody, tokenID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("polymarket/clob: positions: %w", err)
	}
	return bal, nil
}

func parseBalance(body []byte, tokenID string) (decimal.Decimal, error) {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		var list []APIPosition
		if err := json.Unmarshal(body, &list); err != nil {
			return decimal.Zero, err
		}
		for _, p := range list {
			if string(p.AssetID) == tokenID {
				v, _ := p.amount()
				return v, nil
			}
		}
		return decimal.Zero, nil
	}
	var one APIPosition
	if err := json.Unmarshal(body, &one); err != nil {
		return decimal.Zero, err
	}
	v, _ := one.amount()
	return v, nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. On success it populates the client's
// credentials.
func (c *ClobClient) DeriveAPIKey(ctx context.Context) error {
	if c.signer == nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w", domain.ErrUnauthorized)
	}
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("polymarket/clob: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("polymarket/clob: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", fmt.Sprintf("%d", nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("polymarket/clob: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: read auth response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return fmt.Errorf("polymarket/clob: derive api key: %w", err)
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("polymarket/clob: decode auth response: %w", err)
	}

	creds := &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}
	if !creds.Valid() {
		return fmt.Errorf("polymarket/clob: derive api key: %w: incomplete credentials", domain.ErrUnauthorized)
	}
	c.hmacAuth = creds
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.hmacAuth != nil && c.signer != nil {
		// The signed path excludes the query string.
		signPath := path
		if i := strings.IndexByte(signPath, '?'); i >= 0 {
			signPath = signPath[:i]
		}
		headers := c.hmacAuth.L2Headers(c.signer.Address().Hex(), method, signPath, bodyStr)
		for k, v := range headers {
			req.Header.Set(k, v)
		}
	}

	return c.do(req)
}

// doPublicGet sends an unauthenticated GET.
func (c *ClobClient) doPublicGet(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *ClobClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
// The body's "error" field is preferred as the message when present.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	msg := string(body)
	var apiErr struct {
		Error    string `json:"error"`
		ErrorMsg string `json:"errorMsg"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		if apiErr.Error != "" {
			msg = apiErr.Error
		} else if apiErr.ErrorMsg != "" {
			msg = apiErr.ErrorMsg
		}
	}

	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, msg)
	default:
		return &HTTPError{StatusCode: statusCode, Message: msg}
	}
}

// HTTPError is a non-2xx response without a more specific sentinel.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsHTTPStatus reports whether err carries the given HTTP status code.
func IsHTTPStatus(err error, code int) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.StatusCode == code
}
