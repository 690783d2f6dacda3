// Package flowledger is a Go client for the FlowLedger REST API.
package flowledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the FlowLedger REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu     sync.RWMutex
	apiKey string
}

// Balance is the real-time balance of an account. Amounts are decimal strings.
type Balance struct {
	Account     string `json:"account"`
	Timestamp   uint64 `json:"timestamp"`
	Static      string `json:"static"`
	Dynamic     string `json:"dynamic"`
	Deposit     string `json:"deposit"`
	OwedDeposit string `json:"owed_deposit"`
	Available   string `json:"available"`
	Insolvent   bool   `json:"insolvent"`
}

// AvailableInt parses Available.
func (b Balance) AvailableInt() (*big.Int, bool) {
	return new(big.Int).SetString(b.Available, 10)
}

// Flow describes an open constant flow.
type Flow struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Timestamp uint64 `json:"timestamp"`
	FlowRate  string `json:"flow_rate"`
	Deposit   string `json:"deposit"`
}

// FlowChange opens or changes a flow. Caller may be left empty when the
// server binds callers to API keys.
type FlowChange struct {
	Caller   common.Address
	Sender   common.Address
	Receiver common.Address
	FlowRate *big.Int
}

// Liquidation asks the server to queue a liquidation.
type Liquidation struct {
	Handler     common.Address
	AgreementID common.Hash
	Account     common.Address
	Liquidator  common.Address
	// Deposit is optional; nil uses the agreement's recorded deposit.
	Deposit *big.Int
}

// Ticket is the accepted liquidation request.
type Ticket struct {
	ID          string `json:"id"`
	Attempts    int    `json:"attempts"`
	MaxRetries  int    `json:"max_retries"`
	SubmittedAt int64  `json:"submitted_at"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("flowledger api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("flowledger api error (%d): %s", e.StatusCode, e.Message)
}

// IsCode reports whether err is an APIError carrying code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

// NewClient instantiates a client for the FlowLedger API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetAPIKey sets the key sent as a bearer token. Empty disables the header.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.apiKey = key
}

// Balance fetches the balance of account at the given Unix time, or at the
// server's current time when at is nil.
func (c *Client) Balance(ctx context.Context, account common.Address, at *uint64) (Balance, error) {
	endpoint := "/api/v1/accounts/" + account.Hex() + "/balance"
	query := url.Values{}
	if at != nil {
		query.Set("at", strconv.FormatUint(*at, 10))
	}
	var out Balance
	err := c.call(ctx, http.MethodGet, endpoint, query, nil, &out)
	return out, err
}

// ActiveAgreements lists the handlers holding state for account.
func (c *Client) ActiveAgreements(ctx context.Context, account common.Address) ([]common.Address, error) {
	var out struct {
		Handlers []common.Address `json:"handlers"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/accounts/"+account.Hex()+"/agreements", nil, nil, &out)
	return out.Handlers, err
}

// Upgrade wraps amount of the underlying asset into ledger balance.
func (c *Client) Upgrade(ctx context.Context, account common.Address, amount *big.Int) error {
	return c.call(ctx, http.MethodPost, "/api/v1/tokens/upgrade", nil, amountBody(account, amount), nil)
}

// Downgrade unwraps amount back into the underlying asset.
func (c *Client) Downgrade(ctx context.Context, account common.Address, amount *big.Int) error {
	return c.call(ctx, http.MethodPost, "/api/v1/tokens/downgrade", nil, amountBody(account, amount), nil)
}

// Transfer moves amount of static balance between accounts.
func (c *Client) Transfer(ctx context.Context, from, to common.Address, amount *big.Int) error {
	body := map[string]string{"from": from.Hex(), "to": to.Hex(), "amount": amount.String()}
	return c.call(ctx, http.MethodPost, "/api/v1/tokens/transfer", nil, body, nil)
}

// CreateFlow opens a flow.
func (c *Client) CreateFlow(ctx context.Context, change FlowChange) error {
	return c.call(ctx, http.MethodPost, "/api/v1/flows", nil, flowBody(change), nil)
}

// UpdateFlow changes the rate of an open flow.
func (c *Client) UpdateFlow(ctx context.Context, change FlowChange) error {
	return c.call(ctx, http.MethodPut, "/api/v1/flows", nil, flowBody(change), nil)
}

// GetFlow fetches the flow from sender to receiver.
func (c *Client) GetFlow(ctx context.Context, sender, receiver common.Address) (Flow, error) {
	var out Flow
	err := c.call(ctx, http.MethodGet, "/api/v1/flows/"+sender.Hex()+"/"+receiver.Hex(), nil, nil, &out)
	return out, err
}

// DeleteFlow closes a flow. A zero caller is omitted.
func (c *Client) DeleteFlow(ctx context.Context, caller, sender, receiver common.Address) error {
	query := url.Values{}
	if caller != (common.Address{}) {
		query.Set("caller", caller.Hex())
	}
	return c.call(ctx, http.MethodDelete, "/api/v1/flows/"+sender.Hex()+"/"+receiver.Hex(), query, nil, nil)
}

// SubmitLiquidation queues a liquidation and returns the accepted ticket.
func (c *Client) SubmitLiquidation(ctx context.Context, l Liquidation) (Ticket, error) {
	body := map[string]string{
		"handler":      l.Handler.Hex(),
		"agreement_id": l.AgreementID.Hex(),
		"account":      l.Account.Hex(),
		"liquidator":   l.Liquidator.Hex(),
	}
	if l.Deposit != nil {
		body["deposit"] = l.Deposit.String()
	}
	var out Ticket
	err := c.call(ctx, http.MethodPost, "/api/v1/liquidations", nil, body, &out)
	return out, err
}

func amountBody(account common.Address, amount *big.Int) map[string]string {
	body := map[string]string{"account": account.Hex()}
	if amount != nil {
		body["amount"] = amount.String()
	}
	return body
}

func flowBody(change FlowChange) map[string]string {
	body := map[string]string{
		"sender":   change.Sender.Hex(),
		"receiver": change.Receiver.Hex(),
	}
	if change.Caller != (common.Address{}) {
		body["caller"] = change.Caller.Hex()
	}
	if change.FlowRate != nil {
		body["flow_rate"] = change.FlowRate.String()
	}
	return body
}

func (c *Client) call(ctx context.Context, method, endpoint string, query url.Values, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	key := c.apiKey
	c.mu.RUnlock()
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
