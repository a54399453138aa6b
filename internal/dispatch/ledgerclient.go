package dispatch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/swarmos/swarmos/internal/backoff"
	"github.com/swarmos/swarmos/internal/rpcauth"
	"github.com/swarmos/swarmos/internal/swarmtypes"
)

// LedgerClient is everything the Controller needs from the Settlement
// Ledger. It is an interface so tests can substitute an in-process fake
// instead of spinning up the real HTTP service.
type LedgerClient interface {
	Balance(account string) (swarmtypes.BalanceResponse, error)
	Reserve(account string, amount swarmtypes.Amount, jobID string) error
	Charge(account string, amount swarmtypes.Amount, jobID string) error
	Refund(account string, jobID string) error
	Credit(account string, amount swarmtypes.Amount, jobID string, pending bool) error
	SealEpoch(req swarmtypes.SealEpochRequest) error
}

// HTTPLedgerClient calls a remote Settlement Ledger over HTTP+JSON,
// authenticating with a minted rpcauth bearer token and retrying
// transient failures with exponential backoff and jitter.
type HTTPLedgerClient struct {
	BaseURL string
	Minter  *rpcauth.Minter
	HTTP    *http.Client
}

// NewHTTPLedgerClient builds a client targeting baseURL.
func NewHTTPLedgerClient(baseURL string, minter *rpcauth.Minter) *HTTPLedgerClient {
	return &HTTPLedgerClient{BaseURL: baseURL, Minter: minter, HTTP: &http.Client{Timeout: 5 * time.Second}}
}

// call retries transient failures with exponential backoff and jitter.
// Permanent errors (unauthorized, conflict, not_found, ...) surface
// immediately: retrying them can only produce the same answer slower.
func (c *HTTPLedgerClient) call(method, path string, body interface{}, out interface{}) error {
	var permanent error
	err := backoff.Retry(3, 100*time.Millisecond, time.Second, 50*time.Millisecond, func() error {
		err := c.doOnce(method, path, body, out)
		if err == nil {
			return nil
		}
		switch swarmtypes.KindOf(err) {
		case swarmtypes.ErrUnavailable, swarmtypes.ErrTimeout:
			return err
		default:
			permanent = err
			return nil
		}
	})
	if permanent != nil {
		return permanent
	}
	return err
}

func (c *HTTPLedgerClient) doOnce(method, path string, body interface{}, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Minter != nil {
		tok, err := c.Minter.Mint("dispatch-controller")
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return swarmtypes.Wrap(swarmtypes.ErrUnavailable, err, "ledger call %s %s", method, path)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return swarmtypes.NewError(swarmtypes.ErrUnavailable, "ledger returned %d for %s %s", resp.StatusCode, method, path)
	}
	if resp.StatusCode >= 400 {
		// Error bodies carry a machine-readable kind; surface it so the
		// caller sees the same error it would from an in-process Ledger.
		var body struct {
			Kind    swarmtypes.ErrKind `json:"kind"`
			Message string             `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Kind != "" {
			return swarmtypes.NewError(body.Kind, "ledger: %s", body.Message)
		}
		return swarmtypes.NewError(swarmtypes.ErrConflict, "ledger returned %d for %s %s", resp.StatusCode, method, path)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *HTTPLedgerClient) Balance(account string) (swarmtypes.BalanceResponse, error) {
	var resp swarmtypes.BalanceResponse
	err := c.call(http.MethodGet, fmt.Sprintf("/balances/%s", account), nil, &resp)
	return resp, err
}

func (c *HTTPLedgerClient) Reserve(account string, amount swarmtypes.Amount, jobID string) error {
	return c.call(http.MethodPost, fmt.Sprintf("/balances/%s/reserve", account),
		swarmtypes.ReserveRequest{Account: account, Amount: amount, JobID: jobID}, nil)
}

func (c *HTTPLedgerClient) Charge(account string, amount swarmtypes.Amount, jobID string) error {
	return c.call(http.MethodPost, fmt.Sprintf("/balances/%s/charge", account),
		swarmtypes.ChargeRequest{Account: account, Amount: amount, JobID: jobID}, nil)
}

func (c *HTTPLedgerClient) Refund(account string, jobID string) error {
	return c.call(http.MethodPost, fmt.Sprintf("/balances/%s/refund", account),
		swarmtypes.RefundRequest{Account: account, JobID: jobID}, nil)
}

func (c *HTTPLedgerClient) Credit(account string, amount swarmtypes.Amount, jobID string, pending bool) error {
	return c.call(http.MethodPost, fmt.Sprintf("/balances/%s/credit", account),
		swarmtypes.CreditRequest{Account: account, Amount: amount, JobID: jobID, Pending: pending}, nil)
}

func (c *HTTPLedgerClient) SealEpoch(req swarmtypes.SealEpochRequest) error {
	return c.call(http.MethodPost, fmt.Sprintf("/epochs/%s/seal", req.EpochID), req, nil)
}
