// Package rpcchain talks to the JSON gateway in front of the custody contract node.
package rpcchain

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BearBump/CustodyBox/internal/integrations/chain"
	"github.com/pkg/errors"
)

type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

func New(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8545"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type respBody struct {
	ShipmentHash string  `json:"shipment_hash"`
	Status       string  `json:"status"`
	IsLocked     bool    `json:"is_locked"`
	BlockNumber  *uint64 `json:"block_number,omitempty"`
	TxHash       string  `json:"tx_hash,omitempty"`
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	return req, nil
}

func (c *Client) IsAvailable(ctx context.Context) bool {
	req, err := c.newRequest(ctx, "/v1/health")
	if err != nil {
		return false
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode/100 == 2
}

func (c *Client) GetShipment(ctx context.Context, shipmentHash string) (chain.ShipmentState, error) {
	req, err := c.newRequest(ctx, fmt.Sprintf("/v1/shipments/%s", url.PathEscape(shipmentHash)))
	if err != nil {
		return chain.ShipmentState{}, err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return chain.ShipmentState{}, errors.Wrap(chain.ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return chain.ShipmentState{}, errors.Wrapf(chain.ErrNotFound, "shipment %s", shipmentHash)
	case resp.StatusCode == http.StatusTooManyRequests:
		return chain.ShipmentState{}, fmt.Errorf("chain gateway rate limit (429)")
	case resp.StatusCode/100 != 2:
		return chain.ShipmentState{}, fmt.Errorf("chain gateway http %d", resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return chain.ShipmentState{}, errors.Wrap(err, "decode")
	}

	status := strings.ToUpper(rb.Status)
	if status == "" {
		status = chain.StatusUnknown
	}
	return chain.ShipmentState{
		Status:      status,
		IsLocked:    rb.IsLocked,
		BlockNumber: rb.BlockNumber,
		TxHash:      rb.TxHash,
	}, nil
}
