// Package explorer reads contract state through a block-explorer style query API.
package explorer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
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
		baseURL = "http://localhost:9100"
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type explorerResp struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Result  struct {
		State       string `json:"state"`
		BlockNumber string `json:"blockNumber"`
		TxHash      string `json:"txHash"`
	} `json:"result"`
}

func (c *Client) query(ctx context.Context, action string, params url.Values) (*explorerResp, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse base url")
	}
	u.Path = "/api"

	q := u.Query()
	q.Set("module", "custody")
	q.Set("action", action)
	q.Set("apikey", c.apiKey)
	for k, v := range params {
		q[k] = v
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.Wrap(err, "new request")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, errors.Wrap(chain.ErrUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("explorer http %d", resp.StatusCode)
	}

	var r explorerResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil, errors.Wrap(err, "decode")
	}
	return &r, nil
}

func (c *Client) IsAvailable(ctx context.Context) bool {
	r, err := c.query(ctx, "ping", nil)
	return err == nil && r.Status == "1"
}

func (c *Client) GetShipment(ctx context.Context, shipmentHash string) (chain.ShipmentState, error) {
	r, err := c.query(ctx, "getshipment", url.Values{"hash": {shipmentHash}})
	if err != nil {
		return chain.ShipmentState{}, err
	}
	if r.Status != "1" {
		// explorer отвечает status=0 и текстом в message, если записи нет
		if strings.Contains(strings.ToLower(r.Message), "not found") {
			return chain.ShipmentState{}, errors.Wrapf(chain.ErrNotFound, "shipment %s", shipmentHash)
		}
		return chain.ShipmentState{}, fmt.Errorf("explorer status=%s message=%s", r.Status, r.Message)
	}

	st := chain.ShipmentState{
		Status: normalizeState(r.Result.State),
		TxHash: r.Result.TxHash,
	}
	st.IsLocked = st.Status == chain.StatusLocked
	if r.Result.BlockNumber != "" {
		if n, err := parseBlock(r.Result.BlockNumber); err == nil {
			st.BlockNumber = &n
		}
	}
	return st, nil
}

// parseBlock accepts decimal or 0x-prefixed hex block numbers.
func parseBlock(s string) (uint64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseUint(s[2:], 16, 64)
	}
	return strconv.ParseUint(s, 10, 64)
}

func normalizeState(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "locked", "anchored", "1":
		return chain.StatusLocked
	case "unlocked", "created", "0":
		return chain.StatusUnlocked
	}
	return chain.StatusUnknown
}
