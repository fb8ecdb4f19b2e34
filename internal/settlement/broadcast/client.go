// Package broadcast talks to a toncenter-style HTTP node gateway and
// classifies submission results. The classification is the safety boundary:
// a node refusal is terminal, while any outcome where the node may have seen
// the message is reported Indeterminate and reconciled, never blindly
// retried.
package broadcast

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nebulaex/tonsettle/internal/settlement/interfaces"
	"github.com/nebulaex/tonsettle/internal/settlement/ton"
)

// APIError is a node-level refusal: the gateway processed the request and
// said no. Transport failures are never wrapped in APIError.
type APIError struct {
	Code    int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("node api error %d: %s", e.Code, e.Message)
}

// ClientConfig configures the node gateway client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements interfaces.NodeClient over the toncenter v2 HTTP API.
type Client struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
	logger  *zap.Logger
}

// NewClient builds a node client.
func NewClient(cfg ClientConfig, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		httpc:   &http.Client{Timeout: timeout},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

type rpcRequest struct {
	ID      string      `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
	Code   int             `json:"code"`
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := json.Marshal(rpcRequest{ID: "1", JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v2/jsonRPC", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpc rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpc); err != nil {
		// A gateway 5xx with an unreadable body is a transport-class failure.
		return fmt.Errorf("%s: decode response (http %d): %w", method, resp.StatusCode, err)
	}
	// A decodable ok:false body is a node refusal even behind a 5xx status;
	// toncenter reports refusals that way.
	if !rpc.OK {
		code := rpc.Code
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Code: code, Message: rpc.Error}
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s: gateway unavailable (http %d)", method, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(rpc.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

// SendBoc implements interfaces.NodeClient.
func (c *Client) SendBoc(ctx context.Context, boc []byte) (string, error) {
	var result struct {
		Hash string `json:"hash"`
	}
	params := map[string]string{"boc": base64.StdEncoding.EncodeToString(boc)}
	if err := c.call(ctx, "sendBocReturnHash", params, &result); err != nil {
		return "", err
	}
	return result.Hash, nil
}

// Seqno implements interfaces.NodeClient.
func (c *Client) Seqno(ctx context.Context, address string) (uint32, error) {
	var result struct {
		Seqno uint32 `json:"seqno"`
	}
	if err := c.call(ctx, "getWalletInformation", map[string]string{"address": address}, &result); err != nil {
		return 0, err
	}
	return result.Seqno, nil
}

// MasterchainSeqno implements interfaces.NodeClient.
func (c *Client) MasterchainSeqno(ctx context.Context) (uint32, error) {
	var result struct {
		Last struct {
			Seqno uint32 `json:"seqno"`
		} `json:"last"`
	}
	if err := c.call(ctx, "getMasterchainInfo", nil, &result); err != nil {
		return 0, err
	}
	return result.Last.Seqno, nil
}

// EstimateFee implements interfaces.NodeClient.
func (c *Client) EstimateFee(ctx context.Context, address string, boc []byte) (int64, error) {
	var result struct {
		SourceFees struct {
			InFwdFee   int64 `json:"in_fwd_fee"`
			StorageFee int64 `json:"storage_fee"`
			GasFee     int64 `json:"gas_fee"`
			FwdFee     int64 `json:"fwd_fee"`
		} `json:"source_fees"`
	}
	params := map[string]string{"address": address}
	if len(boc) > 0 {
		params["body"] = base64.StdEncoding.EncodeToString(boc)
	}
	if err := c.call(ctx, "estimateFee", params, &result); err != nil {
		return 0, err
	}
	f := result.SourceFees
	return f.InFwdFee + f.StorageFee + f.GasFee + f.FwdFee, nil
}

type rawTransaction struct {
	TransactionID struct {
		Hash string `json:"hash"`
		Lt   string `json:"lt"`
	} `json:"transaction_id"`
	Utime   int64        `json:"utime"`
	OutMsgs []rawMessage `json:"out_msgs"`
}

type rawMessage struct {
	Destination string `json:"destination"`
	Value       string `json:"value"`
	Message     string `json:"message"`
	MsgData     struct {
		Type string `json:"@type"`
		Body string `json:"body"`
		Text string `json:"text"`
	} `json:"msg_data"`
	Hash string `json:"hash"`
}

// Transactions implements interfaces.NodeClient. Message bodies are decoded
// just far enough to expose the comment or jetton query id the tracker
// matches on.
func (c *Client) Transactions(ctx context.Context, address string, limit int) ([]interfaces.NodeTransaction, error) {
	if limit <= 0 {
		limit = 16
	}
	var raw []rawTransaction
	params := map[string]interface{}{"address": address, "limit": limit}
	if err := c.call(ctx, "getTransactions", params, &raw); err != nil {
		return nil, err
	}

	out := make([]interfaces.NodeTransaction, 0, len(raw))
	for _, tx := range raw {
		lt, _ := strconv.ParseUint(tx.TransactionID.Lt, 10, 64)
		nt := interfaces.NodeTransaction{
			Hash:  tx.TransactionID.Hash,
			Lt:    lt,
			Utime: tx.Utime,
		}
		for _, m := range tx.OutMsgs {
			value, _ := strconv.ParseInt(m.Value, 10, 64)
			nm := interfaces.NodeMessage{
				Destination: m.Destination,
				Value:       value,
				Comment:     m.Message,
				Hash:        m.Hash,
			}
			if nm.Comment == "" {
				nm.Comment = m.MsgData.Text
			}
			if m.MsgData.Body != "" {
				if queryID, comment, ok := decodeBody(m.MsgData.Body); ok {
					nm.QueryID = queryID
					if nm.Comment == "" {
						nm.Comment = comment
					}
				}
			}
			nt.OutMsgs = append(nt.OutMsgs, nm)
		}
		out = append(out, nt)
	}
	return out, nil
}

// decodeBody extracts the opcode-dependent matching fields from a base64
// message body: the query id for jetton transfers, the text for comments.
func decodeBody(b64 string) (queryID uint64, comment string, ok bool) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return 0, "", false
	}
	root, err := ton.DecodeBoc(raw)
	if err != nil || root.BitLen() < 32 {
		return 0, "", false
	}
	data := root.DataBytes()
	if len(data) < 4 {
		return 0, "", false
	}
	op := binary.BigEndian.Uint32(data[:4])
	switch {
	case op == 0 && len(data) >= 4:
		return 0, string(data[4:]), true
	case op == 0xf8a7ea5 && len(data) >= 12:
		return binary.BigEndian.Uint64(data[4:12]), "", true
	default:
		return 0, "", false
	}
}
