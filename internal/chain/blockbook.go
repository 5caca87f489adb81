package chain

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

	"github.com/btcsuite/btcd/btcutil"
	"golang.org/x/time/rate"
)

const maxResponseBytes = 4 << 20

// Blockbook queries a Blockbook indexer over its v2 REST API.
type Blockbook struct {
	name    string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewBlockbook creates a provider for baseURL limited to rps requests per
// second (unlimited when rps <= 0).
func NewBlockbook(name, baseURL string, rps int, client *http.Client) *Blockbook {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Blockbook{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		limiter: rate.NewLimiter(limit, max(rps, 1)),
	}
}

func (b *Blockbook) Name() string { return b.name }

// Response envelopes, one per endpoint.

type bbAddressResponse struct {
	Address            string `json:"address"`
	Balance            string `json:"balance"`
	UnconfirmedBalance string `json:"unconfirmedBalance"`
	Txs                int    `json:"txs"`
	Transactions       []bbTx `json:"transactions"`
}

type bbTx struct {
	Txid          string   `json:"txid"`
	BlockHeight   int64    `json:"blockHeight"`
	Confirmations int64    `json:"confirmations"`
	Vout          []bbVout `json:"vout"`
}

type bbVout struct {
	Value     string   `json:"value"`
	N         uint32   `json:"n"`
	Addresses []string `json:"addresses"`
}

type bbUTXO struct {
	Txid          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         string `json:"value"`
	Height        int64  `json:"height"`
	Confirmations int64  `json:"confirmations"`
}

type bbSendTxResponse struct {
	Result string `json:"result"`
}

type bbErrorResponse struct {
	Error string `json:"error"`
}

func (b *Blockbook) AddressBalance(ctx context.Context, address string) (*Balance, error) {
	var resp bbAddressResponse
	if err := b.getJSON(ctx, "/api/v2/address/"+url.PathEscape(address)+"?details=basic", &resp); err != nil {
		return nil, err
	}
	confirmed, err := parseSats(resp.Balance)
	if err != nil {
		return nil, fmt.Errorf("%s: balance: %w", b.name, err)
	}
	unconfirmed, err := parseSats(resp.UnconfirmedBalance)
	if err != nil {
		return nil, fmt.Errorf("%s: unconfirmedBalance: %w", b.name, err)
	}
	return &Balance{Confirmed: confirmed, Unconfirmed: unconfirmed, Total: confirmed + unconfirmed}, nil
}

func (b *Blockbook) AddressTransactions(ctx context.Context, address string) ([]Transaction, error) {
	var resp bbAddressResponse
	if err := b.getJSON(ctx, "/api/v2/address/"+url.PathEscape(address)+"?details=txs&pageSize=100", &resp); err != nil {
		return nil, err
	}
	out := make([]Transaction, 0, len(resp.Transactions))
	for _, tx := range resp.Transactions {
		var received btcutil.Amount
		for _, vout := range tx.Vout {
			if !paysTo(vout.Addresses, address) {
				continue
			}
			v, err := parseSats(vout.Value)
			if err != nil {
				return nil, fmt.Errorf("%s: tx %s vout %d: %w", b.name, tx.Txid, vout.N, err)
			}
			received += v
		}
		out = append(out, Transaction{
			TxID:          tx.Txid,
			Confirmations: tx.Confirmations,
			Value:         received,
			BlockHeight:   tx.BlockHeight,
		})
	}
	return out, nil
}

func (b *Blockbook) AddressUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var resp []bbUTXO
	if err := b.getJSON(ctx, "/api/v2/utxo/"+url.PathEscape(address), &resp); err != nil {
		return nil, err
	}
	out := make([]UTXO, 0, len(resp))
	for _, u := range resp {
		v, err := parseSats(u.Value)
		if err != nil {
			return nil, fmt.Errorf("%s: utxo %s:%d: %w", b.name, u.Txid, u.Vout, err)
		}
		out = append(out, UTXO{TxID: u.Txid, Vout: u.Vout, Value: v, Confirmations: u.Confirmations})
	}
	return out, nil
}

func (b *Blockbook) Broadcast(ctx context.Context, rawHex string) (string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/api/v2/sendtx/", strings.NewReader(rawHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", err
	}

	if resp.StatusCode >= 500 {
		return "", &HTTPStatusError{Provider: b.name, Status: resp.StatusCode, Body: truncate(string(body))}
	}
	if resp.StatusCode >= 400 {
		var e bbErrorResponse
		_ = json.Unmarshal(body, &e)
		reason := e.Error
		if reason == "" {
			reason = truncate(string(body))
		}
		if isAlreadyKnown(reason) {
			return "", ErrAlreadyKnown
		}
		return "", &RejectedError{Provider: b.name, Reason: reason}
	}

	var ok bbSendTxResponse
	if err := json.Unmarshal(body, &ok); err != nil {
		return "", fmt.Errorf("%s: decode sendtx: %w", b.name, err)
	}
	return ok.Result, nil
}

func (b *Blockbook) getJSON(ctx context.Context, path string, out any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPStatusError{Provider: b.name, Status: resp.StatusCode, Body: truncate(string(body))}
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", b.name, path, err)
	}
	return nil
}

// parseSats reads a satoshi amount; Blockbook encodes them as strings.
func parseSats(s string) (btcutil.Amount, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return btcutil.Amount(v), nil
}

func paysTo(addresses []string, address string) bool {
	for _, a := range addresses {
		if SameAddress(a, address) {
			return true
		}
	}
	return false
}

func isAlreadyKnown(reason string) bool {
	r := strings.ToLower(reason)
	return strings.Contains(r, "already in block chain") ||
		strings.Contains(r, "txn-already-known") ||
		strings.Contains(r, "txn-already-in-mempool") ||
		strings.Contains(r, "already have transaction")
}

func truncate(s string) string {
	if len(s) > 256 {
		return s[:256]
	}
	return s
}
