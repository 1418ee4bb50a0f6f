package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// BlockbookProvider speaks the blockbook REST dialect. Amounts come back as
// decimal strings of satoshis.
type BlockbookProvider struct {
	baseURL string
	client  *http.Client
}

func NewBlockbookProvider(baseURL string, client *http.Client) *BlockbookProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &BlockbookProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *BlockbookProvider) Name() string {
	return "blockbook:" + p.baseURL
}

type blockbookAddress struct {
	Balance      string `json:"balance"`
	Transactions []struct {
		TxID          string `json:"txid"`
		Confirmations int    `json:"confirmations"`
		BlockHeight   int64  `json:"blockHeight"`
		Vout          []struct {
			Value     string   `json:"value"`
			Addresses []string `json:"addresses"`
		} `json:"vout"`
	} `json:"transactions"`
}

func (p *BlockbookProvider) QueryAddress(ctx context.Context, address string) (Funding, error) {
	url := fmt.Sprintf("%s/api/v2/address/%s?details=txs", p.baseURL, address)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Funding{}, fmt.Errorf("ledger: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Funding{}, fmt.Errorf("ledger: blockbook query: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Funding{}, fmt.Errorf("ledger: blockbook query: status %d", resp.StatusCode)
	}

	var payload blockbookAddress
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Funding{}, fmt.Errorf("ledger: blockbook decode: %w", err)
	}

	balance, err := strconv.ParseInt(payload.Balance, 10, 64)
	if err != nil {
		return Funding{}, fmt.Errorf("ledger: blockbook balance %q: %w", payload.Balance, err)
	}

	funding := Funding{
		BalanceMinor: balance,
		Transactions: make([]TxCandidate, 0, len(payload.Transactions)),
	}
	for _, tx := range payload.Transactions {
		var amount int64
		for _, out := range tx.Vout {
			if !containsAddress(out.Addresses, address) {
				continue
			}
			value, err := strconv.ParseInt(out.Value, 10, 64)
			if err != nil {
				return Funding{}, fmt.Errorf("ledger: blockbook vout value %q: %w", out.Value, err)
			}
			amount += value
		}
		if amount == 0 {
			continue
		}

		candidate := TxCandidate{
			TxID:          tx.TxID,
			AmountMinor:   amount,
			Confirmations: tx.Confirmations,
		}
		if tx.BlockHeight > 0 {
			height := tx.BlockHeight
			candidate.BlockHeight = &height
		}
		funding.Transactions = append(funding.Transactions, candidate)
	}
	return funding, nil
}

func containsAddress(addrs []string, address string) bool {
	for _, a := range addrs {
		if a == address {
			return true
		}
	}
	return false
}
