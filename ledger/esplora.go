package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// EsploraProvider speaks the esplora REST dialect (blockstream.info,
// mempool.space). Amounts come back as integer satoshis already.
type EsploraProvider struct {
	baseURL string
	client  *http.Client
}

func NewEsploraProvider(baseURL string, client *http.Client) *EsploraProvider {
	if client == nil {
		client = http.DefaultClient
	}
	return &EsploraProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *EsploraProvider) Name() string {
	return "esplora:" + p.baseURL
}

type esploraAddress struct {
	ChainStats struct {
		FundedTxoSum int64 `json:"funded_txo_sum"`
		SpentTxoSum  int64 `json:"spent_txo_sum"`
	} `json:"chain_stats"`
}

type esploraTx struct {
	TxID   string `json:"txid"`
	Status struct {
		Confirmed   bool   `json:"confirmed"`
		BlockHeight *int64 `json:"block_height"`
	} `json:"status"`
	Vout []struct {
		ScriptPubKeyAddr string `json:"scriptpubkey_address"`
		Value            int64  `json:"value"`
	} `json:"vout"`
}

func (p *EsploraProvider) QueryAddress(ctx context.Context, address string) (Funding, error) {
	var tip int64
	if err := p.getJSON(ctx, "/blocks/tip/height", &tip); err != nil {
		return Funding{}, err
	}

	var stats esploraAddress
	if err := p.getJSON(ctx, "/address/"+address, &stats); err != nil {
		return Funding{}, err
	}

	var txs []esploraTx
	if err := p.getJSON(ctx, "/address/"+address+"/txs", &txs); err != nil {
		return Funding{}, err
	}

	funding := Funding{
		BalanceMinor: stats.ChainStats.FundedTxoSum - stats.ChainStats.SpentTxoSum,
		Transactions: make([]TxCandidate, 0, len(txs)),
	}
	for _, tx := range txs {
		var amount int64
		for _, out := range tx.Vout {
			if out.ScriptPubKeyAddr == address {
				amount += out.Value
			}
		}
		if amount == 0 {
			// Spends from the address, not funding.
			continue
		}

		candidate := TxCandidate{
			TxID:        tx.TxID,
			AmountMinor: amount,
		}
		if tx.Status.Confirmed && tx.Status.BlockHeight != nil {
			height := *tx.Status.BlockHeight
			candidate.BlockHeight = &height
			candidate.Confirmations = int(tip - height + 1)
		}
		funding.Transactions = append(funding.Transactions, candidate)
	}
	return funding, nil
}

func (p *EsploraProvider) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ledger: %s: status %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("ledger: %s: read body: %w", path, err)
	}

	// The tip-height endpoint answers with a bare number, not JSON.
	if n, ok := out.(*int64); ok {
		parsed, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			return fmt.Errorf("ledger: %s: parse height: %w", path, err)
		}
		*n = parsed
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("ledger: %s: decode: %w", path, err)
	}
	return nil
}
