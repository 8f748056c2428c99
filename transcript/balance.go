package transcript

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"auditor-zk/shared"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// BalanceSource records which field an account balance was read from.
type BalanceSource string

const (
	BalanceSourceCurrent   BalanceSource = "current"
	BalanceSourceAvailable BalanceSource = "available"
	// BalanceSourceDefault means neither field was present and zero was used.
	BalanceSourceDefault BalanceSource = "default"
)

// Account is one entry of a balance response.
type Account struct {
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
	Source  BalanceSource   `json:"source"`
}

// BalanceRecord is the decoded content of a balance response. Total always
// equals the sum of the account balances.
type BalanceRecord struct {
	Accounts []Account       `json:"accounts"`
	Total    decimal.Decimal `json:"total"`
}

type rawBalances struct {
	Current   json.RawMessage `json:"current"`
	Available json.RawMessage `json:"available"`
}

type rawAccount struct {
	Name     string       `json:"name"`
	Balances *rawBalances `json:"balances"`
}

type rawBalanceDocument struct {
	Accounts []rawAccount `json:"accounts"`
}

// ParseBalanceResponse parses a captured HTTP response and decodes its body
// as a balance document. Framing problems and non-JSON bodies are
// MalformedResponse; JSON of the wrong shape is SchemaMismatch.
func ParseBalanceResponse(recv []byte) (*BalanceRecord, *ParsedResponse, error) {
	resp, err := ParseHTTPResponse(recv)
	if err != nil {
		return nil, nil, err
	}

	if enc := strings.ToLower(resp.Headers["content-encoding"]); enc != "" && enc != "identity" {
		return nil, resp, shared.Errorf(shared.KindMalformedResponse, "unsupported content encoding %q", enc)
	}

	record, err := ParseBalanceBody(resp.Body)
	if err != nil {
		logger.Warn("Balance response rejected",
			zap.Int("status_code", resp.StatusCode),
			zap.Int("body_bytes", len(resp.Body)),
			zap.String("kind", string(shared.KindOf(err))))
		return nil, resp, err
	}
	return record, resp, nil
}

// ParseBalanceBody decodes a JSON balance document.
func ParseBalanceBody(body []byte) (*BalanceRecord, error) {
	if !json.Valid(body) {
		return nil, shared.Errorf(shared.KindMalformedResponse, "response body is not JSON")
	}

	if err := validateBalanceDocument(body); err != nil {
		return nil, shared.NewError(shared.KindSchemaMismatch, "response body does not match the balance schema", err)
	}

	var doc rawBalanceDocument
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, shared.NewError(shared.KindSchemaMismatch, "failed to decode balance document", err)
	}

	record := &BalanceRecord{Accounts: make([]Account, 0, len(doc.Accounts)), Total: decimal.Zero}
	for i, acct := range doc.Accounts {
		balance, source, err := pickBalance(acct.Balances)
		if err != nil {
			return nil, shared.NewError(shared.KindSchemaMismatch, fmt.Sprintf("account %d has an invalid balance", i), err)
		}
		if source == BalanceSourceDefault {
			logger.Warn("Account has no current or available balance, counting as zero",
				zap.Int("account_index", i))
		}
		record.Accounts = append(record.Accounts, Account{Name: acct.Name, Balance: balance, Source: source})
		record.Total = record.Total.Add(balance)
	}

	return record, nil
}

// pickBalance prefers current, then available, then zero.
func pickBalance(b *rawBalances) (decimal.Decimal, BalanceSource, error) {
	if b == nil {
		return decimal.Zero, BalanceSourceDefault, nil
	}
	if d, ok, err := decodeAmount(b.Current); err != nil || ok {
		return d, BalanceSourceCurrent, err
	}
	if d, ok, err := decodeAmount(b.Available); err != nil || ok {
		return d, BalanceSourceAvailable, err
	}
	return decimal.Zero, BalanceSourceDefault, nil
}

// decodeAmount reads a JSON number or numeric string exactly. Absent and null
// values report ok == false.
func decodeAmount(raw json.RawMessage) (decimal.Decimal, bool, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return decimal.Zero, false, nil
	}

	text := string(trimmed)
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return decimal.Zero, false, err
		}
	}

	d, err := decimal.NewFromString(strings.TrimSpace(text))
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("amount %q is not a decimal number", text)
	}
	return d, true, nil
}
