package payment

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const cashuV3Prefix = "cashuA"

// CashuToken is the summary of a serialized V3 token.
type CashuToken struct {
	Mint   string
	Amount int64 // in Unit
	Unit   string
	Memo   string
}

type cashuTokenV3 struct {
	Token []struct {
		Mint   string `json:"mint"`
		Proofs []struct {
			Amount int64  `json:"amount"`
			ID     string `json:"id"`
		} `json:"proofs"`
	} `json:"token"`
	Unit string `json:"unit"`
	Memo string `json:"memo"`
}

// DecodeCashuToken reads the mint and total amount of a "cashuA" token.
func DecodeCashuToken(token string) (*CashuToken, error) {
	token = strings.TrimPrefix(strings.TrimSpace(token), "cashu:")
	if !strings.HasPrefix(token, cashuV3Prefix) {
		return nil, errors.New("unsupported cashu token version")
	}
	raw := strings.TrimRight(strings.TrimPrefix(token, cashuV3Prefix), "=")

	// Wallets emit both alphabets.
	data, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid cashu token encoding: %w", err)
		}
	}

	var v3 cashuTokenV3
	if err := json.Unmarshal(data, &v3); err != nil {
		return nil, fmt.Errorf("invalid cashu token: %w", err)
	}
	if len(v3.Token) == 0 {
		return nil, errors.New("cashu token has no proofs")
	}

	out := &CashuToken{Mint: v3.Token[0].Mint, Unit: v3.Unit, Memo: v3.Memo}
	if out.Unit == "" {
		out.Unit = "sat"
	}
	for _, entry := range v3.Token {
		for _, p := range entry.Proofs {
			out.Amount += p.Amount
		}
	}
	return out, nil
}
