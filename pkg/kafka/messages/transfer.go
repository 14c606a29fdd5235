// Package messages defines the payloads produced to Kafka.
package messages

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ava-labs/libevm/common"

	"github.com/ava-labs/token-indexer/pkg/sink"
)

// Transfer is one committed ERC20 transfer. Amount is a base-10 string so
// consumers never lose precision on 256-bit values.
type Transfer struct {
	TokenID     int64  `json:"tokenId"`
	Contract    string `json:"contract"`
	BlockNumber int64  `json:"blockNumber"`
	TxHash      string `json:"txHash"`
	LogIndex    uint   `json:"logIndex"`
	From        string `json:"from"`
	To          string `json:"to"`
	Amount      string `json:"amount"`
}

func TransferFromRecord(r sink.Record) (*Transfer, error) {
	if r.Amount == nil {
		return nil, fmt.Errorf("missing amount for tx %s log %d", r.TxHash.Hex(), r.LogIndex)
	}
	return &Transfer{
		TokenID:     r.TokenID,
		Contract:    r.Contract.Hex(),
		BlockNumber: r.BlockNumber,
		TxHash:      r.TxHash.Hex(),
		LogIndex:    r.LogIndex,
		From:        r.From.Hex(),
		To:          r.To.Hex(),
		Amount:      r.Amount.String(),
	}, nil
}

// Key partitions events by contract so each token's transfers stay ordered.
func (t *Transfer) Key() []byte {
	return []byte(t.Contract)
}

func (t *Transfer) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

func (t *Transfer) Unmarshal(data []byte) error {
	type transferAlias Transfer
	var alias transferAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	if !common.IsHexAddress(alias.Contract) {
		return fmt.Errorf("invalid contract address %q", alias.Contract)
	}
	if _, ok := new(big.Int).SetString(alias.Amount, 10); !ok {
		return fmt.Errorf("invalid amount %q", alias.Amount)
	}
	*t = Transfer(alias)
	return nil
}

// Record converts the event back into a sink record.
func (t *Transfer) Record() sink.Record {
	amount, _ := new(big.Int).SetString(t.Amount, 10)
	return sink.Record{
		TokenID:     t.TokenID,
		Contract:    common.HexToAddress(t.Contract),
		BlockNumber: t.BlockNumber,
		TxHash:      common.HexToHash(t.TxHash),
		LogIndex:    t.LogIndex,
		From:        common.HexToAddress(t.From),
		To:          common.HexToAddress(t.To),
		Amount:      amount,
	}
}
