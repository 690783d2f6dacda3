// Package events carries ledger notifications from committed operations to
// external observers.
package events

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// Kind names a ledger notification.
type Kind string

const (
	KindAgreementCreated             Kind = "AgreementCreated"
	KindAgreementTerminated          Kind = "AgreementTerminated"
	KindAgreementAccountStateUpdated Kind = "AgreementAccountStateUpdated"
	KindAgreementLiquidated          Kind = "AgreementLiquidated"
	KindTokenUpgraded                Kind = "TokenUpgraded"
	KindTokenDowngraded              Kind = "TokenDowngraded"
	KindTransfer                     Kind = "Transfer"
)

// Event is a single notification. Only the fields relevant to Kind are set.
type Event struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	Timestamp uint64 `json:"timestamp"`

	Handler     common.Address `json:"handler"`
	AgreementID common.Hash    `json:"agreementId"`
	Account     common.Address `json:"account"`
	Data        hexutil.Bytes  `json:"data,omitempty"`

	From   common.Address `json:"from"`
	To     common.Address `json:"to"`
	Amount *big.Int       `json:"amount,omitempty"`

	PenaltyAccount common.Address `json:"penaltyAccount"`
	RewardAccount  common.Address `json:"rewardAccount"`
	Liquidator     common.Address `json:"liquidator"`
	RewardAmount   *big.Int       `json:"rewardAmount,omitempty"`
	BailoutAmount  *big.Int       `json:"bailoutAmount,omitempty"`
}

// New returns an event of the given kind with a fresh id.
func New(kind Kind, timestamp uint64) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Timestamp: timestamp}
}
