package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind enumerates the pool events the tick model understands.
type EventKind uint8

const (
	EventUnknown EventKind = iota
	EventSwap
	EventMint
	EventBurn
	EventCollect
	EventCollectProtocol
	EventFlash
	EventSetFeeProtocol
	EventIncreaseObservationCardinalityNext

	NumEventKinds
)

var eventKindNames = [NumEventKinds]string{
	EventUnknown:                            "Unknown",
	EventSwap:                               "Swap",
	EventMint:                               "Mint",
	EventBurn:                               "Burn",
	EventCollect:                            "Collect",
	EventCollectProtocol:                    "CollectProtocol",
	EventFlash:                              "Flash",
	EventSetFeeProtocol:                     "SetFeeProtocol",
	EventIncreaseObservationCardinalityNext: "IncreaseObservationCardinalityNext",
}

func (k EventKind) String() string {
	if k >= NumEventKinds {
		return "Unknown"
	}
	return eventKindNames[k]
}

// PoolEvent is a decoded pool log.
type PoolEvent interface {
	Kind() EventKind
}

// SwapEvent is the decoded Swap payload.
type SwapEvent struct {
	Sender       common.Address
	Recipient    common.Address
	Amount0      *big.Int
	Amount1      *big.Int
	SqrtPriceX96 *big.Int
	Liquidity    *big.Int
	Tick         int32
}

// MintEvent is the decoded Mint payload.
type MintEvent struct {
	Sender    common.Address
	Owner     common.Address
	TickLower int32
	TickUpper int32
	Amount    *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

// BurnEvent is the decoded Burn payload.
type BurnEvent struct {
	Owner     common.Address
	TickLower int32
	TickUpper int32
	Amount    *big.Int
	Amount0   *big.Int
	Amount1   *big.Int
}

// CollectEvent is the decoded Collect payload.
type CollectEvent struct {
	Owner     common.Address
	Recipient common.Address
	TickLower int32
	TickUpper int32
	Amount0   *big.Int
	Amount1   *big.Int
}

// CollectProtocolEvent is the decoded CollectProtocol payload.
type CollectProtocolEvent struct {
	Sender    common.Address
	Recipient common.Address
	Amount0   *big.Int
	Amount1   *big.Int
}

// FlashEvent is the decoded Flash payload.
type FlashEvent struct {
	Sender    common.Address
	Recipient common.Address
	Amount0   *big.Int
	Amount1   *big.Int
	Paid0     *big.Int
	Paid1     *big.Int
}

// SetFeeProtocolEvent is the decoded SetFeeProtocol payload.
type SetFeeProtocolEvent struct {
	FeeProtocol0Old uint8
	FeeProtocol1Old uint8
	FeeProtocol0New uint8
	FeeProtocol1New uint8
}

// IncreaseObservationCardinalityNextEvent is the decoded cardinality growth payload.
type IncreaseObservationCardinalityNextEvent struct {
	Old uint16
	New uint16
}

func (SwapEvent) Kind() EventKind { return EventSwap }
func (MintEvent) Kind() EventKind { return EventMint }
func (BurnEvent) Kind() EventKind { return EventBurn }
func (CollectEvent) Kind() EventKind { return EventCollect }
func (CollectProtocolEvent) Kind() EventKind { return EventCollectProtocol }
func (FlashEvent) Kind() EventKind { return EventFlash }
func (SetFeeProtocolEvent) Kind() EventKind { return EventSetFeeProtocol }
func (IncreaseObservationCardinalityNextEvent) Kind() EventKind { return EventIncreaseObservationCardinalityNext }
