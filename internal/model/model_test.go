package model

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestEntityIdentityKeyDistinguishesNetworks(t *testing.T) {
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")
	mainnet := NewEntityIdentity("UniswapV3", 1, addr)
	arbitrum := NewEntityIdentity("uniswapv3", 42161, addr)

	if mainnet.Key() == arbitrum.Key() {
		t.Fatalf("keys collide across networks: %s", mainnet.Key())
	}
	if mainnet.Key() != "uniswapv3_1_0x1111111111111111111111111111111111111111" {
		t.Fatalf("unexpected key: %s", mainnet.Key())
	}
}

func TestOutOfTrackedRangeMatchesSentinel(t *testing.T) {
	var err error = &OutOfTrackedRangeError{Tick: 10, Lowest: -5, Highest: 5}
	if !errors.Is(err, ErrOutOfTrackedRange) {
		t.Fatalf("expected sentinel match")
	}
}

func TestVersionedBlocksBehind(t *testing.T) {
	v := Versioned[int]{Value: 1, AsOfBlock: 100}
	if got := v.BlocksBehind(105); got != 5 {
		t.Fatalf("blocks behind: %d", got)
	}
	if got := v.BlocksBehind(90); got != 0 {
		t.Fatalf("blocks behind for older block: %d", got)
	}
}

func TestEventKindString(t *testing.T) {
	if EventSwap.String() != "Swap" || EventIncreaseObservationCardinalityNext.String() != "IncreaseObservationCardinalityNext" {
		t.Fatalf("unexpected kind names")
	}
	if EventKind(200).String() != "Unknown" {
		t.Fatalf("out of range kind should be Unknown")
	}
}
