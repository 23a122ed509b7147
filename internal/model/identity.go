package model

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// EntityIdentity names one tracked pool across dexes and networks.
type EntityIdentity struct {
	Dex     string
	Network uint64
	Address common.Address
}

func NewEntityIdentity(dex string, network uint64, address common.Address) EntityIdentity {
	return EntityIdentity{Dex: strings.ToLower(strings.TrimSpace(dex)), Network: network, Address: address}
}

// Key is the stable string form used for cache fields and routing.
func (id EntityIdentity) Key() string {
	return fmt.Sprintf("%s_%d_%s", strings.ToLower(id.Dex), id.Network, strings.ToLower(id.Address.Hex()))
}

func (id EntityIdentity) String() string {
	return id.Key()
}
