package cache

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Store is the byte-level contract of the shared cache. Serialization is the
// caller's concern.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	HashGet(ctx context.Context, mapKey, field string) ([]byte, bool, error)
	HashSet(ctx context.Context, mapKey, field string, value []byte) error
}

// HashBatchSetter is implemented by stores that can write many fields of one
// hash in a single round-trip.
type HashBatchSetter interface {
	HashSetMany(ctx context.Context, mapKey string, values map[string][]byte) error
}

// Role decides whether a process may write the shared cache.
type Role uint8

const (
	RoleReplica Role = iota
	RoleMaster
)

func ParseRole(input string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "master":
		return RoleMaster, nil
	case "replica", "slave", "":
		return RoleReplica, nil
	default:
		return RoleReplica, fmt.Errorf("unknown cache role: %s", input)
	}
}

func (r Role) CanWrite() bool {
	return r == RoleMaster
}

func (r Role) String() string {
	if r == RoleMaster {
		return "master"
	}
	return "replica"
}

// StatesKey names the hash holding every entity state of one dex on one network.
func StatesKey(prefix string, network uint64, dex string) string {
	return strings.ToLower(fmt.Sprintf("%s_%d_%s_states", prefix, network, dex))
}

// LiquidityKey names the expiring key holding one entity's liquidity estimate.
func LiquidityKey(prefix string, network uint64, dex, identity string) string {
	return strings.ToLower(fmt.Sprintf("%s_%d_%s_liquidity_usd_%s", prefix, network, dex, identity))
}
