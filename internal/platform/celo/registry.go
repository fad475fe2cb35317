// Package celo reads the on-chain verification registry that gates who may
// publish milestones.
package celo

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// DefaultRegistryAddress is the verification registry on Celo Sepolia.
const DefaultRegistryAddress = "0x8652f03Ae1c6c8aAc71C2Deb80e1C33C38a7e9a2"

// SepoliaChainID is the Celo Sepolia testnet chain ID.
const SepoliaChainID = 11142220

const registryABI = `[{
	"inputs": [{"internalType": "address", "name": "user", "type": "address"}],
	"name": "isVerified",
	"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
	"stateMutability": "view",
	"type": "function"
}]`

// ContractCaller is the read-only subset of ethclient.Client the registry
// needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Registry answers isVerified(address). Positive answers are cached for
// cacheTTL since verification is never revoked in practice; negative
// answers are always re-read so a fresh verification takes effect at once.
type Registry struct {
	caller   ContractCaller
	address  common.Address
	abi      abi.ABI
	cacheTTL time.Duration
	now      func() time.Time

	mu       sync.Mutex
	verified map[common.Address]time.Time
}

// NewRegistry creates a Registry reading the contract at address through
// caller.
func NewRegistry(caller ContractCaller, address string, cacheTTL time.Duration) (*Registry, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("celo: invalid registry address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(registryABI))
	if err != nil {
		return nil, fmt.Errorf("celo: parse registry abi: %w", err)
	}
	return &Registry{
		caller:   caller,
		address:  common.HexToAddress(address),
		abi:      parsed,
		cacheTTL: cacheTTL,
		now:      time.Now,
		verified: make(map[common.Address]time.Time),
	}, nil
}

// Dial connects to a Celo RPC endpoint and returns a Registry plus the
// client's Close.
func Dial(ctx context.Context, rpcURL, address string, cacheTTL time.Duration) (*Registry, func(), error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("celo: dial %s: %w", rpcURL, err)
	}
	reg, err := NewRegistry(client, address, cacheTTL)
	if err != nil {
		client.Close()
		return nil, nil, err
	}
	return reg, client.Close, nil
}

// IsVerified reports whether user has completed verification.
func (r *Registry) IsVerified(ctx context.Context, user string) (bool, error) {
	if !common.IsHexAddress(user) {
		return false, fmt.Errorf("celo: invalid address %q", user)
	}
	addr := common.HexToAddress(user)

	if r.cached(addr) {
		return true, nil
	}

	data, err := r.abi.Pack("isVerified", addr)
	if err != nil {
		return false, fmt.Errorf("celo: pack isVerified: %w", err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.address, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("celo: call isVerified(%s): %w", addr.Hex(), err)
	}
	vals, err := r.abi.Unpack("isVerified", out)
	if err != nil {
		return false, fmt.Errorf("celo: unpack isVerified: %w", err)
	}
	if len(vals) != 1 {
		return false, fmt.Errorf("celo: isVerified returned %d values", len(vals))
	}
	ok, isBool := vals[0].(bool)
	if !isBool {
		return false, fmt.Errorf("celo: isVerified returned %T", vals[0])
	}

	if ok && r.cacheTTL > 0 {
		r.mu.Lock()
		r.verified[addr] = r.now().Add(r.cacheTTL)
		r.mu.Unlock()
	}
	return ok, nil
}

func (r *Registry) cached(addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	exp, ok := r.verified[addr]
	if !ok {
		return false
	}
	if r.now().After(exp) {
		delete(r.verified, addr)
		return false
	}
	return true
}
