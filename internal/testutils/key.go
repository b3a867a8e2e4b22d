// Package testutils provides small fixtures shared across the engine's test
// suites (candidate, emit, hf, seed): the engine never signs or holds
// key material, so unlike the teacher's version of this helper, tests here
// only need distinct addresses, not full key pairs.
package testutils

import (
	"crypto/ecdsa"
	"crypto/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

// NewAddress generates a fresh random address by way of a throwaway ECDSA
// key, the same derivation the teacher's NewKey used, minus the private key
// this package has no use for.
func NewAddress(t *testing.T) common.Address {
	t.Helper()
	privateKeyECDSA, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	require.NoError(t, err)
	return crypto.PubkeyToAddress(privateKeyECDSA.PublicKey)
}

// NewAddresses generates n distinct random addresses.
func NewAddresses(t *testing.T, n int) []common.Address {
	t.Helper()
	out := make([]common.Address, n)
	for i := range out {
		out[i] = NewAddress(t)
	}
	return out
}
