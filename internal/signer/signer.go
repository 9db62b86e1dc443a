// Package signer abstracts transaction signing so the orchestrator never
// touches key material directly.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer signs transactions for one hot wallet.
type Signer interface {
	Address() common.Address
	SignTx(tx *gtypes.Transaction) (*gtypes.Transaction, error)
}

// Local signs with an in-process private key loaded from the environment.
type Local struct {
	key     *ecdsa.PrivateKey
	address common.Address
	signer  gtypes.Signer
}

// NewLocal parses a hex private key (with or without 0x prefix).
func NewLocal(hexKey string, chainID int64) (*Local, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return &Local{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		signer:  gtypes.LatestSignerForChainID(big.NewInt(chainID)),
	}, nil
}

func (l *Local) Address() common.Address { return l.address }

func (l *Local) SignTx(tx *gtypes.Transaction) (*gtypes.Transaction, error) {
	return gtypes.SignTx(tx, l.signer, l.key)
}
