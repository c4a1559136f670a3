package exchange

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Signer is the injected signing capability. The core never inspects or
// stores private key material; it only asks the capability to sign built
// transactions. Wallet adapters, remote signers, and local keypairs all fit
// behind this interface.
type Signer interface {
	PublicKey() solana.PublicKey
	SignTransaction(tx *solana.Transaction) error
	SignAllTransactions(txs []*solana.Transaction) error
}

// KeypairSigner signs with a locally loaded keypair. Used by the operator
// endpoints and the command-line services.
type KeypairSigner struct {
	key solana.PrivateKey
}

func NewKeypairSigner(key solana.PrivateKey) *KeypairSigner {
	return &KeypairSigner{key: key}
}

// KeypairSignerFromFile loads a solana-keygen JSON keypair file.
func KeypairSignerFromFile(path string) (*KeypairSigner, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", path, err)
	}
	return &KeypairSigner{key: key}, nil
}

func (s *KeypairSigner) PublicKey() solana.PublicKey {
	return s.key.PublicKey()
}

func (s *KeypairSigner) SignTransaction(tx *solana.Transaction) error {
	_, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.key.PublicKey().Equals(key) {
			return &s.key
		}
		return nil
	})
	return err
}

func (s *KeypairSigner) SignAllTransactions(txs []*solana.Transaction) error {
	for _, tx := range txs {
		if err := s.SignTransaction(tx); err != nil {
			return err
		}
	}
	return nil
}
