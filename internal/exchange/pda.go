package exchange

import (
	"strings"

	"github.com/gagliardetto/solana-go"
)

// MaxIdentifierBytes is the longest listing/transaction identifier the
// program accepts as a derivation seed. Longer identifiers are rejected
// client-side, uniformly, before any address derivation; they would only
// fail later on-chain with an opaque length mismatch.
const MaxIdentifierBytes = 32

const (
	seedListing     = "listing"
	seedTransaction = "transaction"
)

// DeriveListingAddress computes the program-owned listing address for
// (owner, listingID). Pure function: same inputs always yield the same
// address, no network access.
func DeriveListingAddress(programID, owner solana.PublicKey, listingID string) (solana.PublicKey, uint8, error) {
	if err := ValidateIdentifier(listingID); err != nil {
		return solana.PublicKey{}, 0, err
	}
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte(seedListing), owner.Bytes(), []byte(listingID)},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, wrapError(ErrInvalidAddress, err, "derive listing address")
	}
	return addr, bump, nil
}

// DeriveEscrowAddress computes the program-owned escrow/transaction address
// for (buyer, listingID), under a seed tag distinct from listings.
func DeriveEscrowAddress(programID, buyer solana.PublicKey, listingID string) (solana.PublicKey, uint8, error) {
	if err := ValidateIdentifier(listingID); err != nil {
		return solana.PublicKey{}, 0, err
	}
	addr, bump, err := solana.FindProgramAddress(
		[][]byte{[]byte(seedTransaction), buyer.Bytes(), []byte(listingID)},
		programID,
	)
	if err != nil {
		return solana.PublicKey{}, 0, wrapError(ErrInvalidAddress, err, "derive escrow address")
	}
	return addr, bump, nil
}

// DeriveHoldingAccount computes the standard associated token account for
// (owner, mint). Program-owned owners (escrow addresses) are valid here.
func DeriveHoldingAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, wrapError(ErrInvalidAddress, err, "derive holding account for %s", owner)
	}
	return addr, nil
}

// ValidateIdentifier enforces the seed length bound shared by every
// derivation and encoding path.
func ValidateIdentifier(id string) error {
	if id == "" {
		return newError(ErrIdentifierTooLong, "identifier is empty")
	}
	if len(id) > MaxIdentifierBytes {
		return newError(ErrIdentifierTooLong, "identifier is %d bytes, maximum is %d", len(id), MaxIdentifierBytes)
	}
	return nil
}

// ParseAddress converts a caller-supplied base58 string into a public key,
// classifying malformed input instead of propagating a raw decode error.
func ParseAddress(raw string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, newError(ErrInvalidAddress, "address is empty")
	}
	pk, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, wrapError(ErrInvalidAddress, err, "invalid address %q", trimmed)
	}
	return pk, nil
}
