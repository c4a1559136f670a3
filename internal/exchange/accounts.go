package exchange

import (
	"bytes"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// On-chain record names, fixed by the program's interface.
const (
	accountListing = "ListingAccount"
	accountEscrow  = "TransactionAccount"
)

var (
	listingAccountDiscriminator = AccountDiscriminator(accountListing)
	escrowAccountDiscriminator  = AccountDiscriminator(accountEscrow)
)

// ListingAccountDiscriminator is the 8-byte tag a listing account starts
// with; callers use it to memcmp-filter program account scans.
func ListingAccountDiscriminator() [8]byte { return listingAccountDiscriminator }

// EscrowAccountDiscriminator is the 8-byte tag of an escrow transaction
// account.
func EscrowAccountDiscriminator() [8]byte { return escrowAccountDiscriminator }

// ListingRecord mirrors the on-chain listing account. The ledger owns it;
// the client only decodes, never mutates.
type ListingRecord struct {
	Seller          solana.PublicKey
	ListingID       string
	PricePerUnit    uint64
	TotalUnits      uint64
	AvailableUnits  uint64
	MinPurchase     uint64
	MaxPurchase     uint64
	IsActive        bool
	CreatedAt       int64
	ExpiryTimestamp int64
	Bump            uint8
}

// ParseListingRecord decodes a raw listing account, checking the record
// discriminator first.
func ParseListingRecord(data []byte) (*ListingRecord, error) {
	body, err := recordBody(data, listingAccountDiscriminator, accountListing)
	if err != nil {
		return nil, err
	}
	record := new(ListingRecord)
	if err := bin.NewBorshDecoder(body).Decode(record); err != nil {
		return nil, wrapError(ErrEncodingFailed, err, "decode %s", accountListing)
	}
	return record, nil
}

// Validate checks the record invariants: available units never exceed total
// units, and the purchase bounds are ordered while the listing is active.
func (r *ListingRecord) Validate() error {
	if r.AvailableUnits > r.TotalUnits {
		return newError(ErrEncodingFailed, "listing %q has %d available of %d total units", r.ListingID, r.AvailableUnits, r.TotalUnits)
	}
	if r.IsActive {
		if r.MinPurchase > r.MaxPurchase {
			return newError(ErrEncodingFailed, "listing %q min purchase %d exceeds max %d", r.ListingID, r.MinPurchase, r.MaxPurchase)
		}
		if r.MaxPurchase > r.AvailableUnits {
			return newError(ErrEncodingFailed, "listing %q max purchase %d exceeds available %d", r.ListingID, r.MaxPurchase, r.AvailableUnits)
		}
	}
	return nil
}

// EscrowRecord mirrors the on-chain escrow transaction account. It is
// terminal once either flag is set; the flags are mutually exclusive.
type EscrowRecord struct {
	Buyer         solana.PublicKey
	Seller        solana.PublicKey
	EscrowWallet  solana.PublicKey
	Amount        uint64
	TransactionID string
	IsCompleted   bool
	IsCanceled    bool
	Bump          uint8
}

// ParseEscrowRecord decodes a raw escrow transaction account.
func ParseEscrowRecord(data []byte) (*EscrowRecord, error) {
	body, err := recordBody(data, escrowAccountDiscriminator, accountEscrow)
	if err != nil {
		return nil, err
	}
	record := new(EscrowRecord)
	if err := bin.NewBorshDecoder(body).Decode(record); err != nil {
		return nil, wrapError(ErrEncodingFailed, err, "decode %s", accountEscrow)
	}
	if record.IsCompleted && record.IsCanceled {
		return nil, newError(ErrEncodingFailed, "escrow %q is both completed and canceled", record.TransactionID)
	}
	return record, nil
}

// Terminal reports whether the escrow has reached a final state.
func (r *EscrowRecord) Terminal() bool {
	return r.IsCompleted || r.IsCanceled
}

func recordBody(data []byte, discriminator [8]byte, name string) ([]byte, error) {
	if len(data) < len(discriminator) {
		return nil, newError(ErrEncodingFailed, "%s payload too short (%d bytes)", name, len(data))
	}
	if !bytes.Equal(data[:8], discriminator[:]) {
		return nil, newError(ErrEncodingFailed, "%s discriminator mismatch", name)
	}
	return data[8:], nil
}
