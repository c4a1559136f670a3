package exchange

import (
	"context"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
)

// Defaults applied when a listing is created through the facade: the caller
// supplies price and available units, the rest of the on-chain record is
// filled in here.
const (
	defaultMinPurchase = uint64(1)
	defaultListingTTL  = 30 * 24 * time.Hour
)

// ClientConfig carries the environment-provided parameters of the
// marketplace client. Nothing is read from the process environment here;
// the config package owns that.
type ClientConfig struct {
	ProgramID solana.PublicKey
	TokenMint solana.PublicKey
	// Schema overrides the built-in program description; nil selects
	// DefaultSchema.
	Schema *Schema
	// ConfirmPollInterval overrides how often the orchestrator polls for a
	// signature verdict; zero keeps the default.
	ConfirmPollInterval time.Duration
}

// Client is the marketplace facade: the operations the rest of the system
// calls. Stateless between invocations apart from the injected read-mostly
// connection handle, so concurrent calls on different listings or escrows
// are independent.
type Client struct {
	cfg          ClientConfig
	schema       *Schema
	conn         Connection
	validator    *AccountValidator
	builder      *InstructionBuilder
	orchestrator *TransactionOrchestrator
	logger       *slog.Logger
	now          func() time.Time
}

func NewClient(conn Connection, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if conn == nil {
		return nil, newError(ErrConnectionFailed, "no ledger connection provided")
	}
	if cfg.TokenMint.IsZero() {
		return nil, newError(ErrInvalidAddress, "token mint is zero")
	}
	schema := cfg.Schema
	if schema == nil {
		schema = DefaultSchema()
	}
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	builder, err := NewInstructionBuilder(schema, cfg.ProgramID)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	orchestrator := NewOrchestrator(conn, schema, logger)
	if cfg.ConfirmPollInterval > 0 {
		orchestrator.pollInterval = cfg.ConfirmPollInterval
	}
	return &Client{
		cfg:          cfg,
		schema:       schema,
		conn:         conn,
		validator:    NewAccountValidator(conn),
		builder:      builder,
		orchestrator: orchestrator,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Validator exposes the read-only account checks for callers that only need
// preconditions, not transactions.
func (c *Client) Validator() *AccountValidator { return c.validator }

type ListingResult struct {
	ListingAddress solana.PublicKey
	OwnerAddress   solana.PublicKey
	Signature      solana.Signature
}

// InitializeListing creates the on-chain listing owned by the signer.
// Re-invoking with the same (owner, listingID) after a prior success fails
// with ErrAlreadyExists; it is never retried here.
func (c *Client) InitializeListing(ctx context.Context, signer Signer, listingID string, pricePerUnit, availableUnits uint64) (*ListingResult, error) {
	if signer == nil || signer.PublicKey().IsZero() {
		return nil, newError(ErrSignerUnavailable, "no signing capability provided")
	}
	if err := ValidateIdentifier(listingID); err != nil {
		return nil, asError(err)
	}

	owner := signer.PublicKey()
	listing, _, err := DeriveListingAddress(c.cfg.ProgramID, owner, listingID)
	if err != nil {
		return nil, asError(err)
	}

	price, err := ToBaseUnits(pricePerUnit)
	if err != nil {
		return nil, asError(err)
	}

	ix, err := c.builder.InitializeListing(listing, owner, InitializeListingArgs{
		ListingID:       listingID,
		PricePerUnit:    price,
		TotalUnits:      availableUnits,
		AvailableUnits:  availableUnits,
		MinPurchase:     defaultMinPurchase,
		MaxPurchase:     availableUnits,
		ExpiryTimestamp: c.now().Add(defaultListingTTL).Unix(),
	})
	if err != nil {
		return nil, asError(err)
	}

	sig, err := c.orchestrator.Execute(ctx, signer, []solana.Instruction{ix})
	if err != nil {
		return nil, asError(err)
	}

	c.logger.Info("listing initialized", "listing", listing, "owner", owner, "signature", sig)
	return &ListingResult{ListingAddress: listing, OwnerAddress: owner, Signature: sig}, nil
}

type PurchaseResult struct {
	EscrowAddress solana.PublicKey
	Signature     solana.Signature
}

// Purchase buys units from a listing. All local preconditions (self-trade,
// holding accounts, balance) are verified before anything is broadcast; a
// precondition failure costs no network write.
func (c *Client) Purchase(ctx context.Context, signer Signer, listingID, sellerAddress string, units, pricePerUnit uint64) (*PurchaseResult, error) {
	if signer == nil || signer.PublicKey().IsZero() {
		return nil, newError(ErrSignerUnavailable, "no signing capability provided")
	}
	if err := ValidateIdentifier(listingID); err != nil {
		return nil, asError(err)
	}
	seller, err := ParseAddress(sellerAddress)
	if err != nil {
		return nil, asError(err)
	}
	buyer := signer.PublicKey()
	if buyer.Equals(seller) {
		return nil, newError(ErrSelfTradeRejected, "buyer and seller are the same address %s", buyer)
	}

	required, err := RequiredBaseUnits(units, pricePerUnit)
	if err != nil {
		return nil, asError(err)
	}

	buyerHolding, err := DeriveHoldingAccount(buyer, c.cfg.TokenMint)
	if err != nil {
		return nil, asError(err)
	}
	balance, err := c.validator.TokenBalance(ctx, buyerHolding)
	if err != nil {
		return nil, asError(err)
	}
	if balance == nil {
		return nil, partyError(ErrHoldingAccountMissing, PartyBuyer, "buyer %s has no holding account for the marketplace token", buyer)
	}
	if *balance < required {
		return nil, newError(ErrInsufficientBalance, "required %d base units, holding %d", required, *balance)
	}

	sellerHolding, err := DeriveHoldingAccount(seller, c.cfg.TokenMint)
	if err != nil {
		return nil, asError(err)
	}
	sellerExists, err := c.validator.AccountExists(ctx, sellerHolding)
	if err != nil {
		return nil, asError(err)
	}
	if !sellerExists {
		return nil, partyError(ErrHoldingAccountMissing, PartySeller, "seller %s has not provisioned a receiving account", seller)
	}

	listing, _, err := DeriveListingAddress(c.cfg.ProgramID, seller, listingID)
	if err != nil {
		return nil, asError(err)
	}
	escrow, _, err := DeriveEscrowAddress(c.cfg.ProgramID, buyer, listingID)
	if err != nil {
		return nil, asError(err)
	}

	ix, err := c.builder.ProcessPurchase(buyer, listing, escrow, buyerHolding, sellerHolding, units)
	if err != nil {
		return nil, asError(err)
	}

	sig, err := c.orchestrator.Execute(ctx, signer, []solana.Instruction{ix})
	if err != nil {
		return nil, asError(err)
	}

	c.logger.Info("purchase processed",
		"listing", listing,
		"escrow", escrow,
		"buyer", buyer,
		"seller", seller,
		"units", units,
		"signature", sig,
	)
	return &PurchaseResult{EscrowAddress: escrow, Signature: sig}, nil
}

type SettleResult struct {
	Signature solana.Signature
}

// CompleteTransaction releases escrowed funds to the seller (the signer).
// Valid only while the escrow record is not terminal.
func (c *Client) CompleteTransaction(ctx context.Context, signer Signer, escrowAddress string) (*SettleResult, error) {
	return c.settle(ctx, signer, escrowAddress, true)
}

// CancelTransaction returns escrowed funds to the buyer (the signer).
func (c *Client) CancelTransaction(ctx context.Context, signer Signer, escrowAddress string) (*SettleResult, error) {
	return c.settle(ctx, signer, escrowAddress, false)
}

func (c *Client) settle(ctx context.Context, signer Signer, escrowAddress string, complete bool) (*SettleResult, error) {
	if signer == nil || signer.PublicKey().IsZero() {
		return nil, newError(ErrSignerUnavailable, "no signing capability provided")
	}
	escrow, err := ParseAddress(escrowAddress)
	if err != nil {
		return nil, asError(err)
	}

	info, err := c.conn.GetAccountInfo(ctx, escrow)
	if err != nil {
		return nil, asError(err)
	}
	if info == nil {
		return nil, newError(ErrInvalidAddress, "no escrow record at %s", escrow)
	}
	record, err := ParseEscrowRecord(info.Data)
	if err != nil {
		return nil, asError(err)
	}
	if record.Terminal() {
		return nil, newError(ErrAlreadyTerminal, "escrow %s is already settled", escrow)
	}

	holding, err := DeriveHoldingAccount(signer.PublicKey(), c.cfg.TokenMint)
	if err != nil {
		return nil, asError(err)
	}
	escrowWallet, err := DeriveHoldingAccount(escrow, c.cfg.TokenMint)
	if err != nil {
		return nil, asError(err)
	}

	sig, err := c.orchestrator.ExecuteWithFallback(ctx, signer, func(alternate bool) ([]solana.Instruction, error) {
		var ix solana.Instruction
		var buildErr error
		if complete {
			ix, buildErr = c.builder.CompleteTransaction(signer.PublicKey(), escrow, escrowWallet, holding, alternate)
		} else {
			ix, buildErr = c.builder.CancelTransaction(signer.PublicKey(), escrow, escrowWallet, holding, alternate)
		}
		if buildErr != nil {
			return nil, buildErr
		}
		return []solana.Instruction{ix}, nil
	})
	if err != nil {
		return nil, asError(err)
	}

	action := "canceled"
	if complete {
		action = "completed"
	}
	c.logger.Info("escrow "+action, "escrow", escrow, "signature", sig)
	return &SettleResult{Signature: sig}, nil
}

type HoldingResult struct {
	HoldingAddress solana.PublicKey
	Signature      solana.Signature
	Created        bool
}

// EnsureHoldingAccount makes sure owner has a holding account for the
// marketplace token, creating one at the signer's expense when absent.
// No-op success when the account already exists.
func (c *Client) EnsureHoldingAccount(ctx context.Context, signer Signer, ownerAddress string) (*HoldingResult, error) {
	if signer == nil || signer.PublicKey().IsZero() {
		return nil, newError(ErrSignerUnavailable, "no signing capability provided")
	}
	owner, err := ParseAddress(ownerAddress)
	if err != nil {
		return nil, asError(err)
	}
	holding, err := DeriveHoldingAccount(owner, c.cfg.TokenMint)
	if err != nil {
		return nil, asError(err)
	}

	exists, err := c.validator.AccountExists(ctx, holding)
	if err != nil {
		return nil, asError(err)
	}
	if exists {
		return &HoldingResult{HoldingAddress: holding}, nil
	}

	ix, err := CreateHoldingAccount(signer.PublicKey(), owner, c.cfg.TokenMint)
	if err != nil {
		return nil, asError(err)
	}
	sig, err := c.orchestrator.Execute(ctx, signer, []solana.Instruction{ix})
	if err != nil {
		return nil, asError(err)
	}

	c.logger.Info("holding account created", "owner", owner, "holding", holding, "signature", sig)
	return &HoldingResult{HoldingAddress: holding, Signature: sig, Created: true}, nil
}

// IsListingInitialized reports whether the listing account exists on the
// ledger. It never returns an error: any lookup failure reads as false.
func (c *Client) IsListingInitialized(ctx context.Context, ownerAddress, listingID string) bool {
	owner, err := ParseAddress(ownerAddress)
	if err != nil {
		return false
	}
	listing, _, err := DeriveListingAddress(c.cfg.ProgramID, owner, listingID)
	if err != nil {
		return false
	}
	exists, err := c.validator.AccountExists(ctx, listing)
	if err != nil {
		return false
	}
	return exists
}
