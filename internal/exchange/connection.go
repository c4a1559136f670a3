package exchange

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// AccountInfo is the subset of ledger account state the client reads.
type AccountInfo struct {
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// TokenBalance is a holding account's balance in base units.
type TokenBalance struct {
	Amount   uint64
	Decimals uint8
}

// Blockhash carries a recent blockhash and the block height after which it
// is no longer valid. The validity bound is the confirmation deadline.
type Blockhash struct {
	Hash                 solana.Hash
	LastValidBlockHeight uint64
}

// SignatureStatus is the ledger's verdict on a submitted transaction.
// Err holds the ledger-reported execution error verbatim (nil on success).
type SignatureStatus struct {
	Confirmed bool
	Err       any
}

// Connection is the ledger boundary. It is request-scoped and injected so
// tests can substitute a fake ledger without global state; implementations
// must be safe for concurrent reads.
type Connection interface {
	// GetAccountInfo returns nil, nil when no account exists at the address.
	GetAccountInfo(ctx context.Context, address solana.PublicKey) (*AccountInfo, error)
	// GetTokenAccountBalance returns nil, nil when the holding account is absent.
	GetTokenAccountBalance(ctx context.Context, address solana.PublicKey) (*TokenBalance, error)
	GetLatestBlockhash(ctx context.Context) (Blockhash, error)
	GetBlockHeight(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// GetSignatureStatus returns nil, nil while the ledger has no verdict yet.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error)
}

// RPCConnection adapts a solana JSON-RPC client to the Connection boundary.
type RPCConnection struct {
	client        *rpc.Client
	commitment    rpc.CommitmentType
	skipPreflight bool
	maxRetries    *uint
}

type RPCConnectionOption func(*RPCConnection)

func WithSkipPreflight(skip bool) RPCConnectionOption {
	return func(c *RPCConnection) { c.skipPreflight = skip }
}

func WithSendMaxRetries(retries uint) RPCConnectionOption {
	return func(c *RPCConnection) { c.maxRetries = &retries }
}

func NewRPCConnection(client *rpc.Client, commitment rpc.CommitmentType, opts ...RPCConnectionOption) *RPCConnection {
	conn := &RPCConnection{client: client, commitment: commitment}
	for _, opt := range opts {
		opt(conn)
	}
	return conn
}

func (c *RPCConnection) GetAccountInfo(ctx context.Context, address solana.PublicKey) (*AccountInfo, error) {
	resp, err := c.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{Commitment: c.commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) || strings.Contains(strings.ToLower(err.Error()), "not found") {
			return nil, nil
		}
		return nil, err
	}
	if resp == nil || resp.Value == nil {
		return nil, nil
	}
	return &AccountInfo{
		Owner:    resp.Value.Owner,
		Lamports: resp.Value.Lamports,
		Data:     resp.Value.Data.GetBinary(),
	}, nil
}

func (c *RPCConnection) GetTokenAccountBalance(ctx context.Context, address solana.PublicKey) (*TokenBalance, error) {
	resp, err := c.client.GetTokenAccountBalance(ctx, address, c.commitment)
	if err != nil {
		lowered := strings.ToLower(err.Error())
		if strings.Contains(lowered, "could not find account") || strings.Contains(lowered, "not found") {
			return nil, nil
		}
		return nil, err
	}
	if resp == nil || resp.Value == nil {
		return nil, nil
	}
	amount, err := strconv.ParseUint(resp.Value.Amount, 10, 64)
	if err != nil {
		return nil, newError(ErrConnectionFailed, "unparseable token balance %q for %s", resp.Value.Amount, address)
	}
	return &TokenBalance{Amount: amount, Decimals: resp.Value.Decimals}, nil
}

func (c *RPCConnection) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	resp, err := c.client.GetLatestBlockhash(ctx, c.commitment)
	if err != nil {
		return Blockhash{}, err
	}
	if resp == nil || resp.Value == nil {
		return Blockhash{}, newError(ErrConnectionFailed, "empty blockhash response")
	}
	return Blockhash{
		Hash:                 resp.Value.Blockhash,
		LastValidBlockHeight: resp.Value.LastValidBlockHeight,
	}, nil
}

func (c *RPCConnection) GetBlockHeight(ctx context.Context) (uint64, error) {
	return c.client.GetBlockHeight(ctx, c.commitment)
}

func (c *RPCConnection) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	opts := rpc.TransactionOpts{
		SkipPreflight:       c.skipPreflight,
		PreflightCommitment: c.commitment,
	}
	if c.maxRetries != nil {
		retries := *c.maxRetries
		opts.MaxRetries = &retries
	}
	return c.client.SendTransactionWithOpts(ctx, tx, opts)
}

func (c *RPCConnection) GetSignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	resp, err := c.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Value) == 0 || resp.Value[0] == nil {
		return nil, nil
	}
	status := resp.Value[0]
	confirmed := status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
		status.ConfirmationStatus == rpc.ConfirmationStatusFinalized
	return &SignatureStatus{Confirmed: confirmed, Err: status.Err}, nil
}
