package exchange

import (
	"context"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, conn Connection) (*Client, ClientConfig) {
	t.Helper()
	cfg := ClientConfig{
		ProgramID: solana.NewWallet().PublicKey(),
		TokenMint: solana.NewWallet().PublicKey(),
	}
	client, err := NewClient(conn, cfg, testLogger())
	require.NoError(t, err)
	return client, cfg
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, ClientConfig{TokenMint: solana.NewWallet().PublicKey()}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrConnectionFailed, CodeOf(err))

	_, err = NewClient(&fakeConn{}, ClientConfig{ProgramID: solana.NewWallet().PublicKey()}, nil)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidAddress, CodeOf(err))
}

func TestInitializeListing(t *testing.T) {
	conn := &fakeConn{}
	client, cfg := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	result, err := client.InitializeListing(context.Background(), signer, "plot-9", 3, 120)
	require.NoError(t, err)

	expected, _, err := DeriveListingAddress(cfg.ProgramID, signer.PublicKey(), "plot-9")
	require.NoError(t, err)
	assert.Equal(t, expected, result.ListingAddress)
	assert.Equal(t, signer.PublicKey(), result.OwnerAddress)
	assert.Equal(t, solana.Signature{2}, result.Signature)
	assert.Equal(t, 1, conn.sendCalls)
}

func TestInitializeListingRejectsBadIdentifier(t *testing.T) {
	conn := &fakeConn{}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	_, err := client.InitializeListing(context.Background(), signer, strings.Repeat("z", 40), 3, 120)
	require.Error(t, err)
	assert.Equal(t, ErrIdentifierTooLong, CodeOf(err))
	assert.Zero(t, conn.sendCalls)

	_, err = client.InitializeListing(context.Background(), nil, "plot-9", 3, 120)
	require.Error(t, err)
	assert.Equal(t, ErrSignerUnavailable, CodeOf(err))
}

func TestPurchaseRejectsSelfTradeWithoutNetworkAccess(t *testing.T) {
	conn := &fakeConn{}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	_, err := client.Purchase(context.Background(), signer, "plot-9", signer.PublicKey().String(), 10, 3)
	require.Error(t, err)
	assert.Equal(t, ErrSelfTradeRejected, CodeOf(err))
	assert.Zero(t, conn.tokenBalanceCalls)
	assert.Zero(t, conn.accountInfoCalls)
	assert.Zero(t, conn.sendCalls)
}

func TestPurchaseRejectsInvalidSellerAddress(t *testing.T) {
	conn := &fakeConn{}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	_, err := client.Purchase(context.Background(), signer, "plot-9", "garbage", 10, 3)
	require.Error(t, err)
	assert.Equal(t, ErrInvalidAddress, CodeOf(err))
	assert.Zero(t, conn.sendCalls)
}

func TestPurchaseRequiresBuyerHoldingAccount(t *testing.T) {
	conn := &fakeConn{
		tokenBalanceFn: func(solana.PublicKey) (*TokenBalance, error) {
			return nil, nil
		},
	}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	seller := solana.NewWallet().PublicKey()

	_, err := client.Purchase(context.Background(), signer, "plot-9", seller.String(), 10, 3)
	require.Error(t, err)
	assert.Equal(t, ErrHoldingAccountMissing, CodeOf(err))

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, PartyBuyer, typed.Party)
	assert.Zero(t, conn.sendCalls)
}

func TestPurchaseRequiresSufficientBalance(t *testing.T) {
	conn := &fakeConn{
		tokenBalanceFn: func(solana.PublicKey) (*TokenBalance, error) {
			return &TokenBalance{Amount: 29_999_999_999, Decimals: TokenDecimals}, nil
		},
	}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	seller := solana.NewWallet().PublicKey()

	// 10 units at 3 per unit needs 30_000_000_000 base units.
	_, err := client.Purchase(context.Background(), signer, "plot-9", seller.String(), 10, 3)
	require.Error(t, err)
	assert.Equal(t, ErrInsufficientBalance, CodeOf(err))
	assert.Zero(t, conn.sendCalls)
}

func TestPurchaseRequiresSellerHoldingAccount(t *testing.T) {
	conn := &fakeConn{
		tokenBalanceFn: func(solana.PublicKey) (*TokenBalance, error) {
			return &TokenBalance{Amount: 1 << 60, Decimals: TokenDecimals}, nil
		},
		accountInfoFn: func(solana.PublicKey) (*AccountInfo, error) {
			return nil, nil
		},
	}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	seller := solana.NewWallet().PublicKey()

	_, err := client.Purchase(context.Background(), signer, "plot-9", seller.String(), 10, 3)
	require.Error(t, err)
	assert.Equal(t, ErrHoldingAccountMissing, CodeOf(err))

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, PartySeller, typed.Party)
	assert.Zero(t, conn.sendCalls)
}

func TestPurchaseSubmitsWhenPreconditionsHold(t *testing.T) {
	conn := &fakeConn{
		tokenBalanceFn: func(solana.PublicKey) (*TokenBalance, error) {
			return &TokenBalance{Amount: 1 << 60, Decimals: TokenDecimals}, nil
		},
		accountInfoFn: func(solana.PublicKey) (*AccountInfo, error) {
			return &AccountInfo{}, nil
		},
	}
	client, cfg := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	seller := solana.NewWallet().PublicKey()

	result, err := client.Purchase(context.Background(), signer, "plot-9", seller.String(), 10, 3)
	require.NoError(t, err)

	expected, _, err := DeriveEscrowAddress(cfg.ProgramID, signer.PublicKey(), "plot-9")
	require.NoError(t, err)
	assert.Equal(t, expected, result.EscrowAddress)
	assert.Equal(t, 1, conn.sendCalls)
}

func TestSettleRejectsMissingEscrow(t *testing.T) {
	conn := &fakeConn{}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	escrow := solana.NewWallet().PublicKey()

	_, err := client.CompleteTransaction(context.Background(), signer, escrow.String())
	require.Error(t, err)
	assert.Equal(t, ErrInvalidAddress, CodeOf(err))
	assert.Zero(t, conn.sendCalls)
}

func TestSettleRejectsTerminalEscrow(t *testing.T) {
	record := EscrowRecord{
		Buyer:         solana.NewWallet().PublicKey(),
		Seller:        solana.NewWallet().PublicKey(),
		EscrowWallet:  solana.NewWallet().PublicKey(),
		Amount:        5,
		TransactionID: "done",
		IsCompleted:   true,
	}
	data := buildEscrowAccountData(t, record)
	conn := &fakeConn{
		accountInfoFn: func(solana.PublicKey) (*AccountInfo, error) {
			return &AccountInfo{Data: data}, nil
		},
	}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	escrow := solana.NewWallet().PublicKey()

	_, err := client.CancelTransaction(context.Background(), signer, escrow.String())
	require.Error(t, err)
	assert.Equal(t, ErrAlreadyTerminal, CodeOf(err))
	assert.Zero(t, conn.sendCalls)
}

func TestSettleSubmitsPendingEscrow(t *testing.T) {
	record := EscrowRecord{
		Buyer:         solana.NewWallet().PublicKey(),
		Seller:        solana.NewWallet().PublicKey(),
		EscrowWallet:  solana.NewWallet().PublicKey(),
		Amount:        5,
		TransactionID: "pending",
	}
	data := buildEscrowAccountData(t, record)
	conn := &fakeConn{
		accountInfoFn: func(solana.PublicKey) (*AccountInfo, error) {
			return &AccountInfo{Data: data}, nil
		},
	}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	escrow := solana.NewWallet().PublicKey()

	result, err := client.CompleteTransaction(context.Background(), signer, escrow.String())
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{2}, result.Signature)
	assert.Equal(t, 1, conn.sendCalls)
}

func TestEnsureHoldingAccountIsIdempotent(t *testing.T) {
	conn := &fakeConn{
		accountInfoFn: func(solana.PublicKey) (*AccountInfo, error) {
			return &AccountInfo{}, nil
		},
	}
	client, cfg := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	owner := solana.NewWallet().PublicKey()

	result, err := client.EnsureHoldingAccount(context.Background(), signer, owner.String())
	require.NoError(t, err)

	expected, err := DeriveHoldingAccount(owner, cfg.TokenMint)
	require.NoError(t, err)
	assert.Equal(t, expected, result.HoldingAddress)
	assert.False(t, result.Created)
	assert.Zero(t, conn.sendCalls, "existing holding account must not trigger a transaction")
}

func TestEnsureHoldingAccountCreatesWhenAbsent(t *testing.T) {
	conn := &fakeConn{}
	client, _ := newTestClient(t, conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)
	owner := solana.NewWallet().PublicKey()

	result, err := client.EnsureHoldingAccount(context.Background(), signer, owner.String())
	require.NoError(t, err)
	assert.True(t, result.Created)
	assert.Equal(t, solana.Signature{2}, result.Signature)
	assert.Equal(t, 1, conn.sendCalls)
}

func TestIsListingInitialized(t *testing.T) {
	conn := &fakeConn{
		accountInfoFn: func(solana.PublicKey) (*AccountInfo, error) {
			return &AccountInfo{}, nil
		},
	}
	client, _ := newTestClient(t, conn)
	owner := solana.NewWallet().PublicKey()

	assert.True(t, client.IsListingInitialized(context.Background(), owner.String(), "plot-9"))

	conn.accountInfoFn = func(solana.PublicKey) (*AccountInfo, error) {
		return nil, nil
	}
	assert.False(t, client.IsListingInitialized(context.Background(), owner.String(), "plot-9"))

	assert.False(t, client.IsListingInitialized(context.Background(), "garbage", "plot-9"))
	assert.False(t, client.IsListingInitialized(context.Background(), owner.String(), strings.Repeat("x", 64)))
}
