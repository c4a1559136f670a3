package exchange

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory ledger boundary. Zero-value behavior is a healthy
// ledger that confirms everything; individual hooks override per test.
type fakeConn struct {
	accountInfoFn  func(solana.PublicKey) (*AccountInfo, error)
	tokenBalanceFn func(solana.PublicKey) (*TokenBalance, error)
	blockhashFn    func() (Blockhash, error)
	blockHeightFn  func() (uint64, error)
	sendFn         func(*solana.Transaction) (solana.Signature, error)
	statusFn       func(solana.Signature) (*SignatureStatus, error)

	accountInfoCalls  int
	tokenBalanceCalls int
	sendCalls         int
}

func (c *fakeConn) GetAccountInfo(_ context.Context, address solana.PublicKey) (*AccountInfo, error) {
	c.accountInfoCalls++
	if c.accountInfoFn != nil {
		return c.accountInfoFn(address)
	}
	return nil, nil
}

func (c *fakeConn) GetTokenAccountBalance(_ context.Context, address solana.PublicKey) (*TokenBalance, error) {
	c.tokenBalanceCalls++
	if c.tokenBalanceFn != nil {
		return c.tokenBalanceFn(address)
	}
	return nil, nil
}

func (c *fakeConn) GetLatestBlockhash(context.Context) (Blockhash, error) {
	if c.blockhashFn != nil {
		return c.blockhashFn()
	}
	return Blockhash{Hash: solana.Hash{1}, LastValidBlockHeight: 100}, nil
}

func (c *fakeConn) GetBlockHeight(context.Context) (uint64, error) {
	if c.blockHeightFn != nil {
		return c.blockHeightFn()
	}
	return 10, nil
}

func (c *fakeConn) SendTransaction(_ context.Context, tx *solana.Transaction) (solana.Signature, error) {
	c.sendCalls++
	if c.sendFn != nil {
		return c.sendFn(tx)
	}
	return solana.Signature{2}, nil
}

func (c *fakeConn) GetSignatureStatus(_ context.Context, sig solana.Signature) (*SignatureStatus, error) {
	if c.statusFn != nil {
		return c.statusFn(sig)
	}
	return &SignatureStatus{Confirmed: true}, nil
}

type rejectingSigner struct {
	pub solana.PublicKey
}

func (s rejectingSigner) PublicKey() solana.PublicKey { return s.pub }
func (s rejectingSigner) SignTransaction(*solana.Transaction) error {
	return errors.New("user declined")
}
func (s rejectingSigner) SignAllTransactions([]*solana.Transaction) error {
	return errors.New("user declined")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(conn Connection) *TransactionOrchestrator {
	o := NewOrchestrator(conn, nil, testLogger())
	o.pollInterval = time.Millisecond
	return o
}

func paymentInstruction(signer Signer) solana.Instruction {
	return solana.NewInstruction(
		solana.NewWallet().PublicKey(),
		solana.AccountMetaSlice{solana.NewAccountMeta(signer.PublicKey(), true, true)},
		[]byte{1},
	)
}

func TestExecuteConfirmsTransaction(t *testing.T) {
	conn := &fakeConn{}
	o := newTestOrchestrator(conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	sig, err := o.Execute(context.Background(), signer, []solana.Instruction{paymentInstruction(signer)})
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{2}, sig)
	assert.Equal(t, 1, conn.sendCalls)
}

func TestExecuteRequiresSignerAndInstructions(t *testing.T) {
	conn := &fakeConn{}
	o := newTestOrchestrator(conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	_, err := o.Execute(context.Background(), nil, []solana.Instruction{paymentInstruction(signer)})
	require.Error(t, err)
	assert.Equal(t, ErrSignerUnavailable, CodeOf(err))

	_, err = o.Execute(context.Background(), signer, nil)
	require.Error(t, err)
	assert.Equal(t, ErrEncodingFailed, CodeOf(err))
	assert.Zero(t, conn.sendCalls)
}

func TestExecuteAbandonsRejectedSigning(t *testing.T) {
	conn := &fakeConn{}
	o := newTestOrchestrator(conn)
	signer := rejectingSigner{pub: solana.NewWallet().PublicKey()}

	_, err := o.Execute(context.Background(), signer, []solana.Instruction{paymentInstruction(signer)})
	require.Error(t, err)
	assert.Equal(t, ErrSigningRejected, CodeOf(err))
	assert.Zero(t, conn.sendCalls, "a rejected transaction must never be submitted")
}

func TestExecuteClassifiesPreflightProgramError(t *testing.T) {
	conn := &fakeConn{
		sendFn: func(*solana.Transaction) (solana.Signature, error) {
			// 0x1770 == 6000, AlreadyCompleted.
			return solana.Signature{}, errors.New("Transaction simulation failed: custom program error: 0x1770")
		},
	}
	o := newTestOrchestrator(conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	_, err := o.Execute(context.Background(), signer, []solana.Instruction{paymentInstruction(signer)})
	require.Error(t, err)
	assert.Equal(t, ErrAlreadyTerminal, CodeOf(err))

	var typed *Error
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, uint32(6000), typed.ProgramCode)
}

func TestExecuteClassifiesDuplicateSubmission(t *testing.T) {
	conn := &fakeConn{
		sendFn: func(*solana.Transaction) (solana.Signature, error) {
			return solana.Signature{}, errors.New("Allocate: account Address already in use")
		},
	}
	o := newTestOrchestrator(conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	_, err := o.Execute(context.Background(), signer, []solana.Instruction{paymentInstruction(signer)})
	require.Error(t, err)
	assert.Equal(t, ErrAlreadyExists, CodeOf(err))
}

func TestExecuteClassifiesLedgerVerdict(t *testing.T) {
	tests := []struct {
		name     string
		code     float64
		wantCode ErrorCode
	}{
		{name: "already canceled maps to terminal", code: 6001, wantCode: ErrAlreadyTerminal},
		{name: "unauthorized surfaces as execution error", code: 6002, wantCode: ErrLedgerExecution},
		{name: "unknown code surfaces as execution error", code: 4242, wantCode: ErrLedgerExecution},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{
				statusFn: func(solana.Signature) (*SignatureStatus, error) {
					return &SignatureStatus{
						Err: map[string]any{"InstructionError": []any{float64(0), map[string]any{"Custom": tt.code}}},
					}, nil
				},
			}
			o := newTestOrchestrator(conn)
			signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

			_, err := o.Execute(context.Background(), signer, []solana.Instruction{paymentInstruction(signer)})
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, CodeOf(err))

			var typed *Error
			require.ErrorAs(t, err, &typed)
			assert.Equal(t, uint32(tt.code), typed.ProgramCode)
		})
	}
}

func TestExecuteTimesOutWhenBlockhashExpires(t *testing.T) {
	conn := &fakeConn{
		statusFn: func(solana.Signature) (*SignatureStatus, error) {
			return nil, nil
		},
		blockHeightFn: func() (uint64, error) {
			return 101, nil
		},
	}
	o := newTestOrchestrator(conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	sig, err := o.Execute(context.Background(), signer, []solana.Instruction{paymentInstruction(signer)})
	require.Error(t, err)
	assert.Equal(t, ErrConfirmationTimedOut, CodeOf(err))
	// The signature stays usable for later reconciliation.
	assert.Equal(t, solana.Signature{2}, sig)
}

func TestExecuteTimesOutOnContextDeadline(t *testing.T) {
	conn := &fakeConn{
		statusFn: func(solana.Signature) (*SignatureStatus, error) {
			return nil, nil
		},
	}
	o := newTestOrchestrator(conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := o.Execute(ctx, signer, []solana.Instruction{paymentInstruction(signer)})
	require.Error(t, err)
	assert.Equal(t, ErrConfirmationTimedOut, CodeOf(err))
}

func TestExecuteWithFallbackRetriesOnceOnUnknownMethod(t *testing.T) {
	attempts := 0
	conn := &fakeConn{
		sendFn: func(*solana.Transaction) (solana.Signature, error) {
			attempts++
			if attempts == 1 {
				return solana.Signature{}, errors.New("Transaction simulation failed: custom program error: 0x65")
			}
			return solana.Signature{3}, nil
		},
	}
	o := newTestOrchestrator(conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	var buildFlags []bool
	sig, err := o.ExecuteWithFallback(context.Background(), signer, func(alternate bool) ([]solana.Instruction, error) {
		buildFlags = append(buildFlags, alternate)
		return []solana.Instruction{paymentInstruction(signer)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, solana.Signature{3}, sig)
	assert.Equal(t, []bool{false, true}, buildFlags)
	assert.Equal(t, 2, conn.sendCalls)
}

func TestExecuteWithFallbackDoesNotRetryOtherFailures(t *testing.T) {
	conn := &fakeConn{
		sendFn: func(*solana.Transaction) (solana.Signature, error) {
			return solana.Signature{}, errors.New("Allocate: account Address already in use")
		},
	}
	o := newTestOrchestrator(conn)
	signer := NewKeypairSigner(solana.NewWallet().PrivateKey)

	builds := 0
	_, err := o.ExecuteWithFallback(context.Background(), signer, func(alternate bool) ([]solana.Instruction, error) {
		builds++
		return []solana.Instruction{paymentInstruction(signer)}, nil
	})
	require.Error(t, err)
	assert.Equal(t, ErrAlreadyExists, CodeOf(err))
	assert.Equal(t, 1, builds)
	assert.Equal(t, 1, conn.sendCalls)
}

func TestExtractCustomErrorCode(t *testing.T) {
	code, ok := extractCustomErrorCode("failed: custom program error: 0x1771")
	require.True(t, ok)
	assert.Equal(t, uint32(6001), code)

	_, ok = extractCustomErrorCode("some unrelated failure")
	assert.False(t, ok)

	_, ok = extractCustomErrorCode("custom program error: 0xzz")
	assert.False(t, ok)
}
