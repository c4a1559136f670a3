package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
)

const defaultConfirmPollInterval = 700 * time.Millisecond

// TransactionOrchestrator drives one submitted transaction through
// Built -> Signed -> Submitted -> {Confirmed | Failed | TimedOut}. Each call
// is independent; the orchestrator holds no mutable state between calls, so
// operations on different accounts may proceed concurrently.
type TransactionOrchestrator struct {
	conn         Connection
	schema       *Schema
	logger       *slog.Logger
	pollInterval time.Duration
}

func NewOrchestrator(conn Connection, schema *Schema, logger *slog.Logger) *TransactionOrchestrator {
	if schema == nil {
		schema = DefaultSchema()
	}
	return &TransactionOrchestrator{
		conn:         conn,
		schema:       schema,
		logger:       logger,
		pollInterval: defaultConfirmPollInterval,
	}
}

// Execute builds a transaction from the instructions, attaches a fresh
// blockhash and the signer as fee payer, signs, submits, and polls for the
// ledger verdict. On ErrConfirmationTimedOut the returned signature is
// still valid: the outcome is ambiguous and the caller must reconcile, not
// resubmit.
func (o *TransactionOrchestrator) Execute(ctx context.Context, signer Signer, instructions []solana.Instruction) (solana.Signature, error) {
	if signer == nil || signer.PublicKey().IsZero() {
		return solana.Signature{}, newError(ErrSignerUnavailable, "no signing capability provided")
	}
	if len(instructions) == 0 {
		return solana.Signature{}, newError(ErrEncodingFailed, "no instructions to submit")
	}

	blockhash, err := o.conn.GetLatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, wrapError(ErrConnectionFailed, err, "fetch latest blockhash")
	}

	tx, err := solana.NewTransaction(
		instructions,
		blockhash.Hash,
		solana.TransactionPayer(signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, wrapError(ErrEncodingFailed, err, "assemble transaction")
	}

	// A transaction the capability refuses to sign is abandoned here; it is
	// never submitted partially signed.
	if err := signer.SignTransaction(tx); err != nil {
		return solana.Signature{}, wrapError(ErrSigningRejected, err, "signer rejected transaction")
	}

	sig, err := o.conn.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, o.classifySendError(err)
	}

	o.logger.Debug("transaction submitted", "signature", sig, "last_valid_block_height", blockhash.LastValidBlockHeight)
	return sig, o.awaitConfirmation(ctx, sig, blockhash.LastValidBlockHeight)
}

// ExecuteWithFallback runs Execute on the instructions produced by
// build(false). If, and only if, the submission fails because the remote
// program does not know the primary method identifier, the transaction is
// rebuilt once via build(true) under the alternate identifier and retried.
// The fallback never loops.
func (o *TransactionOrchestrator) ExecuteWithFallback(
	ctx context.Context,
	signer Signer,
	build func(alternate bool) ([]solana.Instruction, error),
) (solana.Signature, error) {
	primary, err := build(false)
	if err != nil {
		return solana.Signature{}, err
	}
	sig, execErr := o.Execute(ctx, signer, primary)
	if execErr == nil || !isMethodNotFound(execErr) {
		return sig, execErr
	}

	o.logger.Warn("primary method identifier not found, retrying under alternate spelling", "err", execErr)
	alternate, err := build(true)
	if err != nil {
		return solana.Signature{}, err
	}
	return o.Execute(ctx, signer, alternate)
}

func (o *TransactionOrchestrator) awaitConfirmation(ctx context.Context, sig solana.Signature, lastValidBlockHeight uint64) error {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return wrapError(ErrConfirmationTimedOut, ctx.Err(), "no ledger verdict for %s before deadline", sig)
		case <-ticker.C:
			status, err := o.conn.GetSignatureStatus(ctx, sig)
			if err != nil {
				continue
			}
			if status != nil {
				if status.Err != nil {
					return o.classifyExecutionError(status.Err)
				}
				if status.Confirmed {
					return nil
				}
				continue
			}

			// No verdict yet; stop waiting once the blockhash can no longer
			// be included.
			height, err := o.conn.GetBlockHeight(ctx)
			if err != nil {
				continue
			}
			if height > lastValidBlockHeight {
				return newError(ErrConfirmationTimedOut, "blockhash expired at height %d without a verdict for %s", lastValidBlockHeight, sig)
			}
		}
	}
}

// classifySendError maps a broadcast/preflight failure. Simulation failures
// surface before a confirmation wait is spent.
func (o *TransactionOrchestrator) classifySendError(err error) *Error {
	text := err.Error()
	lowered := strings.ToLower(text)

	if code, ok := extractCustomErrorCode(text); ok {
		return o.programError(ErrSimulationRejected, code, err)
	}
	if strings.Contains(lowered, "already in use") || strings.Contains(lowered, "already been processed") {
		return wrapError(ErrAlreadyExists, err, "account already exists on ledger")
	}
	if isMethodNotFoundText(lowered) {
		return wrapError(ErrSimulationRejected, err, "method identifier not found")
	}
	if strings.Contains(lowered, "simulation failed") || strings.Contains(lowered, "transaction simulation") {
		return wrapError(ErrSimulationRejected, err, "transaction rejected in simulation")
	}
	return wrapError(ErrConnectionFailed, err, "broadcast failed")
}

// classifyExecutionError maps the ledger-reported verdict of a confirmed
// rejection. The remote program's numeric code is surfaced verbatim.
func (o *TransactionOrchestrator) classifyExecutionError(ledgerErr any) *Error {
	if code, ok := programErrorCodeFromVerdict(ledgerErr); ok {
		return o.programError(ErrLedgerExecution, code, nil)
	}
	return newError(ErrLedgerExecution, "transaction failed on ledger: %v", ledgerErr)
}

func (o *TransactionOrchestrator) programError(fallbackCode ErrorCode, code uint32, cause error) *Error {
	message, known := o.schema.ErrorMessage(code)
	name, _ := o.schema.ErrorName(code)
	switch name {
	case "AlreadyCompleted", "AlreadyCanceled":
		e := newError(ErrAlreadyTerminal, "escrow is terminal: %s", message)
		e.ProgramCode = code
		e.cause = cause
		return e
	case "ListingNotActive":
		e := newError(ErrListingNotActive, "%s", message)
		e.ProgramCode = code
		e.cause = cause
		return e
	}
	var e *Error
	if known {
		e = newError(fallbackCode, "program error %d: %s", code, message)
	} else {
		e = newError(fallbackCode, "program error %d", code)
	}
	e.ProgramCode = code
	e.cause = cause
	return e
}

// Anchor rejects a payload whose discriminator matches no instruction with
// InstructionFallbackNotFound (101, 0x65). That is the only condition the
// naming-convention fallback reacts to.
const methodNotFoundCode = 101

func isMethodNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) && e.ProgramCode == methodNotFoundCode {
		return true
	}
	return isMethodNotFoundText(strings.ToLower(err.Error()))
}

func isMethodNotFoundText(lowered string) bool {
	return strings.Contains(lowered, "instructionfallbacknotfound") ||
		strings.Contains(lowered, "fallback functions are not supported") ||
		strings.Contains(lowered, "custom program error: 0x65")
}

// extractCustomErrorCode parses the "custom program error: 0x…" form the
// RPC layer uses in send/simulation error strings.
func extractCustomErrorCode(text string) (uint32, bool) {
	const marker = "custom program error: "
	idx := strings.Index(strings.ToLower(text), marker)
	if idx < 0 {
		return 0, false
	}
	rest := text[idx+len(marker):]
	if end := strings.IndexAny(rest, " ,)]\n"); end >= 0 {
		rest = rest[:end]
	}
	rest = strings.TrimPrefix(strings.TrimSpace(rest), "0x")
	code, err := strconv.ParseUint(rest, 16, 32)
	if err != nil {
		return 0, false
	}
	return uint32(code), true
}

// programErrorCodeFromVerdict walks the JSON shape of a ledger execution
// error: {"InstructionError": [index, {"Custom": code}]}.
func programErrorCodeFromVerdict(verdict any) (uint32, bool) {
	m, ok := verdict.(map[string]any)
	if !ok {
		return 0, false
	}
	detail, ok := m["InstructionError"]
	if !ok {
		return 0, false
	}
	parts, ok := detail.([]any)
	if !ok || len(parts) != 2 {
		return 0, false
	}
	inner, ok := parts[1].(map[string]any)
	if !ok {
		return 0, false
	}
	raw, ok := inner["Custom"]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return uint32(v), true
	case int:
		return uint32(v), true
	case uint32:
		return v, true
	case uint64:
		return uint32(v), true
	default:
		code, err := strconv.ParseUint(fmt.Sprint(v), 10, 32)
		if err != nil {
			return 0, false
		}
		return uint32(code), true
	}
}
