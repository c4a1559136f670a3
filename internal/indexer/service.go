package indexer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/voltgrid/exchange/backend/internal/config"
	"github.com/voltgrid/exchange/backend/internal/exchange"
)

// Service keeps the marketplace database in step with the ledger. Each tick
// re-scans the program's listing and escrow accounts, then walks the
// signatures newer than the last processed one and records the events their
// transactions emitted.
type Service struct {
	cfg    config.IndexerConfig
	rpc    *rpc.Client
	store  *Store
	schema *exchange.Schema
	logger *slog.Logger
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	return &Service{
		cfg:    cfg,
		rpc:    rpc.New(cfg.Exchange.RPCURL),
		store:  store,
		schema: exchange.DefaultSchema(),
		logger: logger,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.Exchange.RPCURL,
		"program", s.cfg.Exchange.ProgramID,
		"db_driver", "postgres",
		"commitment", s.cfg.Exchange.Commitment,
	)

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) error {
	slot, err := s.getSlotWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}

	stats := map[string]int{}

	err = s.store.WithTx(ctx, func(tx *Tx) error {
		if err := s.syncListings(ctx, tx, slot, stats); err != nil {
			return err
		}
		if err := s.syncEscrows(ctx, tx, slot, stats); err != nil {
			return err
		}
		lastSignature, err := s.syncActivity(ctx, tx, stats)
		if err != nil {
			return err
		}
		return s.store.UpsertSyncStateTx(ctx, tx, slot, lastSignature)
	})
	if err != nil {
		return err
	}

	s.logger.Info(
		"sync complete",
		"slot", slot,
		"listings", stats["listings"],
		"escrows", stats["escrows"],
		"events", stats["events"],
	)

	return nil
}

func (s *Service) syncListings(ctx context.Context, tx *Tx, slot uint64, stats map[string]int) error {
	discriminator := exchange.ListingAccountDiscriminator()
	return s.scanAndStore(ctx, slot, "listing", discriminator, func(item *rpc.KeyedAccount) error {
		record, err := exchange.ParseListingRecord(item.Account.Data.GetBinary())
		if err != nil {
			return err
		}
		if err := record.Validate(); err != nil {
			s.logger.Warn("listing record violates invariants, indexing anyway", "pubkey", item.Pubkey, "err", err)
		}
		stats["listings"]++
		return s.store.UpsertListingTx(ctx, tx, item.Pubkey, slot, record)
	})
}

func (s *Service) syncEscrows(ctx context.Context, tx *Tx, slot uint64, stats map[string]int) error {
	discriminator := exchange.EscrowAccountDiscriminator()
	return s.scanAndStore(ctx, slot, "escrow", discriminator, func(item *rpc.KeyedAccount) error {
		record, err := exchange.ParseEscrowRecord(item.Account.Data.GetBinary())
		if err != nil {
			return err
		}
		stats["escrows"]++
		return s.store.UpsertEscrowTx(ctx, tx, item.Pubkey, slot, record)
	})
}

func (s *Service) scanAndStore(
	ctx context.Context,
	slot uint64,
	accountType string,
	discriminator [8]byte,
	handler func(item *rpc.KeyedAccount) error,
) error {
	programID := s.cfg.Exchange.ProgramID
	accounts, err := s.getProgramAccountsWithRetry(ctx, programID, discriminator)
	if err != nil {
		return fmt.Errorf("scan %s accounts for program %s: %w", accountType, programID, err)
	}

	for _, item := range accounts {
		if item == nil || item.Account == nil {
			continue
		}
		if err := handler(item); err != nil {
			s.logger.Warn("failed to index account",
				"program", programID,
				"account_type", accountType,
				"pubkey", item.Pubkey,
				"slot", slot,
				"err", err,
			)
		}
	}
	return nil
}

// syncActivity records the events of every signature newer than the last one
// already processed, oldest first so a mid-batch failure resumes cleanly.
func (s *Service) syncActivity(ctx context.Context, tx *Tx, stats map[string]int) (string, error) {
	_, lastSignature, err := s.store.SyncState(ctx)
	if err != nil {
		return "", fmt.Errorf("read sync state: %w", err)
	}

	opts := &rpc.GetSignaturesForAddressOpts{
		Limit:      &s.cfg.SignatureBatch,
		Commitment: s.cfg.Exchange.Commitment,
	}
	if lastSignature != "" {
		until, err := solana.SignatureFromBase58(lastSignature)
		if err == nil {
			opts.Until = until
		}
	}

	signatures, err := s.rpc.GetSignaturesForAddressWithOpts(ctx, s.cfg.Exchange.ProgramID, opts)
	if err != nil {
		return lastSignature, fmt.Errorf("list signatures: %w", err)
	}
	if len(signatures) == 0 {
		return lastSignature, nil
	}

	newest := signatures[0].Signature.String()
	for i := len(signatures) - 1; i >= 0; i-- {
		item := signatures[i]
		if item.Err != nil {
			continue
		}
		if err := s.recordTransactionEvents(ctx, tx, item, stats); err != nil {
			s.logger.Warn("failed to index transaction events", "signature", item.Signature, "err", err)
		}
	}
	return newest, nil
}

func (s *Service) recordTransactionEvents(ctx context.Context, tx *Tx, item *rpc.TransactionSignature, stats map[string]int) error {
	version := uint64(0)
	out, err := s.rpc.GetTransaction(ctx, item.Signature, &rpc.GetTransactionOpts{
		Commitment:                     s.cfg.Exchange.Commitment,
		MaxSupportedTransactionVersion: &version,
	})
	if err != nil {
		return fmt.Errorf("fetch transaction: %w", err)
	}
	if out == nil || out.Meta == nil {
		return nil
	}

	events, err := exchange.DecodeEvents(s.schema, out.Meta.LogMessages)
	if err != nil {
		return fmt.Errorf("decode events: %w", err)
	}

	var blockTime *int64
	if item.BlockTime != nil {
		unix := item.BlockTime.Time().Unix()
		blockTime = &unix
	}
	for _, event := range events {
		if err := s.store.InsertActivityTx(ctx, tx, item.Signature.String(), out.Slot, blockTime, event); err != nil {
			return err
		}
		stats["events"]++
	}
	return nil
}

func (s *Service) getSlotWithRetry(ctx context.Context) (uint64, error) {
	var slot uint64
	err := s.withRetry(ctx, func() error {
		var err error
		slot, err = s.rpc.GetSlot(ctx, s.cfg.Exchange.Commitment)
		return err
	})
	return slot, err
}

func (s *Service) getProgramAccountsWithRetry(ctx context.Context, programID solana.PublicKey, discriminator [8]byte) (rpc.GetProgramAccountsResult, error) {
	var accounts rpc.GetProgramAccountsResult
	err := s.withRetry(ctx, func() error {
		var err error
		accounts, err = s.rpc.GetProgramAccountsWithOpts(ctx, programID, &rpc.GetProgramAccountsOpts{
			Commitment: s.cfg.Exchange.Commitment,
			Filters: []rpc.RPCFilter{
				{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(discriminator[:])}},
			},
		})
		return err
	})
	return accounts, err
}

func (s *Service) withRetry(ctx context.Context, fn func() error) error {
	delay := s.cfg.RPCRetryBaseDelay
	var lastErr error
	for attempt := 0; attempt < s.cfg.RPCMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.cfg.RPCRetryMaxDelay {
				delay = s.cfg.RPCRetryMaxDelay
			}
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
