package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go/rpc"

	"github.com/voltgrid/exchange/backend/internal/config"
	"github.com/voltgrid/exchange/backend/internal/exchange"
	"github.com/voltgrid/exchange/backend/internal/indexer"
)

// Service serves marketplace reads from the indexed database and executes
// operator writes through the on-chain client with the locally configured
// keypair. End users sign their own transactions; the write endpoints here
// exist for the operator account.
type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            *indexer.Store
	client           *exchange.Client
	signer           exchange.Signer
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	store, err := indexer.NewStore(cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	connOpts := []exchange.RPCConnectionOption{
		exchange.WithSkipPreflight(cfg.Exchange.SkipPreflight),
	}
	if cfg.Exchange.MaxRetries != nil {
		connOpts = append(connOpts, exchange.WithSendMaxRetries(*cfg.Exchange.MaxRetries))
	}
	conn := exchange.NewRPCConnection(rpc.New(cfg.Exchange.RPCURL), cfg.Exchange.Commitment, connOpts...)

	client, err := exchange.NewClient(conn, exchange.ClientConfig{
		ProgramID:           cfg.Exchange.ProgramID,
		TokenMint:           cfg.Exchange.TokenMint,
		ConfirmPollInterval: cfg.Exchange.ConfirmPollInterval,
	}, logger)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init exchange client: %w", err)
	}

	var signer exchange.Signer
	if keypairSigner, err := exchange.KeypairSignerFromFile(cfg.Exchange.KeypairPath); err != nil {
		logger.Warn("operator keypair unavailable, write endpoints disabled", "path", cfg.Exchange.KeypairPath, "err", err)
	} else {
		signer = keypairSigner
	}

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		client:           client,
		signer:           signer,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/v1/listings", s.handleListings)
	mux.HandleFunc("/api/v1/listings/", s.handleListingByAddress)
	mux.HandleFunc("/api/v1/purchases", s.handlePurchases)
	mux.HandleFunc("/api/v1/escrows", s.handleEscrows)
	mux.HandleFunc("/api/v1/escrows/", s.handleEscrowSubroutes)
	mux.HandleFunc("/api/v1/holding-accounts", s.handleHoldingAccounts)
	mux.HandleFunc("/api/v1/activity", s.handleActivity)
	mux.HandleFunc("/ws", s.handleWebsocket)

	handler := s.withCORS(mux)
	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"db_driver", "postgres",
		"program", s.cfg.Exchange.ProgramID,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
	Party string `json:"party,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) handleListings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listListings(w, r)
	case http.MethodPost:
		s.createListing(w, r)
	default:
		s.respondMethodNotAllowed(w)
	}
}

func (s *Service) listListings(w http.ResponseWriter, r *http.Request) {
	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListListings(r.Context(), indexer.ListingFilter{
		Seller:     strings.TrimSpace(r.URL.Query().Get("seller")),
		ActiveOnly: strings.TrimSpace(r.URL.Query().Get("active")) == "true",
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		s.logger.Error("list listings failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list listings")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.ListingRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

type createListingRequest struct {
	ListingID      string `json:"listing_id"`
	PricePerUnit   uint64 `json:"price_per_unit"`
	AvailableUnits uint64 `json:"available_units"`
}

type createListingResponse struct {
	ListingAddress string `json:"listing_address"`
	OwnerAddress   string `json:"owner_address"`
	Signature      string `json:"signature"`
}

func (s *Service) createListing(w http.ResponseWriter, r *http.Request) {
	if s.signer == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no operator keypair configured")
		return
	}

	var request createListingRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()
	result, err := s.client.InitializeListing(ctx, s.signer, request.ListingID, request.PricePerUnit, request.AvailableUnits)
	if err != nil {
		s.respondExchangeError(w, "initialize listing", err)
		return
	}

	s.respondJSON(w, http.StatusCreated, createListingResponse{
		ListingAddress: result.ListingAddress.String(),
		OwnerAddress:   result.OwnerAddress.String(),
		Signature:      result.Signature.String(),
	})
}

func (s *Service) handleListingByAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	address := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/listings/"), "/")
	if address == "" || strings.Contains(address, "/") {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}

	item, err := s.store.GetListing(r.Context(), address)
	if err != nil {
		s.logger.Error("get listing failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to get listing")
		return
	}
	if item == nil {
		s.respondError(w, http.StatusNotFound, "listing not found")
		return
	}
	s.respondJSON(w, http.StatusOK, item)
}

type purchaseRequest struct {
	ListingID    string `json:"listing_id"`
	Seller       string `json:"seller"`
	Units        uint64 `json:"units"`
	PricePerUnit uint64 `json:"price_per_unit"`
}

type purchaseResponse struct {
	EscrowAddress string `json:"escrow_address"`
	Signature     string `json:"signature"`
}

func (s *Service) handlePurchases(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.signer == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no operator keypair configured")
		return
	}

	var request purchaseRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()
	result, err := s.client.Purchase(ctx, s.signer, request.ListingID, request.Seller, request.Units, request.PricePerUnit)
	if err != nil {
		s.respondExchangeError(w, "purchase", err)
		return
	}

	s.respondJSON(w, http.StatusCreated, purchaseResponse{
		EscrowAddress: result.EscrowAddress.String(),
		Signature:     result.Signature.String(),
	})
}

func (s *Service) handleEscrows(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListEscrows(r.Context(), indexer.EscrowFilter{
		Buyer:  strings.TrimSpace(r.URL.Query().Get("buyer")),
		Seller: strings.TrimSpace(r.URL.Query().Get("seller")),
		Status: strings.TrimSpace(r.URL.Query().Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.logger.Error("list escrows failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list escrows")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.EscrowRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

type settleResponse struct {
	Signature string `json:"signature"`
}

func (s *Service) handleEscrowSubroutes(w http.ResponseWriter, r *http.Request) {
	address, action := splitEscrowSubroute(r.URL.Path)
	if address == "" || (action != "complete" && action != "cancel") {
		s.respondError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.signer == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no operator keypair configured")
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()

	var result *exchange.SettleResult
	var err error
	if action == "complete" {
		result, err = s.client.CompleteTransaction(ctx, s.signer, address)
	} else {
		result, err = s.client.CancelTransaction(ctx, s.signer, address)
	}
	if err != nil {
		s.respondExchangeError(w, action+" escrow", err)
		return
	}

	s.respondJSON(w, http.StatusOK, settleResponse{Signature: result.Signature.String()})
}

type holdingAccountRequest struct {
	Owner string `json:"owner"`
}

type holdingAccountResponse struct {
	HoldingAddress string `json:"holding_address"`
	Signature      string `json:"signature,omitempty"`
	Created        bool   `json:"created"`
}

func (s *Service) handleHoldingAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}
	if s.signer == nil {
		s.respondError(w, http.StatusServiceUnavailable, "no operator keypair configured")
		return
	}

	var request holdingAccountRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()
	result, err := s.client.EnsureHoldingAccount(ctx, s.signer, request.Owner)
	if err != nil {
		s.respondExchangeError(w, "ensure holding account", err)
		return
	}

	response := holdingAccountResponse{
		HoldingAddress: result.HoldingAddress.String(),
		Created:        result.Created,
	}
	if result.Created {
		response.Signature = result.Signature.String()
	}
	code := http.StatusOK
	if result.Created {
		code = http.StatusCreated
	}
	s.respondJSON(w, code, response)
}

func (s *Service) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}

	limit, err := parseOptionalInt(r, "limit", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parseOptionalInt(r, "offset", 0)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, normalizedLimit, normalizedOffset, err := s.store.ListActivity(r.Context(), indexer.ActivityFilter{
		EventName: strings.TrimSpace(r.URL.Query().Get("event")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.logger.Error("list activity failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}

	s.respondJSON(w, http.StatusOK, listResponse[indexer.ActivityRow]{
		Items:  items,
		Limit:  normalizedLimit,
		Offset: normalizedOffset,
	})
}

// writeContext bounds an on-chain write by the configured transaction
// timeout so a stalled confirmation cannot hold the HTTP worker forever.
func (s *Service) writeContext(r *http.Request) (context.Context, context.CancelFunc) {
	if s.cfg.Exchange.TxTimeout <= 0 {
		return context.WithCancel(r.Context())
	}
	return context.WithTimeout(r.Context(), s.cfg.Exchange.TxTimeout)
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, allowed := s.allowedOriginSet[origin]
	return allowed
}

func splitEscrowSubroute(path string) (string, string) {
	trimmed := strings.Trim(strings.TrimPrefix(path, "/api/v1/escrows/"), "/")
	if trimmed == "" {
		return "", ""
	}
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func parseOptionalInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondExchangeError(w http.ResponseWriter, action string, err error) {
	var e *exchange.Error
	if !errors.As(err, &e) {
		s.logger.Error(action+" failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, action+" failed")
		return
	}

	status := httpStatusForCode(e.Code)
	if status >= http.StatusInternalServerError {
		s.logger.Error(action+" failed", "code", e.Code, "err", err)
	} else {
		s.logger.Info(action+" rejected", "code", e.Code, "err", err)
	}
	s.respondJSON(w, status, errorResponse{
		Error: e.Error(),
		Code:  string(e.Code),
		Party: string(e.Party),
	})
}

func httpStatusForCode(code exchange.ErrorCode) int {
	switch code {
	case exchange.ErrInvalidAddress, exchange.ErrIdentifierTooLong, exchange.ErrEncodingFailed, exchange.ErrInterfaceIncomplete:
		return http.StatusBadRequest
	case exchange.ErrSelfTradeRejected, exchange.ErrHoldingAccountMissing, exchange.ErrInsufficientBalance, exchange.ErrListingNotActive:
		return http.StatusUnprocessableEntity
	case exchange.ErrAlreadyExists, exchange.ErrAlreadyTerminal:
		return http.StatusConflict
	case exchange.ErrSimulationRejected, exchange.ErrLedgerExecution:
		return http.StatusUnprocessableEntity
	case exchange.ErrConfirmationTimedOut:
		return http.StatusGatewayTimeout
	case exchange.ErrSignerUnavailable, exchange.ErrSigningRejected:
		return http.StatusServiceUnavailable
	case exchange.ErrConnectionFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
