package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"commercepay/internal/common/money"
)

// Store persists transaction records.
type Store interface {
	Create(ctx context.Context, txn *Transaction) error
	Get(ctx context.Context, tenantID, txnID string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, tenantID, key string) (*Transaction, error)
	Update(ctx context.Context, txn *Transaction) error
}

// Publisher publishes lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// ActiveGateway is a resolved, credential-bound adapter for one tenant.
type ActiveGateway struct {
	ID      GatewayID
	Adapter Adapter
}

// Registry resolves the tenant's configured gateways to bound adapters.
type Registry interface {
	// Resolve returns the tenant's active gateway or ErrNotConfigured.
	Resolve(ctx context.Context, tenantID string) (*ActiveGateway, error)
	// ResolveFallback returns the tenant's fallback gateway, if configured.
	ResolveFallback(ctx context.Context, tenantID string) (*ActiveGateway, bool, error)
	// ResolveByID returns a specific configured gateway; refunds and
	// captures always target the gateway that processed the charge.
	ResolveByID(ctx context.Context, tenantID string, id GatewayID) (*ActiveGateway, error)
}

// Config holds orchestrator configuration.
type Config struct {
	ChargeCeilingMinor int64 `envconfig:"PAYMENTS_CHARGE_CEILING_MINOR" default:"1000000"`
}

// Service is the transaction orchestrator: it validates charge requests,
// selects a gateway, executes the charge with single-hop fallback, persists
// the normalized result and serializes follow-on operations per transaction.
type Service struct {
	store     Store
	registry  Registry
	publisher Publisher
	logger    *slog.Logger
	config    Config

	locks keyedMutex
}

// NewService creates a payment orchestrator.
func NewService(store Store, registry Registry, publisher Publisher, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		registry:  registry,
		publisher: publisher,
		logger:    logger,
		config:    cfg,
	}
}

// Charge executes a charge for the tenant. Validation failures and
// configuration problems return an error and never reach a gateway; gateway
// outcomes (approved, declined, gateway error) come back as the persisted
// transaction with a nil error.
func (s *Service) Charge(ctx context.Context, tenantID string, req *ChargeRequest) (*Transaction, error) {
	req.Card.Normalize()

	if errs := ValidateChargeRequest(req, s.config.ChargeCeilingMinor); len(errs) > 0 {
		return nil, errs
	}

	// Idempotency short circuit: a repeated call with the same key and the
	// same request fingerprint returns the stored result without touching
	// any gateway. Concurrent calls sharing a key are serialized so only
	// the first one reaches a gateway. A failed lookup aborts the charge:
	// proceeding would risk charging the card twice.
	if req.IdempotencyKey != "" {
		unlock := s.locks.lock("idem|" + tenantID + "|" + req.IdempotencyKey)
		defer unlock()

		existing, err := s.store.GetByIdempotencyKey(ctx, tenantID, req.IdempotencyKey)
		switch {
		case err == nil:
			if existing.RequestFingerprint != req.Fingerprint() {
				return nil, ErrIdempotencyConflict
			}
			s.logger.Info("returning stored transaction for idempotency key",
				"transaction_id", existing.ID,
				"tenant_id", tenantID,
			)
			return existing, nil
		case errors.Is(err, ErrTransactionNotFound):
			// first attempt for this key
		default:
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	primary, err := s.registry.Resolve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	txn := NewTransaction(fmt.Sprintf("TXN-%s", ulid.Make().String()), tenantID, req)

	s.logger.Info("charging card",
		"transaction_id", txn.ID,
		"tenant_id", tenantID,
		"gateway", primary.ID,
		"amount", req.Amount.AmountMinor,
		"currency", req.Amount.Currency,
		"action", req.Action,
	)

	result := s.invokeCharge(ctx, primary, req)

	// A gateway error is ambiguous: the charge may or may not have reached
	// the provider. Retry once against the fallback gateway, never against
	// the same gateway. A decline is authoritative and is never retried.
	if IsAmbiguousFailure(result) {
		if fb, ok, fbErr := s.registry.ResolveFallback(ctx, tenantID); fbErr == nil && ok && fb.ID != primary.ID {
			s.logger.Warn("primary gateway failed, attempting fallback",
				"transaction_id", txn.ID,
				"primary", primary.ID,
				"fallback", fb.ID,
				"error_code", result.ErrorCode,
			)
			fbResult := s.invokeCharge(ctx, fb, req)
			txn.FallbackFrom = primary.ID
			result = fbResult
		}
	}

	txn.ApplyResult(result)

	if err := s.store.Create(ctx, txn); err != nil {
		return nil, fmt.Errorf("store transaction: %w", err)
	}

	s.publishTxn(ctx, txn)

	s.logger.Info("charge completed",
		"transaction_id", txn.ID,
		"gateway", txn.Gateway,
		"status", txn.Status,
		"provider_txn_id", txn.ProviderTxnID,
	)

	return txn, nil
}

// invokeCharge calls the adapter and normalizes a stray error return into an
// OutcomeError result so the orchestrator sees one failure shape.
func (s *Service) invokeCharge(ctx context.Context, gw *ActiveGateway, req *ChargeRequest) *TransactionResult {
	result, err := gw.Adapter.Charge(ctx, req)
	if err != nil {
		s.logger.Error("adapter charge error", "gateway", gw.ID, "error", err)
		return FailureResult(gw.ID, err)
	}
	if result == nil {
		return BadResponseResult(gw.ID, "adapter returned no result")
	}
	return result
}

// GetTransaction returns a persisted transaction.
func (s *Service) GetTransaction(ctx context.Context, tenantID, txnID string) (*Transaction, error) {
	return s.store.Get(ctx, tenantID, txnID)
}

// Capture settles a previously authorized transaction, optionally for a
// partial amount. The capture always targets the gateway that authorized.
func (s *Service) Capture(ctx context.Context, tenantID, txnID string, amount *money.Money) (*Transaction, error) {
	unlock := s.locks.lock(txnID)
	defer unlock()

	txn, err := s.store.Get(ctx, tenantID, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Action != ActionAuthorize || txn.Status != TxnApproved {
		return nil, &StateError{Op: "capture", Status: txn.Status}
	}
	if amount != nil && (amount.Currency != txn.Amount.Currency || !amount.IsPositive() || amount.AmountMinor > txn.Amount.AmountMinor) {
		return nil, ValidationErrors{{Field: "amount", Message: "must be positive and no more than the authorized amount"}}
	}

	captureAmount := txn.Amount
	if amount != nil {
		captureAmount = *amount
	}

	gw, err := s.registry.ResolveByID(ctx, tenantID, txn.Gateway)
	if err != nil {
		return nil, err
	}

	result, err := gw.Adapter.Capture(ctx, txn.ProviderTxnID, captureAmount)
	if err != nil {
		result = FailureResult(gw.ID, err)
	}
	if !result.Approved() {
		return nil, fmt.Errorf("capture failed: %s", result.ErrorMessage)
	}

	if err := txn.MarkCaptured(captureAmount); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	s.publishEvent(ctx, EventTxnCaptured, SubjectTxnCaptured, txn, &TransactionEvent{
		TransactionID: txn.ID,
		OrderRef:      txn.OrderRef,
		Gateway:       txn.Gateway,
		Status:        txn.Status,
		Amount:        captureAmount,
	})

	s.logger.Info("transaction captured",
		"transaction_id", txn.ID,
		"gateway", txn.Gateway,
		"amount", captureAmount.AmountMinor,
	)

	return txn, nil
}

// RefundCommand describes a refund against an existing transaction.
type RefundCommand struct {
	Type   RefundType
	Amount *money.Money // required for partial refunds
	Reason string
}

// Refund refunds an approved transaction. Concurrent refunds for the same
// transaction are serialized so the cumulative-refund invariant holds, and
// the refund always targets the gateway that processed the original charge,
// never the fallback.
func (s *Service) Refund(ctx context.Context, tenantID, txnID string, cmd RefundCommand) (*RefundResult, error) {
	unlock := s.locks.lock(txnID)
	defer unlock()

	txn, err := s.store.Get(ctx, tenantID, txnID)
	if err != nil {
		return nil, err
	}

	remaining := money.New(txn.RefundableMinor(), txn.Amount.Currency)
	amount := remaining
	if cmd.Type == RefundPartial {
		if cmd.Amount == nil {
			return nil, ValidationErrors{{Field: "amount", Message: "is required for partial refunds"}}
		}
		amount = *cmd.Amount
	}

	// Enforce the invariant before dispatching: some gateways would accept
	// an over-refund server-side.
	if txn.Status != TxnCaptured && txn.Status != TxnPartiallyRefunded {
		return nil, &StateError{Op: "refund", Status: txn.Status}
	}
	if amount.Currency != txn.Amount.Currency || !amount.IsPositive() || amount.AmountMinor > remaining.AmountMinor {
		return nil, &RefundInvariantError{Requested: amount, Remaining: remaining}
	}

	gw, err := s.registry.ResolveByID(ctx, tenantID, txn.Gateway)
	if err != nil {
		return nil, err
	}

	refundType := cmd.Type
	if refundType == "" {
		refundType = RefundFull
	}

	result, err := gw.Adapter.Refund(ctx, &RefundRequest{
		ProviderTxnID: txn.ProviderTxnID,
		Type:          refundType,
		Amount:        amount,
		CardLastFour:  txn.CardLastFour,
		Reason:        cmd.Reason,
	})
	if err != nil {
		result = RefundFailureResult(gw.ID, err)
	}
	if result.Outcome != OutcomeApproved {
		return result, fmt.Errorf("refund failed: %s", result.ErrorMessage)
	}

	if err := txn.RecordRefund(amount); err != nil {
		return result, err
	}
	if err := s.store.Update(ctx, txn); err != nil {
		return result, fmt.Errorf("update transaction: %w", err)
	}

	s.publishEvent(ctx, EventTxnRefunded, SubjectTxnRefunded, txn, &RefundEvent{
		TransactionID:  txn.ID,
		RefundTxnID:    result.RefundTxnID,
		Gateway:        txn.Gateway,
		Amount:         amount,
		RefundedMinor:  txn.RefundedMinor,
		RemainingMinor: txn.RefundableMinor(),
	})

	s.logger.Info("transaction refunded",
		"transaction_id", txn.ID,
		"refund_txn_id", result.RefundTxnID,
		"amount", amount.AmountMinor,
		"cumulative_refunded", txn.RefundedMinor,
	)

	return result, nil
}

// Void cancels an authorized-but-uncaptured transaction.
func (s *Service) Void(ctx context.Context, tenantID, txnID string) (*Transaction, error) {
	unlock := s.locks.lock(txnID)
	defer unlock()

	txn, err := s.store.Get(ctx, tenantID, txnID)
	if err != nil {
		return nil, err
	}
	if txn.Status != TxnApproved {
		return nil, &StateError{Op: "void", Status: txn.Status}
	}

	gw, err := s.registry.ResolveByID(ctx, tenantID, txn.Gateway)
	if err != nil {
		return nil, err
	}

	result, err := gw.Adapter.Void(ctx, txn.ProviderTxnID)
	if err != nil {
		result = FailureResult(gw.ID, err)
	}
	if !result.Approved() {
		return nil, fmt.Errorf("void failed: %s", result.ErrorMessage)
	}

	if err := txn.MarkVoided(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, txn); err != nil {
		return nil, fmt.Errorf("update transaction: %w", err)
	}

	s.publishEvent(ctx, EventTxnVoided, SubjectTxnVoided, txn, &TransactionEvent{
		TransactionID: txn.ID,
		OrderRef:      txn.OrderRef,
		Gateway:       txn.Gateway,
		Status:        txn.Status,
		Amount:        txn.Amount,
	})

	s.logger.Info("transaction voided", "transaction_id", txn.ID, "gateway", txn.Gateway)

	return txn, nil
}

// publishTxn publishes the lifecycle event matching the charge outcome.
func (s *Service) publishTxn(ctx context.Context, txn *Transaction) {
	var (
		eventType EventType
		subject   string
	)
	switch txn.Status {
	case TxnApproved, TxnCaptured:
		eventType, subject = EventTxnApproved, SubjectTxnApproved
	case TxnDeclined:
		eventType, subject = EventTxnDeclined, SubjectTxnDeclined
	default:
		eventType, subject = EventTxnFailed, SubjectTxnFailed
	}

	s.publishEvent(ctx, eventType, subject, txn, &TransactionEvent{
		TransactionID: txn.ID,
		OrderRef:      txn.OrderRef,
		Gateway:       txn.Gateway,
		FallbackFrom:  txn.FallbackFrom,
		Status:        txn.Status,
		Amount:        txn.Amount,
		ErrorCode:     txn.ErrorCode,
		ErrorMessage:  txn.ErrorMessage,
	})
}

func (s *Service) publishEvent(ctx context.Context, eventType EventType, subject string, txn *Transaction, data any) {
	if s.publisher == nil {
		return
	}
	env, err := NewEnvelope(eventType, txn.TenantID, txn.ID, data)
	if err != nil {
		s.logger.Error("marshal event", "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, subject, env); err != nil {
		s.logger.Error("publish event", "subject", subject, "error", err)
	}
}

// keyedMutex serializes operations per key: follow-on operations per
// transaction id so concurrent refunds cannot both pass the
// cumulative-refund check, and charges per idempotency key so concurrent
// retries cannot both miss the stored-transaction lookup.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
