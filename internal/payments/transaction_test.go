package payments

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"commercepay/internal/common/money"
)

func newTestTxn(t *testing.T, action PaymentAction) *Transaction {
	t.Helper()
	req := &ChargeRequest{
		Amount: money.New(10000, money.USD),
		Card: Card{
			Number:      "4111111111111111",
			ExpiryMonth: 10,
			ExpiryYear:  2030,
			CVV:         "123",
			HolderName:  "Jane Smith",
		},
		OrderRef: "ORD-1",
		Action:   action,
	}
	req.Card.Normalize()
	return NewTransaction("TXN-1", "tenant-1", req)
}

func TestApplyResultSaleApproval(t *testing.T) {
	txn := newTestTxn(t, ActionSale)
	txn.ApplyResult(&TransactionResult{
		Outcome:       OutcomeApproved,
		Gateway:       GatewayNMI,
		ProviderTxnID: "prov-1",
	})

	assert.Equal(t, TxnCaptured, txn.Status)
	assert.Equal(t, int64(10000), txn.CapturedMinor)
	assert.NotNil(t, txn.CapturedAt)
}

func TestApplyResultAuthApproval(t *testing.T) {
	txn := newTestTxn(t, ActionAuthorize)
	txn.ApplyResult(&TransactionResult{Outcome: OutcomeApproved, Gateway: GatewayPayPal})

	assert.Equal(t, TxnApproved, txn.Status)
	assert.Zero(t, txn.CapturedMinor)
}

func TestApplyResultDeclineAndError(t *testing.T) {
	declined := newTestTxn(t, ActionSale)
	declined.ApplyResult(&TransactionResult{Outcome: OutcomeDeclined, ErrorMessage: "do not honor"})
	assert.Equal(t, TxnDeclined, declined.Status)
	assert.True(t, declined.IsTerminal())

	errored := newTestTxn(t, ActionSale)
	errored.ApplyResult(&TransactionResult{Outcome: OutcomeError, ErrorCode: ErrCodeTimeout})
	assert.Equal(t, TxnGatewayError, errored.Status)
	assert.True(t, errored.IsTerminal())
}

func TestCaptureRules(t *testing.T) {
	txn := newTestTxn(t, ActionAuthorize)
	txn.ApplyResult(&TransactionResult{Outcome: OutcomeApproved})

	// over-capture is rejected
	err := txn.MarkCaptured(money.New(10001, money.USD))
	assert.Error(t, err)
	assert.Equal(t, TxnApproved, txn.Status)

	// partial capture is allowed
	require.NoError(t, txn.MarkCaptured(money.New(8000, money.USD)))
	assert.Equal(t, TxnCaptured, txn.Status)
	assert.Equal(t, int64(8000), txn.CapturedMinor)

	// a second capture is rejected
	var serr *StateError
	err = txn.MarkCaptured(money.New(1000, money.USD))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "capture", serr.Op)
}

func TestVoidRules(t *testing.T) {
	txn := newTestTxn(t, ActionAuthorize)
	txn.ApplyResult(&TransactionResult{Outcome: OutcomeApproved})

	require.NoError(t, txn.MarkVoided())
	assert.Equal(t, TxnVoided, txn.Status)
	assert.True(t, txn.IsTerminal())

	captured := newTestTxn(t, ActionSale)
	captured.ApplyResult(&TransactionResult{Outcome: OutcomeApproved})
	assert.Error(t, captured.MarkVoided())
}

func TestCumulativeRefundInvariant(t *testing.T) {
	txn := newTestTxn(t, ActionSale)
	txn.ApplyResult(&TransactionResult{Outcome: OutcomeApproved})
	require.Equal(t, int64(10000), txn.CapturedMinor)

	// first partial refund succeeds
	require.NoError(t, txn.RecordRefund(money.New(6000, money.USD)))
	assert.Equal(t, TxnPartiallyRefunded, txn.Status)
	assert.Equal(t, int64(4000), txn.RefundableMinor())

	// 5000 would exceed the captured amount
	err := txn.RecordRefund(money.New(5000, money.USD))
	var rerr *RefundInvariantError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, int64(4000), rerr.Remaining.AmountMinor)
	assert.Equal(t, int64(6000), txn.RefundedMinor)

	// the exact remainder succeeds and closes the transaction
	require.NoError(t, txn.RecordRefund(money.New(4000, money.USD)))
	assert.Equal(t, TxnRefunded, txn.Status)
	assert.True(t, txn.IsTerminal())

	// nothing further can be refunded
	assert.Error(t, txn.RecordRefund(money.New(1, money.USD)))
}

func TestRefundRejectsWrongCurrencyAndNonPositive(t *testing.T) {
	txn := newTestTxn(t, ActionSale)
	txn.ApplyResult(&TransactionResult{Outcome: OutcomeApproved})

	assert.Error(t, txn.RecordRefund(money.New(1000, money.EUR)))
	assert.Error(t, txn.RecordRefund(money.New(0, money.USD)))
	assert.Error(t, txn.RecordRefund(money.New(-100, money.USD)))
}

func TestRefundRequiresCapturedState(t *testing.T) {
	txn := newTestTxn(t, ActionAuthorize)
	txn.ApplyResult(&TransactionResult{Outcome: OutcomeApproved})

	var serr *StateError
	err := txn.RecordRefund(money.New(1000, money.USD))
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "refund", serr.Op)
}

func TestNewTransactionStoresCardSummaryOnly(t *testing.T) {
	txn := newTestTxn(t, ActionSale)

	assert.Equal(t, CardVisa, txn.CardType)
	assert.Equal(t, "1111", txn.CardLastFour)
	assert.NotEmpty(t, txn.RequestFingerprint)
}
