package parser

import (
	"testing"
	"time"

	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	receivedAt = time.Date(2026, 5, 4, 12, 0, 5, 0, time.UTC)
	payloadAt  = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
)

func pending(raw string) domain.YapeTransaction {
	return domain.YapeTransaction{
		TenantID:   1,
		RawPayload: raw,
		ReceivedAt: receivedAt,
		Status:     domain.StatusPendingParse,
	}
}

func TestParseCompletePayload(t *testing.T) {
	raw := `{
		"transaction_id": "YP-123",
		"amount": "45.50",
		"timestamp": "2026-05-04T11:59:00-05:00",
		"currency": "PEN",
		"sender": {"name": "  María   Pérez ", "phone": "+51 987 654 321"},
		"concept": " Ord-001 "
	}`
	txn := Parse(pending(raw))

	require.Equal(t, domain.StatusParsed, txn.Status)
	assert.Empty(t, txn.ParsingErrors)
	require.NotNil(t, txn.ProviderTransactionID)
	assert.Equal(t, "YP-123", *txn.ProviderTransactionID)
	require.NotNil(t, txn.AmountCents)
	assert.Equal(t, int64(4550), *txn.AmountCents)
	assert.Equal(t, time.Date(2026, 5, 4, 16, 59, 0, 0, time.UTC), txn.NotifiedAt)
	require.NotNil(t, txn.SenderName)
	assert.Equal(t, "María Pérez", *txn.SenderName)
	require.NotNil(t, txn.SenderPhone)
	assert.Equal(t, "987654321", *txn.SenderPhone)
	require.NotNil(t, txn.Concept)
	assert.Equal(t, "Ord-001", *txn.Concept)
	assert.Equal(t, "ord001", *txn.NormalizedConcept)
	assert.Equal(t, raw, txn.RawPayload, "raw payload is preserved verbatim")
}

func TestParseNumericFieldsAndAliases(t *testing.T) {
	txn := Parse(pending(`{"transaction_id": 991, "amount": 20, "timestamp": 1777896000000, "payer_name": "Cliente", "message": "almuerzo"}`))

	require.Equal(t, domain.StatusParsed, txn.Status)
	assert.Equal(t, "991", *txn.ProviderTransactionID)
	assert.Equal(t, int64(2000), *txn.AmountCents)
	assert.Equal(t, time.UnixMilli(1777896000000).UTC(), txn.NotifiedAt)
	assert.Equal(t, "Cliente", *txn.SenderName)
	assert.Equal(t, "almuerzo", *txn.Concept)
	assert.Nil(t, txn.SenderPhone)
}

func TestParseAnonymousPayloadIsNotAnError(t *testing.T) {
	txn := Parse(pending(`{"transaction_id": "A1", "amount": "20.00", "timestamp": "2026-05-04T12:00:00Z", "sender": {"phone": "*** *** 321"}}`))

	require.Equal(t, domain.StatusParsed, txn.Status)
	assert.True(t, txn.Anonymous())
	assert.Nil(t, txn.Concept)
}

func TestParseFailures(t *testing.T) {
	cases := []struct {
		name     string
		raw      string
		want     []string
		notified time.Time
	}{
		{
			name:     "not json",
			raw:      `amount=45.50`,
			want:     []string{"payload is not a JSON object"},
			notified: receivedAt,
		},
		{
			name:     "missing transport fields in order",
			raw:      `{}`,
			want:     []string{"transaction_id is required", "amount is required", "timestamp is required"},
			notified: receivedAt,
		},
		{
			name:     "non positive amount",
			raw:      `{"transaction_id": "x", "amount": "-1", "timestamp": "2026-05-04T12:00:00Z"}`,
			want:     []string{"amount must be positive"},
			notified: payloadAt,
		},
		{
			name:     "three decimals",
			raw:      `{"transaction_id": "x", "amount": 10.505, "timestamp": "2026-05-04T12:00:00Z"}`,
			want:     []string{"amount has more than 2 decimal places"},
			notified: payloadAt,
		},
		{
			name:     "amount above transfer limit",
			raw:      `{"transaction_id": "x", "amount": "2000000", "timestamp": "2026-05-04T12:00:00Z"}`,
			want:     []string{`amount "2000000" exceeds the maximum transfer`},
			notified: payloadAt,
		},
		{
			name:     "unparseable amount",
			raw:      `{"transaction_id": "x", "amount": "diez", "timestamp": "2026-05-04T12:00:00Z"}`,
			want:     []string{`amount "diez" is not a valid decimal`},
			notified: payloadAt,
		},
		{
			name:     "foreign currency",
			raw:      `{"transaction_id": "x", "amount": "10", "timestamp": "2026-05-04T12:00:00Z", "currency": "usd"}`,
			want:     []string{`unsupported currency "USD"`},
			notified: payloadAt,
		},
		{
			name:     "bad timestamp",
			raw:      `{"transaction_id": "x", "amount": "10", "timestamp": "yesterday"}`,
			want:     []string{`timestamp "yesterday" is not RFC 3339`},
			notified: receivedAt,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			txn := Parse(pending(tc.raw))
			require.Equal(t, domain.StatusParseFailed, txn.Status)
			require.Len(t, txn.ParsingErrors, len(tc.want))
			for i, want := range tc.want {
				assert.Contains(t, txn.ParsingErrors[i], want)
			}
			assert.Equal(t, domain.ReasonParseFailed, txn.Reason())
			assert.Equal(t, tc.notified, txn.NotifiedAt)
		})
	}
}

func TestPeekProviderID(t *testing.T) {
	id, ok := PeekProviderID([]byte(`{"transaction_id": " YP-9 ", "amount": "bad"}`))
	require.True(t, ok)
	assert.Equal(t, "YP-9", id)

	_, ok = PeekProviderID([]byte(`{"amount": 1}`))
	assert.False(t, ok)
	_, ok = PeekProviderID([]byte(`garbage`))
	assert.False(t, ok)
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "ord001", Normalize("ORD-001"))
	assert.Equal(t, "ord001", Normalize("ord 001"))
	assert.Equal(t, "mariaperez", Normalize("María Pérez"))
	assert.Equal(t, "", Normalize("   "))
}

func TestNormalizePhone(t *testing.T) {
	assert.Equal(t, "987654321", NormalizePhone("987-654-321"))
	assert.Equal(t, "987654321", NormalizePhone("+51987654321"))
	assert.Equal(t, "", NormalizePhone("*** *** 321"))
	assert.Equal(t, "", NormalizePhone("014567890"))
}
