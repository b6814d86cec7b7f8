// Package parser decodes raw Yape notification payloads into transactions.
// It never returns an error: malformed input ends in PARSE_FAILED with ordered
// parsing errors recorded on the transaction.
package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/pkg/money"
)

const maxConceptLength = 140

type sender struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// payload is the wire schema of a Yape notification. Alternative field names
// emitted by older notification forwarders are accepted.
type payload struct {
	TransactionID json.RawMessage `json:"transaction_id"`
	Amount        json.RawMessage `json:"amount"`
	Timestamp     json.RawMessage `json:"timestamp"`
	Currency      string          `json:"currency"`
	StoreID       json.RawMessage `json:"store_id"`
	Sender        *sender         `json:"sender"`
	PayerName     string          `json:"payer_name"`
	PayerPhone    string          `json:"payer_phone"`
	Concept       *string         `json:"concept"`
	Message       *string         `json:"message"`
}

// PeekProviderID extracts the provider transaction id without a full parse, so that
// duplicates can be detected before a row is created.
func PeekProviderID(raw []byte) (string, bool) {
	var p struct {
		TransactionID json.RawMessage `json:"transaction_id"`
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return "", false
	}
	id, err := scalarString(p.TransactionID)
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// Parse fills the structured fields of a PENDING_PARSE transaction from its raw
// payload and returns it as PARSED or PARSE_FAILED.
func Parse(txn domain.YapeTransaction) domain.YapeTransaction {
	var errs []string
	fail := func(err error) {
		errs = append(errs, err.Error())
	}

	// A readable payload timestamp wins even when other fields fail.
	if txn.NotifiedAt.IsZero() {
		txn.NotifiedAt = txn.ReceivedAt
	}

	var p payload
	dec := json.NewDecoder(bytes.NewReader([]byte(txn.RawPayload)))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		fail(fmt.Errorf("payload is not a JSON object: %w", err))
		return finish(txn, errs)
	}

	if id, err := scalarString(p.TransactionID); err != nil || id == "" {
		fail(errors.New("transaction_id is required"))
	} else {
		txn.ProviderTransactionID = &id
	}

	if cents, err := parseAmount(p.Amount); err != nil {
		fail(err)
	} else {
		txn.AmountCents = &cents
	}

	if notifiedAt, err := parseTimestamp(p.Timestamp); err != nil {
		fail(err)
	} else {
		txn.NotifiedAt = notifiedAt
	}

	if currency := strings.ToUpper(strings.TrimSpace(p.Currency)); currency != "" && currency != money.Currency {
		fail(fmt.Errorf("unsupported currency %q", currency))
	}

	if len(p.StoreID) > 0 && string(p.StoreID) != "null" {
		raw, err := scalarString(p.StoreID)
		id, parseErr := snowflake.ParseString(raw)
		if err != nil || parseErr != nil || id == 0 {
			fail(errors.New("store_id is not a valid identifier"))
		} else {
			txn.StoreID = &id
		}
	}

	name, phone := p.PayerName, p.PayerPhone
	if p.Sender != nil {
		if p.Sender.Name != "" {
			name = p.Sender.Name
		}
		if p.Sender.Phone != "" {
			phone = p.Sender.Phone
		}
	}
	if name = cleanName(name); name != "" {
		txn.SenderName = &name
	}
	if phone = NormalizePhone(phone); phone != "" {
		txn.SenderPhone = &phone
	}

	concept := p.Concept
	if concept == nil {
		concept = p.Message
	}
	if concept != nil {
		text := strings.TrimSpace(*concept)
		if runes := []rune(text); len(runes) > maxConceptLength {
			text = string(runes[:maxConceptLength])
		}
		if text != "" {
			normalized := Normalize(text)
			txn.Concept = &text
			txn.NormalizedConcept = &normalized
		}
	}

	return finish(txn, errs)
}

func finish(txn domain.YapeTransaction, errs []string) domain.YapeTransaction {
	if len(errs) > 0 {
		reason := domain.ReasonParseFailed
		txn.Status = domain.StatusParseFailed
		txn.StatusReason = &reason
		txn.ParsingErrors = errs
		return txn
	}
	txn.Status = domain.StatusParsed
	txn.ParsingErrors = nil
	return txn
}

func parseAmount(raw json.RawMessage) (int64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("amount is required")
	}
	value, err := scalarString(raw)
	if err != nil {
		return 0, errors.New("amount must be a number or a numeric string")
	}
	cents, err := money.ParseSoles(value)
	switch {
	case errors.Is(err, money.ErrNonPositive):
		return 0, errors.New("amount must be positive")
	case errors.Is(err, money.ErrTooManyDecimals):
		return 0, errors.New("amount has more than 2 decimal places")
	case errors.Is(err, money.ErrAmountOutOfRange):
		return 0, fmt.Errorf("amount %q exceeds the maximum transfer", value)
	case err != nil:
		return 0, fmt.Errorf("amount %q is not a valid decimal", value)
	}
	return cents, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, errors.New("timestamp is required")
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		epoch, err := number.Int64()
		if err != nil || epoch <= 0 {
			return time.Time{}, errors.New("timestamp must be a positive unix epoch")
		}
		// Forwarders send either seconds or milliseconds.
		if epoch > 1e12 {
			return time.UnixMilli(epoch).UTC(), nil
		}
		return time.Unix(epoch, 0).UTC(), nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return time.Time{}, errors.New("timestamp must be RFC 3339 text or a unix epoch")
	}
	ts, err := time.Parse(time.RFC3339, strings.TrimSpace(text))
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp %q is not RFC 3339", text)
	}
	return ts.UTC(), nil
}

// scalarString renders a JSON string or number as text.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text), nil
	}
	var number json.Number
	if err := json.Unmarshal(raw, &number); err == nil {
		if _, err := strconv.ParseFloat(number.String(), 64); err == nil {
			return number.String(), nil
		}
	}
	return "", errors.New("expected a string or number")
}
