package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// ErrInvalidTransaction is returned when an inbound record fails validation.
var ErrInvalidTransaction = errors.New("invalid transaction")

var validate = validator.New(validator.WithRequiredStructEnabled())

// TransactionType identifies the kind of financial movement.
type TransactionType string

const (
	TxTransfer     TransactionType = "TRANSFER"
	TxPayment      TransactionType = "PAYMENT"
	TxWithdrawal   TransactionType = "WITHDRAWAL"
	TxDeposit      TransactionType = "DEPOSIT"
	TxCrossBorder  TransactionType = "CROSS_BORDER"
	TxCardPurchase TransactionType = "CARD_PURCHASE"
)

// ChannelClass is the coarse origin channel derived during enrichment.
type ChannelClass string

const (
	ChannelMobile  ChannelClass = "MOBILE"
	ChannelWeb     ChannelClass = "WEB"
	ChannelATM     ChannelClass = "ATM"
	ChannelBranch  ChannelClass = "BRANCH"
	ChannelAPI     ChannelClass = "API"
	ChannelUnknown ChannelClass = "UNKNOWN"
)

// Transaction is one financial movement as received from the inbound stream.
// The wire fields are never edited once ingested; enrichment fills the derived
// block on a copy.
type Transaction struct {
	// Core identifiers
	ID         string `json:"id" validate:"required,max=128"`
	CustomerID string `json:"customerId" validate:"required,max=128"`
	AccountID  string `json:"accountId,omitempty"`

	// Financial details
	Amount   float64         `json:"amount" validate:"gt=0"`
	Currency string          `json:"currency" validate:"required,len=3,uppercase"`
	Type     TransactionType `json:"type" validate:"required,oneof=TRANSFER PAYMENT WITHDRAWAL DEPOSIT CROSS_BORDER CARD_PURCHASE"`

	// Temporal
	OccurredAt     time.Time `json:"occurredAt"`
	ReceivedAt     time.Time `json:"receivedAt"`
	ProcessingDate time.Time `json:"processingDate,omitempty"`

	Counterparty *Counterparty `json:"counterparty,omitempty"`
	Channel      ChannelInfo   `json:"channel"`
	Screening    Screening     `json:"screening"`

	// Optional metadata
	Metadata map[string]any `json:"metadata,omitempty"`

	// Derived by enrichment
	ConvertedAmount float64      `json:"convertedAmount,omitempty"`
	ExchangeRate    float64      `json:"exchangeRate,omitempty"`
	BaseCurrency    string       `json:"baseCurrency,omitempty"`
	ChannelClass    ChannelClass `json:"channelClass,omitempty"`
	International   bool         `json:"international"`
	Enriched        bool         `json:"enriched"`
}

// Counterparty describes the other side of a transaction.
type Counterparty struct {
	Name     string `json:"name,omitempty"`
	Document string `json:"document,omitempty"`
	Account  string `json:"account,omitempty"`
	Country  string `json:"country,omitempty" validate:"omitempty,len=2,uppercase"`
}

// ChannelInfo carries the device and network metadata of the originator.
type ChannelInfo struct {
	DeviceID   string  `json:"deviceId,omitempty"`
	DeviceType string  `json:"deviceType,omitempty"`
	IP         string  `json:"ip,omitempty" validate:"omitempty,ip"`
	Latitude   float64 `json:"latitude,omitempty" validate:"gte=-90,lte=90"`
	Longitude  float64 `json:"longitude,omitempty" validate:"gte=-180,lte=180"`
}

// Screening holds the customer screening flags known at ingest.
type Screening struct {
	PEP        bool `json:"pep"`
	Sanctioned bool `json:"sanctioned"`
}

// Validate checks the record against its field constraints.
func (t *Transaction) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidTransaction)
	}
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if t.OccurredAt.IsZero() && t.ReceivedAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidTransaction)
	}
	return nil
}

// EventTime is the windowing clock for this transaction.
func (t *Transaction) EventTime() time.Time {
	if !t.OccurredAt.IsZero() {
		return t.OccurredAt
	}
	return t.ReceivedAt
}

// EffectiveAmount returns the base-currency amount when conversion happened.
func (t *Transaction) EffectiveAmount() float64 {
	if t.ConvertedAmount > 0 {
		return t.ConvertedAmount
	}
	return t.Amount
}

// CounterpartyCountry returns the counterparty country or "".
func (t *Transaction) CounterpartyCountry() string {
	if t.Counterparty == nil {
		return ""
	}
	return t.Counterparty.Country
}

// CounterpartyAccount returns the counterparty account or "".
func (t *Transaction) CounterpartyAccount() string {
	if t.Counterparty == nil {
		return ""
	}
	return t.Counterparty.Account
}

// CounterpartyDocument returns the counterparty document or "".
func (t *Transaction) CounterpartyDocument() string {
	if t.Counterparty == nil {
		return ""
	}
	return t.Counterparty.Document
}
