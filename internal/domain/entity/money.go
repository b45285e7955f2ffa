package entity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalidMoney is returned for non-positive amounts or missing currency
var ErrInvalidMoney = errors.New("invalid money")

// Money is an immutable amount and currency pair
type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

// NewMoney parses a decimal amount and validates it is positive
func NewMoney(amount, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return Money{}, fmt.Errorf("%w: amount %q: %v", ErrInvalidMoney, amount, err)
	}
	return MoneyFromDecimal(d, currency)
}

// MoneyFromDecimal validates and builds a Money value
func MoneyFromDecimal(amount decimal.Decimal, currency string) (Money, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return Money{}, fmt.Errorf("%w: currency is required", ErrInvalidMoney)
	}
	if !amount.IsPositive() {
		return Money{}, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidMoney, amount)
	}
	return Money{Amount: amount, Currency: currency}, nil
}

// String formats the amount with two decimal places followed by the currency
func (m Money) String() string {
	return m.Amount.StringFixed(2) + " " + m.Currency
}

// Equal reports whether both amount and currency match
func (m Money) Equal(other Money) bool {
	return m.Currency == other.Currency && m.Amount.Equal(other.Amount)
}
