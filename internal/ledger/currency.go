package ledger

import (
	"errors"
	"strings"
)

var ErrUnsupportedCurrency = errors.New("unsupported currency")

var supportedCurrencies = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "AUD": {}, "CAD": {},
	"CHF": {}, "CNY": {}, "INR": {}, "RUB": {}, "BRL": {}, "ZAR": {},
	"MXN": {}, "SGD": {}, "HKD": {}, "NOK": {}, "SEK": {}, "DKK": {},
	"PLN": {}, "TRY": {}, "NZD": {}, "KRW": {}, "THB": {}, "IDR": {},
}

// NormalizeCurrency upper-cases code and checks it against the supported set.
func NormalizeCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if _, ok := supportedCurrencies[code]; !ok {
		return "", ErrUnsupportedCurrency
	}
	return code, nil
}
