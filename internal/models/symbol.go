package models

import (
	"fmt"
	"strconv"
)

// OptionType represents the type of option contract.
type OptionType string

const (
	// OptionTypePut represents a put option contract.
	OptionTypePut OptionType = "P"
	// OptionTypeCall represents a call option contract.
	OptionTypeCall OptionType = "C"
)

// ParseOptionSymbol parses an OPRA format option symbol to extract strike and type.
// Format: TICKER[YYMMDD][C/P][STRIKE*1000 padded to 8 digits]
// Example: SPY240315C00610000 -> strike=610.00, type="C"
func ParseOptionSymbol(symbol string) (float64, OptionType, error) {
	if len(symbol) < 15 {
		return 0, "", fmt.Errorf("option symbol too short: %s", symbol)
	}

	expirationPos := -1
	for i := 0; i <= len(symbol)-6; i++ {
		if isAllDigits(symbol[i : i+6]) {
			expirationPos = i
			break
		}
	}
	if expirationPos == -1 {
		return 0, "", fmt.Errorf("no 6-digit expiration date (YYMMDD) found in symbol: %s", symbol)
	}

	typePos := expirationPos + 6
	if typePos >= len(symbol) {
		return 0, "", fmt.Errorf("symbol too short after expiration date: %s", symbol)
	}
	optionType := OptionType(symbol[typePos])
	if optionType != OptionTypeCall && optionType != OptionTypePut {
		return 0, "", fmt.Errorf("invalid option type %q in symbol: %s", string(optionType), symbol)
	}

	strikeStart := typePos + 1
	strikeEnd := strikeStart + 8
	if strikeEnd > len(symbol) {
		return 0, "", fmt.Errorf("symbol too short for 8-digit strike extraction: %s", symbol)
	}
	strikeStr := symbol[strikeStart:strikeEnd]
	if !isAllDigits(strikeStr) {
		return 0, "", fmt.Errorf("invalid strike format, expected 8 digits but got %q in symbol: %s", strikeStr, symbol)
	}
	strikeInt, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("failed to parse strike %q in symbol %s: %w", strikeStr, symbol, err)
	}

	return float64(strikeInt) / 1000.0, optionType, nil
}

// ExtractUnderlying extracts the underlying ticker from an option symbol.
// For OPRA format: SPY240315C00610000 -> "SPY". Stock symbols pass through.
func ExtractUnderlying(symbol string) string {
	for i := 0; i <= len(symbol)-6; i++ {
		if isAllDigits(symbol[i:i+6]) && i > 0 {
			return symbol[:i]
		}
	}
	return symbol
}

// ExtractExpiration extracts the expiration date (YYYY-MM-DD) from an option symbol.
// Returns "" when the symbol does not carry a YYMMDD date run.
func ExtractExpiration(symbol string) string {
	if len(symbol) < 6 {
		return ""
	}
	for i := 0; i <= len(symbol)-6; i++ {
		if isAllDigits(symbol[i : i+6]) {
			// Validate C/P after the date for OPRA format confirmation
			if i+6 < len(symbol) {
				t := symbol[i+6]
				if t != 'C' && t != 'P' {
					continue
				}
			}
			dateStr := symbol[i : i+6]
			return "20" + dateStr[0:2] + "-" + dateStr[2:4] + "-" + dateStr[4:6]
		}
	}
	return ""
}

// isAllDigits checks if a string contains only digits.
func isAllDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
