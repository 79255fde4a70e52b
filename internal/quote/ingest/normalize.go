// Package ingest parses streaming payloads into quote.Snapshot values and
// tracks WS connection/heartbeat health (C2). Field extraction is
// alias-tolerant, trying several field names per KIS payload shape (flat
// vs body.output nested).
package ingest

import (
	"encoding/json"
	"fmt"
)

var (
	symbolFields    = []string{"symbol", "fid_input_iscd", "stck_shrn_iscd", "mksc_shrn_iscd", "code"}
	priceFields     = []string{"price", "stck_prpr", "last_price"}
	changePctFields = []string{"change_pct", "prdy_ctrt", "chg_rate"}
	turnoverFields  = []string{"turnover", "acml_tr_pbmn", "acc_trade_value"}
)

// ErrMissingSymbol / ErrMissingPrice are the two fatal parse failures; any
// other frame (ack/control) is skipped by the caller, not surfaced as error.
var (
	ErrMissingSymbol = fmt.Errorf("MISSING_SYMBOL")
	ErrMissingPrice  = fmt.Errorf("MISSING_PRICE")
)

// Parsed is the normalized result of a streaming payload before it becomes
// a quote.Snapshot (ingest.go stamps source/ts/state).
type Parsed struct {
	Symbol    string
	Price     float64
	ChangePct float64
	Turnover  float64
}

// ParseMessage accepts either a JSON text frame or an already-decoded
// object (map[string]any), preferring a nested body.output object when
// present, and extracts the first matching alias for each field.
func ParseMessage(raw any) (Parsed, error) {
	obj, err := toMap(raw)
	if err != nil {
		return Parsed{}, err
	}
	if nested, ok := dig(obj, "body", "output"); ok {
		obj = nested
	}

	symbol, ok := firstString(obj, symbolFields)
	if !ok {
		return Parsed{}, ErrMissingSymbol
	}

	price, ok := firstFloat(obj, priceFields)
	if !ok {
		return Parsed{}, ErrMissingPrice
	}

	changePct, _ := firstFloat(obj, changePctFields)
	turnover, _ := firstFloat(obj, turnoverFields)

	return Parsed{Symbol: symbol, Price: price, ChangePct: changePct, Turnover: turnover}, nil
}

func toMap(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case map[string]any:
		return v, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return m, nil
	case []byte:
		var m map[string]any
		if err := json.Unmarshal(v, &m); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("unsupported payload type %T", raw)
	}
}

func dig(obj map[string]any, path ...string) (map[string]any, bool) {
	cur := obj
	for _, key := range path {
		next, ok := cur[key]
		if !ok {
			return nil, false
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, false
		}
		cur = m
	}
	return cur, true
}

func firstString(obj map[string]any, fields []string) (string, bool) {
	for _, f := range fields {
		v, ok := obj[f]
		if !ok {
			continue
		}
		switch s := v.(type) {
		case string:
			if s != "" {
				return s, true
			}
		case float64:
			return fmt.Sprintf("%v", s), true
		}
	}
	return "", false
}

func firstFloat(obj map[string]any, fields []string) (float64, bool) {
	for _, f := range fields {
		v, ok := obj[f]
		if !ok {
			continue
		}
		switch n := v.(type) {
		case float64:
			return n, true
		case string:
			var f64 float64
			if _, err := fmt.Sscanf(n, "%g", &f64); err == nil {
				return f64, true
			}
		}
	}
	return 0, false
}
