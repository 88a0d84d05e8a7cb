package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
)

// maxCanonicalFractionDigits bounds the decimal expansion of a fractional
// number. Any finite JSON decimal terminates well before this.
const maxCanonicalFractionDigits = 1100

// StateChecksum hashes the canonical JSON encoding of state. Map keys are
// sorted and numbers are rewritten to one exact decimal form, so a state
// hashes the same before and after a round trip through the database, even
// when the database reformats numbers or the reader decodes them as floats.
// A nil state hashes as an empty object.
func StateChecksum(state map[string]any) (string, error) {
	if state == nil {
		state = map[string]any{}
	}
	encoded, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("core: encode job state: %w", err)
	}
	decoder := json.NewDecoder(bytes.NewReader(encoded))
	decoder.UseNumber()
	var generic any
	if err := decoder.Decode(&generic); err != nil {
		return "", fmt.Errorf("core: decode job state: %w", err)
	}
	canonical, err := canonicalNumbers(generic)
	if err != nil {
		return "", err
	}
	encoded, err = json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("core: encode job state: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalNumbers(value any) (any, error) {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, item := range typed {
			normalized, err := canonicalNumbers(item)
			if err != nil {
				return nil, err
			}
			out[key] = normalized
		}
		return out, nil
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			normalized, err := canonicalNumbers(item)
			if err != nil {
				return nil, err
			}
			out[i] = normalized
		}
		return out, nil
	case json.Number:
		return canonicalNumber(typed)
	default:
		return value, nil
	}
}

// canonicalNumber writes n as a plain decimal with no exponent, no trailing
// fractional zeros and no negative zero: 1e2, 100.0 and 100 all become 100.
func canonicalNumber(n json.Number) (json.Number, error) {
	rat, ok := new(big.Rat).SetString(n.String())
	if !ok {
		return "", fmt.Errorf("core: invalid number %q in job state", n.String())
	}
	if rat.IsInt() {
		return json.Number(rat.Num().String()), nil
	}
	for digits := 1; digits <= maxCanonicalFractionDigits; digits++ {
		text := rat.FloatString(digits)
		if exact, ok := new(big.Rat).SetString(text); ok && exact.Cmp(rat) == 0 {
			return json.Number(text), nil
		}
	}
	return "", fmt.Errorf("core: number %q in job state has no finite decimal form", n.String())
}

// PayloadHash is the default webhook payload digest.
func PayloadHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
