// Package redact masks payment-identifying values before they reach logs,
// audit rows or webhook rows.
package redact

import (
	"encoding/json"
	"strings"
)

const mask = "***"

var sensitiveKeys = map[string]bool{
	"api_key":              true,
	"apikey":               true,
	"authorization":        true,
	"public_key":           true,
	"password":             true,
	"secret":               true,
	"token":                true,
	"pin":                  true,
	"x-callback-signature": true,
}

var phoneKeys = map[string]bool{
	"phone_number":         true,
	"phone":                true,
	"msisdn":               true,
	"input_customermsisdn": true,
	"customer_msisdn":      true,
}

// Phone keeps the first 6 and last 2 digits.
func Phone(phone string) string {
	if len(phone) < 8 {
		return mask
	}
	return phone[:6] + mask + phone[len(phone)-2:]
}

// Secret keeps a 4 character prefix.
func Secret(secret string) string {
	if len(secret) <= 4 {
		return mask
	}
	return secret[:4] + mask
}

// Payload returns a copy of a JSON object with sensitive fields masked.
// Input that is not a JSON object is returned unchanged.
func Payload(raw []byte) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return raw
	}
	out, err := json.Marshal(Map(obj))
	if err != nil {
		return raw
	}
	return out
}

// Map masks sensitive values in place, descending into nested objects.
func Map(obj map[string]any) map[string]any {
	for k, v := range obj {
		key := strings.ToLower(k)
		switch val := v.(type) {
		case string:
			if sensitiveKeys[key] {
				obj[k] = Secret(val)
			} else if phoneKeys[key] {
				obj[k] = Phone(val)
			}
		case map[string]any:
			obj[k] = Map(val)
		}
	}
	return obj
}

// Headers flattens HTTP headers for storage, masking credentials.
func Headers(h map[string][]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		v := strings.Join(vals, ",")
		if sensitiveKeys[strings.ToLower(k)] {
			v = Secret(v)
		}
		out[k] = v
	}
	return out
}
