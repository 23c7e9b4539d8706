package device

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// sigBaseSuffix is the tail of the Bluetooth SIG base UUID 0000xxxx-0000-1000-8000-00805f9b34fb.
const sigBaseSuffix = "00001000800000805f9b34fb"

// NormalizeUUID converts a UUID string to the internal format (lowercase, no dashes).
// Also strips 0x prefix if present (e.g., "0x2902" -> "2902").
// For full 128-bit UUIDs in Bluetooth SIG base format, extracts the 16-bit short form.
// Returns "" when the input is not a 16, 32 or 128 bit hex UUID.
func NormalizeUUID(uuid string) string {
	s := strings.ToLower(strings.TrimSpace(uuid))
	s = strings.TrimPrefix(s, "0x")
	s = strings.ReplaceAll(s, "-", "")

	switch len(s) {
	case 4, 8, 32:
	default:
		return ""
	}
	if _, err := hex.DecodeString(s); err != nil {
		return ""
	}

	if len(s) == 32 && strings.HasPrefix(s, "0000") && strings.HasSuffix(s, sigBaseSuffix) {
		return s[4:8]
	}
	return s
}

// NormalizeUUIDs normalizes a slice of UUID strings to internal format.
func NormalizeUUIDs(uuids []string) []string {
	out := make([]string, 0, len(uuids))
	for _, u := range uuids {
		out = append(out, NormalizeUUID(u))
	}
	return out
}

// SameUUID reports whether two UUID strings name the same attribute.
func SameUUID(a, b string) bool {
	na := NormalizeUUID(a)
	return na != "" && na == NormalizeUUID(b)
}

// CanonicalUUID renders a normalized 128-bit UUID in dashed form. Short forms are returned as is.
func CanonicalUUID(uuid string) string {
	n := NormalizeUUID(uuid)
	if len(n) != 32 {
		return n
	}
	return fmt.Sprintf("%s-%s-%s-%s-%s", n[0:8], n[8:12], n[12:16], n[16:20], n[20:32])
}

// ShortenUUID returns a truncated version of a UUID for display purposes.
// Returns the first eight characters for long UUIDs and short UUIDs by themselves.
func ShortenUUID(uuid string) string {
	if len(uuid) > 8 {
		return uuid[:8]
	}
	return uuid
}

// ValidateUUID validates that UUID strings are non-empty and well-formed.
// Returns normalized UUID strings or an error.
func ValidateUUID(uuids ...string) ([]string, error) {
	if len(uuids) == 0 {
		return nil, fmt.Errorf("at least one UUID is required")
	}

	result := make([]string, 0, len(uuids))
	for i, uuid := range uuids {
		if uuid == "" {
			return nil, fmt.Errorf("UUID at index %d cannot be empty", i)
		}
		normalized := NormalizeUUID(uuid)
		if normalized == "" {
			return nil, fmt.Errorf("invalid UUID format at index %d: %s", i, uuid)
		}
		result = append(result, normalized)
	}
	return result, nil
}
