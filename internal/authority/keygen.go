package authority

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	apperrors "parklic/internal/errors"
)

// KeyPrefix is the fixed license key prefix.
const KeyPrefix = "PARK"

var keyPattern = regexp.MustCompile(`^PARK-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}-[0-9A-F]{4}$`)

// GenerateKey creates a new license key: PARK-XXXX-XXXX-XXXX-XXXX with four
// uppercase hex groups from crypto/rand.
func GenerateKey() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate license key: %w", err)
	}
	raw := strings.ToUpper(hex.EncodeToString(buf))
	return fmt.Sprintf("%s-%s-%s-%s-%s", KeyPrefix, raw[0:4], raw[4:8], raw[8:12], raw[12:16]), nil
}

// NormalizeKey strips non-alphanumerics, uppercases, and re-hyphenates user
// input so PARKAB12CD34EF567890 and park-ab12-cd34-ef56-7890 both normalize
// to the canonical form. Returns ErrInvalidKeyFormat when the result does not
// match the key pattern.
func NormalizeKey(input string) (string, error) {
	var b strings.Builder
	for _, ch := range strings.ToUpper(input) {
		if (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			b.WriteRune(ch)
		}
	}
	stripped := b.String()

	if len(stripped) != len(KeyPrefix)+16 || !strings.HasPrefix(stripped, KeyPrefix) {
		return "", apperrors.ErrInvalidKeyFormat
	}
	body := stripped[len(KeyPrefix):]

	key := fmt.Sprintf("%s-%s-%s-%s-%s", KeyPrefix, body[0:4], body[4:8], body[8:12], body[12:16])
	if !keyPattern.MatchString(key) {
		return "", apperrors.ErrInvalidKeyFormat
	}
	return key, nil
}
