package security

import "errors"

// ValidateExternalID checks caller-supplied user identifiers before they
// reach the database. Identifiers are opaque, so only shape is enforced.
func ValidateExternalID(s string) error {
	if s == "" {
		return errors.New("empty external user id")
	}
	if len(s) > 128 {
		return errors.New("external user id too long")
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x21 || c > 0x7e {
			return errors.New("external user id must be printable ascii without spaces")
		}
	}
	return nil
}
