package settlement

import (
	"regexp"
	"strings"
)

// The gateway only accepts 12-digit MSISDNs in 254 format.
var phonePattern = regexp.MustCompile(`^254[17]\d{8}$`)

// NormalizePhone reduces a phone number to the gateway-region digit format,
// accepting the common local spellings (0712..., +254712..., 712...). The
// result is validated before any network call is made.
func NormalizePhone(input string) (string, error) {
	var digits strings.Builder
	for _, r := range strings.TrimSpace(input) {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		} else if r != '+' && r != ' ' && r != '-' {
			return "", ErrInvalidPhone
		}
	}

	phone := digits.String()
	switch {
	case len(phone) == 10 && phone[0] == '0':
		phone = "254" + phone[1:]
	case len(phone) == 9 && (phone[0] == '7' || phone[0] == '1'):
		phone = "254" + phone
	}

	if !phonePattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}
