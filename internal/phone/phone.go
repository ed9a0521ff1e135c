// Package phone validates country codes and converts dialed numbers to
// E.164 format before they are handed to an outbound trunk.
package phone

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidCountryCode is returned when a configured default country is not
// a recognised ISO 3166-1 alpha-2 code.
var ErrInvalidCountryCode = errors.New("invalid country code")

// ValidateCountryCode checks that code is a two-letter ISO country code.
// The comparison is case-insensitive.
func ValidateCountryCode(code string) error {
	if len(code) != 2 {
		return fmt.Errorf("%w: %q must be two letters", ErrInvalidCountryCode, code)
	}
	if _, ok := isoCountries[strings.ToUpper(code)]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCountryCode, code)
	}
	return nil
}

// ToE164 parses number as if it were dialed from countryCode and returns it
// formatted as E.164. The second return value reports whether the parsed
// number is valid for its region.
//
// A number that cannot be parsed at all is returned unchanged. A number that
// parses but is not valid is still formatted, so routing never stalls on a
// malformed destination.
func ToE164(number, countryCode string) (string, bool) {
	num, err := phonenumbers.Parse(number, strings.ToUpper(countryCode))
	if err != nil {
		return number, false
	}
	return phonenumbers.Format(num, phonenumbers.E164), phonenumbers.IsValidNumber(num)
}
