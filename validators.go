package accounts

import (
	"errors"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/nyaruka/phonenumbers"
)

// MaxPasswordBytes is the bcrypt input limit
const MaxPasswordBytes = 72

var pseudoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

func pseudoRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Length(3, 32),
		validation.Match(pseudoPattern).Error("must contain only letters, digits, '_', '-' or '.'"),
	}
}

func emailRules() []validation.Rule {
	return []validation.Rule{
		validation.Required,
		validation.Length(3, 254),
		is.Email,
	}
}

// passwordRules requires a password of at least minLength and at most
// MaxPasswordBytes bytes. A zero minLength only requires a value.
func passwordRules(minLength int) []validation.Rule {
	if minLength > MaxPasswordBytes {
		minLength = MaxPasswordBytes
	}
	return []validation.Rule{
		validation.Required,
		// length of a string is counted in bytes
		validation.Length(minLength, MaxPasswordBytes),
	}
}

// validPhone accepts numbers in international format
func validPhone(value any) error {
	s, _ := value.(string)
	if strings.TrimSpace(s) == "" {
		return nil
	}
	if _, err := NormalizePhone(s); err != nil {
		return errors.New("must be a valid phone number in international format")
	}
	return nil
}

// NormalizePhone parses an international number and returns it in E.164
func NormalizePhone(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}

	num, err := phonenumbers.Parse(raw, "")
	if err != nil {
		return "", err
	}

	if !phonenumbers.IsValidNumber(num) {
		return "", errors.New("invalid phone number")
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}
