package accounts

import (
	"strings"
	"testing"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "empty", raw: "  ", want: ""},
		{name: "international", raw: "+1 650-253-0000", want: "+16502530000"},
		{name: "already e164", raw: "+16502530000", want: "+16502530000"},
		{name: "no country code", raw: "650-253-0000", wantErr: true},
		{name: "garbage", raw: "call me", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePhone(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPseudoRules(t *testing.T) {
	valid := []string{"ada", "ada.lovelace", "grace_h-99"}
	for _, p := range valid {
		assert.NoError(t, validation.Validate(p, pseudoRules()...), p)
	}

	invalid := []string{"", "ab", "has space", "semi;colon", strings.Repeat("x", 33)}
	for _, p := range invalid {
		assert.Error(t, validation.Validate(p, pseudoRules()...), p)
	}
}

func TestPasswordRules(t *testing.T) {
	assert.NoError(t, validation.Validate("p1", passwordRules(0)...))
	assert.Error(t, validation.Validate("short", passwordRules(8)...))
	assert.Error(t, validation.Validate(strings.Repeat("x", MaxPasswordBytes+1), passwordRules(0)...))
}

func TestEmailRules(t *testing.T) {
	valid := []string{"a@x.com", "ada.lovelace+tag@example.co.uk"}
	for _, e := range valid {
		assert.NoError(t, validation.Validate(e, emailRules()...), e)
	}

	invalid := []string{"", "nope", "a@", "@x.com", "a b@x.com"}
	for _, e := range invalid {
		assert.Error(t, validation.Validate(e, emailRules()...), e)
	}
}
