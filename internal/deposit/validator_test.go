package deposit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		in       Input
		valid    bool
		wantCode string
	}{
		{"anonymous with deposit", Input{BuyerID: 0, HasInstallmentLineItems: true}, false, ErrCodeLoginRequired},
		{"negative id with deposit", Input{BuyerID: -1, HasInstallmentLineItems: true, Context: "paypal"}, false, ErrCodeLoginRequired},
		{"signed in with deposit", Input{BuyerID: 123, HasInstallmentLineItems: true}, true, ""},
		{"anonymous without deposit", Input{BuyerID: 0, HasInstallmentLineItems: false}, true, ""},
		{"signed in without deposit", Input{BuyerID: 7, HasInstallmentLineItems: false}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Validate(tt.in)
			assert.Equal(t, tt.valid, d.IsValid)
			assert.Equal(t, tt.wantCode, d.ErrorCode)
			if !tt.valid {
				assert.NotEmpty(t, d.ErrorMessage)
			}
		})
	}
}

func TestValidateIgnoresContext(t *testing.T) {
	for _, ctx := range []string{"", "card", "redirect", "paypal", "recovery"} {
		d := Validate(Input{BuyerID: 0, HasInstallmentLineItems: true, Context: ctx})
		assert.False(t, d.IsValid, "context %q", ctx)
		assert.Equal(t, ErrCodeLoginRequired, d.ErrorCode)
	}
}
