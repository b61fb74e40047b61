package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	permanent := Permanent(ProviderCard, "invalid_destination", ErrInvalidDestination)
	wrapped := fmt.Errorf("submit: %w", permanent)

	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.ErrorIs(t, wrapped, ErrInvalidDestination)
	assert.Equal(t, "invalid_destination", Code(wrapped))

	transient := Transient(ProviderBank, "timeout", context.DeadlineExceeded)
	assert.True(t, errors.Is(transient, ErrTransient))
	assert.False(t, errors.Is(transient, ErrPermanent))

	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(nil))
	assert.Empty(t, Code(errors.New("x")))
}

func TestDestinationMasked(t *testing.T) {
	assert.Equal(t, "*********678", Destination{PhoneNumber: "254712345678"}.Masked())
	assert.Equal(t, "*********4242", Destination{CardToken: "tok_visa_4242"}.Masked())
	assert.Equal(t, "011 ******7890", Destination{AccountNumber: "0012347890", BankCode: "011"}.Masked())
	assert.Equal(t, "", Destination{}.Masked())
}
