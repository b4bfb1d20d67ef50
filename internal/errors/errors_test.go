package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnhancedError_Build(t *testing.T) {
	t.Parallel()

	err := Newf("send failed: %s", "connection refused").
		Component("mailer").
		Category(CategoryDelivery).
		Context("provider", "primary-smtp").
		Build()

	assert.Equal(t, "send failed: connection refused", err.Error())
	assert.Equal(t, "mailer", err.Component)
	assert.Equal(t, CategoryDelivery, err.Category)
	assert.Equal(t, "primary-smtp", err.GetContext()["provider"])
	assert.False(t, err.Timestamp.IsZero())
}

func TestEnhancedError_Defaults(t *testing.T) {
	t.Parallel()

	err := New(NewStd("boom")).Build()
	assert.Equal(t, ComponentUnknown, err.Component)
	assert.Equal(t, CategoryGeneric, err.Category)
	assert.Nil(t, err.GetContext())
}

func TestEnhancedError_Unwrap(t *testing.T) {
	t.Parallel()

	base := NewStd("underlying")
	wrapped := New(fmt.Errorf("outer: %w", base)).Category(CategoryQueue).Build()

	assert.True(t, Is(wrapped, base))

	var ee *EnhancedError
	require.True(t, As(wrapped, &ee))
	assert.Equal(t, CategoryQueue, ee.Category)
}

func TestIsCategory(t *testing.T) {
	t.Parallel()

	notFound := NotFoundError("notification", "abc-123")
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsNotFound(NewStd("plain error")))

	validation := ValidationError("recipient is required")
	assert.True(t, IsValidation(validation))

	exhausted := Newf("no available email providers").
		Category(CategoryProviderExhaustion).
		Build()
	assert.True(t, IsProviderExhaustion(exhausted))
	assert.False(t, IsProviderExhaustion(validation))
}

func TestContextIsCopied(t *testing.T) {
	t.Parallel()

	err := Newf("x").Context("k", "v").Build()
	ctx := err.GetContext()
	ctx["k"] = "mutated"
	assert.Equal(t, "v", err.GetContext()["k"])
}
