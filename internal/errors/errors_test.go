package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorMessage(t *testing.T) {
	err := ProviderTransient("weather", fmt.Errorf("connection reset"))
	assert.Equal(t, "[PROVIDER_TRANSIENT] provider call failed: connection reset", err.Error())
	assert.True(t, err.Retryable)
	assert.Equal(t, "weather", err.Context["provider"])
}

func TestHasCodeWalksChain(t *testing.T) {
	inner := ToolTimeout("weather_forecast", time.Second)
	outer := ProviderFatal("weather", inner)

	assert.True(t, HasCode(outer, CodeProviderFatal))
	assert.True(t, HasCode(outer, CodeToolTimeout))
	assert.False(t, HasCode(outer, CodeToolNotFound))
	assert.Equal(t, CodeProviderFatal, GetCode(fmt.Errorf("wrapped: %w", outer)))
	assert.Equal(t, "", GetCode(errors.New("plain")))
}

func TestIsMatchesCode(t *testing.T) {
	err := fmt.Errorf("call: %w", ToolNotFound("x_y"))
	assert.True(t, errors.Is(err, New(CodeToolNotFound, "", CategoryPermanent)))
	assert.False(t, errors.Is(err, New(CodeProviderFatal, "", CategoryPermanent)))
}

func TestRetryability(t *testing.T) {
	assert.True(t, IsRetryable(ToolTimeout("t", time.Second)))
	assert.False(t, IsRetryable(Malformed("p", errors.New("bad json"))))
	assert.False(t, IsRetryable(ProviderUnhealthy("p")))
	assert.True(t, IsRetryable(errors.New("unknown")))
	assert.False(t, IsRetryable(nil))

	rl := ProviderRateLimited("search", errors.New("429"), 2*time.Second)
	assert.True(t, IsRetryable(rl))
	assert.Equal(t, 2*time.Second, GetRetryAfter(rl))
	assert.Equal(t, CategoryRateLimit, GetCategory(rl))
	assert.Contains(t, FormatUserMessage(rl), "Wait 2s before retrying")
	assert.Empty(t, ProviderRateLimited("search", nil, 0).Suggestions)
}

func TestWrapKeepsRetrySemantics(t *testing.T) {
	base := ProviderTransient("p", errors.New("eof"))
	wrapped := Wrap(base, CodeToolExecutionFailed, "tool failed", CategoryPermanent)
	assert.True(t, wrapped.Retryable)
	assert.Nil(t, Wrap(nil, "X", "y", CategoryUser))
}

func TestFormatUserMessage(t *testing.T) {
	msg := FormatUserMessage(ProviderUnhealthy("search"))
	assert.Contains(t, msg, "PROVIDER_UNHEALTHY")
	assert.Contains(t, msg, "Wait for the health check")
	assert.Equal(t, "", FormatUserMessage(nil))
}
