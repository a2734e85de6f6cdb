package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"gitpulse.dev/indexer/forge"
)

func TestCursorWindowBackward(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	c := Cursor{Direction: Backward, Value: now}

	since, until := c.Window(7, now)

	assert.Equal(t, now.Add(-7*24*time.Hour), since)
	assert.Equal(t, now, until)
}

func TestCursorWindowForward(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	start := now.Add(-30 * 24 * time.Hour)
	c := Cursor{Direction: Forward, Value: start}

	since, until := c.Window(30, now)

	assert.Equal(t, start, since)
	assert.Equal(t, now, until)
}

func TestCursorAdvanceBackwardMovesToWindowStart(t *testing.T) {
	c := Cursor{Direction: Backward, Value: time.Now()}
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)

	next := c.Advance(since, until)

	assert.Equal(t, Backward, next.Direction)
	assert.Equal(t, since, next.Value)
}

func TestCursorAdvanceForwardMovesToWindowEnd(t *testing.T) {
	c := Cursor{Direction: Forward, Value: time.Now()}
	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 1, 8, 0, 0, 0, 0, time.UTC)

	next := c.Advance(since, until)

	assert.Equal(t, Forward, next.Direction)
	assert.Equal(t, until, next.Value)
}

func TestClassifyHTTPErrorNonHTTPIsTransientRetryable(t *testing.T) {
	category, retryable := ClassifyHTTPError(errors.New("dial tcp: connection refused"))

	assert.Equal(t, CategoryTransient, category)
	assert.True(t, retryable)
}

func TestClassifyHTTPErrorByStatusCode(t *testing.T) {
	cases := []struct {
		status           int
		wantCategory     ErrorCategory
		wantRetryable    bool
	}{
		{404, CategoryNotFoundOrDisabled, false},
		{422, CategoryNotFoundOrDisabled, false},
		{401, CategoryPermissionDenied, false},
		{403, CategoryPermissionDenied, false},
		{429, CategoryRateLimited, true},
		{500, CategoryTransient, true},
		{503, CategoryTransient, true},
		{418, CategoryTransient, true},
	}

	for _, tc := range cases {
		err := &forge.HTTPError{StatusCode: tc.status, Body: "boom"}
		category, retryable := ClassifyHTTPError(err)
		assert.Equalf(t, tc.wantCategory, category, "status %d", tc.status)
		assert.Equalf(t, tc.wantRetryable, retryable, "status %d", tc.status)
	}
}
