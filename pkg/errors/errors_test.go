package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/koopa0/system-design/14-race-room/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestAppError_Is 測試以錯誤碼比對
func TestAppError_Is(t *testing.T) {
	err := fmt.Errorf("join room 1234: %w", errors.ErrRoomFull)

	assert.True(t, stderrors.Is(err, errors.ErrRoomFull))
	assert.True(t, errors.IsCapacity(err))
	assert.False(t, errors.IsNotFound(err))

	// 相同錯誤碼的不同實例也相等
	other := errors.New(errors.ErrCodeCapacity, "another message")
	assert.True(t, stderrors.Is(err, other))
}

// TestAppError_WithDetails 測試附加詳情不修改共享錯誤
func TestAppError_WithDetails(t *testing.T) {
	detailed := errors.ErrModelNotFound.WithDetails("m-1, m-2")

	assert.Equal(t, "m-1, m-2", detailed.Details)
	assert.Empty(t, errors.ErrModelNotFound.Details)
	assert.True(t, errors.IsNotFound(detailed))
}

// TestHTTPStatus 測試錯誤碼對應
func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthorized", errors.ErrUnauthorized, http.StatusForbidden},
		{"not found", errors.ErrRoomNotFound, http.StatusNotFound},
		{"invalid state", errors.ErrInvalidState, http.StatusConflict},
		{"capacity", errors.ErrRoomFull, http.StatusConflict},
		{"precondition", errors.ErrNoRaceConfig, http.StatusPreconditionFailed},
		{"validation", errors.ErrInvalidConfig, http.StatusBadRequest},
		{"rate limited", errors.ErrRateLimited, http.StatusTooManyRequests},
		{"plain error", stderrors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errors.HTTPStatus(tt.err))
		})
	}
}
