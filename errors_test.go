package mainmemory

import (
	"errors"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	e := NewError("register_fd", ErrCodeSinkAttached, "").WithContext(2).WithFD(17)
	s := e.Error()
	assert.Contains(t, s, "mainmemory:")
	assert.Contains(t, s, "sink already attached")
	assert.Contains(t, s, "op=register_fd")
	assert.Contains(t, s, "ctx=2")
	assert.Contains(t, s, "fd=17")
}

func TestErrorWithoutDetails(t *testing.T) {
	e := NewError("", ErrCodeCanceled, "")
	assert.Equal(t, "mainmemory: canceled", e.Error())
}

func TestErrorUnwrap(t *testing.T) {
	inner := syscall.EBADF
	e := WrapError("close_fd", ErrCodeIOError, inner)
	assert.ErrorIs(t, e, syscall.EBADF)
	assert.Equal(t, syscall.EBADF, e.Errno)
	assert.Contains(t, e.Error(), "errno=9")
}

func TestErrorIsByCode(t *testing.T) {
	a := NewError("arm_timer", ErrCodeTimerExhausted, "")
	b := NewError("other_op", ErrCodeTimerExhausted, "different message")
	c := NewError("arm_timer", ErrCodeIOError, "")

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}

func TestIsWouldBlock(t *testing.T) {
	assert.True(t, IsWouldBlock(ErrWouldBlock))
	assert.False(t, IsWouldBlock(errors.New("other")))
	assert.False(t, IsWouldBlock(nil))
}
