// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetKind(t *testing.T) {
	err := New(KindNotFound, "connection not found")
	assert.Equal(t, KindNotFound, GetKind(err))

	wrapped := fmt.Errorf("handler: %w", err)
	assert.Equal(t, KindNotFound, GetKind(wrapped))

	assert.Equal(t, KindUnknown, GetKind(fmt.Errorf("plain")))
	assert.Equal(t, KindUnknown, GetKind(nil))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, KindInternal, "ignored"))
	assert.Nil(t, Wrapf(nil, KindInternal, "ignored %d", 1))
}

func TestErrorMessage(t *testing.T) {
	underlying := fmt.Errorf("disk full")
	err := Wrap(underlying, KindUnavailable, "store write failed")
	assert.Equal(t, "store write failed: disk full", err.Error())
	assert.Equal(t, underlying, Unwrap(err))
}

func Unwrap(err error) error {
	var e *Error
	if As(err, &e) {
		return e.Underlying
	}
	return nil
}
