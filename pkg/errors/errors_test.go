package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_Nil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "context"))
}

func TestWrap_PreservesChain(t *testing.T) {
	err := Wrap(ErrContentMismatch, "verify failed")
	assert.EqualError(t, err, "verify failed: device content differs from image")
	assert.True(t, Is(err, ErrContentMismatch))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"install error", New(KindMountabilityFailure, "master", "mount failed", nil), KindMountabilityFailure},
		{"wrapped install error", fmt.Errorf("outer: %w", New(KindRenameFailure, "write", "rename", nil)), KindRenameFailure},
		{"bare cancellation", Wrap(ErrCancelled, "writer"), KindCancelled},
		{"unknown", fmt.Errorf("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestInstallError_Unwrap(t *testing.T) {
	err := New(KindWriteVerificationMismatch, "write", "content differs", ErrContentMismatch)
	assert.True(t, Is(err, ErrContentMismatch))
	assert.Contains(t, err.Error(), "stage write")
}
