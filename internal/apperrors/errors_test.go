package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	require.Equal(t, KindValidation, KindOf(Validation("bad input")))
	require.Equal(t, KindConflict, KindOf(Conflict("version mismatch")))
	require.Equal(t, KindNotFound, KindOf(NotFound("no such record")))
	require.Equal(t, KindInternal, KindOf(Internal(errors.New("boom"), "query failed")))

	// Anything outside the taxonomy defaults to internal.
	require.Equal(t, KindInternal, KindOf(errors.New("plain error")))
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := fmt.Errorf("handler: %w", NotFound("service not found"))

	require.True(t, IsKind(err, KindNotFound))
	require.False(t, IsKind(err, KindConflict))
}

func TestWithDetailAccumulates(t *testing.T) {
	err := Conflict("service was modified by another writer").
		WithDetail("expected_version", 3).
		WithDetail("actual_version", 5)

	require.Equal(t, 3, err.Details["expected_version"])
	require.Equal(t, 5, err.Details["actual_version"])
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("duplicate key value violates unique constraint")
	err := Conflict("service already registered").WithCause(cause)

	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "conflict")
	require.Contains(t, err.Error(), cause.Error())
}
