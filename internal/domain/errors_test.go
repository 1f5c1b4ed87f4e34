package domain_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gosuda/parley/internal/domain"
)

func sentinels() []error {
	return []error{
		domain.ErrNotFound,
		domain.ErrConflict,
		domain.ErrForbidden,
		domain.ErrInvalidTransition,
		domain.ErrUnknownEventKind,
	}
}

func TestSentinelErrors_Distinct(t *testing.T) {
	t.Parallel()

	all := sentinels()
	for i, a := range all {
		for j, b := range all {
			if i == j {
				continue
			}

			t.Run(a.Error()+"!="+b.Error(), func(t *testing.T) {
				t.Parallel()

				assert.NotErrorIs(t, a, b, "sentinel errors must be distinct")
			})
		}
	}
}

func TestSentinelErrors_WrappingPreservesIdentity(t *testing.T) {
	t.Parallel()

	for _, err := range sentinels() {
		t.Run(err.Error(), func(t *testing.T) {
			t.Parallel()

			wrapped := fmt.Errorf("outer: %w", err)
			require.ErrorIs(t, wrapped, err)

			doubleWrapped := fmt.Errorf("outer2: %w", wrapped)
			require.ErrorIs(t, doubleWrapped, err)
		})
	}
}

func TestErrNotDurable_IsConflict(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, domain.ErrNotDurable, domain.ErrConflict)
	assert.NotErrorIs(t, domain.ErrNotDurable, domain.ErrNotFound)
}
