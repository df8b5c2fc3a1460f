package status

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTransientPermanentDisjoint(t *testing.T) {
	for c := OK; c <= NOSEQUENCER; c++ {
		require.False(t, c.Transient() && c.Permanent(), "code %s cannot be both transient and permanent", c)
	}
}

func TestWrapPreservesCode(t *testing.T) {
	err := Wrap(NOTFOUND, "log %d", 7)
	require.Equal(t, NOTFOUND, CheckMsgOn(err))
	require.Equal(t, "NOTFOUND: log 7", err.Error())
}

func TestCheckMsgOnPlainError(t *testing.T) {
	require.Equal(t, OK, CheckMsgOn(nil))
	require.Equal(t, INTERNAL, CheckMsgOn(fmt.Errorf("boom")))
}

func TestCheckMsgOnWrappedError(t *testing.T) {
	inner := Wrap(ABORTED, "preempted")
	wrapped := fmt.Errorf("activation failed: %w", inner)
	require.Equal(t, ABORTED, CheckMsgOn(wrapped))
}
