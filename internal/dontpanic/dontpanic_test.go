package dontpanic

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTry(t *testing.T) {
	t.Parallel()

	t.Run("no panic", func(t *testing.T) {
		var ran bool
		require.NoError(t, Try(func() { ran = true }))
		require.True(t, ran)
	})

	t.Run("panic with error", func(t *testing.T) {
		errBoom := errors.New("boom")
		err := Try(func() { panic(errBoom) })
		require.Equal(t, errBoom, err)
	})

	t.Run("panic with arbitrary value", func(t *testing.T) {
		err := Try(func() { panic("boom") })
		require.EqualError(t, err, "recovered panic: boom")
	})
}

func TestGo(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	Go(func() {
		defer close(done)
		panic("must not crash the test binary")
	})
	<-done
}
