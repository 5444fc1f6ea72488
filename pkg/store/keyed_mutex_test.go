package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)

	// A different key is independent.
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()

	// The same key blocks until the context expires.
	tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(tctx, "a")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	acquired := make(chan func())
	go func() {
		u, err := k.Lock(ctx, "a")
		if err == nil {
			acquired <- u
		}
	}()
	select {
	case <-acquired:
		t.Fatal("lock acquired while held")
	case <-time.After(20 * time.Millisecond):
	}

	unlockA()
	unlockA() // idempotent
	select {
	case u := <-acquired:
		u()
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
	assert.Equal(t, 0, k.Len())
}
