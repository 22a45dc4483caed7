package redisclient

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type applied struct {
	cache string
	keys  []string
}

func TestEvictionBus_AppliesRemoteMessages(t *testing.T) {
	b := NewEvictionBus(nil, zerolog.Nop())

	var got []applied
	apply := func(cache string, keys ...string) {
		got = append(got, applied{cache, keys})
	}

	b.handle(`{"origin":"other","cache":"schedules","keys":["d1"]}`, apply)
	b.handle(`{"origin":"other","cache":"services"}`, apply)

	require.Len(t, got, 2)
	assert.Equal(t, applied{"schedules", []string{"d1"}}, got[0])
	assert.Equal(t, "services", got[1].cache)
	assert.Empty(t, got[1].keys)
}

func TestEvictionBus_IgnoresOwnAndMalformedMessages(t *testing.T) {
	b := NewEvictionBus(nil, zerolog.Nop())

	calls := 0
	apply := func(string, ...string) { calls++ }

	b.handle(`{"origin":"`+b.origin+`","cache":"schedules","keys":["d1"]}`, apply)
	b.handle(`not json`, apply)
	b.handle(`{"origin":"other"}`, apply)

	assert.Zero(t, calls)
}

func TestNopLocker_RunsCriticalSection(t *testing.T) {
	ran := false
	err := NopLocker{}.WithSlotLock(context.Background(), "slot", func(context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, "lock:slot:d1:2026-03-02:09:00", SlotLockKey("d1:2026-03-02:09:00"))
}
