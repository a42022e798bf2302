package coordstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetIfAbsentWithTTLMutualExclusion(t *testing.T) {
	s := New(10 * time.Millisecond)
	defer s.Close()

	require.True(t, s.SetIfAbsentWithTTL("account:a", "tok1", time.Minute))
	require.False(t, s.SetIfAbsentWithTTL("account:a", "tok2", time.Minute))

	val, ok := s.Get("account:a")
	require.True(t, ok)
	require.Equal(t, "tok1", val)
}

func TestCompareAndDeleteRejectsStaleToken(t *testing.T) {
	s := New(10 * time.Millisecond)
	defer s.Close()

	s.SetIfAbsentWithTTL("account:a", "tok1", time.Minute)
	require.False(t, s.CompareAndDelete("account:a", "stale-token"))
	require.True(t, s.CompareAndDelete("account:a", "tok1"))

	_, ok := s.Get("account:a")
	require.False(t, ok)
}

func TestReservationFreesAfterTTLExpiry(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Close()

	require.True(t, s.SetIfAbsentWithTTL("account:a", "tok1", 20*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	require.True(t, s.SetIfAbsentWithTTL("account:a", "tok2", time.Minute))
}

func TestIncrFirstIncrementSetsTTL(t *testing.T) {
	s := New(5 * time.Millisecond)
	defer s.Close()

	require.EqualValues(t, 1, s.Incr("quota:global", 50*time.Millisecond))
	require.EqualValues(t, 2, s.Incr("quota:global", time.Hour)) // ttl ignored on 2nd call

	time.Sleep(120 * time.Millisecond)
	// expired: next increment re-anchors the window
	require.EqualValues(t, 1, s.Incr("quota:global", time.Hour))
}

func TestKeysByPrefix(t *testing.T) {
	s := New(10 * time.Millisecond)
	defer s.Close()

	s.SetIfAbsentWithTTL("quota:acct:1", "x", time.Minute)
	s.SetIfAbsentWithTTL("quota:acct:2", "x", time.Minute)
	s.SetIfAbsentWithTTL("account:1", "x", time.Minute)

	keys := s.KeysByPrefix("quota:acct:")
	require.Len(t, keys, 2)
}
