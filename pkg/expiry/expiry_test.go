package expiry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestAddContains tests basic membership
func TestAddContains(t *testing.T) {
	s := NewSet(16, time.Minute)
	defer s.Stop()

	assert.False(t, s.Contains("a"))
	s.Add("a")
	assert.True(t, s.Contains("a"))
	assert.Equal(t, 1, s.Len())

	s.Remove("a")
	assert.False(t, s.Contains("a"))
	assert.Equal(t, 0, s.Len())
}

// TestExpiredKeyEvictedOnRead tests lazy expiry through Contains
func TestExpiredKeyEvictedOnRead(t *testing.T) {
	s := NewSet(16, time.Minute)
	defer s.Stop()

	s.AddWithTTL("gone", time.Nanosecond)
	time.Sleep(2 * time.Millisecond)

	assert.False(t, s.Contains("gone"))
	assert.Equal(t, 0, s.Len(), "expired key removed by the failed lookup")
}

// TestSweep tests eager eviction of expired keys
func TestSweep(t *testing.T) {
	s := NewSet(16, time.Minute)
	defer s.Stop()

	s.AddWithTTL("old1", time.Nanosecond)
	s.AddWithTTL("old2", time.Nanosecond)
	s.Add("fresh")
	time.Sleep(2 * time.Millisecond)

	dropped := s.Sweep(time.Now())
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Contains("fresh"))
}

// TestCapacityBound tests LRU eviction when the set is full
func TestCapacityBound(t *testing.T) {
	s := NewSet(8, time.Minute)
	defer s.Stop()

	for i := 0; i < 20; i++ {
		s.Add(fmt.Sprintf("key-%d", i))
	}
	assert.Equal(t, 8, s.Len())
	assert.True(t, s.Contains("key-19"), "most recent key survives")
	assert.False(t, s.Contains("key-0"), "oldest key evicted")
}

// TestReAddExtendsDeadline tests that re-adding refreshes the TTL
func TestReAddExtendsDeadline(t *testing.T) {
	s := NewSet(16, time.Minute)
	defer s.Stop()

	s.AddWithTTL("k", 5*time.Millisecond)
	s.AddWithTTL("k", time.Minute)
	time.Sleep(10 * time.Millisecond)

	assert.True(t, s.Contains("k"))
}
