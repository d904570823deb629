package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStats(t *testing.T) {
	s := &Stats{}
	for i := 1; i <= 100; i++ {
		s.recordEcho(time.Duration(i) * time.Millisecond)
	}
	s.recordTimeout()
	s.recordServerError()

	posted, failed, _, avg := s.snapshot()
	assert.Equal(t, int64(100), posted)
	assert.Equal(t, int64(2), failed)
	assert.Equal(t, 50500*time.Microsecond, avg)

	assert.Equal(t, 1*time.Millisecond, s.percentile(0))
	assert.Equal(t, 50*time.Millisecond, s.percentile(50))
	assert.Equal(t, 100*time.Millisecond, s.percentile(100))
}

func TestStats_Empty(t *testing.T) {
	s := &Stats{}
	_, _, _, avg := s.snapshot()
	assert.Zero(t, avg)
	assert.Zero(t, s.percentile(99))
}
