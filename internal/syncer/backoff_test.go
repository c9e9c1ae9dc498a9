package syncer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoubles(t *testing.T) {
	b := DefaultBackoff()

	assert.Equal(t, 1*time.Second, b.Next(0))
	assert.Equal(t, 2*time.Second, b.Next(1))
	assert.Equal(t, 4*time.Second, b.Next(2))
	assert.Equal(t, 8*time.Second, b.Next(3))
}

func TestBackoffCapsAtMax(t *testing.T) {
	b := DefaultBackoff()

	assert.Equal(t, 30*time.Second, b.Next(10))
	assert.Equal(t, 30*time.Second, b.Next(100))
}

func TestBackoffNegativeAttempt(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, b.Base, b.Next(-1))
}
