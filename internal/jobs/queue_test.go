package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	d1 := backoff(1)
	d4 := backoff(4)
	d20 := backoff(20)

	assert.Greater(t, d1, time.Duration(0))
	assert.Less(t, d1, 3*time.Second)
	assert.Greater(t, d4, d1/2) // jitter tolerant, but order-of-magnitude bigger
	assert.LessOrEqual(t, d20, 6*time.Minute)
}
