package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlanWallets(t *testing.T) {
	t.Parallel()

	owners, missing := planWallets(4, nil)
	assert.Equal(t, []string{"user-0001", "user-0002", "user-0003", "user-0004"}, owners)
	assert.Equal(t, owners, missing)

	// Resuming after a partial seed only copies what is absent.
	owners, missing = planWallets(4, map[string]bool{"user-0001": true, "user-0003": true})
	assert.Len(t, owners, 4)
	assert.Equal(t, []string{"user-0002", "user-0004"}, missing)

	_, missing = planWallets(2, map[string]bool{"user-0001": true, "user-0002": true, "user-0009": true})
	assert.Empty(t, missing)
}
