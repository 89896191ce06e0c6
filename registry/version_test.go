package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchVersion(t *testing.T) {
	instances := []Instance{
		{Addr: ":8001", Version: "1.0.0"},
		{Addr: ":8002", Version: "1.4"},
		{Addr: ":8003", Version: "2.0.0"},
		{Addr: ":8004"},
	}

	matched, err := MatchVersion(instances, ">=1.2.0 <2.0.0")
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, ":8002", matched[0].Addr)

	matched, err = MatchVersion(instances, ">=1.0.0")
	require.NoError(t, err)
	assert.Len(t, matched, 3)

	_, err = MatchVersion(instances, ">=3.0.0")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = MatchVersion(instances, "not a range")
	assert.Error(t, err)
}
