package canonical_test

import (
	"testing"

	"github.com/casetrail/settlement/pkg/canonical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHash_Deterministic(t *testing.T) {
	v := map[string]any{"case_id": "c-1", "blocked": true, "amount": "9.5"}

	h1, err := canonical.Hash(v)
	require.NoError(t, err)
	h2, err := canonical.Hash(v)
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestJSON_KeyOrderIndependent(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2}
	b := map[string]any{"a": 2, "b": 1}

	ja, err := canonical.JSON(a)
	require.NoError(t, err)
	jb, err := canonical.JSON(b)
	require.NoError(t, err)

	assert.Equal(t, string(ja), string(jb))
	assert.Equal(t, `{"a":2,"b":1}`, string(ja))
}
