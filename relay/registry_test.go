package relay

import (
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestRegistryBasic(t *testing.T) {
	assert := assert.New(t)

	uut := NewRegistry()
	assert.Equal(0, uut.Count())

	// Case 0: add is idempotent
	uut.Add("c1")
	uut.Add("c1")
	assert.Equal(1, uut.Count())
	assert.True(uut.Has("c1"))
	assert.False(uut.Has("c2"))

	// Case 1: remove is idempotent
	uut.Add("c2")
	uut.Remove("c1")
	uut.Remove("c1")
	uut.Remove("unknown")
	assert.Equal(1, uut.Count())
	assert.Equal([]string{"c2"}, uut.Members())
}

func TestRegistryCountMatchesMembership(t *testing.T) {
	assert := assert.New(t)

	uut := NewRegistry()
	ids := make([]string, 8)
	for itr := range ids {
		ids[itr] = uuid.NewString()
	}
	expected := map[string]bool{}

	for itr := 0; itr < 500; itr++ {
		id := ids[rand.Intn(len(ids))]
		if rand.Intn(2) == 0 {
			uut.Add(id)
			expected[id] = true
		} else {
			uut.Remove(id)
			delete(expected, id)
		}
		assert.Equal(len(expected), uut.Count())
		for _, one := range ids {
			assert.Equal(expected[one], uut.Has(one))
		}
	}
	assert.Len(uut.Members(), len(expected))
}
