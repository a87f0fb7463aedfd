package affinity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMask_CoreIDs(t *testing.T) {
	m := Mask(0b1011)
	assert.Equal(t, []int{0, 1, 3}, m.CoreIDs())
	assert.Equal(t, 3, m.Count())
}

func TestMask_Validate_RejectsEmpty(t *testing.T) {
	err := Mask(0).Validate()
	assert.Error(t, err)
}

func TestMask_Validate_RejectsOutOfRangeCore(t *testing.T) {
	err := Mask(1 << 63).Validate()
	assert.Error(t, err)
}

func TestMask_Validate_AcceptsCoreZero(t *testing.T) {
	err := Mask(1).Validate()
	assert.NoError(t, err)
}
