package pgprobe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionFromNumModern(t *testing.T) {
	v := versionFromNum(150004)
	assert.Equal(t, 15, v.Major)
	assert.Equal(t, 0, v.Minor)
	assert.Equal(t, 4, v.Patch)
	assert.True(t, v.AtLeast(9, 6))
}

func TestVersionFromNumLegacy(t *testing.T) {
	v := versionFromNum(90616)
	assert.Equal(t, 9, v.Major)
	assert.Equal(t, 6, v.Minor)
	assert.Equal(t, 16, v.Patch)
	assert.True(t, v.AtLeast(9, 6))

	old := versionFromNum(90512)
	assert.False(t, old.AtLeast(9, 6))
}

func TestProbeErrorClassification(t *testing.T) {
	err := classify(ClassUnreachable, assertErr{})
	var pe *ProbeError
	assert.ErrorAs(t, err, &pe)
	assert.Equal(t, ClassUnreachable, pe.Class)
	assert.Nil(t, classify(ClassUnreachable, nil))
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
