package assets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIgnoreBasicPatterns(t *testing.T) {
	rs := ParseIgnoreLines([]string{
		"# comment",
		"",
		"*.log",
		"build/",
		"/secrets.env",
		"data/**/*.bin",
	})

	assert.True(t, rs.Ignored("x.log", false))
	assert.True(t, rs.Ignored("nested/deep/y.log", false))
	assert.False(t, rs.Ignored("x.log.txt", false))

	assert.True(t, rs.Ignored("build", true))
	assert.False(t, rs.Ignored("build", false)) // dir-only rule

	assert.True(t, rs.Ignored("secrets.env", false))
	assert.False(t, rs.Ignored("sub/secrets.env", false)) // anchored

	assert.True(t, rs.Ignored("data/a/b/c.bin", false))
	assert.False(t, rs.Ignored("other/c.bin", false))
}

func TestIgnoreNegationOrder(t *testing.T) {
	rs := ParseIgnoreLines([]string{"*.log", "!keep.log"})
	assert.True(t, rs.Ignored("x.log", false))
	assert.False(t, rs.Ignored("keep.log", false))
	assert.False(t, rs.Ignored("sub/keep.log", false))

	// Reversed order: the ignore wins again.
	rs = ParseIgnoreLines([]string{"!keep.log", "*.log"})
	assert.True(t, rs.Ignored("keep.log", false))
}

func TestIgnoreEmptyRuleset(t *testing.T) {
	rs := ParseIgnoreLines(nil)
	assert.False(t, rs.Ignored("anything", false))
	assert.False(t, rs.Ignored("dir", true))
}
