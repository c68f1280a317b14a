package certtree

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLookupS1(t *testing.T) {
	tree := New()
	tree.Insert("example.com", 0)
	tree.Insert("www.example.org", 1)
	tree.Insert("*www.example.org", 2)
	tree.Insert("xy*.host.domain", 3)
	tree.Insert("*yy.host.domain", 4)
	tree.Insert("*.foo.bar", 8)
	tree.Insert("oo.bar", 9)

	cases := []struct {
		host string
		want int
	}{
		{"example.com", 0},
		{"2www.example.org", 2},
		{"www2.example.org", -1},
		{"xy1.host.domain", 3},
		{"yy.host.domain", -1},
		{"xyy.host.domain", 4},
		{"x.foo.bar", 8},
		{"", -1},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, tree.Lookup(c.host), "Lookup(%q)", c.host)
	}
}

func TestMatchS2(t *testing.T) {
	cases := []struct {
		pattern, host string
		want          bool
	}{
		{"*.example.com", "www.example.com", true},
		{"*w.example.com", "www.example.com", true},
		{"www*.example.com", "www.example.com", false},
		{"*", "example.com", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Match(c.pattern, c.host), "Match(%q, %q)", c.pattern, c.host)
	}
}

func TestDuplicateInsertReturnsFirstIndex(t *testing.T) {
	tree := New()
	first := tree.Insert("example.com", 0)
	second := tree.Insert("example.com", 42)
	assert.Equal(t, 0, first)
	assert.Equal(t, first, second, "duplicate insert must keep the first index")
}

func TestWildcardInTwoLabelPatternNeverMatches(t *testing.T) {
	tree := New()
	tree.Insert("*.com", 1)
	assert.Equal(t, -1, tree.Lookup("example.com"), "*.com must be stored as a literal, not a wildcard")
}

func TestParentSuffixDoesNotCollideWithLiteral(t *testing.T) {
	tree := New()
	tree.Insert("*.foo.bar", 8)
	tree.Insert("oo.bar", 9)
	assert.Equal(t, 9, tree.Lookup("oo.bar"), "literal must win over the *.foo.bar wildcard")
}
