package version

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	v, err := Parse("1.2.3")
	require.NoError(t, err)
	assert.Equal(t, SemVer{Major: 1, Minor: 2, Patch: 3}, v)

	v, err = Parse(" 0.0.0 ")
	require.NoError(t, err)
	assert.Equal(t, Zero, v)
}

func TestParseInvalid(t *testing.T) {
	for _, s := range []string{"", "1.2", "1.2.3.4", "a.b.c", "1.2.x", "1.-2.3", "v1.2.3"} {
		_, err := Parse(s)
		assert.Error(t, err, "expected %q to be rejected", s)
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "10.0.7", SemVer{Major: 10, Minor: 0, Patch: 7}.String())
	assert.Equal(t, "0.0.0", Zero.String())
}

func TestCompare(t *testing.T) {
	assert.Equal(t, 0, MustParse("1.2.3").Compare(MustParse("1.2.3")))
	assert.Equal(t, -1, MustParse("1.2.3").Compare(MustParse("2.0.0")))
	assert.Equal(t, 1, MustParse("1.10.0").Compare(MustParse("1.9.9")))
	assert.True(t, MustParse("1.9.9").Less(MustParse("1.10.0")))
	assert.False(t, MustParse("2.0.0").Less(MustParse("1.99.99")))
}

func TestNumericOrdering(t *testing.T) {
	versions := []SemVer{
		MustParse("1.10.0"),
		MustParse("0.9.5"),
		MustParse("1.2.0"),
		MustParse("1.9.0"),
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].Less(versions[j]) })

	var got []string
	for _, v := range versions {
		got = append(got, v.String())
	}
	assert.Equal(t, []string{"0.9.5", "1.2.0", "1.9.0", "1.10.0"}, got)
}

func TestNextMinor(t *testing.T) {
	assert.Equal(t, MustParse("1.3.0"), MustParse("1.2.3").NextMinor())
	assert.Equal(t, MustParse("0.1.0"), Zero.NextMinor())
	assert.Equal(t, MustParse("2.1.0"), MustParse("2.0.9").NextMinor())
}

func TestFileSafe(t *testing.T) {
	assert.Equal(t, "1_2_3", MustParse("1.2.3").FileSafe())
}
