package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeEquivalentVariants(t *testing.T) {
	variants := []string{
		"/Volumes/Jobs/2026/Cover.indd",
		`\\fileserver\Jobs\2026\Cover.indd`,
		"//fileserver/Jobs/2026/Cover.indd",
		"smb://fileserver/Jobs/2026/Cover.indd",
		"file:///Volumes/Jobs/2026/Cover.indd",
		"Jobs:2026:Cover.indd",
		"/volumes/jobs/2026//cover.INDD",
	}
	want := Canonicalize(variants[0])
	require.False(t, want.IsZero())
	for _, v := range variants[1:] {
		assert.True(t, Canonicalize(v).Equal(want), "variant %q should match %s, got %s", v, want, Canonicalize(v))
	}
}

func TestCanonicalizeDistinguishesVolumes(t *testing.T) {
	a := Canonicalize("/Volumes/Jobs/a.indd")
	b := Canonicalize("/Volumes/Archive/a.indd")
	assert.False(t, a.Equal(b))
	assert.Equal(t, "jobs", a.Volume())
	assert.Equal(t, "a.indd", a.Base())
}

func TestCanonicalizeUnicodeNormalization(t *testing.T) {
	composed := "/Volumes/Jobs/caf\u00e9.indd"
	decomposed := "/Volumes/Jobs/cafe\u0301.indd"
	assert.True(t, SamePath(composed, decomposed))
}

func TestSamePathRejectsEmpty(t *testing.T) {
	assert.False(t, SamePath("", ""))
	assert.False(t, SamePath("/Volumes/Jobs/a.indd", ""))
}

func TestPathSetContains(t *testing.T) {
	set := NewPathSet(`\\srv\Jobs\A.indd`, "", "/Volumes/Jobs/B.indd")
	assert.Equal(t, 2, set.Len())
	assert.True(t, set.Contains("/Volumes/Jobs/a.indd"))
	assert.True(t, set.Contains("smb://srv/Jobs/b.indd"))
	assert.False(t, set.Contains("/Volumes/Jobs/C.indd"))
}

func TestCanonicalizeDriveLetterAndPlainPaths(t *testing.T) {
	assert.True(t, SamePath(`J:\Work\a.indd`, "j:/work/A.indd"))
	assert.Equal(t, "/tmp/a.indd", Canonicalize("/tmp/./x/../a.indd").String())
}
