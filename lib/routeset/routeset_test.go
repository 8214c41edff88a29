package routeset

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	set := New("/auth/login", "auth/register/", "public/*", "")

	require.Equal(t, 3, set.Len())
	require.True(t, set.Match("auth/login"))
	require.True(t, set.Match("/auth/login?next=/dashboard"))
	require.True(t, set.Match("auth/register"))
	require.True(t, set.Match("public"))
	require.True(t, set.Match("/public/faq/1"))
	require.False(t, set.Match("publicity"))
	require.False(t, set.Match("auth/login/extra"))
	require.False(t, set.Match(""))

	set.Del("/auth/login/")
	require.False(t, set.Match("auth/login"))
}

func TestToSlice(t *testing.T) {
	require.Nil(t, New().ToSlice())

	routes := New("b", "/a/").ToSlice()
	sort.Strings(routes)
	require.Equal(t, []string{"a", "b"}, routes)
}
