package skel

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip_Atom(t *testing.T) {
	cases := [][]byte{
		[]byte("file"),
		[]byte(""),
		[]byte("has spaces"),
		[]byte("(parens)"),
		{0x00, 0x01, 0xff, 0x7f},
		[]byte("123abc"), // starts with digit, must go explicit
	}
	for _, b := range cases {
		s := AtomBytes(b)
		encoded := Unparse(s)
		got, err := Parse(encoded)
		require.NoError(t, err)
		require.True(t, Equal(s, got))
		require.Equal(t, b, got.AtomBytes())
	}
}

func TestRoundTrip_List(t *testing.T) {
	s := List(
		Atom("kind"),
		Atom("file"),
		List(Atom("nested"), AtomBytes([]byte{0, 1, 2})),
		Atom(""),
	)
	encoded := Unparse(s)
	got, err := Parse(encoded)
	require.NoError(t, err)
	require.True(t, Equal(s, got))
}

func TestUnparse_ImplicitForm(t *testing.T) {
	s := Atom("dir")
	require.Equal(t, "dir", string(Unparse(s)))
}

func TestUnparse_ExplicitForm(t *testing.T) {
	s := Atom("")
	require.Equal(t, "0 ", string(Unparse(s)))
}

func TestParse_RejectsUnbalancedParens(t *testing.T) {
	_, err := Parse([]byte("(a b"))
	require.Error(t, err)

	_, err = Parse([]byte("a b)"))
	require.Error(t, err)
}

func TestParse_RejectsTruncatedAtom(t *testing.T) {
	_, err := Parse([]byte("10 short"))
	require.Error(t, err)
}

func TestParse_RejectsBadLengthPrefix(t *testing.T) {
	_, err := Parse([]byte("(5 ab)"))
	require.Error(t, err)
}

func TestEqual_StructuralNotPointer(t *testing.T) {
	a := List(Atom("x"), Atom("y"))
	b := List(Atom("x"), Atom("y"))
	require.True(t, Equal(a, b))
	require.False(t, Equal(a, List(Atom("x"))))
}
