package address

import (
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Address
	}{
		{"foo://", Address{Scheme: "foo"}},
		{"foo://*:1234", Address{Scheme: "foo", Host: Wildcard, Port: 1234}},
		{"foo://localhost:1234", Address{Scheme: "foo", Host: "localhost", Port: 1234}},
		{"bar://*", Address{Scheme: "bar", Host: Wildcard}},
		{"foo://[::1]:80", Address{Scheme: "foo", Host: "::1", Port: 80}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.in, got.String())
		})
	}
}

func TestParseFoldsCase(t *testing.T) {
	a := MustParse("FOO://LocalHost:1234")
	assert.Equal(t, Address{Scheme: "foo", Host: "localhost", Port: 1234}, a)
	assert.Equal(t, MustParse("foo://localhost:1234"), a)
	assert.Equal(t, "::1", MustParse("foo://[::1]:80").Host)
	assert.Equal(t, "fe80::abcd", MustParse("foo://[FE80::ABCD]:80").Host)
}

func TestParseMalformed(t *testing.T) {
	for _, in := range []string{
		"localhost:1234",
		"foo://host:0",
		"foo://host:70000",
		"foo://host:12/path",
		"foo://host:12?x=1",
		"foo://user@host:12",
		"://host",
	} {
		_, err := Parse(in)
		assert.ErrorIs(t, err, ErrMalformed, in)
	}
}

func TestValidateBind(t *testing.T) {
	assert.NoError(t, MustParse("foo://").ValidateBind())
	assert.NoError(t, MustParse("foo://:5000").ValidateBind())
	assert.NoError(t, MustParse("foo://*:5000").ValidateBind())
	assert.ErrorIs(t, MustParse("foo://*").ValidateBind(), ErrInvalidAddress)
	assert.ErrorIs(t, MustParse("foo://localhost").ValidateBind(), ErrInvalidAddress)
	assert.ErrorIs(t, MustParse("foo://127.0.0.1:5000").ValidateBind(), ErrInvalidAddress)
}

func TestValidateConnect(t *testing.T) {
	assert.NoError(t, MustParse("foo://").ValidateConnect())
	assert.NoError(t, MustParse("foo://localhost:5000").ValidateConnect())
	assert.ErrorIs(t, MustParse("bar://*").ValidateConnect(), ErrWildcardHost)
	assert.ErrorIs(t, MustParse("bar://*:5000").ValidateConnect(), ErrWildcardHost)
	assert.ErrorIs(t, MustParse("foo://localhost").ValidateConnect(), ErrMissingPort)
}

func TestMultiaddrRoundTrip(t *testing.T) {
	cases := map[string]string{
		"foo://*:4000":         "/ip4/0.0.0.0/tcp/4000",
		"foo://localhost:4000": "/dns/localhost/tcp/4000",
		"foo://10.1.2.3:4000":  "/ip4/10.1.2.3/tcp/4000",
		"foo://[::1]:4000":     "/ip6/::1/tcp/4000",
	}
	for in, want := range cases {
		a := MustParse(in)
		m, err := a.Multiaddr()
		require.NoError(t, err, in)
		assert.Equal(t, want, m.String())

		back, err := FromMultiaddr("foo", m)
		require.NoError(t, err)
		assert.Equal(t, a, back)
	}

	_, err := MustParse("foo://").Multiaddr()
	assert.ErrorIs(t, err, ErrMissingPort)
	_, err = MustParse("foo://localhost").Multiaddr()
	assert.ErrorIs(t, err, ErrMissingPort)
}

func TestFromMultiaddrRejectsNonTCP(t *testing.T) {
	m, err := ma.NewMultiaddr("/ip4/127.0.0.1/udp/53")
	require.NoError(t, err)
	_, err = FromMultiaddr("foo", m)
	assert.ErrorIs(t, err, ErrMalformed)
}
