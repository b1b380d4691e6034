package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolationLevelString(t *testing.T) {
	assert.Equal(t, "none", IsolationNone.String())
	assert.Equal(t, "destination", IsolationDestination.String())
	assert.Equal(t, "credential", IsolationCredential.String())
	assert.Equal(t, "port", IsolationPort.String())
	assert.Equal(t, "session", IsolationSession.String())
	assert.Equal(t, "unknown(99)", IsolationLevel(99).String())
}

func TestParseIsolationLevel(t *testing.T) {
	for name, want := range map[string]IsolationLevel{
		"none":        IsolationNone,
		"destination": IsolationDestination,
		"credential":  IsolationCredential,
		"credentials": IsolationCredential, // config alias
		"Port":        IsolationPort,
		"SESSION":     IsolationSession,
	} {
		got, err := ParseIsolationLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseIsolationLevel("bogus")
	require.Error(t, err)
}

func TestIsolationKeyBuilders(t *testing.T) {
	k := NewIsolationKey(IsolationDestination).WithDestination("example.com:443")
	assert.Equal(t, IsolationDestination, k.Level)
	assert.Equal(t, "example.com:443", k.Destination)

	p := NewIsolationKey(IsolationPort).WithSourcePort(12345)
	assert.Equal(t, uint16(12345), p.SourcePort)
}

func TestIsolationKeyCredentialsAreHashed(t *testing.T) {
	k := NewIsolationKey(IsolationCredential).WithCredentials("alice")
	require.NotEmpty(t, k.Credentials)
	assert.NotContains(t, k.Credentials, "alice")
	assert.Len(t, k.Credentials, 64) // hex SHA-256

	// Same input, same hash; different input, different hash.
	same := NewIsolationKey(IsolationCredential).WithCredentials("alice")
	other := NewIsolationKey(IsolationCredential).WithCredentials("bob")
	assert.Equal(t, k.Credentials, same.Credentials)
	assert.NotEqual(t, k.Credentials, other.Credentials)

	empty := NewIsolationKey(IsolationCredential).WithCredentials("")
	assert.Empty(t, empty.Credentials)
}

func TestIsolationKeySessionTokensAreHashed(t *testing.T) {
	k := NewIsolationKey(IsolationSession).WithSessionToken("session-abc")
	require.NotEmpty(t, k.SessionToken)
	assert.NotContains(t, k.SessionToken, "session-abc")
	assert.Len(t, k.SessionToken, 64)
}

func TestIsolationKeyString(t *testing.T) {
	var nilKey *IsolationKey
	assert.Equal(t, "none", nilKey.String())
	assert.Equal(t, "none", NewIsolationKey(IsolationNone).String())

	dest := NewIsolationKey(IsolationDestination).WithDestination("example.com:443")
	assert.Equal(t, "level=destination,dest=example.com:443", dest.String())

	port := NewIsolationKey(IsolationPort).WithSourcePort(9)
	assert.Equal(t, "level=port,port=9", port.String())

	// Hashed components are truncated in log form.
	creds := NewIsolationKey(IsolationCredential).WithCredentials("alice")
	assert.Contains(t, creds.String(), "creds=")
	assert.Contains(t, creds.String(), "...")
	assert.NotContains(t, creds.String(), creds.Credentials)

	// A key missing its component renders the level alone.
	bare := NewIsolationKey(IsolationDestination)
	assert.Equal(t, "level=destination", bare.String())
}

func TestIsolationKeyKey(t *testing.T) {
	var nilKey *IsolationKey
	assert.Empty(t, nilKey.Key())
	assert.Empty(t, NewIsolationKey(IsolationNone).Key())

	dest := NewIsolationKey(IsolationDestination).WithDestination("example.com:443")
	assert.Equal(t, "dest:example.com:443", dest.Key())

	port := NewIsolationKey(IsolationPort).WithSourcePort(12345)
	assert.Equal(t, "port:12345", port.Key())

	creds := NewIsolationKey(IsolationCredential).WithCredentials("alice")
	assert.Equal(t, "creds:"+creds.Credentials, creds.Key())
}

func TestIsolationKeyEquals(t *testing.T) {
	var a, b *IsolationKey
	assert.True(t, a.Equals(b), "two nil keys are equal")
	assert.False(t, a.Equals(NewIsolationKey(IsolationNone)))

	assert.True(t, NewIsolationKey(IsolationNone).Equals(NewIsolationKey(IsolationNone)))

	d1 := NewIsolationKey(IsolationDestination).WithDestination("a:1")
	d2 := NewIsolationKey(IsolationDestination).WithDestination("a:1")
	d3 := NewIsolationKey(IsolationDestination).WithDestination("b:2")
	assert.True(t, d1.Equals(d2))
	assert.False(t, d1.Equals(d3))

	p1 := NewIsolationKey(IsolationPort).WithSourcePort(1)
	assert.False(t, d1.Equals(p1), "different levels never match")

	c1 := NewIsolationKey(IsolationCredential).WithCredentials("alice")
	c2 := NewIsolationKey(IsolationCredential).WithCredentials("alice")
	assert.True(t, c1.Equals(c2))

	u1 := NewIsolationKey(IsolationLevel(99))
	u2 := NewIsolationKey(IsolationLevel(99))
	assert.False(t, u1.Equals(u2), "unknown levels never match")
}

func TestIsolationKeyValidate(t *testing.T) {
	var nilKey *IsolationKey
	require.Error(t, nilKey.Validate())

	require.NoError(t, NewIsolationKey(IsolationNone).Validate())

	require.Error(t, NewIsolationKey(IsolationDestination).Validate())
	require.Error(t, NewIsolationKey(IsolationDestination).WithDestination("no-port").Validate())
	require.NoError(t, NewIsolationKey(IsolationDestination).WithDestination("host:80").Validate())

	require.Error(t, NewIsolationKey(IsolationCredential).Validate())
	require.NoError(t, NewIsolationKey(IsolationCredential).WithCredentials("u").Validate())

	require.Error(t, NewIsolationKey(IsolationPort).Validate())
	require.NoError(t, NewIsolationKey(IsolationPort).WithSourcePort(1).Validate())

	require.Error(t, NewIsolationKey(IsolationSession).Validate())
	require.NoError(t, NewIsolationKey(IsolationSession).WithSessionToken("tok").Validate())

	require.Error(t, NewIsolationKey(IsolationLevel(99)).Validate())
}

func TestIsolationKeyClone(t *testing.T) {
	var nilKey *IsolationKey
	assert.Nil(t, nilKey.Clone())

	k := NewIsolationKey(IsolationDestination).WithDestination("a:1")
	cp := k.Clone()
	require.NotSame(t, k, cp)
	assert.True(t, k.Equals(cp))

	cp.Destination = "b:2"
	assert.Equal(t, "a:1", k.Destination, "clone mutations must not leak back")
}
