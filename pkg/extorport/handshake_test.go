package extorport

import (
	"bytes"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCookie(t *testing.T) []byte {
	t.Helper()
	cookie := make([]byte, CookieLen)
	_, err := rand.Read(cookie)
	require.NoError(t, err)
	return cookie
}

func TestHandshakeEndToEnd(t *testing.T) {
	cookie := testCookie(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	type serverResult struct {
		info *ConnInfo
		err  error
	}
	done := make(chan serverResult, 1)
	go func() {
		info, err := ServerHandshake(serverConn, cookie)
		done <- serverResult{info, err}
	}()

	require.NoError(t, ClientHandshake(clientConn, cookie, "192.0.2.1:51234", "obfs4"))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "192.0.2.1:51234", res.info.PeerAddr)
	assert.Equal(t, "obfs4", res.info.Transport)
}

func TestHandshakeEndToEndWithoutRecords(t *testing.T) {
	cookie := testCookie(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	var info *ConnInfo
	go func() {
		var err error
		info, err = ServerHandshake(serverConn, cookie)
		done <- err
	}()

	require.NoError(t, ClientHandshake(clientConn, cookie, "", ""))
	require.NoError(t, <-done)
	assert.Empty(t, info.PeerAddr)
	assert.Empty(t, info.Transport)
}

func TestHandshakeWrongCookie(t *testing.T) {
	serverCookie := testCookie(t)
	clientCookie := testCookie(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(serverConn, serverCookie)
		done <- err
	}()

	// The client detects the mismatch on the server's hash and hangs up
	// before proving anything; the server then fails on the closed pipe.
	err := ClientHandshake(clientConn, clientCookie, "", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server hash mismatch")
	clientConn.Close()

	require.Error(t, <-done)
}

func TestServerRejectsBadClientHash(t *testing.T) {
	cookie := testCookie(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(serverConn, cookie)
		done <- err
	}()

	// Drive the client side by hand, answering with a garbage proof.
	types := make([]byte, 2)
	_, err := io.ReadFull(clientConn, types)
	require.NoError(t, err)
	require.Equal(t, []byte{authTypeSafeCookie, authTypeTerminator}, types)

	_, err = clientConn.Write([]byte{authTypeSafeCookie})
	require.NoError(t, err)

	clientNonce := make([]byte, NonceLen)
	_, err = clientConn.Write(clientNonce)
	require.NoError(t, err)

	reply := make([]byte, 32+NonceLen)
	_, err = io.ReadFull(clientConn, reply)
	require.NoError(t, err)

	garbage := make([]byte, 32)
	_, err = clientConn.Write(garbage)
	require.NoError(t, err)

	var status [1]byte
	_, err = io.ReadFull(clientConn, status[:])
	require.NoError(t, err)
	assert.Equal(t, statusFailure, status[0])

	require.ErrorIs(t, <-done, ErrAuthFailed)
}

func TestServerRejectsInvalidTransportRecord(t *testing.T) {
	cookie := testCookie(t)
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	done := make(chan error, 1)
	go func() {
		_, err := ServerHandshake(serverConn, cookie)
		done <- err
	}()

	err := ClientHandshake(clientConn, cookie, "", "bad transport")
	require.Error(t, err, "the client itself refuses an invalid name")

	// Force the invalid name onto the wire to exercise the server check.
	require.NoError(t, WriteRecord(clientConn, Record{Type: RecordTransport, Payload: []byte("bad transport")}))
	require.Error(t, <-done)
}

func TestReadRecordsIgnoresUnknownTypes(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecord(&buf, Record{Type: RecordType(0x7777), Payload: []byte("future")}))
	require.NoError(t, WriteRecord(&buf, Record{Type: RecordUserAddr, Payload: []byte("198.51.100.7:443")}))
	require.NoError(t, WriteRecord(&buf, Record{Type: RecordDone}))

	info, err := readRecords(&buf)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7:443", info.PeerAddr)
}

func TestLoadOrCreateCookie(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, CookieFileName)

	cookie, err := LoadOrCreateCookie(path)
	require.NoError(t, err)
	require.Len(t, cookie, CookieLen)

	// On-disk shape: prefix || cookie, mode 0600.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, data, len(CookiePrefix)+CookieLen)
	assert.Equal(t, CookiePrefix, string(data[:len(CookiePrefix)]))
	assert.Equal(t, cookie, data[len(CookiePrefix):])

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	// A second load returns the same cookie, not a fresh one.
	again, err := LoadOrCreateCookie(path)
	require.NoError(t, err)
	assert.Equal(t, cookie, again)
}

func TestLoadOrCreateCookieRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()

	short := filepath.Join(dir, "short")
	require.NoError(t, os.WriteFile(short, []byte("too short"), 0o600))
	_, err := LoadOrCreateCookie(short)
	require.Error(t, err)

	badPrefix := filepath.Join(dir, "badprefix")
	data := make([]byte, len(CookiePrefix)+CookieLen)
	require.NoError(t, os.WriteFile(badPrefix, data, 0o600))
	_, err = LoadOrCreateCookie(badPrefix)
	require.Error(t, err)
}

func TestCookiePath(t *testing.T) {
	assert.Equal(t, "/override/cookie", CookiePath("/data", "/override/cookie"))
	assert.Equal(t, filepath.Join("/data", CookieFileName), CookiePath("/data", ""))
}
