//go:build linux

package netio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitHostPort(t *testing.T) {
	host, port, err := splitHostPort("127.0.0.1:7777")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 7777, port)

	host, port, err = splitHostPort(":0")
	require.NoError(t, err)
	assert.Equal(t, "", host)
	assert.Equal(t, 0, port)

	_, _, err = splitHostPort("no-port")
	assert.Error(t, err)

	_, _, err = splitHostPort("host:99999")
	assert.Error(t, err)
}

func TestParseSockaddr(t *testing.T) {
	sa, err := parseSockaddr("127.0.0.1:8080")
	require.NoError(t, err)
	assert.Equal(t, [4]byte{127, 0, 0, 1}, sa.Addr)
	assert.Equal(t, 8080, sa.Port)

	sa, err = parseSockaddr("0.0.0.0:80")
	require.NoError(t, err)
	assert.Equal(t, [4]byte{}, sa.Addr)

	_, err = parseSockaddr("not-an-ip:80")
	assert.Error(t, err)
}
