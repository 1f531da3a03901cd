package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewService(t *testing.T) {
	s, err := newService("board", 1234, "canvas-test.", []net.IP{net.IPv4(127, 0, 0, 1)}, []string{"canvas-sync"})
	require.NoError(t, err)
	assert.Equal(t, "board", s.Instance)
	assert.Equal(t, ServiceType, s.Service)
	assert.Equal(t, 1234, s.Port)
}

func TestFromEntry(t *testing.T) {
	s, ok := fromEntry(&mdns.ServiceEntry{
		Name:       "board." + ServiceType + ".local.",
		Host:       "canvas-test.",
		AddrV4:     net.IPv4(10, 0, 0, 7),
		Port:       1234,
		InfoFields: []string{"canvas-sync"},
	})
	require.True(t, ok)
	assert.Equal(t, "board", s.Instance)
	assert.Equal(t, "canvas-test", s.Host)
	assert.Equal(t, "http://10.0.0.7:1234", s.BaseURL())

	_, ok = fromEntry(&mdns.ServiceEntry{Name: "x", AddrV4: net.IPv4(10, 0, 0, 7)})
	assert.False(t, ok, "entries without a port are skipped")
	_, ok = fromEntry(&mdns.ServiceEntry{Name: "x", Port: 1})
	assert.False(t, ok, "entries without an address are skipped")
}
