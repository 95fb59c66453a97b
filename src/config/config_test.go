package config

import (
	"strings"
	"testing"

	"wire"

	"github.com/stretchr/testify/require"
)

func TestParseStaticNetworkConfig(t *testing.T) {
	src := `
# comment line
Network.UseDHCP = false
Network.LocalIP = 10.0.0.5
Network.Netmask = 255.255.255.0
Network.Gateway = 10.0.0.1
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.False(t, cfg.Network.UseDHCP)
	require.Equal(t, wire.ParseAddr([]byte{10, 0, 0, 5}), cfg.Network.LocalIP)
	require.Equal(t, wire.ParseAddr([]byte{255, 255, 255, 0}), cfg.Network.Netmask)
	require.Equal(t, wire.ParseAddr([]byte{10, 0, 0, 1}), cfg.Network.Gateway)
}

func TestParseInterfaceOverride(t *testing.T) {
	src := `
Network.UseDHCP = true
NetworkInterface.0.UseDHCP = false
NetworkInterface.0.LocalIP = 192.168.1.20
`
	cfg, err := Parse(strings.NewReader(src))
	require.NoError(t, err)
	require.True(t, cfg.Network.UseDHCP)

	o, ok := cfg.Interfaces[0]
	require.True(t, ok)
	require.NotNil(t, o.UseDHCP)
	require.False(t, *o.UseDHCP)
	require.Equal(t, wire.ParseAddr([]byte{192, 168, 1, 20}), *o.LocalIP)
}

func TestParseRejectsUnrecognizedKey(t *testing.T) {
	_, err := Parse(strings.NewReader("Network.Bogus = 1\n"))
	require.Error(t, err)
}

func TestParseRejectsMalformedLine(t *testing.T) {
	_, err := Parse(strings.NewReader("not-a-key-value-pair\n"))
	require.Error(t, err)
}

func TestParseRejectsBadDottedQuad(t *testing.T) {
	_, err := Parse(strings.NewReader("Network.LocalIP = 999.1.1.1\n"))
	require.Error(t, err)
}
