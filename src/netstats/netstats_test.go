package netstats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCounterIncAndAdd(t *testing.T) {
	var c Counter_t
	c.Inc()
	c.Add(4)
	require.Equal(t, int64(5), c.Get())
}

func TestStringRendersEveryCounterField(t *testing.T) {
	var s Socket
	s.Accepted.Inc()
	s.BytesSent.Add(128)

	out := String(&s)
	require.Contains(t, out, "#Accepted: 1")
	require.Contains(t, out, "#BytesSent: 128")
	require.Contains(t, out, "#Closed: 0")
}
