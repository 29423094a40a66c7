package pinger

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildParseEchoRoundTrip(t *testing.T) {
	for _, id := range []uint16{0, 1, 255, 4096, 65534} {
		for _, size := range []int{1, 55, 512, 1024} {
			pkt := buildEchoRequest(id, size)
			require.Equal(t, icmpHeaderLen+size, len(pkt))

			// Simulate the IPv4 header the kernel prepends on a raw socket.
			withIPHeader := append(make([]byte, ipv4HeaderLen), pkt...)
			reply, err := parseEchoReply(withIPHeader)
			require.NoError(t, err)
			require.Equal(t, uint8(icmpTypeEchoRequest), reply.Type)
			require.Equal(t, uint8(0), reply.Code)
			require.Equal(t, id, reply.ID)
			require.Equal(t, uint16(1), reply.Sequence)

			// Checksum field is the 16-bit one's complement of the full
			// header+payload with the checksum zeroed.
			zeroed := make([]byte, len(pkt))
			copy(zeroed, pkt)
			zeroed[2], zeroed[3] = 0, 0
			require.Equal(t, checksum(zeroed), reply.Checksum)
		}
	}
}

func TestParseEchoReplyShortPacket(t *testing.T) {
	_, err := parseEchoReply(make([]byte, 10))
	require.ErrorIs(t, err, errShortPacket)
}

func TestChecksumKnownValue(t *testing.T) {
	// All-zero buffer checksums to the all-ones complement.
	require.Equal(t, uint16(0xffff), checksum(make([]byte, 8)))
}
