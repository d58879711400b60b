package bitfield

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type flags struct {
	Allocated bool   `bitfield:",1"`
	Kernel    bool   `bitfield:",1"`
	Reserved  uint32 `bitfield:",30"`
}

func TestPackUnpackRoundTrip(t *testing.T) {
	cases := []flags{
		{Allocated: false, Kernel: false, Reserved: 0},
		{Allocated: true, Kernel: false, Reserved: 0},
		{Allocated: false, Kernel: true, Reserved: 0},
		{Allocated: true, Kernel: true, Reserved: 0x12345678 & 0x3FFFFFFF},
		{Allocated: true, Kernel: true, Reserved: 0x3FFFFFFF},
	}

	for _, want := range cases {
		packed, err := Pack(want, &Config{NumBits: 32})
		require.NoError(t, err)

		var got flags
		require.NoError(t, Unpack(packed, &got))
		require.Equal(t, want, got)
	}
}

func TestPackBitsExceedsWidth(t *testing.T) {
	type tooNarrow struct {
		V uint32 `bitfield:",2"`
	}
	_, err := Pack(tooNarrow{V: 7}, &Config{NumBits: 32})
	require.Error(t, err)
}

func TestPackNonStruct(t *testing.T) {
	_, err := Pack(42, &Config{NumBits: 32})
	require.Error(t, err)
}
