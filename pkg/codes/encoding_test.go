package codes

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCode(t *testing.T) {
	code, err := ParseLine(`M98 P"homing.g" S1`, ChannelFile)
	require.NoError(t, err)

	encoded := code.Encode()
	assert.Equal(t, len(encoded), code.EncodedSize())
	assert.Equal(t, 0, len(encoded)%4)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	assert.Equal(t, ChannelFile, decoded.Channel)
	assert.True(t, decoded.Is('M', 98))
	require.Len(t, decoded.Parameters, 2)
	assert.Equal(t, "homing.g", decoded.Parameters[0].Value)
	assert.True(t, decoded.Parameters[0].IsString)
	assert.Equal(t, "1", decoded.Parameters[1].Value)
	assert.False(t, decoded.Parameters[1].IsString)
}

func TestEncodeDecodeComment(t *testing.T) {
	code, err := ParseLine("; layer 2", ChannelFile)
	require.NoError(t, err)
	decoded, err := Decode(code.Encode())
	require.NoError(t, err)
	assert.Equal(t, CodeTypeComment, decoded.Type)
	assert.Equal(t, " layer 2", decoded.Comment)
}

func TestDecodeTruncated(t *testing.T) {
	code, _ := ParseLine("G1 X10", ChannelFile)
	encoded := code.Encode()
	_, err := Decode(encoded[:4])
	assert.Error(t, err)
	_, err = Decode(encoded[:10])
	assert.Error(t, err)
}
