package codes

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSimpleCode(t *testing.T) {
	code, err := ParseLine("G1 X10 Y-2.5 F3000", ChannelFile)
	require.NoError(t, err)
	assert.Equal(t, CodeTypeGCode, code.Type)
	assert.EqualValues(t, 1, code.MajorNumber)
	assert.EqualValues(t, -1, code.MinorNumber)
	require.Len(t, code.Parameters, 3)

	x := code.Parameter('X')
	require.NotNil(t, x)
	value, err := x.AsFloat()
	require.NoError(t, err)
	assert.EqualValues(t, 10, value)

	y, err := code.Parameter('Y').AsFloat()
	require.NoError(t, err)
	assert.EqualValues(t, -2.5, y)
}

func TestParseMinorNumber(t *testing.T) {
	code, err := ParseLine("G38.2 Z-10", ChannelSBC)
	require.NoError(t, err)
	assert.EqualValues(t, 38, code.MajorNumber)
	assert.EqualValues(t, 2, code.MinorNumber)
}

func TestParseQuotedString(t *testing.T) {
	code, err := ParseLine(`M98 P"macros/foo ""bar"".g"`, ChannelFile)
	require.NoError(t, err)
	assert.True(t, code.Is('M', 98))
	p := code.Parameter('P')
	require.NotNil(t, p)
	assert.True(t, p.IsString)
	assert.Equal(t, `macros/foo "bar".g`, p.Value)
}

func TestParseComments(t *testing.T) {
	code, err := ParseLine("; just a comment", ChannelFile)
	require.NoError(t, err)
	assert.Equal(t, CodeTypeComment, code.Type)
	assert.Equal(t, " just a comment", code.Comment)

	code, err = ParseLine("G28 (home) X", ChannelFile)
	require.NoError(t, err)
	assert.True(t, code.Is('G', 28))
	require.Len(t, code.Parameters, 1)

	code, err = ParseLine("", ChannelFile)
	require.NoError(t, err)
	assert.Equal(t, CodeTypeEmpty, code.Type)
}

func TestParseLowercase(t *testing.T) {
	code, err := ParseLine("g1 x5", ChannelUSB)
	require.NoError(t, err)
	assert.True(t, code.Is('G', 1))
	assert.NotNil(t, code.Parameter('X'))
}

func TestParseTCode(t *testing.T) {
	code, err := ParseLine("T0", ChannelFile)
	require.NoError(t, err)
	assert.Equal(t, CodeTypeTCode, code.Type)
	assert.EqualValues(t, 0, code.MajorNumber)
}

func TestReaderTracksPositions(t *testing.T) {
	content := "G28\nG1 X10\nM400\n"
	reader := NewReader(strings.NewReader(content), ChannelFile, 0)

	first, err := reader.ReadCode()
	require.NoError(t, err)
	assert.EqualValues(t, 0, first.FilePosition)
	assert.EqualValues(t, 4, first.Length)

	second, err := reader.ReadCode()
	require.NoError(t, err)
	assert.EqualValues(t, 4, second.FilePosition)
	assert.EqualValues(t, 7, second.Length)

	third, err := reader.ReadCode()
	require.NoError(t, err)
	assert.EqualValues(t, 11, third.FilePosition)

	_, err = reader.ReadCode()
	assert.Equal(t, io.EOF, err)
}

func TestReaderResumeOffset(t *testing.T) {
	content := "G1 X20\nM400\n"
	reader := NewReader(strings.NewReader(content), ChannelFile, 100)
	code, err := reader.ReadCode()
	require.NoError(t, err)
	assert.EqualValues(t, 100, code.FilePosition)
}

func TestReaderLastLineWithoutTerminator(t *testing.T) {
	reader := NewReader(strings.NewReader("M400"), ChannelFile, 0)
	code, err := reader.ReadCode()
	require.NoError(t, err)
	assert.True(t, code.Is('M', 400))
	_, err = reader.ReadCode()
	assert.Equal(t, io.EOF, err)
}
