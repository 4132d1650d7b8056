package channel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStack(t *testing.T) (*MacroStack, string) {
	dir := t.TempDir()
	return NewMacroStack(dir, nil), dir
}

func writeMacro(t *testing.T, dir, name, content string) {
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestMacroStackReadNext(t *testing.T) {
	stack, dir := newTestStack(t)
	writeMacro(t, dir, "start.g", "G21\nG90\n")

	require.NoError(t, stack.Push(codes.ChannelTrigger, "start.g", 0))
	assert.Equal(t, 1, stack.Depth(codes.ChannelTrigger))

	code, popped, err := stack.ReadNext(codes.ChannelTrigger)
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.True(t, code.Is('G', 21))
	assert.Empty(t, popped)

	code, _, err = stack.ReadNext(codes.ChannelTrigger)
	require.NoError(t, err)
	assert.True(t, code.Is('G', 90))

	// EOF pops the frame
	code, popped, err = stack.ReadNext(codes.ChannelTrigger)
	require.NoError(t, err)
	assert.Nil(t, code)
	require.Len(t, popped, 1)
	assert.Equal(t, "start.g", popped[0].Filename)
	assert.Equal(t, 0, stack.Depth(codes.ChannelTrigger))
}

func TestMacroStackNested(t *testing.T) {
	stack, dir := newTestStack(t)
	writeMacro(t, dir, "outer.g", "G28\n")
	writeMacro(t, dir, "inner.g", "G1 Z5\n")

	require.NoError(t, stack.Push(codes.ChannelFile, "outer.g", 0))
	require.NoError(t, stack.Push(codes.ChannelFile, "inner.g", 7))
	assert.Equal(t, 2, stack.Depth(codes.ChannelFile))

	// Innermost frame is read first
	code, _, err := stack.ReadNext(codes.ChannelFile)
	require.NoError(t, err)
	assert.True(t, code.Is('G', 1))

	frame := stack.AbortLast(codes.ChannelFile)
	require.NotNil(t, frame)
	assert.Equal(t, "inner.g", frame.Filename)
	assert.True(t, frame.IsNested)
	assert.EqualValues(t, 7, frame.StartCodeId)
	assert.Equal(t, 1, stack.Depth(codes.ChannelFile))

	code, _, err = stack.ReadNext(codes.ChannelFile)
	require.NoError(t, err)
	assert.True(t, code.Is('G', 28))
}

func TestMacroStackAbortAll(t *testing.T) {
	stack, dir := newTestStack(t)
	writeMacro(t, dir, "a.g", "G28\n")
	writeMacro(t, dir, "b.g", "G29\n")

	require.NoError(t, stack.Push(codes.ChannelFile, "a.g", 0))
	require.NoError(t, stack.Push(codes.ChannelFile, "b.g", 0))

	popped := stack.AbortAll(codes.ChannelFile)
	assert.Len(t, popped, 2)
	// Innermost first
	assert.Equal(t, "b.g", popped[0].Filename)
	assert.Equal(t, 0, stack.Depth(codes.ChannelFile))
	assert.Empty(t, stack.AbortAll(codes.ChannelFile))
}

func TestMacroStackMissingFile(t *testing.T) {
	stack, _ := newTestStack(t)
	err := stack.Push(codes.ChannelFile, "missing.g", 0)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestMacroStackConfigFlags(t *testing.T) {
	stack, dir := newTestStack(t)
	writeMacro(t, dir, ConfigFile, "M550 P\"printer\"\n")

	require.NoError(t, stack.Push(codes.ChannelTrigger, ConfigFile, 0))
	code, _, err := stack.ReadNext(codes.ChannelTrigger)
	require.NoError(t, err)
	assert.True(t, code.Is('M', 550))

	popped := stack.AbortAll(codes.ChannelTrigger)
	require.Len(t, popped, 1)
	assert.True(t, popped[0].IsConfig)
	assert.False(t, popped[0].IsNested)
}

func TestMacroStackConfigFallback(t *testing.T) {
	stack, dir := newTestStack(t)
	// Only the backup exists
	writeMacro(t, dir, ConfigFileFallback, "M550\n")
	require.NoError(t, stack.Push(codes.ChannelTrigger, ConfigFile, 0))
	assert.Equal(t, 1, stack.Depth(codes.ChannelTrigger))
	stack.AbortAll(codes.ChannelTrigger)
}

func TestMacroStackDump(t *testing.T) {
	stack, dir := newTestStack(t)
	assert.Contains(t, stack.Dump(), "no open macro files")

	writeMacro(t, dir, "foo.g", "G28\n")
	require.NoError(t, stack.Push(codes.ChannelFile, "foo.g", 0))
	dump := stack.Dump()
	assert.Contains(t, dump, "foo.g")
	assert.Contains(t, dump, "File")
	stack.AbortAll(codes.ChannelFile)
}
