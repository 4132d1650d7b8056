package channel

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/samsamfire/goduet/pkg/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(t *testing.T) (*Processor, *Correlator, string) {
	dir := t.TempDir()
	correlator := NewCorrelator(0)
	macros := NewMacroStack(dir, nil)
	processor := NewProcessor(codes.ChannelFile, correlator, macros, nil)
	return processor, correlator, dir
}

func TestProcessorQueueAndEmit(t *testing.T) {
	processor, _, _ := newTestProcessor(t)

	future, err := processor.Queue(context.Background(), mustCode(t, "G28", codes.ChannelFile))
	require.NoError(t, err)
	assert.Equal(t, 1, processor.QueueDepth())

	packet := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, packet)
	assert.EqualValues(t, transfer.SbcRequestCode, packet.Type)
	assert.Equal(t, 0, processor.QueueDepth())

	decoded, err := codes.Decode(packet.Body)
	require.NoError(t, err)
	assert.True(t, decoded.Is('G', 28))

	processor.HandleReply(packet.Id, codes.Info, "", false)
	result, err := future.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestProcessorRespectsBufferSpace(t *testing.T) {
	processor, _, _ := newTestProcessor(t)
	_, err := processor.Queue(context.Background(), mustCode(t, "G1 X100 Y100 Z10 F3000", codes.ChannelFile))
	require.NoError(t, err)

	processor.SetBufferSpace(4)
	assert.Nil(t, processor.NextPacket(transfer.MaxBodySize))

	processor.SetBufferSpace(256)
	packet := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, packet)
	// The mirror decremented by the emitted code size
	assert.Equal(t, 256-len(packet.Body), processor.BufferSpace())
}

func TestProcessorRespectsCycleBudget(t *testing.T) {
	processor, _, _ := newTestProcessor(t)
	_, err := processor.Queue(context.Background(), mustCode(t, "G1 X10", codes.ChannelFile))
	require.NoError(t, err)

	assert.Nil(t, processor.NextPacket(4))
	assert.NotNil(t, processor.NextPacket(transfer.MaxBodySize))
}

func TestProcessorTryQueueBusy(t *testing.T) {
	processor, _, _ := newTestProcessor(t)
	for i := 0; i < DefaultMaxQueued; i++ {
		_, err := processor.TryQueue(mustCode(t, "G4 P1", codes.ChannelFile))
		require.NoError(t, err)
	}
	_, err := processor.TryQueue(mustCode(t, "G4 P1", codes.ChannelFile))
	assert.ErrorIs(t, err, ErrBusy)
}

func TestProcessorInvalidate(t *testing.T) {
	processor, correlator, _ := newTestProcessor(t)

	inflight, err := processor.Queue(context.Background(), mustCode(t, "G1 X1", codes.ChannelFile))
	require.NoError(t, err)
	queued, err := processor.Queue(context.Background(), mustCode(t, "G1 X2", codes.ChannelFile))
	require.NoError(t, err)
	require.NotNil(t, processor.NextPacket(transfer.MaxBodySize))

	processor.Invalidate()

	for _, future := range []*Future{queued, inflight} {
		_, err := future.Wait(context.Background())
		assert.ErrorIs(t, err, ErrCodeCancelled)
	}
	assert.Equal(t, 0, processor.QueueDepth())
	assert.EqualValues(t, 0, correlator.Outstanding(codes.ChannelFile))

	// The channel accepts new codes afterwards
	_, err = processor.TryQueue(mustCode(t, "G28", codes.ChannelFile))
	assert.NoError(t, err)
}

func TestProcessorFlush(t *testing.T) {
	processor, _, _ := newTestProcessor(t)
	future, err := processor.Queue(context.Background(), mustCode(t, "M400", codes.ChannelFile))
	require.NoError(t, err)
	packet := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, packet)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.False(t, processor.Flush(ctx))

	go func() {
		time.Sleep(10 * time.Millisecond)
		processor.HandleReply(packet.Id, codes.Info, "", false)
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.True(t, processor.Flush(ctx2))
	_, err = future.Wait(context.Background())
	assert.NoError(t, err)
}

func TestProcessorMacroFlow(t *testing.T) {
	processor, _, dir := newTestProcessor(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "foo.g"), []byte("G91\nG1 Z5\n"), 0644))

	// The opening code goes out first
	opening, err := processor.Queue(context.Background(), mustCode(t, `M98 P"foo.g"`, codes.ChannelFile))
	require.NoError(t, err)
	openingPacket := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, openingPacket)

	// A plain code is waiting behind the macro
	_, err = processor.Queue(context.Background(), mustCode(t, "M400", codes.ChannelFile))
	require.NoError(t, err)

	// Firmware asks for the macro on behalf of the opening code
	processor.HandleMacroRequest("foo.g", true, openingPacket.Id)

	// Macro codes preempt the queued plain code
	first := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, first)
	decoded, err := codes.Decode(first.Body)
	require.NoError(t, err)
	assert.True(t, decoded.Is('G', 91))

	second := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, second)
	decoded, err = codes.Decode(second.Body)
	require.NoError(t, err)
	assert.True(t, decoded.Is('G', 1))

	// Acknowledge both macro codes
	processor.HandleReply(first.Id, codes.Info, "", false)
	processor.HandleReply(second.Id, codes.Info, "", false)

	// Final reply for the opening code arrives before macro EOF : held
	processor.HandleReply(openingPacket.Id, codes.Info, "", false)
	select {
	case <-openingFutureDone(opening):
		t.Fatal("opening code completed before macro EOF")
	case <-time.After(20 * time.Millisecond):
	}

	// Next pull reaches EOF, pops the frame and emits MacroCompleted
	third := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, third)
	assert.EqualValues(t, transfer.SbcRequestMacroCompleted, third.Type)

	result, err := opening.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result)

	// The plain code finally goes out
	fourth := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, fourth)
	decoded, err = codes.Decode(fourth.Body)
	require.NoError(t, err)
	assert.True(t, decoded.Is('M', 400))
}

func TestProcessorMacroMissing(t *testing.T) {
	processor, _, _ := newTestProcessor(t)

	opening, err := processor.Queue(context.Background(), mustCode(t, `M98 P"gone.g"`, codes.ChannelFile))
	require.NoError(t, err)
	openingPacket := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, openingPacket)

	processor.HandleMacroRequest("gone.g", true, openingPacket.Id)

	// MacroCompleted goes back immediately
	control := processor.NextPacket(transfer.MaxBodySize)
	require.NotNil(t, control)
	assert.EqualValues(t, transfer.SbcRequestMacroCompleted, control.Type)

	// The opening code completes with the error once its reply lands
	processor.HandleReply(openingPacket.Id, codes.Info, "", false)
	result, err := opening.Wait(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, result)
	assert.Equal(t, codes.Error, result[0].Type)
}

// openingFutureDone adapts a future to a channel for select
func openingFutureDone(future *Future) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		future.Wait(context.Background())
		close(done)
	}()
	return done
}
