package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torfoil/relaycore/pkg/cell"
	"github.com/torfoil/relaycore/pkg/circuit"
)

type recordingCreate struct {
	calls []uint32
}

func (r *recordingCreate) HandleCreate(ctx context.Context, channelID uint64, circID uint32, htype circuit.HandshakeType, onionskin []byte) error {
	r.calls = append(r.calls, circID)
	return nil
}

type recordingRelay struct {
	calls int
	early bool
}

func (r *recordingRelay) HandleRelay(ctx context.Context, channelID uint64, circID uint32, isEarly bool, payload []byte) error {
	r.calls++
	r.early = isEarly
	return nil
}

type recordingDestroy struct {
	reason cell.DestroyReason
	called bool
}

func (r *recordingDestroy) HandleDestroy(ctx context.Context, channelID uint64, circID uint32, reason cell.DestroyReason) error {
	r.called = true
	r.reason = reason
	return nil
}

type recordingCreated struct {
	called bool
}

func (r *recordingCreated) HandleCreated(ctx context.Context, channelID uint64, circID uint32, reply []byte) error {
	r.called = true
	return nil
}

func create2Cell(circID uint32) *cell.Cell {
	payload, err := circuit.EncodeCreate2(circuit.HandshakeTypeNtor, []byte("client-pk"))
	if err != nil {
		panic(err)
	}
	return &cell.Cell{CircID: circID, Command: cell.CmdCreate2, Payload: payload}
}

func TestDispatchRoutesValidCreate2(t *testing.T) {
	ch := &recordingCreate{}
	d := New(ch, nil, nil, nil, nil, nil)

	err := d.Dispatch(context.Background(), 1, false, create2Cell(1))
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, ch.calls)
}

func TestDispatchDropsBadCircIDSilently(t *testing.T) {
	ch := &recordingCreate{}
	d := New(ch, nil, nil, nil, nil, nil)

	err := d.Dispatch(context.Background(), 1, false, create2Cell(0))
	require.NoError(t, err)
	assert.Empty(t, ch.calls)
}

func TestDispatchRefusesOutboundChannel(t *testing.T) {
	ch := &recordingCreate{}
	d := New(ch, nil, nil, nil, nil, nil)

	err := d.Dispatch(context.Background(), 1, true, create2Cell(1))
	var refused *ErrCreateRefused
	require.True(t, errors.As(err, &refused))
	require.NotNil(t, refused.Reason)
	assert.Equal(t, cell.ReasonProtocol, *refused.Reason)
	assert.Empty(t, ch.calls)
}

type fixedDoS struct {
	hibernating, over bool
}

func (f fixedDoS) Admit() (bool, bool) { return f.hibernating, f.over }

func TestDispatchRefusesHibernating(t *testing.T) {
	ch := &recordingCreate{}
	d := New(ch, nil, nil, nil, fixedDoS{hibernating: true}, nil)

	err := d.Dispatch(context.Background(), 1, false, create2Cell(1))
	var refused *ErrCreateRefused
	require.True(t, errors.As(err, &refused))
	assert.Equal(t, cell.ReasonHibernating, *refused.Reason)
}

func TestDispatchRefusesTAP(t *testing.T) {
	ch := &recordingCreate{}
	d := New(ch, nil, nil, nil, nil, nil)

	tapCell := &cell.Cell{CircID: 1, Command: cell.CmdCreate}
	err := d.Dispatch(context.Background(), 1, false, tapCell)
	var refused *ErrCreateRefused
	require.True(t, errors.As(err, &refused))
	assert.Equal(t, cell.ReasonProtocol, *refused.Reason)
}

func TestDispatchCreateFastSkipsTAPRefusal(t *testing.T) {
	ch := &recordingCreate{}
	d := New(ch, nil, nil, nil, nil, nil)

	fastCell := &cell.Cell{CircID: 1, Command: cell.CmdCreateFast, Payload: make([]byte, 20)}
	err := d.Dispatch(context.Background(), 1, false, fastCell)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1}, ch.calls)
}

func TestDispatchRoutesCreated(t *testing.T) {
	cd := &recordingCreated{}
	d := New(nil, cd, nil, nil, nil, nil)

	c := &cell.Cell{CircID: 1, Command: cell.CmdCreated2, Payload: []byte("reply")}
	err := d.Dispatch(context.Background(), 1, false, c)
	require.NoError(t, err)
	assert.True(t, cd.called)
}

func TestDispatchRoutesRelayAndRelayEarly(t *testing.T) {
	rl := &recordingRelay{}
	d := New(nil, nil, rl, nil, nil, nil)

	require.NoError(t, d.Dispatch(context.Background(), 1, false, &cell.Cell{CircID: 1, Command: cell.CmdRelay}))
	assert.False(t, rl.early)
	require.NoError(t, d.Dispatch(context.Background(), 1, false, &cell.Cell{CircID: 1, Command: cell.CmdRelayEarly}))
	assert.True(t, rl.early)
	assert.Equal(t, 2, rl.calls)
}

func TestDispatchRoutesDestroy(t *testing.T) {
	dh := &recordingDestroy{}
	d := New(nil, nil, nil, dh, nil, nil)

	c := &cell.Cell{CircID: 1, Command: cell.CmdDestroy, Payload: []byte{byte(cell.ReasonFinished)}}
	require.NoError(t, d.Dispatch(context.Background(), 1, false, c))
	assert.True(t, dh.called)
	assert.Equal(t, cell.ReasonFinished, dh.reason)
}

func TestDispatchDropsUnknownCommandWithoutError(t *testing.T) {
	d := New(nil, nil, nil, nil, nil, nil)
	err := d.Dispatch(context.Background(), 1, false, &cell.Cell{CircID: 1, Command: cell.CmdPadding})
	require.NoError(t, err)
}

func TestDispatchDropsWhenHandlerMissing(t *testing.T) {
	d := New(nil, nil, nil, nil, nil, nil)
	err := d.Dispatch(context.Background(), 1, false, create2Cell(1))
	require.NoError(t, err)
}
