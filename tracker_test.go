package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackerAddGetRemove(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", func(r *callRecord) { r.externalCallID = "CA123" })

	rec, ok := tr.getCall("CH1")
	require.True(t, ok)
	assert.Equal(t, stateAnswered, rec.state)
	assert.Equal(t, "CA123", rec.externalCallID)

	assert.True(t, tr.removeCall("CH1"))
	assert.False(t, tr.removeCall("CH1"))
	_, ok = tr.getCall("CH1")
	assert.False(t, ok)
}

func TestTrackerSnapshotIsDetached(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", nil)

	rec, _ := tr.getCall("CH1")
	rec.dtmfDigits = "999"
	rec.pendingLegs["x"] = struct{}{}

	fresh, _ := tr.getCall("CH1")
	assert.Empty(t, fresh.dtmfDigits)
	assert.Empty(t, fresh.pendingLegs)
}

func TestRegisterSSRCKeysByExternalID(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", func(r *callRecord) {
		r.externalCallID = "CA123"
		r.awaitingSSRC = true
	})

	key, ok := tr.registerSSRC("CH1", 555)
	require.True(t, ok)
	assert.Equal(t, "CA123", key)

	got, ok := tr.lookupSSRC(555)
	require.True(t, ok)
	assert.Equal(t, "CA123", got)

	rec, _ := tr.getCall("CH1")
	assert.False(t, rec.awaitingSSRC)

	// without an external id the main channel id is the key
	tr.addCall("CH2", nil)
	key, ok = tr.registerSSRC("CH2", 777)
	require.True(t, ok)
	assert.Equal(t, "CH2", key)
}

func TestRemoveCallClearsReverseIndices(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", func(r *callRecord) { r.externalCallID = "CA123" })
	tr.addPendingLeg("CH1", "snoop-CH1")
	tr.registerSSRC("CH1", 555)

	require.True(t, tr.removeCall("CH1"))

	_, ok := tr.lookupSSRC(555)
	assert.False(t, ok)
	_, ok = tr.resolvePendingLeg("snoop-CH1")
	assert.False(t, ok)
}

func TestGetResourcesHangupOrder(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", func(r *callRecord) {
		r.snoopChannelID = "snoop-CH1"
		r.playbackChannelID = "inject-CH1-2"
		r.localChannelID = "inject-CH1-1"
		r.readMediaChannelID = "CH1.aaaa"
		r.writeMediaChannelID = "CH1.bbbb"
	})

	res, ok := tr.getResources("CH1")
	require.True(t, ok)
	assert.Equal(t, []string{
		"snoop-CH1", "inject-CH1-2", "inject-CH1-1",
		"CH1.aaaa", "CH1.bbbb", "CH1",
	}, res.hangupOrder)
}

func TestGetResourcesSkipsEmptyLegs(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", func(r *callRecord) { r.snoopChannelID = "snoop-CH1" })

	res, _ := tr.getResources("CH1")
	assert.Equal(t, []string{"snoop-CH1", "CH1"}, res.hangupOrder)
}

func TestPendingLegCorrelation(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", nil)
	tr.addPendingLeg("CH1", "inject-CH1-2")

	parent, ok := tr.resolvePendingLeg("inject-CH1-2")
	require.True(t, ok)
	assert.Equal(t, "CH1", parent)

	_, ok = tr.resolvePendingLeg("unknown")
	assert.False(t, ok)
}

func TestDetachAuxLeg(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", func(r *callRecord) { r.snoopChannelID = "snoop-CH1" })

	parent, field, ok := tr.detachAuxLeg("snoop-CH1")
	require.True(t, ok)
	assert.Equal(t, "CH1", parent)
	assert.Equal(t, "snoop", field)

	rec, _ := tr.getCall("CH1")
	assert.Empty(t, rec.snoopChannelID)

	_, _, ok = tr.detachAuxLeg("snoop-CH1")
	assert.False(t, ok)
}

func TestFindByExternalID(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", func(r *callRecord) { r.externalCallID = "CA123" })

	rec, ok := tr.findByExternalID("CA123")
	require.True(t, ok)
	assert.Equal(t, "CH1", rec.channelID)

	_, ok = tr.findByExternalID("CA999")
	assert.False(t, ok)
}

func TestAwaitingScans(t *testing.T) {
	tr := newCallTracker()
	tr.addCall("CH1", func(r *callRecord) {
		r.readArmed = true
		r.awaitingSSRC = true
	})
	tr.addCall("CH2", func(r *callRecord) {
		r.readArmed = true
		r.readMediaChannelID = "CH2.aaaa"
	})

	assert.Equal(t, []string{"CH1"}, tr.awaitingSSRCCalls())
	assert.Equal(t, []string{"CH1"}, tr.awaitingRawLegCalls())
}
