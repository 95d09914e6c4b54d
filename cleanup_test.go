package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupTearsDownEverything(t *testing.T) {
	tg := newTestGateway(t)
	tg.enterMain("CH1")
	tg.enterSnoop("CH1")
	tg.enterInject("CH1")
	tg.g.handleEvent(pbxEvent{kind: evRTPStreamStarted, ssrc: 555})

	tg.g.cleanupCall("CH1", "Channel ended (channel-left)")

	assert.Equal(t, 0, tg.g.tracker.count())
	assert.Equal(t, []string{"CH1"}, tg.speech.disconnects)
	assert.Equal(t, []string{"CH1"}, tg.carrier.detached)

	hangups := tg.pbx.hangupsOf()
	require.NotEmpty(t, hangups)
	// the carrier-facing channel goes last
	assert.Equal(t, "CH1", hangups[len(hangups)-1])
	assert.Contains(t, hangups, snoopIDFor("CH1"))

	require.Len(t, tg.pbx.bridges, 1)
	assert.True(t, tg.pbx.bridges[0].destroyed)

	conv, ok := tg.store.Get("CA123")
	require.True(t, ok)
	assert.Equal(t, "completed", conv.Status)
	assert.Equal(t, "Channel ended (channel-left)", conv.EndReason)

	// learned SSRC is forgotten
	_, ok = tg.g.tracker.lookupSSRC(555)
	assert.False(t, ok)
	tg.g.rtp.mu.Lock()
	_, bound := tg.g.rtp.bySSRC[555]
	tg.g.rtp.mu.Unlock()
	assert.False(t, bound)
}

func TestCleanupIsIdempotent(t *testing.T) {
	tg := newTestGateway(t)
	tg.enterMain("CH1")

	tg.g.cleanupCall("CH1", "first")
	before := len(tg.pbx.hangupsOf())
	require.NotZero(t, before)

	tg.g.cleanupCall("CH1", "second")
	assert.Equal(t, before, len(tg.pbx.hangupsOf()))

	conv, _ := tg.store.Get("CA123")
	assert.Equal(t, "first", conv.EndReason)
}

func TestMainChannelGoneTriggersCleanup(t *testing.T) {
	tg := newTestGateway(t)
	tg.enterMain("CH1")

	tg.g.handleEvent(pbxEvent{kind: evChannelLeft, channelID: "CH1"})

	assert.Equal(t, 0, tg.g.tracker.count())
	conv, ok := tg.store.Get("CA123")
	require.True(t, ok)
	assert.Equal(t, "completed", conv.Status)
}

func TestDrainCallsCleansEveryCall(t *testing.T) {
	tg := newTestGateway(t)
	for _, id := range []string{"CH1", "CH2", "CH3"} {
		id := id
		tg.g.tracker.addCall(id, func(r *callRecord) {
			r.externalCallID = "ext-" + id
			r.conversationID = "ext-" + id
		})
	}

	tg.g.drainCalls("System shutdown")

	assert.Equal(t, 0, tg.g.tracker.count())
	for _, id := range []string{"CH1", "CH2", "CH3"} {
		conv, ok := tg.store.Get("ext-" + id)
		require.True(t, ok, id)
		assert.Equal(t, "completed", conv.Status)
		assert.Equal(t, "System shutdown", conv.EndReason)
		assert.Contains(t, tg.pbx.hangupsOf(), id)
	}
}
