package main

import (
	"context"
	"errors"
	"time"
)

// cleanupCall tears down every resource associated with a main channel
// exactly once. It is safe to call repeatedly and from any failure path;
// the second call finds nothing to do. Every teardown step is best effort:
// a resource the PBX already discarded is a success.
func (g *gateway) cleanupCall(id, reason string) {
	rec, ok := g.tracker.getCall(id)
	if !ok {
		return
	}
	if rec.setupCancel != nil {
		rec.setupCancel()
	}

	if err := g.tracker.transition(id, stateCleanup); err != nil {
		coreLog.Warnf("call %s: %v", id, err)
	}

	res, ok := g.tracker.getResources(id)
	if !ok {
		return
	}
	// remove first so concurrent events for this id are treated as
	// unknown instead of racing the teardown
	if !g.tracker.removeCall(id) {
		return
	}

	coreLog.Infof("cleaning up call %s: %s", id, reason)

	if err := g.speech.Disconnect(id); err != nil {
		speechLog.Warnf("disconnect call %s: %v", id, err)
	}

	if res.ssrc != 0 {
		g.rtp.unbindSSRC(res.ssrc)
	}
	g.rtp.removeSender(id)
	g.carrier.DetachCall(id)

	if res.recordingName != "" {
		ctx, cancel := g.rpcCtx()
		if err := g.pbx().StopRecording(ctx, res.recordingName); err != nil && !errors.Is(err, errNotFound) {
			ariLog.Warnf("stop recording %s: %v", res.recordingName, err)
		}
		cancel()
	}

	// auxiliary legs first, main channel last
	for _, chID := range res.hangupOrder {
		ctx, cancel := g.rpcCtx()
		if err := g.pbx().Channel(chID).Hangup(ctx, "normal"); err != nil && !errors.Is(err, errNotFound) {
			ariLog.Warnf("hangup %s: %v", chID, err)
		}
		cancel()
	}

	if res.bridge != nil {
		ctx, cancel := g.rpcCtx()
		if err := res.bridge.Destroy(ctx); err != nil && !errors.Is(err, errNotFound) {
			ariLog.Warnf("destroy bridge %s: %v", res.bridge.ID(), err)
		}
		cancel()
	}

	if res.conversationID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.RPCTimeout())
		if err := g.store.CompleteConversation(ctx, res.conversationID, time.Now(), reason); err != nil {
			coreLog.Warnf("complete conversation %s: %v", res.conversationID, err)
		}
		cancel()
	}

	g.metrics.callsCleaned.Inc()
	g.metrics.activeCalls.Set(float64(g.tracker.count()))
}

// drainCalls cleans up every tracked call with the given reason, tolerating
// individual failures. Used during shutdown.
func (g *gateway) drainCalls(reason string) {
	ids := g.tracker.activeIDs()
	done := make(chan struct{}, len(ids))
	for _, id := range ids {
		id := id
		go func() {
			g.cleanupCall(id, reason)
			done <- struct{}{}
		}()
	}
	for range ids {
		<-done
	}
}
