package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// setupPipeline builds the audio tap/inject topology for a freshly answered
// main channel. Returning an error makes the caller run cleanup; the
// pipeline never tears down on its own.
func (g *gateway) setupPipeline(ctx context.Context, id string) error {
	rec, ok := g.tracker.getCall(id)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownCall, id)
	}

	if err := g.rtp.WaitReady(ctx); err != nil {
		return fmt.Errorf("rtp listener not ready: %w", err)
	}

	conv := conversation{
		ExternalCallID: rec.externalCallID,
		SubjectID:      rec.subjectID,
		CallType:       "inbound",
		Status:         "active",
		StartedAt:      time.Now(),
	}
	if err := g.store.UpsertConversation(ctx, conv); err != nil {
		return fmt.Errorf("persist conversation: %w", err)
	}
	g.tracker.updateCall(id, func(r *callRecord) { r.conversationID = rec.externalCallID })

	ok, err := g.speech.Initialize(ctx, id, rec.externalCallID, rec.externalCallID, g.cfg.SpeechPrompt())
	if err != nil {
		return fmt.Errorf("speech backend init: %w", err)
	}
	if !ok {
		return fmt.Errorf("speech backend refused session for call %s", id)
	}

	bctx, cancel := g.rpcCtx()
	bridge, err := g.pbx().CreateBridge(bctx, uuid.NewString())
	cancel()
	if err != nil {
		return fmt.Errorf("create bridge: %w", err)
	}
	g.tracker.updateCall(id, func(r *callRecord) { r.bridge = bridge })

	bctx, cancel = g.rpcCtx()
	err = bridge.AddChannel(bctx, id)
	cancel()
	if err != nil {
		return fmt.Errorf("bridge main channel: %w", err)
	}

	if err := g.tracker.transition(id, stateMainBridged); err != nil {
		return err
	}

	// recording is best effort, a failure never aborts the call
	recName := "rec-" + sanitizeID(id)
	bctx, cancel = g.rpcCtx()
	if err := bridge.Record(bctx, recName); err != nil {
		coreLog.Warnf("call %s recording failed: %v", id, err)
	} else {
		g.tracker.updateCall(id, func(r *callRecord) { r.recordingName = recName })
	}
	cancel()

	g.carrier.AttachCall(id, rec.externalCallID)

	return g.createAuxChannels(ctx, id)
}

// createAuxChannels requests the snoop leg and the local injection pair
// concurrently, tracking both as pending before their entry events arrive.
func (g *gateway) createAuxChannels(ctx context.Context, id string) error {
	snoopID := snoopIDFor(id)
	leg1, leg2 := injectIDsFor(id)
	g.tracker.addPendingLeg(id, snoopID)
	g.tracker.addPendingLeg(id, leg1)
	g.tracker.addPendingLeg(id, leg2)
	g.tracker.updateCall(id, func(r *callRecord) { r.localChannelID = leg1 })

	tctx, cancel := context.WithTimeout(ctx, g.cfg.SetupTimeout())
	defer cancel()

	errc := make(chan error, 2)
	go func() {
		_, err := g.pbx().Snoop(tctx, id, snoopID)
		errc <- err
	}()
	go func() {
		endpoint := fmt.Sprintf("Local/%s@%s", g.cfg.Application(), g.cfg.Application())
		_, err := g.pbx().OriginateLocal(tctx, endpoint, id, leg1, leg2)
		errc <- err
	}()

	var firstErr error
	for i := 0; i < 2; i++ {
		select {
		case err := <-errc:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-tctx.Done():
			if firstErr == nil {
				firstErr = fmt.Errorf("auxiliary channel creation: %w", errRPCTimeout)
			}
		}
	}
	if firstErr != nil {
		if terr := g.tracker.transition(id, stateSnoopFailed); terr != nil {
			coreLog.Warnf("call %s: %v", id, terr)
		}
		g.metrics.pipelineFailures.Inc()
		return firstErr
	}

	// the entry events drive the rest of the progression; only mark the
	// bookkeeping state if the read leg has not raced ahead already
	if rec, ok := g.tracker.getCall(id); ok && rec.state == stateMainBridged {
		if err := g.tracker.transition(id, stateExtChannelsCreated); err != nil {
			coreLog.Warnf("call %s: %v", id, err)
		}
	}
	return nil
}
