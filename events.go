package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// eventKind is the closed set of inbound PBX events the gateway routes. The
// single switch in handleEvent is the only dispatch point.
type eventKind int

const (
	evChannelEntered eventKind = iota
	evChannelLeft
	evChannelDestroyed
	evHangupRequest
	evDTMF
	evTalkingStarted
	evTalkingFinished
	evRTPStreamStarted
)

func (k eventKind) String() string {
	switch k {
	case evChannelEntered:
		return "channel-entered"
	case evChannelLeft:
		return "channel-left"
	case evChannelDestroyed:
		return "channel-destroyed"
	case evHangupRequest:
		return "hangup-request"
	case evDTMF:
		return "dtmf"
	case evTalkingStarted:
		return "talking-started"
	case evTalkingFinished:
		return "talking-finished"
	case evRTPStreamStarted:
		return "rtp-stream-started"
	}
	return "unknown"
}

// pbxEvent is one routed event. Only the fields relevant to the kind are
// set.
type pbxEvent struct {
	kind        eventKind
	channelID   string
	channelName string
	args        []string
	digit       string
	detail      string
	ssrc        uint32
}

var errMissingCallParams = errors.New("missing call parameters")

// parseCallParams decodes URI-encoded key=value segments after stripping
// angle brackets, as delivered in Stasis arguments or a channel variable.
func parseCallParams(segments []string) (externalCallID, subjectID string, err error) {
	vals := url.Values{}
	for _, seg := range segments {
		seg = strings.TrimSuffix(strings.TrimPrefix(seg, "<"), ">")
		if seg == "" {
			continue
		}
		parsed, perr := url.ParseQuery(seg)
		if perr != nil {
			return "", "", fmt.Errorf("parse call params: %w", perr)
		}
		for k, vv := range parsed {
			for _, v := range vv {
				vals.Add(k, v)
			}
		}
	}
	externalCallID = vals.Get("externalCallId")
	subjectID = vals.Get("subjectId")
	if externalCallID == "" || subjectID == "" {
		return externalCallID, subjectID, errMissingCallParams
	}
	return externalCallID, subjectID, nil
}

// handleEvent routes one inbound event. It runs in its own goroutine; every
// mutation is re-checked against tracker state, so out-of-order and
// duplicate delivery are tolerated.
func (g *gateway) handleEvent(ev pbxEvent) {
	switch ev.kind {
	case evChannelEntered:
		g.onChannelEntered(ev)
	case evChannelLeft, evChannelDestroyed, evHangupRequest:
		g.onChannelGone(ev)
	case evDTMF:
		g.onDTMF(ev)
	case evTalkingStarted, evTalkingFinished:
		ariLog.Debugf("%s on channel %s", ev.kind, ev.channelID)
	case evRTPStreamStarted:
		g.onRTPStreamStarted(ev)
	}
}

func (g *gateway) onChannelEntered(ev pbxEvent) {
	role := classifyChannel(ev.channelID, ev.channelName)
	ariLog.Infof("channel %s (%s) entered as %s", ev.channelID, ev.channelName, role)
	switch role {
	case roleMain:
		g.onMainEntered(ev)
	case roleSnoop:
		g.onSnoopEntered(ev)
	case roleInjectLeg2:
		g.onInjectEntered(ev)
	case roleInjectLeg1:
		// only the answering leg of the local pair is wired up
		ariLog.Debugf("ignoring originating local leg %s", ev.channelID)
	case roleRawMedia:
		g.onRawMediaEntered(ev)
	}
}

// onMainEntered answers the carrier-facing leg, registers the call and
// starts pipeline construction.
func (g *gateway) onMainEntered(ev pbxEvent) {
	id := ev.channelID
	ch := g.pbx().Channel(id)

	ctx, cancel := g.rpcCtx()
	err := ch.Answer(ctx)
	cancel()
	if err != nil {
		ariLog.Errorf("answer %s failed: %v", id, err)
		g.hangupUnroutable(ev, "answer failed")
		return
	}

	g.tracker.addCall(id, nil)
	g.metrics.callsStarted.Inc()
	g.metrics.activeCalls.Set(float64(g.tracker.count()))

	externalID, subjectID, err := g.extractCallParams(ev, ch)
	if err != nil {
		g.cleanupCall(id, fmt.Sprintf("Call setup aborted: %v", err))
		return
	}

	setupCtx, cancelSetup := context.WithCancel(context.Background())
	g.tracker.updateCall(id, func(r *callRecord) {
		r.externalCallID = externalID
		r.subjectID = subjectID
		r.setupCancel = cancelSetup
	})

	if err := g.tracker.transition(id, statePipelineSetup); err != nil {
		coreLog.Errorf("call %s: %v", id, err)
		g.cleanupCall(id, fmt.Sprintf("Call setup aborted: %v", err))
		return
	}

	if err := g.setupPipeline(setupCtx, id); err != nil {
		g.cleanupCall(id, fmt.Sprintf("Pipeline setup failed: %v", err))
	}
}

func (g *gateway) extractCallParams(ev pbxEvent, ch pbxChannel) (string, string, error) {
	externalID, subjectID, err := parseCallParams(ev.args)
	if err == nil {
		return externalID, subjectID, nil
	}
	// channel names are not the only unreliable input; fall back to the
	// dialplan-provided variable
	ctx, cancel := g.rpcCtx()
	defer cancel()
	raw, verr := ch.GetVariable(ctx, "CALL_PARAMS")
	if verr != nil || raw == "" {
		return "", "", err
	}
	return parseCallParams([]string{raw})
}

// onSnoopEntered wires the audio-capture leg: answer, record the handle,
// move the parent to read-active and arm read-path external media toward
// the gateway's RTP listener.
func (g *gateway) onSnoopEntered(ev pbxEvent) {
	parentID, ok := snoopParent(ev.channelID)
	if ok {
		if _, found := g.tracker.getCall(parentID); !found {
			ok = false
		}
	}
	if !ok {
		// channel names are not always parseable; fall back to the
		// pending-leg correlation
		parentID, ok = g.tracker.resolvePendingLeg(ev.channelID)
	}
	if !ok {
		g.hangupUnroutable(ev, "unmatched snoop leg")
		return
	}

	ch := g.pbx().Channel(ev.channelID)
	ctx, cancel := g.rpcCtx()
	err := ch.Answer(ctx)
	cancel()
	if err != nil {
		g.cleanupCall(parentID, fmt.Sprintf("Snoop leg answer failed: %v", err))
		return
	}

	g.tracker.updateCall(parentID, func(r *callRecord) {
		r.snoopChannelID = ev.channelID
		delete(r.pendingLegs, ev.channelID)
		r.remoteRTPHost = g.cfg.RTPHost()
		r.remoteRTPPort = g.cfg.RTPPort()
	})

	if err := g.tracker.transition(parentID, stateReadActive); err != nil {
		coreLog.Errorf("call %s: %v", parentID, err)
		g.cleanupCall(parentID, fmt.Sprintf("Read path aborted: %v", err))
		return
	}

	emID := rawMediaIDFor(parentID, uuid.NewString()[:8])
	g.tracker.addPendingLeg(parentID, emID)

	ctx, cancel = g.rpcCtx()
	_, err = g.pbx().ExternalMedia(ctx, externalMediaParams{
		ChannelID:    emID,
		ExternalHost: fmt.Sprintf("%s:%d", g.cfg.RTPHost(), g.cfg.RTPPort()),
		Format:       g.cfg.AudioFormat(),
		Direction:    "both",
	})
	cancel()
	if err != nil {
		g.cleanupCall(parentID, fmt.Sprintf("Read external media failed: %v", err))
		return
	}

	g.tracker.updateCall(parentID, func(r *callRecord) {
		r.readArmed = true
		r.awaitingSSRC = true
	})
}

// onInjectEntered wires the answering leg of the locally originated pair:
// bridge it, arm write-path external media and start the downstream audio
// sender. A failure here degrades the call to read-only instead of tearing
// it down.
func (g *gateway) onInjectEntered(ev pbxEvent) {
	parentID, ok := injectParent(ev.channelID)
	if ok {
		if _, found := g.tracker.getCall(parentID); !found {
			ok = false
		}
	}
	if !ok {
		parentID, ok = g.tracker.resolvePendingLeg(ev.channelID)
	}
	if !ok {
		g.hangupUnroutable(ev, "unmatched inject leg")
		return
	}

	rec, _ := g.tracker.getCall(parentID)
	if rec.bridge == nil {
		g.degradeWritePath(parentID, errors.New("no main bridge"))
		return
	}

	ch := g.pbx().Channel(ev.channelID)
	ctx, cancel := g.rpcCtx()
	err := ch.Answer(ctx)
	cancel()
	if err == nil {
		ctx, cancel = g.rpcCtx()
		err = rec.bridge.AddChannel(ctx, ev.channelID)
		cancel()
	}
	if err != nil {
		g.degradeWritePath(parentID, err)
		return
	}

	g.tracker.updateCall(parentID, func(r *callRecord) {
		r.playbackChannelID = ev.channelID
		delete(r.pendingLegs, ev.channelID)
	})

	if err := g.tracker.transition(parentID, stateWritePending); err != nil {
		coreLog.Errorf("call %s: %v", parentID, err)
		g.degradeWritePath(parentID, err)
		return
	}

	emID := rawMediaIDFor(parentID, uuid.NewString()[:8])
	g.tracker.addPendingLeg(parentID, emID)

	ctx, cancel = g.rpcCtx()
	em, err := g.pbx().ExternalMedia(ctx, externalMediaParams{
		ChannelID:    emID,
		ExternalHost: fmt.Sprintf("%s:%d", g.cfg.RTPHost(), g.cfg.RTPPort()),
		Format:       g.cfg.AudioFormat(),
		Direction:    "both",
	})
	cancel()
	if err != nil {
		g.degradeWritePath(parentID, err)
		return
	}

	ctx, cancel = g.rpcCtx()
	err = rec.bridge.AddChannel(ctx, em.ID())
	cancel()
	if err != nil {
		g.degradeWritePath(parentID, err)
		return
	}

	host, port, err := g.negotiatedWriteEndpoint(em)
	if err != nil {
		g.degradeWritePath(parentID, err)
		return
	}

	g.tracker.updateCall(parentID, func(r *callRecord) {
		r.writeMediaChannelID = em.ID()
		r.writeRTPHost = host
		r.writeRTPPort = port
		r.writeArmed = true
	})

	if err := g.tracker.transition(parentID, stateWriteActive); err != nil {
		coreLog.Errorf("call %s: %v", parentID, err)
		g.degradeWritePath(parentID, err)
		return
	}

	if err := g.rtp.initSender(parentID, host, port); err != nil {
		g.degradeWritePath(parentID, err)
		return
	}

	rec, _ = g.tracker.getCall(parentID)
	if rec.readArmed {
		if err := g.tracker.transition(parentID, statePipelineActive); err != nil {
			coreLog.Warnf("call %s: %v", parentID, err)
		}
	}
}

// negotiatedWriteEndpoint reads back the local RTP address the PBX chose
// for the write-path external media channel.
func (g *gateway) negotiatedWriteEndpoint(em pbxChannel) (string, int, error) {
	ctx, cancel := g.rpcCtx()
	defer cancel()
	host, err := em.GetVariable(ctx, "UNICASTRTP_LOCAL_ADDRESS")
	if err != nil {
		return "", 0, fmt.Errorf("negotiated rtp address: %w", err)
	}
	portStr, err := em.GetVariable(ctx, "UNICASTRTP_LOCAL_PORT")
	if err != nil {
		return "", 0, fmt.Errorf("negotiated rtp port: %w", err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil {
		return "", 0, fmt.Errorf("negotiated rtp port %q: %w", portStr, err)
	}
	return host, port, nil
}

// degradeWritePath abandons synthesized-audio injection but keeps the call
// alive read-only when the read path already works. Caller audio still
// reaches the speech backend.
func (g *gateway) degradeWritePath(parentID string, cause error) {
	rec, ok := g.tracker.getCall(parentID)
	if !ok {
		return
	}
	switch rec.state {
	case stateReadActive, stateWritePending, stateWriteActive:
		coreLog.Warnf("call %s write path failed, continuing read-only: %v", parentID, cause)
		for _, legID := range []string{rec.playbackChannelID, rec.writeMediaChannelID} {
			if legID == "" {
				continue
			}
			ctx, cancel := g.rpcCtx()
			if err := g.pbx().Channel(legID).Hangup(ctx, "normal"); err != nil && !errors.Is(err, errNotFound) {
				ariLog.Warnf("hangup %s: %v", legID, err)
			}
			cancel()
		}
		g.rtp.removeSender(parentID)
		g.tracker.updateCall(parentID, func(r *callRecord) {
			r.playbackChannelID = ""
			r.writeMediaChannelID = ""
			r.writeRTPHost = ""
			r.writeRTPPort = 0
			r.writeArmed = false
		})
		if err := g.tracker.transition(parentID, stateReadOnly); err != nil {
			coreLog.Errorf("call %s: %v", parentID, err)
		}
		g.metrics.degradedCalls.Inc()
	default:
		g.cleanupCall(parentID, fmt.Sprintf("Write path setup failed: %v", cause))
	}
}

// onRawMediaEntered attaches a raw media-transport leg to its parent. The
// dotted-suffix correlation is authoritative; the scan fallback only
// applies when exactly one call is waiting for such a leg.
func (g *gateway) onRawMediaEntered(ev pbxEvent) {
	parentID, ok := rawMediaParent(ev.channelID)
	if ok {
		if _, found := g.tracker.getCall(parentID); !found {
			ok = false
		}
	}
	if !ok {
		parentID, ok = g.tracker.resolvePendingLeg(ev.channelID)
	}
	if !ok {
		if waiting := g.tracker.awaitingRawLegCalls(); len(waiting) == 1 {
			parentID = waiting[0]
			ariLog.Warnf("raw media leg %s correlated by fallback scan to %s", ev.channelID, parentID)
			ok = true
		}
	}
	if !ok {
		g.hangupUnroutable(ev, "unmatched raw media leg")
		return
	}

	rec, _ := g.tracker.getCall(parentID)
	switch {
	case rec.readArmed && rec.readMediaChannelID == "":
		ch := g.pbx().Channel(ev.channelID)
		ctx, cancel := g.rpcCtx()
		err := ch.Answer(ctx)
		cancel()
		if err != nil {
			ariLog.Warnf("answer raw media leg %s: %v", ev.channelID, err)
			return
		}
		g.tracker.updateCall(parentID, func(r *callRecord) {
			r.readMediaChannelID = ev.channelID
			delete(r.pendingLegs, ev.channelID)
		})
	case rec.state == stateWritePending || rec.state == stateWriteActive || rec.state == statePipelineActive:
		if rec.bridge != nil {
			ctx, cancel := g.rpcCtx()
			if err := rec.bridge.AddChannel(ctx, ev.channelID); err != nil {
				ariLog.Warnf("bridge raw media leg %s: %v", ev.channelID, err)
			}
			cancel()
		}
		g.tracker.updateCall(parentID, func(r *callRecord) {
			if r.writeMediaChannelID == "" {
				r.writeMediaChannelID = ev.channelID
			}
			delete(r.pendingLegs, ev.channelID)
		})
	default:
		g.hangupUnroutable(ev, "raw media leg in unexpected call state")
	}
}

// onChannelGone handles session-ended, channel-destroyed and
// hangup-requested. A main channel triggers cleanup; a known auxiliary leg
// only degrades the call it belongs to.
func (g *gateway) onChannelGone(ev pbxEvent) {
	if _, ok := g.tracker.getCall(ev.channelID); ok {
		reason := fmt.Sprintf("Channel ended (%s)", ev.kind)
		if ev.detail != "" {
			reason = fmt.Sprintf("%s: %s", reason, ev.detail)
		}
		g.cleanupCall(ev.channelID, reason)
		return
	}
	if parentID, field, ok := g.tracker.detachAuxLeg(ev.channelID); ok {
		coreLog.Warnf("call %s lost %s leg %s, continuing degraded", parentID, field, ev.channelID)
		return
	}
	ariLog.Debugf("%s for unknown channel %s", ev.kind, ev.channelID)
}

func (g *gateway) onDTMF(ev pbxEvent) {
	if ok := g.tracker.updateCall(ev.channelID, func(r *callRecord) {
		r.dtmfDigits += ev.digit
	}); ok {
		ariLog.Infof("DTMF %q on call %s", ev.digit, ev.channelID)
	}
}

// onRTPStreamStarted records a learned SSRC on a call awaiting one and
// publishes the reverse mapping into the RTP listener. The stream is bound
// only when exactly one call is waiting; binding to an arbitrary call would
// cross-wire one caller's audio into another call's session.
func (g *gateway) onRTPStreamStarted(ev pbxEvent) {
	waiting := g.tracker.awaitingSSRCCalls()
	if len(waiting) == 0 {
		rtpLog.Debugf("RTP stream with SSRC %d matches no call", ev.ssrc)
		return
	}
	if len(waiting) > 1 {
		rtpLog.Warnf("RTP stream with SSRC %d is ambiguous across %d calls, leaving unbound", ev.ssrc, len(waiting))
		return
	}
	id := waiting[0]
	key, ok := g.tracker.registerSSRC(id, ev.ssrc)
	if !ok {
		return
	}
	g.rtp.bindSSRC(ev.ssrc, id)
	rtpLog.Infof("learned SSRC %d for call %s (%s)", ev.ssrc, id, key)
}

// hangupUnroutable answers unexpected channels with an explicit hang-up so
// the PBX does not leak them.
func (g *gateway) hangupUnroutable(ev pbxEvent, why string) {
	ariLog.Warnf("hanging up unroutable channel %s (%s): %s", ev.channelID, ev.channelName, why)
	ctx, cancel := g.rpcCtx()
	defer cancel()
	if err := g.pbx().Channel(ev.channelID).Hangup(ctx, "normal"); err != nil && !errors.Is(err, errNotFound) {
		ariLog.Warnf("hangup %s: %v", ev.channelID, err)
	}
}
