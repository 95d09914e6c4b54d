package main

import (
	"context"
	"encoding/base64"
	"fmt"
)

// gateway wires the PBX control plane, the call tracker, the media plane
// and the external collaborators together. All inbound events funnel
// through one channel; handlers run in their own goroutines.
type gateway struct {
	cfg     *Settings
	tracker *callTracker
	store   conversationStore
	speech  speechBackend
	carrier carrierBridge
	rtp     *rtpListener
	conn    *connectionManager
	metrics *gatewayMetrics

	events chan pbxEvent
}

func newGateway(cfg *Settings, store conversationStore, speech speechBackend, carrier carrierBridge, metrics *gatewayMetrics) *gateway {
	g := &gateway{
		cfg:     cfg,
		tracker: newCallTracker(),
		store:   store,
		speech:  speech,
		carrier: carrier,
		metrics: metrics,
		events:  make(chan pbxEvent, 64),
	}
	g.rtp = newRTPListener(cfg, g.events, speech)
	g.conn = newConnectionManager(cfg, metrics, func(ctx context.Context) (pbxConn, error) {
		return connectARI(ctx, cfg, g.events)
	})
	return g
}

// pbx returns the current control-plane client.
func (g *gateway) pbx() pbxClient { return g.conn.Client() }

// rpcCtx returns the per-operation deadline context for PBX RPCs. Not
// derived from the call lifetime on purpose, teardown RPCs must still run
// after a call context is cancelled.
func (g *gateway) rpcCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), g.cfg.RPCTimeout())
}

// Start connects everything and runs the event loop until ctx is cancelled
// or the connection manager reports an unrecoverable failure.
func (g *gateway) Start(ctx context.Context) error {
	if err := g.rtp.Start(ctx); err != nil {
		return fmt.Errorf("rtp listener: %w", err)
	}
	if err := g.carrier.Start(ctx); err != nil {
		return fmt.Errorf("carrier bridge: %w", err)
	}
	if err := g.conn.Connect(ctx); err != nil {
		return fmt.Errorf("pbx connect: %w", err)
	}
	coreLog.Info("gateway started")

	for {
		select {
		case ev := <-g.events:
			go g.handleEvent(ev)
		case sev := <-g.speech.Events():
			go g.handleSpeechEvent(sev)
		case err := <-g.conn.Fatal():
			coreLog.WithError(err).Error("pbx connection lost for good")
			g.shutdown()
			return err
		case <-ctx.Done():
			g.shutdown()
			return nil
		}
	}
}

// handleSpeechEvent routes one backend notification. Synthesized audio goes
// to the call's RTP sender; terminal session events end the call.
func (g *gateway) handleSpeechEvent(ev speechEvent) {
	switch ev.Type {
	case speechAudioChunk:
		pcm, err := base64.StdEncoding.DecodeString(ev.Audio)
		if err != nil {
			speechLog.Warnf("call %s: bad audio chunk: %v", ev.CallID, err)
			return
		}
		if err := g.rtp.SendAudio(ev.CallID, pcm); err != nil {
			rtpLog.Debugf("call %s: %v", ev.CallID, err)
		}
	case speechClosed, speechSessionExpired, speechMaxReconnect:
		g.cleanupCall(ev.CallID, fmt.Sprintf("Speech backend session ended (%s)", ev.Type))
	case speechError:
		speechLog.Warnf("call %s: backend error: %s", ev.CallID, ev.Message)
	case speechTextMessage, speechResponseDone, speechFunctionCall, speechConnected:
		speechLog.Debugf("call %s: %s", ev.CallID, ev.Type)
	}
}

func (g *gateway) shutdown() {
	coreLog.Info("draining active calls")
	g.conn.BeginShutdown()
	g.drainCalls("System shutdown")
	g.conn.Close()
}
