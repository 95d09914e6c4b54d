package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// carrierBridge is the thin contract with the signaling bridge that fronts
// the originating telephony carrier. The gateway only attaches and detaches
// calls; the bridge forwards caller media into the speech backend on its
// own.
type carrierBridge interface {
	Start(ctx context.Context) error
	AttachCall(channelID, externalCallID string)
	DetachCall(channelID string)
}

// wsCarrierBridge accepts the carrier's media stream over WebSocket and
// forwards inbound caller audio chunks to the speech backend.
type wsCarrierBridge struct {
	cfg    *Settings
	speech speechBackend

	mu           sync.Mutex
	byExternalID map[string]string // carrier call id -> main channel id

	srv      *http.Server
	upgrader websocket.Upgrader
}

// carrierFrame is the carrier's JSON wire format.
type carrierFrame struct {
	Event   string `json:"event"`
	CallSID string `json:"callSid"`
	Payload string `json:"payload,omitempty"` // base64 audio
}

func newWSCarrierBridge(cfg *Settings, speech speechBackend) *wsCarrierBridge {
	return &wsCarrierBridge{
		cfg:          cfg,
		speech:       speech,
		byExternalID: make(map[string]string),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves the carrier endpoint until ctx is canceled.
func (b *wsCarrierBridge) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/carrier", b.handleWS)
	b.srv = &http.Server{Addr: b.cfg.CarrierListenAddress(), Handler: mux}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = b.srv.Shutdown(sctx)
	}()
	go func() {
		if err := b.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			coreLog.Errorf("carrier bridge: %v", err)
		}
	}()
	coreLog.Infof("carrier bridge listening on %s", b.cfg.CarrierListenAddress())
	return nil
}

func (b *wsCarrierBridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		coreLog.Warnf("carrier upgrade: %v", err)
		return
	}
	defer conn.Close()

	for {
		var frame carrierFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Event {
		case "media":
			b.mu.Lock()
			channelID, ok := b.byExternalID[frame.CallSID]
			b.mu.Unlock()
			if !ok {
				continue
			}
			if err := b.speech.SendAudioChunk(channelID, frame.Payload); err != nil {
				speechLog.Debugf("carrier audio for %s: %v", frame.CallSID, err)
			}
		case "start", "stop", "connected":
			coreLog.Debugf("carrier %s for %s", frame.Event, frame.CallSID)
		}
	}
}

func (b *wsCarrierBridge) AttachCall(channelID, externalCallID string) {
	if externalCallID == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byExternalID[externalCallID] = channelID
}

func (b *wsCarrierBridge) DetachCall(channelID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ext, id := range b.byExternalID {
		if id == channelID {
			delete(b.byExternalID, ext)
		}
	}
}
