package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	ari "github.com/CyCoreSystems/ari/v6"
	"github.com/CyCoreSystems/ari/v6/client/native"
)

var (
	// errRPCTimeout marks a PBX RPC that did not complete within its
	// per-operation deadline. Callers treat it like any other failure.
	errRPCTimeout = errors.New("pbx rpc timed out")
	// errNotFound marks a PBX resource that is already gone. Teardown
	// paths treat it as success.
	errNotFound = errors.New("pbx resource not found")
)

// pbxChannel is the narrow capability surface the orchestrator needs from a
// channel handle. The ARI client types never leak past this file.
type pbxChannel interface {
	ID() string
	Answer(ctx context.Context) error
	Hangup(ctx context.Context, reason string) error
	GetVariable(ctx context.Context, name string) (string, error)
}

// pbxBridge is the capability surface of a mixing bridge.
type pbxBridge interface {
	ID() string
	AddChannel(ctx context.Context, channelID string) error
	Record(ctx context.Context, name string) error
	Destroy(ctx context.Context) error
}

// externalMediaParams describes an external-media channel request.
type externalMediaParams struct {
	ChannelID    string
	ExternalHost string // host:port of the RTP peer
	Format       string
	Direction    string
}

// pbxClient is the control-plane surface used by the gateway. The concrete
// implementation wraps the ARI client; tests substitute a fake.
type pbxClient interface {
	Channel(id string) pbxChannel
	CreateBridge(ctx context.Context, id string) (pbxBridge, error)
	Snoop(ctx context.Context, channelID, snoopID string) (pbxChannel, error)
	OriginateLocal(ctx context.Context, endpoint, appArgs, channelID, otherChannelID string) (pbxChannel, error)
	ExternalMedia(ctx context.Context, p externalMediaParams) (pbxChannel, error)
	StopRecording(ctx context.Context, name string) error
	ListApplications(ctx context.Context) ([]string, error)
	Close()
}

// ariPBX implements pbxClient over the CyCoreSystems ARI client.
type ariPBX struct {
	cl     ari.Client
	app    string
	out    chan<- pbxEvent
	closed chan struct{}
	sub    ari.Subscription
}

// connectARI establishes the ARI connection and starts translating bus
// events into pbxEvents on out. closed is closed when the event stream ends
// other than through Close.
func connectARI(ctx context.Context, cfg *Settings, out chan<- pbxEvent) (*ariPBX, error) {
	cl, err := native.ConnectWithContext(ctx, &native.Options{
		Application:  cfg.Application(),
		Username:     cfg.ARIUsername(),
		Password:     cfg.ARIPassword(),
		URL:          cfg.ARIURL(),
		WebsocketURL: cfg.ARIWebsocketURL(),
	})
	if err != nil {
		return nil, fmt.Errorf("ari connect: %w", err)
	}

	c := &ariPBX{
		cl:     cl,
		app:    cfg.Application(),
		out:    out,
		closed: make(chan struct{}),
	}
	c.sub = cl.Bus().Subscribe(nil,
		"StasisStart", "StasisEnd",
		"ChannelDestroyed", "ChannelHangupRequest",
		"ChannelDtmfReceived",
		"ChannelTalkingStarted", "ChannelTalkingFinished",
	)
	go c.eventLoop()
	return c, nil
}

func (c *ariPBX) eventLoop() {
	defer close(c.closed)
	for e := range c.sub.Events() {
		ev, ok := translateARIEvent(e)
		if !ok {
			continue
		}
		c.out <- ev
	}
}

// translateARIEvent maps a raw ARI bus event onto the closed pbxEvent set.
func translateARIEvent(e ari.Event) (pbxEvent, bool) {
	switch v := e.(type) {
	case *ari.StasisStart:
		return pbxEvent{kind: evChannelEntered, channelID: v.Channel.ID, channelName: v.Channel.Name, args: v.Args}, true
	case *ari.StasisEnd:
		return pbxEvent{kind: evChannelLeft, channelID: v.Channel.ID, channelName: v.Channel.Name}, true
	case *ari.ChannelDestroyed:
		return pbxEvent{kind: evChannelDestroyed, channelID: v.Channel.ID, channelName: v.Channel.Name, detail: v.CauseTxt}, true
	case *ari.ChannelHangupRequest:
		return pbxEvent{kind: evHangupRequest, channelID: v.Channel.ID, channelName: v.Channel.Name}, true
	case *ari.ChannelDtmfReceived:
		return pbxEvent{kind: evDTMF, channelID: v.Channel.ID, channelName: v.Channel.Name, digit: v.Digit}, true
	case *ari.ChannelTalkingStarted:
		return pbxEvent{kind: evTalkingStarted, channelID: v.Channel.ID, channelName: v.Channel.Name}, true
	case *ari.ChannelTalkingFinished:
		return pbxEvent{kind: evTalkingFinished, channelID: v.Channel.ID, channelName: v.Channel.Name}, true
	}
	return pbxEvent{}, false
}

// Closed reports the end of the event stream, which the connection manager
// treats as an abnormal close unless it initiated shutdown.
func (c *ariPBX) Closed() <-chan struct{} { return c.closed }

func (c *ariPBX) Close() {
	if c.sub != nil {
		c.sub.Cancel()
	}
	c.cl.Close()
}

// do runs one blocking ARI call under the deadline carried by ctx. The ARI
// client has no per-call context support, so a timed-out call is abandoned
// to finish in the background.
func do(ctx context.Context, op string, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil {
			if isARINotFound(err) {
				return fmt.Errorf("%s: %w", op, errNotFound)
			}
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, errRPCTimeout)
	}
}

func isARINotFound(err error) bool {
	return strings.Contains(err.Error(), "404") || strings.Contains(strings.ToLower(err.Error()), "not found")
}

func (c *ariPBX) Channel(id string) pbxChannel {
	return &ariChannel{cl: c.cl, key: ari.NewKey(ari.ChannelKey, id)}
}

func (c *ariPBX) CreateBridge(ctx context.Context, id string) (pbxBridge, error) {
	var h *ari.BridgeHandle
	err := do(ctx, "bridge create", func() error {
		var err error
		h, err = c.cl.Bridge().Create(ari.NewKey(ari.BridgeKey, id), "mixing", id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &ariBridge{cl: c.cl, key: h.Key()}, nil
}

func (c *ariPBX) Snoop(ctx context.Context, channelID, snoopID string) (pbxChannel, error) {
	err := do(ctx, "channel snoop", func() error {
		_, err := c.cl.Channel().Snoop(ari.NewKey(ari.ChannelKey, channelID), snoopID, &ari.SnoopOptions{
			App: c.app,
			Spy: ari.DirectionIn,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.Channel(snoopID), nil
}

func (c *ariPBX) OriginateLocal(ctx context.Context, endpoint, appArgs, channelID, otherChannelID string) (pbxChannel, error) {
	err := do(ctx, "channel originate", func() error {
		_, err := c.cl.Channel().Originate(nil, ari.OriginateRequest{
			Endpoint:       endpoint,
			App:            c.app,
			AppArgs:        appArgs,
			ChannelID:      channelID,
			OtherChannelID: otherChannelID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.Channel(channelID), nil
}

func (c *ariPBX) ExternalMedia(ctx context.Context, p externalMediaParams) (pbxChannel, error) {
	err := do(ctx, "channel external media", func() error {
		_, err := c.cl.Channel().ExternalMedia(nil, ari.ExternalMediaOptions{
			ChannelID:      p.ChannelID,
			App:            c.app,
			ExternalHost:   p.ExternalHost,
			Format:         p.Format,
			Encapsulation:  "rtp",
			Transport:      "udp",
			ConnectionType: "client",
			Direction:      p.Direction,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return c.Channel(p.ChannelID), nil
}

func (c *ariPBX) StopRecording(ctx context.Context, name string) error {
	return do(ctx, "recording stop", func() error {
		return c.cl.LiveRecording().Stop(ari.NewKey(ari.LiveRecordingKey, name))
	})
}

func (c *ariPBX) ListApplications(ctx context.Context) ([]string, error) {
	var names []string
	err := do(ctx, "application list", func() error {
		keys, err := c.cl.Application().List(nil)
		if err != nil {
			return err
		}
		for _, k := range keys {
			names = append(names, k.ID)
		}
		return nil
	})
	return names, err
}

type ariChannel struct {
	cl  ari.Client
	key *ari.Key
}

func (h *ariChannel) ID() string { return h.key.ID }

func (h *ariChannel) Answer(ctx context.Context) error {
	return do(ctx, "channel answer", func() error { return h.cl.Channel().Answer(h.key) })
}

func (h *ariChannel) Hangup(ctx context.Context, reason string) error {
	return do(ctx, "channel hangup", func() error { return h.cl.Channel().Hangup(h.key, reason) })
}

func (h *ariChannel) GetVariable(ctx context.Context, name string) (string, error) {
	var val string
	err := do(ctx, "channel get variable", func() error {
		var err error
		val, err = h.cl.Channel().GetVariable(h.key, name)
		return err
	})
	return val, err
}

type ariBridge struct {
	cl  ari.Client
	key *ari.Key
}

func (b *ariBridge) ID() string { return b.key.ID }

func (b *ariBridge) AddChannel(ctx context.Context, channelID string) error {
	return do(ctx, "bridge add channel", func() error {
		return b.cl.Bridge().AddChannel(b.key, channelID)
	})
}

func (b *ariBridge) Record(ctx context.Context, name string) error {
	return do(ctx, "bridge record", func() error {
		_, err := b.cl.Bridge().Record(b.key, name, &ari.RecordingOptions{Format: "wav", Exists: "overwrite"})
		return err
	})
}

func (b *ariBridge) Destroy(ctx context.Context) error {
	return do(ctx, "bridge destroy", func() error { return b.cl.Bridge().Delete(b.key) })
}
