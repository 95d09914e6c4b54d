package main

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	ini "gopkg.in/ini.v1"
)

func testSettings(t *testing.T, extra string) *Settings {
	t.Helper()
	src := `
[ari]
username = u
password = p

[speech]
url = ws://127.0.0.1:1/realtime

[media]
rtp_host = 127.0.0.1
` + extra
	cfg, err := ini.Load([]byte(src))
	require.NoError(t, err)
	s, err := LoadSettings(cfg)
	require.NoError(t, err)
	return s
}

// fakePBX records every control-plane operation and lets tests inject
// failures per channel.
type fakePBX struct {
	mu sync.Mutex

	answered    []string
	hangups     []string
	answerErr   map[string]error
	vars        map[string]map[string]string
	defaultVars map[string]string

	bridges    []*fakeBridge
	bridgeErr  error
	snoopErr   error
	originErr  error
	emErr      error
	emIDs      []string
	recordings []string
	apps       []string

	closeOnce sync.Once
	closedCh  chan struct{}
}

func newFakePBX() *fakePBX {
	return &fakePBX{
		answerErr:   make(map[string]error),
		vars:        make(map[string]map[string]string),
		defaultVars: map[string]string{},
		apps:        []string{"ari2ai"},
		closedCh:    make(chan struct{}),
	}
}

func (p *fakePBX) Channel(id string) pbxChannel { return &fakeChan{p: p, id: id} }

func (p *fakePBX) CreateBridge(_ context.Context, id string) (pbxBridge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.bridgeErr != nil {
		return nil, p.bridgeErr
	}
	b := &fakeBridge{id: id}
	p.bridges = append(p.bridges, b)
	return b, nil
}

func (p *fakePBX) Snoop(_ context.Context, _, snoopID string) (pbxChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snoopErr != nil {
		return nil, p.snoopErr
	}
	return &fakeChan{p: p, id: snoopID}, nil
}

func (p *fakePBX) OriginateLocal(_ context.Context, _, _, channelID, _ string) (pbxChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.originErr != nil {
		return nil, p.originErr
	}
	return &fakeChan{p: p, id: channelID}, nil
}

func (p *fakePBX) ExternalMedia(_ context.Context, params externalMediaParams) (pbxChannel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.emErr != nil {
		return nil, p.emErr
	}
	p.emIDs = append(p.emIDs, params.ChannelID)
	return &fakeChan{p: p, id: params.ChannelID}, nil
}

func (p *fakePBX) StopRecording(_ context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recordings = append(p.recordings, name)
	return nil
}

func (p *fakePBX) ListApplications(_ context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.apps...), nil
}

func (p *fakePBX) Close()                  { p.closeOnce.Do(func() { close(p.closedCh) }) }
func (p *fakePBX) Closed() <-chan struct{} { return p.closedCh }

func (p *fakePBX) hangupsOf() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.hangups...)
}

type fakeChan struct {
	p  *fakePBX
	id string
}

func (c *fakeChan) ID() string { return c.id }

func (c *fakeChan) Answer(context.Context) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if err := c.p.answerErr[c.id]; err != nil {
		return err
	}
	c.p.answered = append(c.p.answered, c.id)
	return nil
}

func (c *fakeChan) Hangup(context.Context, string) error {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	c.p.hangups = append(c.p.hangups, c.id)
	return nil
}

func (c *fakeChan) GetVariable(_ context.Context, name string) (string, error) {
	c.p.mu.Lock()
	defer c.p.mu.Unlock()
	if vars, ok := c.p.vars[c.id]; ok {
		if v, ok := vars[name]; ok {
			return v, nil
		}
	}
	if v, ok := c.p.defaultVars[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("variable %s: %w", name, errNotFound)
}

type fakeBridge struct {
	mu        sync.Mutex
	id        string
	added     []string
	addErr    error
	recorded  []string
	destroyed bool
}

func (b *fakeBridge) ID() string { return b.id }

func (b *fakeBridge) AddChannel(_ context.Context, channelID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.addErr != nil {
		return b.addErr
	}
	b.added = append(b.added, channelID)
	return nil
}

func (b *fakeBridge) Record(_ context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recorded = append(b.recorded, name)
	return nil
}

func (b *fakeBridge) Destroy(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyed = true
	return nil
}

type fakeSpeech struct {
	mu          sync.Mutex
	initOK      bool
	initErr     error
	inits       []string
	chunks      map[string][]string
	disconnects []string
	events      chan speechEvent
}

func newFakeSpeech() *fakeSpeech {
	return &fakeSpeech{
		initOK: true,
		chunks: make(map[string][]string),
		events: make(chan speechEvent, 16),
	}
}

func (s *fakeSpeech) Initialize(_ context.Context, callID, _, _, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initErr != nil {
		return false, s.initErr
	}
	if s.initOK {
		s.inits = append(s.inits, callID)
	}
	return s.initOK, nil
}

func (s *fakeSpeech) SendAudioChunk(callID, audio string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[callID] = append(s.chunks[callID], audio)
	return nil
}

func (s *fakeSpeech) Disconnect(callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects = append(s.disconnects, callID)
	return nil
}

func (s *fakeSpeech) Events() <-chan speechEvent { return s.events }

type fakeCarrier struct {
	mu       sync.Mutex
	attached map[string]string
	detached []string
}

func newFakeCarrier() *fakeCarrier {
	return &fakeCarrier{attached: make(map[string]string)}
}

func (c *fakeCarrier) Start(context.Context) error { return nil }

func (c *fakeCarrier) AttachCall(channelID, externalCallID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attached[externalCallID] = channelID
}

func (c *fakeCarrier) DetachCall(channelID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.detached = append(c.detached, channelID)
}

type testGateway struct {
	g       *gateway
	pbx     *fakePBX
	store   *memoryConversationStore
	speech  *fakeSpeech
	carrier *fakeCarrier
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	cfg := testSettings(t, "")
	pbx := newFakePBX()
	// negotiated write endpoint for any external media channel
	pbx.defaultVars["UNICASTRTP_LOCAL_ADDRESS"] = "127.0.0.1"
	pbx.defaultVars["UNICASTRTP_LOCAL_PORT"] = "40404"

	store := newMemoryConversationStore()
	speech := newFakeSpeech()
	carrier := newFakeCarrier()
	g := newGateway(cfg, store, speech, carrier, newMetrics(prometheus.NewRegistry()))
	g.conn.conn = pbx
	close(g.rtp.ready)
	return &testGateway{g: g, pbx: pbx, store: store, speech: speech, carrier: carrier}
}

// enterMain drives a carrier-facing channel into the application with valid
// call parameters.
func (tg *testGateway) enterMain(id string) {
	tg.g.handleEvent(pbxEvent{
		kind:        evChannelEntered,
		channelID:   id,
		channelName: "PJSIP/carrier-00000001",
		args:        []string{"<externalCallId=CA123&subjectId=P1>"},
	})
}

func (tg *testGateway) enterSnoop(id string) {
	tg.g.handleEvent(pbxEvent{
		kind:        evChannelEntered,
		channelID:   snoopIDFor(id),
		channelName: "Snoop/PJSIP/carrier-00000001",
	})
}

func (tg *testGateway) enterInject(id string) {
	_, leg2 := injectIDsFor(id)
	tg.g.handleEvent(pbxEvent{
		kind:        evChannelEntered,
		channelID:   leg2,
		channelName: "Local/ari2ai@ari2ai-00000002;2",
	})
}
