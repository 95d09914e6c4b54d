package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"

	"github.com/pion/rtp"
)

// rtpListener is the raw media-transport endpoint shared by all calls. The
// PBX sends every call's external-media stream here; streams are told apart
// by SSRC. Synthesized audio flows back out through per-call senders.
type rtpListener struct {
	cfg    *Settings
	events chan<- pbxEvent
	speech speechBackend

	conn  *net.UDPConn
	ready chan struct{}

	mu        sync.Mutex
	bySSRC    map[uint32]string // learned SSRC -> main channel id
	announced map[uint32]struct{}
	senders   map[string]*rtpSender
}

func newRTPListener(cfg *Settings, events chan<- pbxEvent, speech speechBackend) *rtpListener {
	return &rtpListener{
		cfg:       cfg,
		events:    events,
		speech:    speech,
		ready:     make(chan struct{}),
		bySSRC:    make(map[uint32]string),
		announced: make(map[uint32]struct{}),
		senders:   make(map[string]*rtpSender),
	}
}

// Start binds the UDP socket and begins demultiplexing inbound RTP.
func (l *rtpListener) Start(ctx context.Context) error {
	addr := &net.UDPAddr{Port: l.cfg.RTPPort()}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("rtp listen: %w", err)
	}
	l.conn = conn
	close(l.ready)
	rtpLog.Infof("rtp listener on %s", conn.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go l.readLoop()
	return nil
}

// WaitReady blocks until the listener socket is bound. The gate is
// idempotent; pipeline setup for every call passes through it.
func (l *rtpListener) WaitReady(ctx context.Context) error {
	select {
	case <-l.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *rtpListener) readLoop() {
	buf := make([]byte, 1500)
	for {
		n, _, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				rtpLog.Warnf("rtp read: %v", err)
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			rtpLog.Debugf("dropping malformed rtp packet: %v", err)
			continue
		}
		l.handlePacket(&pkt)
	}
}

func (l *rtpListener) handlePacket(pkt *rtp.Packet) {
	l.mu.Lock()
	id, known := l.bySSRC[pkt.SSRC]
	_, seen := l.announced[pkt.SSRC]
	if !known && !seen {
		l.announced[pkt.SSRC] = struct{}{}
	}
	l.mu.Unlock()

	if known {
		if err := l.speech.SendAudioChunk(id, base64.StdEncoding.EncodeToString(pkt.Payload)); err != nil {
			rtpLog.Debugf("forward audio for call %s: %v", id, err)
		}
		return
	}
	if !seen {
		// a new stream; let the router correlate it to a call
		l.events <- pbxEvent{kind: evRTPStreamStarted, ssrc: pkt.SSRC}
	}
}

// bindSSRC publishes a learned SSRC so subsequent packets are forwarded.
func (l *rtpListener) bindSSRC(ssrc uint32, channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bySSRC[ssrc] = channelID
}

func (l *rtpListener) unbindSSRC(ssrc uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.bySSRC, ssrc)
	delete(l.announced, ssrc)
}

// rtpSender streams synthesized audio to one call's negotiated write
// endpoint. writeMu serializes packetizing; audio chunks for one call can
// arrive from concurrent event handlers.
type rtpSender struct {
	conn        *net.UDPConn
	payloadType uint8
	samples     int

	writeMu sync.Mutex
	seq     uint16
	ts      uint32
	ssrc    uint32
}

// initSender dials the negotiated endpoint for a call's write path.
func (l *rtpListener) initSender(channelID, host string, port int) error {
	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return fmt.Errorf("resolve write endpoint: %w", err)
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("dial write endpoint: %w", err)
	}
	s := &rtpSender{
		conn:        conn,
		payloadType: l.cfg.PayloadType(),
		samples:     l.cfg.PtimeSamples(),
		seq:         uint16(rand.Intn(1 << 16)),
		ts:          rand.Uint32(),
		ssrc:        rand.Uint32(),
	}
	l.mu.Lock()
	if old, ok := l.senders[channelID]; ok {
		_ = old.conn.Close()
	}
	l.senders[channelID] = s
	l.mu.Unlock()
	rtpLog.Infof("audio sender for call %s -> %s", channelID, raddr)
	return nil
}

func (l *rtpListener) removeSender(channelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.senders[channelID]; ok {
		_ = s.conn.Close()
		delete(l.senders, channelID)
	}
}

// SendAudio packetizes 16-bit PCM and writes it to the call's sender.
func (l *rtpListener) SendAudio(channelID string, pcm []byte) error {
	l.mu.Lock()
	s, ok := l.senders[channelID]
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no audio sender for call %s", channelID)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	chunk := s.samples * 2 // bytes per packet
	for off := 0; off < len(pcm); off += chunk {
		end := off + chunk
		if end > len(pcm) {
			end = len(pcm)
		}
		pkt := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    s.payloadType,
				SequenceNumber: s.seq,
				Timestamp:      s.ts,
				SSRC:           s.ssrc,
			},
			Payload: pcm[off:end],
		}
		raw, err := pkt.Marshal()
		if err != nil {
			return fmt.Errorf("marshal rtp: %w", err)
		}
		if _, err := s.conn.Write(raw); err != nil {
			return fmt.Errorf("write rtp: %w", err)
		}
		s.seq++
		s.ts += uint32((end - off) / 2)
	}
	return nil
}
