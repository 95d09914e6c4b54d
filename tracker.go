package main

import (
	"context"
	"sync"
	"time"
)

// callRecord carries everything the gateway knows about one call, keyed by
// the main channel id. Records are owned by the callTracker; other
// components read snapshots and request mutations through it.
type callRecord struct {
	channelID      string
	externalCallID string
	subjectID      string
	conversationID string

	state     callState
	createdAt time.Time

	bridge        pbxBridge
	recordingName string

	snoopChannelID      string
	playbackChannelID   string
	localChannelID      string
	readMediaChannelID  string
	writeMediaChannelID string

	remoteRTPHost string
	remoteRTPPort int
	writeRTPHost  string
	writeRTPPort  int

	ssrc         uint32
	readArmed    bool
	writeArmed   bool
	awaitingSSRC bool

	dtmfDigits string

	// pendingLegs correlates auxiliary channels that have been requested
	// but not yet observed as events.
	pendingLegs map[string]struct{}

	// setupCancel aborts in-flight pipeline construction when cleanup
	// starts.
	setupCancel context.CancelFunc
}

// callResources is the immutable teardown snapshot handed to the cleanup
// coordinator.
type callResources struct {
	channelID      string
	externalCallID string
	conversationID string
	bridge         pbxBridge
	recordingName  string
	ssrc           uint32

	// hangupOrder lists every tracked channel id, auxiliary legs first and
	// the main channel last.
	hangupOrder []string
}

// callTracker is the single owner of call records and of the reverse
// indices from correlation ids back to the main channel id.
type callTracker struct {
	mu      sync.Mutex
	calls   map[string]*callRecord
	ssrcIdx map[uint32]string // learned SSRC -> call key (external id when set)
	legIdx  map[string]string // pending auxiliary leg id -> main channel id
}

func newCallTracker() *callTracker {
	return &callTracker{
		calls:   make(map[string]*callRecord),
		ssrcIdx: make(map[uint32]string),
		legIdx:  make(map[string]string),
	}
}

// addCall registers a record with defaults, then applies init. An existing
// id is overwritten with a warning; PBX event delivery is not exactly-once,
// so this is a recoverable anomaly rather than a hard failure.
func (t *callTracker) addCall(id string, init func(*callRecord)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[id]; ok {
		coreLog.Warnf("call %s already tracked, overwriting", id)
	}
	rec := &callRecord{
		channelID:   id,
		state:       stateAnswered,
		createdAt:   time.Now(),
		pendingLegs: make(map[string]struct{}),
	}
	if init != nil {
		init(rec)
	}
	t.calls[id] = rec
}

// getCall returns a snapshot of the record.
func (t *callTracker) getCall(id string) (callRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[id]
	if !ok {
		return callRecord{}, false
	}
	return snapshotLocked(rec), true
}

func snapshotLocked(rec *callRecord) callRecord {
	cp := *rec
	cp.pendingLegs = make(map[string]struct{}, len(rec.pendingLegs))
	for k := range rec.pendingLegs {
		cp.pendingLegs[k] = struct{}{}
	}
	return cp
}

// updateCall applies fn to the live record under the tracker lock. A missing
// id is a logged no-op since events can race cleanup.
func (t *callTracker) updateCall(id string, fn func(*callRecord)) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[id]
	if !ok {
		coreLog.Debugf("update for untracked call %s ignored", id)
		return false
	}
	fn(rec)
	return true
}

// findByExternalID scans active records for a matching carrier call id. The
// working set of concurrent calls is small; a secondary map is not worth it
// yet.
func (t *callTracker) findByExternalID(externalID string) (callRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range t.calls {
		if rec.externalCallID == externalID {
			return snapshotLocked(rec), true
		}
	}
	return callRecord{}, false
}

// removeCall deletes the record and every reverse-index entry pointing at
// it. The return value lets cleanup distinguish "cleaned up" from "was
// already gone".
func (t *callTracker) removeCall(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[id]
	if !ok {
		return false
	}
	delete(t.calls, id)
	for ssrc, owner := range t.ssrcIdx {
		if owner == rec.externalCallID || owner == rec.channelID {
			delete(t.ssrcIdx, ssrc)
		}
	}
	for leg, owner := range t.legIdx {
		if owner == id {
			delete(t.legIdx, leg)
		}
	}
	return true
}

// getResources snapshots every handle needed for teardown.
func (t *callTracker) getResources(id string) (callResources, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[id]
	if !ok {
		return callResources{}, false
	}
	res := callResources{
		channelID:      rec.channelID,
		externalCallID: rec.externalCallID,
		conversationID: rec.conversationID,
		bridge:         rec.bridge,
		recordingName:  rec.recordingName,
		ssrc:           rec.ssrc,
	}
	for _, ch := range []string{
		rec.snoopChannelID,
		rec.playbackChannelID,
		rec.localChannelID,
		rec.readMediaChannelID,
		rec.writeMediaChannelID,
		rec.channelID,
	} {
		if ch != "" {
			res.hangupOrder = append(res.hangupOrder, ch)
		}
	}
	return res, true
}

// addPendingLeg records an auxiliary channel id requested for a call before
// its entry event has been observed.
func (t *callTracker) addPendingLeg(parentID, legID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[parentID]
	if !ok {
		return
	}
	rec.pendingLegs[legID] = struct{}{}
	t.legIdx[legID] = parentID
}

// resolvePendingLeg returns the parent for a pending auxiliary leg id.
func (t *callTracker) resolvePendingLeg(legID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	parent, ok := t.legIdx[legID]
	return parent, ok
}

// registerSSRC stores a learned SSRC on the record and publishes the
// reverse mapping, keyed by the external call id when one is set.
func (t *callTracker) registerSSRC(id string, ssrc uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.calls[id]
	if !ok {
		return "", false
	}
	rec.ssrc = ssrc
	rec.awaitingSSRC = false
	key := rec.externalCallID
	if key == "" {
		key = rec.channelID
	}
	t.ssrcIdx[ssrc] = key
	return key, true
}

// lookupSSRC resolves a learned SSRC back to its call key.
func (t *callTracker) lookupSSRC(ssrc uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key, ok := t.ssrcIdx[ssrc]
	return key, ok
}

// awaitingSSRCCalls lists main channel ids that expect an RTP stream.
func (t *callTracker) awaitingSSRCCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, rec := range t.calls {
		if rec.awaitingSSRC {
			ids = append(ids, id)
		}
	}
	return ids
}

// awaitingRawLegCalls lists main channel ids that have armed external media
// but not yet seen the corresponding raw media leg.
func (t *callTracker) awaitingRawLegCalls() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for id, rec := range t.calls {
		if rec.readArmed && rec.readMediaChannelID == "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// detachAuxLeg nulls out whichever auxiliary-leg field of some call points
// at legID. The call continues in degraded mode.
func (t *callTracker) detachAuxLeg(legID string) (parentID, field string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.legIdx, legID)
	for id, rec := range t.calls {
		switch legID {
		case rec.snoopChannelID:
			rec.snoopChannelID = ""
			return id, "snoop", true
		case rec.playbackChannelID:
			rec.playbackChannelID = ""
			return id, "playback", true
		case rec.localChannelID:
			rec.localChannelID = ""
			return id, "local", true
		case rec.readMediaChannelID:
			rec.readMediaChannelID = ""
			return id, "read-media", true
		case rec.writeMediaChannelID:
			rec.writeMediaChannelID = ""
			return id, "write-media", true
		}
		if _, pending := rec.pendingLegs[legID]; pending {
			delete(rec.pendingLegs, legID)
			return id, "pending", true
		}
	}
	return "", "", false
}

// activeIDs snapshots every tracked main channel id.
func (t *callTracker) activeIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.calls))
	for id := range t.calls {
		ids = append(ids, id)
	}
	return ids
}

func (t *callTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}
