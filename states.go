package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// callState is the authoritative lifecycle state of a call. The stored value
// on the record is the single source of truth; nothing is inferred from
// other fields.
type callState string

const (
	stateAnswered           callState = "answered"
	statePipelineSetup      callState = "pipeline_setup"
	stateMainBridged        callState = "main_bridged"
	stateExtChannelsCreated callState = "external_media_channels_created"
	stateReadActive         callState = "external_media_read_active"
	stateWritePending       callState = "external_media_write_pending"
	stateWriteActive        callState = "external_media_write_active"
	statePipelineActive     callState = "pipeline_active_extmedia"
	stateReadOnly           callState = "external_media_read_only"
	stateSnoopFailed        callState = "snoop_extmedia_failed"
	stateCleanup            callState = "cleanup"
)

// errInvalidTransition is a programming-level failure: the caller requested
// an edge that is not in the transition graph.
var errInvalidTransition = errors.New("invalid call state transition")

var errUnknownCall = errors.New("unknown call")

// callTransitions is the full transition graph. Each event is named after
// its destination state. cleanup is terminal and reachable from every
// non-terminal state.
var callTransitions = fsm.Events{
	{Name: string(statePipelineSetup), Src: []string{string(stateAnswered)}, Dst: string(statePipelineSetup)},
	{Name: string(stateMainBridged), Src: []string{string(statePipelineSetup)}, Dst: string(stateMainBridged)},
	{Name: string(stateExtChannelsCreated), Src: []string{string(stateMainBridged)}, Dst: string(stateExtChannelsCreated)},
	// main_bridged -> read_active covers the read leg arriving before the
	// write leg's channel-creation event is observed.
	{Name: string(stateReadActive), Src: []string{string(stateMainBridged), string(stateExtChannelsCreated)}, Dst: string(stateReadActive)},
	{Name: string(stateWritePending), Src: []string{string(stateReadActive)}, Dst: string(stateWritePending)},
	{Name: string(stateWriteActive), Src: []string{string(stateWritePending)}, Dst: string(stateWriteActive)},
	{Name: string(statePipelineActive), Src: []string{string(stateWriteActive)}, Dst: string(statePipelineActive)},
	{Name: string(stateReadOnly), Src: []string{string(stateReadActive), string(stateWritePending), string(stateWriteActive)}, Dst: string(stateReadOnly)},
	{Name: string(stateSnoopFailed), Src: []string{string(statePipelineSetup), string(stateMainBridged), string(stateExtChannelsCreated)}, Dst: string(stateSnoopFailed)},
	{Name: string(stateCleanup), Src: []string{
		string(stateAnswered), string(statePipelineSetup), string(stateMainBridged),
		string(stateExtChannelsCreated), string(stateReadActive), string(stateWritePending),
		string(stateWriteActive), string(statePipelineActive), string(stateReadOnly),
		string(stateSnoopFailed),
	}, Dst: string(stateCleanup)},
}

// validTransition checks cur -> next against the graph without touching any
// record state.
func validTransition(cur, next callState) bool {
	m := fsm.NewFSM(string(cur), callTransitions, nil)
	return m.Can(string(next))
}

// transition validates and persists a state change on a tracked call. On an
// invalid edge it fails loudly and leaves the record untouched.
func (t *callTracker) transition(id string, next callState) error {
	rec, ok := t.getCall(id)
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownCall, id)
	}
	m := fsm.NewFSM(string(rec.state), callTransitions, nil)
	if err := m.Event(context.Background(), string(next)); err != nil {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, rec.state, next)
	}
	t.updateCall(id, func(r *callRecord) { r.state = next })
	coreLog.Infof("call %s state %s -> %s", id, rec.state, next)
	return nil
}
