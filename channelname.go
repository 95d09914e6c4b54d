package main

import "strings"

// Channel naming grammar. Topology is recovered from PBX channel ids and
// names, which is the most fragile part of the design, so every rule lives
// here and nowhere else.
//
//	snoop leg:     id "snoop-<parent>"             name "Snoop/..."
//	inject pair:   id "inject-<parent>-1|-2"       name "Local/...;1|;2"
//	raw media leg: id "<parent>.<suffix>"          name "UnicastRTP/..."
//
// The dotted suffix splits on the LAST dot because main channel ids are
// themselves dotted PBX uniqueids.

const (
	snoopIDPrefix   = "snoop-"
	injectIDPrefix  = "inject-"
	rawMediaNamePfx = "UnicastRTP/"
	snoopNamePfx    = "Snoop/"
	localNamePfx    = "Local/"
)

type channelRole int

const (
	roleMain channelRole = iota
	roleSnoop
	roleInjectLeg1
	roleInjectLeg2
	roleRawMedia
)

func (r channelRole) String() string {
	switch r {
	case roleMain:
		return "main"
	case roleSnoop:
		return "snoop"
	case roleInjectLeg1:
		return "inject-leg1"
	case roleInjectLeg2:
		return "inject-leg2"
	case roleRawMedia:
		return "raw-media"
	}
	return "unknown"
}

// classifyChannel determines the role a channel plays from its id and name.
// Anything that matches no auxiliary convention is the carrier-facing main
// leg.
func classifyChannel(id, name string) channelRole {
	switch {
	case strings.HasPrefix(id, snoopIDPrefix), strings.HasPrefix(name, snoopNamePfx):
		return roleSnoop
	case strings.HasPrefix(name, rawMediaNamePfx):
		return roleRawMedia
	case strings.HasPrefix(id, injectIDPrefix), strings.HasPrefix(name, localNamePfx):
		if strings.HasSuffix(id, "-2") || strings.HasSuffix(name, ";2") {
			return roleInjectLeg2
		}
		return roleInjectLeg1
	}
	return roleMain
}

// snoopParent extracts the main channel id from a snoop leg id.
func snoopParent(id string) (string, bool) {
	parent, ok := strings.CutPrefix(id, snoopIDPrefix)
	if !ok || parent == "" {
		return "", false
	}
	return parent, true
}

// injectParent extracts the main channel id from either inject leg id.
func injectParent(id string) (string, bool) {
	rest, ok := strings.CutPrefix(id, injectIDPrefix)
	if !ok {
		return "", false
	}
	parent, found := strings.CutSuffix(rest, "-1")
	if !found {
		parent, found = strings.CutSuffix(rest, "-2")
	}
	if !found || parent == "" {
		return "", false
	}
	return parent, true
}

// rawMediaParent extracts the main channel id from a raw media leg id using
// the dotted-suffix convention.
func rawMediaParent(id string) (string, bool) {
	i := strings.LastIndex(id, ".")
	if i <= 0 {
		return "", false
	}
	return id[:i], true
}

// sanitizeID makes a channel id safe for use as a recording name.
func sanitizeID(id string) string {
	r := strings.NewReplacer("/", "_", ".", "_", ";", "_", ":", "_")
	return r.Replace(id)
}

// snoopIDFor and injectIDsFor build the auxiliary channel ids requested for
// a main channel, matching the grammar above.
func snoopIDFor(parentID string) string { return snoopIDPrefix + parentID }

func injectIDsFor(parentID string) (leg1, leg2 string) {
	return injectIDPrefix + parentID + "-1", injectIDPrefix + parentID + "-2"
}

// rawMediaIDFor builds the id requested for an external media channel.
func rawMediaIDFor(parentID, suffix string) string { return parentID + "." + suffix }
