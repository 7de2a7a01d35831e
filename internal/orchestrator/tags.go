package orchestrator

import (
	"strconv"
	"strings"
)

// Client-state tags ride on outgoing commands and come back on the events
// those commands produce.
const (
	speechPrefix   = "speak:"
	collectPrefix  = "gather:"
	transferPrefix = "transfer:"
)

func speechTag(seq int) string  { return speechPrefix + strconv.Itoa(seq) }
func collectTag(seq int) string { return collectPrefix + strconv.Itoa(seq) }

// transferTag identifies the dialed leg of attempt on session id.
func transferTag(id string, attempt int) string {
	return transferPrefix + id + ":" + strconv.Itoa(attempt)
}

// seqOf returns the sequence number of a speak or gather tag, or -1 when
// the tag is absent or foreign.
func seqOf(tag, prefix string) int {
	rest, ok := strings.CutPrefix(tag, prefix)
	if !ok {
		return -1
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return -1
	}
	return n
}

func collectSeq(tag string) int { return seqOf(tag, collectPrefix) }

type transferRef struct {
	session string
	attempt int
}

func parseTransferTag(tag string) (transferRef, bool) {
	rest, ok := strings.CutPrefix(tag, transferPrefix)
	if !ok {
		return transferRef{}, false
	}
	i := strings.LastIndexByte(rest, ':')
	if i <= 0 {
		return transferRef{}, false
	}
	n, err := strconv.Atoi(rest[i+1:])
	if err != nil || n < 1 {
		return transferRef{}, false
	}
	return transferRef{session: rest[:i], attempt: n}, true
}

// stale reports whether a completion tagged tag belongs to a command other
// than the current one. Untagged completions are matched by stage alone.
func stale(tag, prefix string, current int) bool {
	if tag == "" {
		return false
	}
	return seqOf(tag, prefix) != current
}
