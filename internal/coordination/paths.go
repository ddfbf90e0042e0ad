package coordination

import (
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
)

const (
	// ServerRoot holds one entry per storage node with its ServerMetadata
	ServerRoot = "/kv_servers"
	// ActiveRoot holds the ephemeral liveness markers
	ActiveRoot = "/active"
	// MetadataPath holds the published ring snapshot
	MetadataPath = "/metadata"

	inboxPrefix = "message"
)

// ServerPath is the metadata entry of a node; its children form the inbox
func ServerPath(name string) string {
	return path.Join(ServerRoot, name)
}

// ActivePath is the liveness marker of a node
func ActivePath(name string) string {
	return path.Join(ActiveRoot, name)
}

// InboxPath is one admin message addressed to a node
func InboxPath(name string, seq uint64) string {
	return path.Join(ServerPath(name), fmt.Sprintf("%s%d", inboxPrefix, seq))
}

// IsInboxEntry reports whether a child name of a server entry is an inbox message
func IsInboxEntry(child string) bool {
	return strings.HasPrefix(child, inboxPrefix)
}

// InboxSeq returns the sequence number of an inbox entry name
func InboxSeq(child string) (uint64, bool) {
	if !IsInboxEntry(child) {
		return 0, false
	}
	seq, err := strconv.ParseUint(strings.TrimPrefix(child, inboxPrefix), 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// SortInbox keeps the inbox entries of children, oldest first
func SortInbox(children []string) []string {
	entries := make([]string, 0, len(children))
	for _, c := range children {
		if _, ok := InboxSeq(c); ok {
			entries = append(entries, c)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, _ := InboxSeq(entries[i])
		b, _ := InboxSeq(entries[j])
		return a < b
	})
	return entries
}
