package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrBadID is returned when a string does not parse as an action ID.
var ErrBadID = errors.New("protocol: malformed action id")

// ID identifies one action across every node in the system. The triple
// (Time, NodeID, Counter) is unique: Time is the creating node's clock in
// milliseconds, Counter disambiguates actions created in the same
// millisecond on the same node.
//
// The canonical string form is "<time> <nodeID> <counter>", for example
// "1560954012838 380:R7BNGAP5:px3-J3oc 0".
type ID struct {
	Time    int64
	NodeID  string
	Counter int
}

// String renders the canonical string form of the ID.
func (id ID) String() string {
	return strconv.FormatInt(id.Time, 10) + " " + id.NodeID + " " + strconv.Itoa(id.Counter)
}

// IsZero reports whether the ID is the zero value.
func (id ID) IsZero() bool {
	return id.Time == 0 && id.NodeID == "" && id.Counter == 0
}

// ParseID parses the canonical "<time> <nodeID> <counter>" form.
func ParseID(s string) (ID, error) {
	parts := strings.Split(s, " ")
	if len(parts) != 3 {
		return ID{}, fmt.Errorf("%w: %q", ErrBadID, s)
	}
	t, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrBadID, s)
	}
	c, err := strconv.Atoi(parts[2])
	if err != nil {
		return ID{}, fmt.Errorf("%w: %q", ErrBadID, s)
	}
	return ID{Time: t, NodeID: parts[1], Counter: c}, nil
}

// IsFirstOlder reports whether a happened before b in the total order the
// log uses. Time is compared first, then Counter, then NodeID
// lexicographically so that every pair of distinct IDs is ordered.
func IsFirstOlder(a, b ID) bool {
	if a.Time != b.Time {
		return a.Time < b.Time
	}
	if a.Counter != b.Counter {
		return a.Counter < b.Counter
	}
	return a.NodeID < b.NodeID
}

// Node IDs follow the "<userID>:<clientID rand>:<session rand>" convention.
// UserID and ClientID extract the stable prefixes; both degrade gracefully
// on IDs that do not follow the convention.

// UserID returns the user part of a node ID, or "" for anonymous nodes
// ("false" user markers are treated as anonymous too).
func UserID(nodeID string) string {
	i := strings.IndexByte(nodeID, ':')
	if i < 0 {
		return ""
	}
	u := nodeID[:i]
	if u == "false" {
		return ""
	}
	return u
}

// ClientID returns the client part of a node ID: the user segment plus the
// client random segment. Reconnects of the same logical client keep the
// same client ID while getting a fresh node ID.
func ClientID(nodeID string) string {
	first := strings.IndexByte(nodeID, ':')
	if first < 0 {
		return nodeID
	}
	second := strings.IndexByte(nodeID[first+1:], ':')
	if second < 0 {
		return nodeID
	}
	return nodeID[:first+1+second]
}
