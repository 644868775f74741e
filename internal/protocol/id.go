package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

const optimisticPrefix = "local-"

// MessageID identifies a message either by the provisional id the client
// generated before the server saw it, or by the server-assigned id.
// The zero value is invalid.
type MessageID struct {
	server      int64
	provisional string
}

// Confirmed returns the id of a server-acknowledged message.
func Confirmed(serverID int64) MessageID {
	return MessageID{server: serverID}
}

// Optimistic returns the id of a locally created, not yet acknowledged message.
func Optimistic(provisionalID string) MessageID {
	return MessageID{provisional: provisionalID}
}

// IsOptimistic reports whether the id belongs to an unacknowledged message.
func (id MessageID) IsOptimistic() bool { return id.provisional != "" }

// IsZero reports whether the id was never set.
func (id MessageID) IsZero() bool { return id.provisional == "" && id.server == 0 }

// ServerID returns the server-assigned id, if any.
func (id MessageID) ServerID() (int64, bool) {
	if id.IsOptimistic() || id.server == 0 {
		return 0, false
	}
	return id.server, true
}

// ProvisionalID returns the client-generated id, if any.
func (id MessageID) ProvisionalID() (string, bool) {
	return id.provisional, id.provisional != ""
}

func (id MessageID) String() string {
	if id.IsOptimistic() {
		return optimisticPrefix + id.provisional
	}
	return strconv.FormatInt(id.server, 10)
}

// MarshalJSON encodes confirmed ids as numbers and optimistic ids as "local-<provisional>".
func (id MessageID) MarshalJSON() ([]byte, error) {
	if id.IsOptimistic() {
		return json.Marshal(id.String())
	}
	return []byte(strconv.FormatInt(id.server, 10)), nil
}

// ParseMessageID parses the String form of an id.
func ParseMessageID(s string) (MessageID, error) {
	if p, ok := strings.CutPrefix(s, optimisticPrefix); ok && p != "" {
		return Optimistic(p), nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n == 0 {
		return MessageID{}, fmt.Errorf("invalid message id %q", s)
	}
	return Confirmed(n), nil
}

func (id *MessageID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseMessageID(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid message id: %w", err)
	}
	*id = Confirmed(n)
	return nil
}

var lastSentinel atomic.Int64

// NextSentinel returns a negative integer strictly lower than every value it
// returned before. Clients that only understand integer ids use it as the
// display key of optimistic messages.
func NextSentinel() int64 {
	for {
		prev := lastSentinel.Load()
		candidate := -time.Now().UnixNano()
		if candidate >= prev {
			candidate = prev - 1
		}
		if lastSentinel.CompareAndSwap(prev, candidate) {
			return candidate
		}
	}
}
