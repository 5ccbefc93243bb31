package redis

import (
	"fmt"
	"strconv"
	"strings"
)

const inboxPrefix = "duochat:inbox"

func inboxChannel(participantID string) string {
	return fmt.Sprintf("%s:%s", inboxPrefix, participantID)
}

// A notification tells subscribers of a participant's inbox that a message
// with the given sequence was stored.
type notification struct {
	Participant string
	Seq         int64
}

func (n notification) encode() string {
	return n.Participant + "|" + strconv.FormatInt(n.Seq, 10)
}

func decodeNotification(payload string) (notification, error) {
	i := strings.LastIndexByte(payload, '|')
	if i < 0 {
		return notification{}, fmt.Errorf("malformed notification %q", payload)
	}
	seq, err := strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return notification{}, fmt.Errorf("parse notification seq: %w", err)
	}
	return notification{Participant: payload[:i], Seq: seq}, nil
}
