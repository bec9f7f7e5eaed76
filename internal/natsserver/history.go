package natsserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/sekia-ai/calhub/pkg/protocol"
)

// StreamName is the JetStream stream capturing every hub event.
const StreamName = "CALHUB_EVENTS"

// History reads recent hub events back from the JetStream stream.
type History struct {
	stream jetstream.Stream
}

// NewHistory creates or updates the history stream, bounded to limit messages.
func NewHistory(ctx context.Context, js jetstream.JetStream, limit int) (*History, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{protocol.SubjectAllEvents},
		Storage:   jetstream.FileStorage,
		MaxMsgs:   int64(limit),
		Discard:   jetstream.DiscardOld,
		Retention: jetstream.LimitsPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create history stream: %w", err)
	}
	return &History{stream: stream}, nil
}

// Recent returns up to n of the newest events, newest first.
// Messages that no longer decode are skipped.
func (h *History) Recent(ctx context.Context, n int) ([]protocol.Event, error) {
	if h == nil || n <= 0 {
		return nil, nil
	}
	info, err := h.stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("history info: %w", err)
	}
	first, last := info.State.FirstSeq, info.State.LastSeq
	if info.State.Msgs == 0 {
		return nil, nil
	}

	out := make([]protocol.Event, 0, min(n, int(info.State.Msgs)))
	for seq := last; seq >= first && seq > 0 && len(out) < n; seq-- {
		msg, err := h.stream.GetMsg(ctx, seq)
		if errors.Is(err, jetstream.ErrMsgNotFound) {
			continue
		}
		if err != nil {
			return out, fmt.Errorf("history message %d: %w", seq, err)
		}
		var evt protocol.Event
		if json.Unmarshal(msg.Data, &evt) != nil {
			continue
		}
		out = append(out, evt)
	}
	return out, nil
}
