package pipeline

import (
	"context"
	"fmt"

	"github.com/jholhewres/discordcopilot/pkg/discordcopilot/channels"
)

// Split cuts text into contiguous segments of at most limit characters,
// filling each segment before starting the next. Characters are counted as
// runes so a segment never ends inside a UTF-8 sequence. Text that already
// fits is returned as a single segment.
func Split(text string, limit int) []string {
	if limit <= 0 {
		limit = channels.MaxMessageLength
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	segments := make([]string, 0, (len(runes)+limit-1)/limit)
	for start := 0; start < len(runes); start += limit {
		end := min(start+limit, len(runes))
		segments = append(segments, string(runes[start:end]))
	}
	return segments
}

// DeliveryResult reports how much of a reply reached the platform.
type DeliveryResult struct {
	Segments int
	Sent     int
	Err      error
}

// Delivery sends a reply as ordered segments.
type Delivery struct {
	sender Sender
	limit  int
}

// NewDelivery creates a Delivery with the given segment limit.
func NewDelivery(s Sender, limit int) *Delivery {
	if limit <= 0 || limit > channels.MaxMessageLength {
		limit = channels.MaxMessageLength
	}
	return &Delivery{sender: s, limit: limit}
}

// Deliver sends text to the conversation in order. The first failing segment
// stops delivery; segments already sent stay sent. Only the first segment
// carries replyTo.
func (d *Delivery) Deliver(ctx context.Context, channelName, to, replyTo, text string) DeliveryResult {
	segments := Split(text, d.limit)
	res := DeliveryResult{Segments: len(segments)}

	for i, seg := range segments {
		msg := &channels.OutgoingMessage{Content: seg}
		if i == 0 {
			msg.ReplyTo = replyTo
		}
		if err := d.sender.Send(ctx, channelName, to, msg); err != nil {
			res.Err = fmt.Errorf("send segment %d/%d: %w", i+1, len(segments), err)
			return res
		}
		res.Sent++
	}
	return res
}

// Notify sends a single standalone message, used for the failure notice.
func (d *Delivery) Notify(ctx context.Context, channelName, to, replyTo, text string) error {
	if err := d.sender.Send(ctx, channelName, to, &channels.OutgoingMessage{Content: text, ReplyTo: replyTo}); err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	return nil
}
