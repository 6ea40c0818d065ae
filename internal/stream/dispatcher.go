package stream

import (
	"context"
	"log"
	"strings"
)

// noOutputNotice is delivered by consolidated sinks when an engagement
// finishes without any text, so the surface always sees one reply.
const noOutputNotice = "The assistant finished without producing any output."

// ErrorNotice is the single user-facing message for a failed
// engagement. Live surfaces may have already seen partial output;
// consolidated surfaces saw nothing, so the wording differs.
func ErrorNotice(mode Mode) string {
	if mode == ModeLive {
		return "Something went wrong while the assistant was working. Already-posted output stands; please try again."
	}
	return "Something went wrong while the assistant was working. Please try again."
}

// Result summarizes one dispatched engagement.
type Result struct {
	Handle     string // resume handle from the completion marker
	HandleSeen bool   // true when a completion marker arrived
	Text       string // assistant text concatenated in arrival order
	Deliveries int    // number of Deliver calls made
}

// Dispatch consumes the chunk sequence of one engagement and relays it
// to the sink per the sink's mode. It always drains the channel.
//
// Live mode forwards text, tool, and thinking chunks as they arrive;
// consolidated mode suppresses tool and thinking chunks and makes
// exactly one delivery after the sequence ends, falling back to a short
// notice when the engagement produced no text. In both modes the
// completion marker's handle is returned for persistence even when no
// textual chunks were produced.
//
// On an in-band engine error the dispatcher delivers nothing further:
// already-delivered live chunks stand, buffered consolidated text is
// discarded, and the engine error is returned. The caller decides
// whether the failure is surfaced or recovered silently (a stale-handle
// retry must stay invisible). Delivery failures are logged and never
// abort the pass.
func Dispatch(ctx context.Context, chunks <-chan Chunk, sink Sink) (Result, error) {
	var res Result
	var engErr error
	live := sink.Mode() == ModeLive

	var buf strings.Builder
	for chunk := range chunks {
		switch chunk.Kind {
		case KindText:
			buf.WriteString(chunk.Text)
			if live {
				deliver(ctx, sink, chunk.Text, &res)
			}
		case KindTool, KindThinking:
			if live && chunk.Text != "" {
				deliver(ctx, sink, chunk.Text, &res)
			}
		case KindCompletion:
			res.Handle = chunk.Handle
			res.HandleSeen = true
		case KindError:
			if engErr == nil {
				engErr = chunk.Err
			}
		}
	}
	res.Text = buf.String()

	if engErr != nil {
		return res, engErr
	}

	if !live {
		if res.Text != "" {
			deliver(ctx, sink, res.Text, &res)
		} else {
			deliver(ctx, sink, noOutputNotice, &res)
		}
	}
	return res, nil
}

// deliver sends text to the sink, counting the call and logging (not
// propagating) failures. Message loss is acceptable; state corruption
// is not.
func deliver(ctx context.Context, sink Sink, text string, res *Result) {
	res.Deliveries++
	if err := sink.Deliver(ctx, text); err != nil {
		log.Printf("stream: deliver: %v", err)
	}
}
