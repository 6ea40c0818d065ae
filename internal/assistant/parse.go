package assistant

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/porter/internal/stream"
)

// Claude CLI stream-json parsing. Each stdout line is one JSON event;
// anything unparseable is skipped rather than failing the engagement.

// streamEvent is used for initial type dispatch.
type streamEvent struct {
	Type string `json:"type"`
}

// assistantEvent carries the message content blocks.
type assistantEvent struct {
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type string `json:"type"` // "text", "tool_use", "thinking"
	Text string `json:"text"`
	Name string `json:"name"` // tool_use only
}

// resultEvent marks the end of the run and carries the session handle.
type resultEvent struct {
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
	Result    string `json:"result"`
}

// parseLine converts one stream-json line into zero or more chunks.
func parseLine(line []byte) []stream.Chunk {
	if len(line) == 0 || line[0] != '{' {
		return nil
	}

	var evt streamEvent
	if err := json.Unmarshal(line, &evt); err != nil {
		return nil
	}

	switch evt.Type {
	case "assistant":
		var a assistantEvent
		if err := json.Unmarshal(line, &a); err != nil {
			return nil
		}
		var chunks []stream.Chunk
		for _, block := range a.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					chunks = append(chunks, stream.Chunk{Kind: stream.KindText, Text: block.Text})
				}
			case "tool_use":
				chunks = append(chunks, stream.Chunk{
					Kind: stream.KindTool,
					Text: fmt.Sprintf("[running %s]", block.Name),
				})
			case "thinking":
				chunks = append(chunks, stream.Chunk{Kind: stream.KindThinking, Text: "[thinking]"})
			}
		}
		return chunks

	case "result":
		var r resultEvent
		if err := json.Unmarshal(line, &r); err != nil {
			return nil
		}
		if r.IsError {
			return []stream.Chunk{{
				Kind: stream.KindError,
				Err:  fmt.Errorf("assistant: engine reported error: %s", r.Result),
			}}
		}
		return []stream.Chunk{{Kind: stream.KindCompletion, Handle: r.SessionID}}
	}

	return nil
}
