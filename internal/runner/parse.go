package runner

import (
	"encoding/json"
	"strings"
)

// Category is the semantic classification of one streamed output line
// (spec §4.6.4).
type Category string

const (
	CategoryText       Category = "text"
	CategoryThinking   Category = "thinking"
	CategoryToolCall   Category = "tool_call"
	CategoryToolResult Category = "tool_result"
	CategoryFinalResult Category = "final_result"
	CategoryError      Category = "error"
	CategoryInfo       Category = "info"
)

// Chunk is one classified line of subprocess output handed to onOutputChunk.
type Chunk struct {
	Category Category
	Text     string
	Raw      string
}

// parseLine classifies one line of backend stdout. Backends are expected
// to emit newline-delimited JSON objects with a "type" field; any line
// that doesn't parse as such JSON is kept verbatim as CategoryInfo, so a
// human-readable backend never loses output to a parse failure.
func parseLine(line string) Chunk {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Chunk{Category: CategoryInfo, Text: "", Raw: line}
	}

	var envelope struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(trimmed), &envelope); err == nil && envelope.Type != "" {
		cat := categoryFor(envelope.Type)
		text := envelope.Text
		if text == "" {
			text = trimmed
		}
		return Chunk{Category: cat, Text: text, Raw: line}
	}

	return Chunk{Category: CategoryInfo, Text: trimmed, Raw: line}
}

func categoryFor(backendType string) Category {
	switch backendType {
	case "text", "message":
		return CategoryText
	case "thinking", "reasoning":
		return CategoryThinking
	case "tool_call", "tool_use":
		return CategoryToolCall
	case "tool_result", "tool_output":
		return CategoryToolResult
	case "final_result", "result", "done":
		return CategoryFinalResult
	case "error":
		return CategoryError
	default:
		return CategoryInfo
	}
}

// isTransient reports whether an error string matches the transient-failure
// pattern set of spec §4.6.8.
func isTransient(errText string) bool {
	lower := strings.ToLower(errText)
	patterns := []string{
		"fetch failed", "econnrefused", "econnreset", "econntimedout",
		"enotfound", "socket hang up", "network error", "request timeout",
		"502", "503", "504",
	}
	for _, p := range patterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
