package terminal

import "github.com/aiterm/server/internal/ansi"

// ContentFrame is the shape shared by status, connected, disconnected and
// error frames: a type tag plus a human-readable message.
type ContentFrame struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// OutputFrame carries a chunk of raw terminal output.
type OutputFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// PongFrame answers a ping with the client's timestamp echoed back.
type PongFrame struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// CommandFinishedFrame reports that a watched command has completed.
// Detection names the rule that fired: prompt, idle_timeout, total_timeout,
// empty_timeout or process_exit.
type CommandFinishedFrame struct {
	Type      string `json:"type"`
	Output    string `json:"output"`
	Detection string `json:"detection"`
}

// InteractiveFrame reports that a watched command appears to be waiting for
// input, together with a hint describing how to get out of it.
type InteractiveFrame struct {
	Type            string    `json:"type"`
	InteractiveType string    `json:"interactive_type"`
	Output          string    `json:"output"`
	Hint            ansi.Hint `json:"hint"`
}

func Status(content string) ContentFrame {
	return ContentFrame{Type: "status", Content: content}
}

func Connected(content string) ContentFrame {
	return ContentFrame{Type: "connected", Content: content}
}

func Disconnected(content string) ContentFrame {
	return ContentFrame{Type: "disconnected", Content: content}
}

func Error(content string) ContentFrame {
	return ContentFrame{Type: "error", Content: content}
}

func Output(data string) OutputFrame {
	return OutputFrame{Type: "output", Data: data}
}

func Pong(timestamp int64) PongFrame {
	return PongFrame{Type: "pong", Timestamp: timestamp}
}

func CommandFinished(output, detection string) CommandFinishedFrame {
	return CommandFinishedFrame{Type: "command_finished", Output: output, Detection: detection}
}

func InteractiveDetected(state ansi.State, output string) InteractiveFrame {
	return InteractiveFrame{
		Type:            "interactive_detected",
		InteractiveType: string(state),
		Output:          output,
		Hint:            ansi.HintFor(state),
	}
}
