// Package ansi holds the pure text heuristics used by the command
// watcher: ANSI escape stripping, shell prompt matching, and detection
// of pager/confirm/REPL states that block a running command.
package ansi

import (
	"fmt"
	"regexp"
	"strings"
)

// State describes what the shell appears to be blocked on.
type State string

const (
	StateNone        State = ""
	StatePager       State = "pager"
	StateConfirm     State = "confirm"
	StateInteractive State = "interactive"
)

var ansiRE = regexp.MustCompile(
	`\x1b\[[0-9;]*[a-zA-Z]` + // CSI
		`|\x1b\][^\x07\x1b]*(?:\x07|\x1b\\)` + // OSC
		`|\x1b[()][AB012]` + // charset select
		`|\x1b[>=<]` +
		`|\r`,
)

// StripANSI removes CSI/OSC escape sequences, charset selectors and
// carriage returns. Newlines are preserved.
func StripANSI(text string) string {
	return ansiRE.ReplaceAllString(text, "")
}

// BuildPromptPattern compiles a multiline regex matching the usual shell
// prompt shapes for the given user: "user@host:path$", "[user@host dir]$"
// and a root prompt. Custom PS1 values are not handled.
func BuildPromptPattern(username string) *regexp.Regexp {
	escaped := regexp.QuoteMeta(username)
	patterns := []string{
		fmt.Sprintf(`%s@[^\s:]+:[^\$#\n]*[\$#]\s*$`, escaped),
		fmt.Sprintf(`\[%s@[^\]]+\][\$#]\s*$`, escaped),
		`root@[^\s:]+:[^\$#\n]*[#]\s*$`,
	}
	for i, p := range patterns {
		patterns[i] = "(?:" + p + ")"
	}
	return regexp.MustCompile("(?m)" + strings.Join(patterns, "|"))
}

var pagerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)lines\s+\d+-\d+`),
	regexp.MustCompile(`(?i)\(END\)`),
	regexp.MustCompile(`(?i)--More--`),
	regexp.MustCompile(`(?i)byte\s+\d+`),
	regexp.MustCompile(`(?m)^\s*:\s*$`),
}

var confirmPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\[Y/n\]\s*$`),
	regexp.MustCompile(`(?i)\[y/N\]\s*$`),
	regexp.MustCompile(`(?i)\(yes/no[/\w]*\)\s*[:?]?\s*$`),
	regexp.MustCompile(`(?i)password\s*:\s*$`),
	regexp.MustCompile(`(?i)passphrase\s*:\s*$`),
	regexp.MustCompile(`(?i)continue\s*\?\s*`),
	regexp.MustCompile(`(?i)proceed\s*\?\s*`),
	regexp.MustCompile(`(?i)Do you want to continue`),
}

var replPatterns = []*regexp.Regexp{
	regexp.MustCompile(`>>>\s*$`),
	regexp.MustCompile(`\.\.\.\s*$`),
	regexp.MustCompile(`(?i)mysql>\s*$`),
	regexp.MustCompile(`(?i)postgres[=#]>\s*$`),
	regexp.MustCompile(`(?i)redis\s*[\d.]*>\s*$`),
	regexp.MustCompile(`\(gdb\)\s*$`),
	regexp.MustCompile(`irb\(\w+\):\d+:\d+>\s*$`),
	regexp.MustCompile(`node>\s*$`),
}

// DetectInteractiveState inspects the tail of ANSI-stripped output and
// reports whether the shell looks blocked in a pager, a confirmation
// prompt, or an interactive REPL. Pager wins over confirm wins over REPL.
func DetectInteractiveState(clean string) State {
	trimmed := strings.TrimSpace(clean)
	if trimmed == "" {
		return StateNone
	}
	lines := strings.Split(trimmed, "\n")
	tail := lines
	if len(tail) > 3 {
		tail = lines[len(lines)-3:]
	}
	lastLines := strings.Join(tail, "\n")
	lastLine := strings.TrimSpace(lines[len(lines)-1])

	for _, p := range pagerPatterns {
		if p.MatchString(lastLine) || p.MatchString(lastLines) {
			return StatePager
		}
	}
	for _, p := range confirmPatterns {
		if p.MatchString(lastLine) || p.MatchString(lastLines) {
			return StateConfirm
		}
	}
	// REPL prompts are only trusted on the very last line
	for _, p := range replPatterns {
		if p.MatchString(lastLine) {
			return StateInteractive
		}
	}
	return StateNone
}

type HintAction struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

// Hint is the quick-action payload attached to interactive_detected
// frames so the UI can offer one-click escapes.
type Hint struct {
	Message string       `json:"message"`
	Actions []HintAction `json:"actions"`
}

var hints = map[State]Hint{
	StatePager: {
		Message: "命令输出进入了分页模式（less/more），需要操作后才能继续",
		Actions: []HintAction{
			{Label: "退出分页 (q)", Data: "q"},
			{Label: "下一页 (空格)", Data: " "},
			{Label: "到末尾 (G)", Data: "G"},
		},
	},
	StateInteractive: {
		Message: "命令进入了交互式模式，需要操作后才能退出",
		Actions: []HintAction{
			{Label: "退出 (exit)", Data: "exit\r"},
			{Label: "退出 (Ctrl+D)", Data: "\x04"},
			{Label: "中断 (Ctrl+C)", Data: "\x03"},
		},
	},
	StateConfirm: {
		Message: "程序正在等待确认输入",
		Actions: []HintAction{
			{Label: "确认 (Y)", Data: "Y\r"},
			{Label: "取消 (n)", Data: "n\r"},
			{Label: "中断 (Ctrl+C)", Data: "\x03"},
		},
	},
}

// HintFor returns the hint for a detected state, falling back to the
// interactive hint for anything unknown.
func HintFor(state State) Hint {
	if h, ok := hints[state]; ok {
		return h
	}
	return hints[StateInteractive]
}
