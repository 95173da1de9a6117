// Package naming derives short session titles from the first user message by
// running the backend CLI one-shot.
package naming

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/shlex"

	"github.com/pontis-dev/pontis/internal/logging"
)

const titlePromptTemplate = `
Consider this initial message in a conversation with an LLM: "%s"

What title would you use for this conversation? Keep it very short, just 2 or 3 words.
Reply with ONLY the title, nothing else.
`

const maxTitleLen = 60

// CLINamer runs a configured command with the title prompt on stdin and reads
// the title from stdout.
type CLINamer struct {
	command string
}

// New creates a namer around command. An empty command yields a namer whose
// SuggestTitle always fails; callers treat titles as best-effort.
func New(command string) *CLINamer {
	return &CLINamer{command: command}
}

// SuggestTitle implements the bridge's naming collaborator.
func (n *CLINamer) SuggestTitle(ctx context.Context, firstUserMessage string) (string, error) {
	if n.command == "" {
		return "", fmt.Errorf("naming: no namer command configured")
	}
	argv, err := shlex.Split(n.command)
	if err != nil {
		return "", fmt.Errorf("naming: tokenize command: %w", err)
	}
	if len(argv) == 0 {
		return "", fmt.Errorf("naming: empty namer command")
	}

	prompt := fmt.Sprintf(titlePromptTemplate, Sanitize(firstUserMessage))
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(prompt)
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("naming: run %s: %w", argv[0], err)
	}
	title := Sanitize(out.String())
	if title == "" {
		return "", fmt.Errorf("naming: empty title from %s", argv[0])
	}
	logging.WithComponent("naming").Debug("suggested title", "title", title)
	return title, nil
}

// Sanitize reduces raw CLI output to a usable single-line title: first
// non-empty line, quotes stripped, length capped.
func Sanitize(raw string) string {
	var line string
	for _, candidate := range strings.Split(raw, "\n") {
		candidate = strings.TrimSpace(candidate)
		if candidate != "" {
			line = candidate
			break
		}
	}
	line = strings.Trim(line, `"'`)
	line = strings.TrimSpace(line)
	if len(line) > maxTitleLen {
		line = strings.TrimSpace(line[:maxTitleLen])
	}
	return line
}
