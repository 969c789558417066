// Package rebase rebases the core branch onto a new base and rewrites the
// interactive-rebase todo and commit messages on git's behalf.
package rebase

import (
	"strings"

	"github.com/spf13/afero"
)

// Message prefixes of the commits an upgrade produces.
const (
	prefixVersionBump      = "Update from Chromium "
	prefixConflictResolved = "Conflict-resolved patches from Chromium "
	prefixUpdatePatches    = "Update patches from Chromium "
	prefixUpdateStrings    = "Updated strings for Chromium "
)

// Transform rewrites a todo or message buffer. Every transform here returns
// its input unchanged when applied a second time.
type Transform func(string) string

// DiscardRegen drops the regenerable commits from a todo. They are
// reproduced with regen after the rebase.
func DiscardRegen(todo string) string {
	lines, trailing := splitLines(todo)
	var out []string
	for _, line := range lines {
		if strings.Contains(line, prefixUpdatePatches) || strings.Contains(line, prefixUpdateStrings) {
			continue
		}
		out = append(out, line)
	}
	return joinLines(out, trailing)
}

// Recommit turns the first command into an edit when it is a pick, so the
// rebase stops there and every later commit is rewritten.
func Recommit(todo string) string {
	lines, trailing := splitLines(todo)
	for i, line := range lines {
		if !isCommand(line) {
			continue
		}
		action, rest := splitAction(line)
		if action == "pick" || action == "p" {
			lines[i] = "edit " + rest
		}
		break
	}
	return joinLines(lines, trailing)
}

// block is a picked commit followed by the fixup and squash lines folded
// into it.
type block struct {
	lines []string
	group int
}

const ungrouped = -1

func groupOf(line string) int {
	action, rest := splitAction(line)
	switch action {
	case "pick", "p", "edit", "e", "reword", "r":
	default:
		return ungrouped
	}
	_, msg, _ := strings.Cut(rest, " ")
	switch {
	case strings.HasPrefix(msg, prefixVersionBump):
		return 0
	case strings.HasPrefix(msg, prefixConflictResolved):
		return 1
	case strings.HasPrefix(msg, prefixUpdatePatches), strings.HasPrefix(msg, prefixUpdateStrings):
		return 2
	}
	return ungrouped
}

// SquashGroups clusters the upgrade commits of a todo into at most three
// groups (version bumps, conflict resolutions, regenerated files), moves
// them ahead of every other commit and squashes each group into its first
// commit.
func SquashGroups(todo string) string {
	lines, trailing := splitLines(todo)

	var blocks []*block
	var comments []string
	for _, line := range lines {
		if !isCommand(line) {
			comments = append(comments, line)
			continue
		}
		action, _ := splitAction(line)
		folded := action == "fixup" || action == "f" || action == "squash" || action == "s"
		if folded && len(blocks) > 0 {
			last := blocks[len(blocks)-1]
			last.lines = append(last.lines, line)
			continue
		}
		blocks = append(blocks, &block{lines: []string{line}, group: groupOf(line)})
	}

	var out []string
	for g := 0; g < 3; g++ {
		first := true
		for _, b := range blocks {
			if b.group != g {
				continue
			}
			if !first {
				if action, rest := splitAction(b.lines[0]); action == "pick" || action == "p" {
					b.lines[0] = "squash " + rest
				}
			}
			first = false
			out = append(out, b.lines...)
		}
	}
	for _, b := range blocks {
		if b.group == ungrouped {
			out = append(out, b.lines...)
		}
	}
	out = append(out, comments...)
	return joinLines(out, trailing)
}

// ReduceMessage keeps only the last meaningful line of a commit message
// buffer. Squashed upgrade commits then carry the newest subject alone.
func ReduceMessage(msg string) string {
	lines, _ := splitLines(msg)
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line != "" && !strings.HasPrefix(line, "#") {
			return line + "\n"
		}
	}
	return msg
}

// EditFile applies transforms in order to the file at path.
func EditFile(fs afero.Fs, path string, transforms ...Transform) error {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return err
	}
	content := string(data)
	for _, t := range transforms {
		content = t(content)
	}
	if content == string(data) {
		return nil
	}
	info, err := fs.Stat(path)
	if err != nil {
		return err
	}
	return afero.WriteFile(fs, path, []byte(content), info.Mode().Perm())
}

func isCommand(line string) bool {
	trimmed := strings.TrimSpace(line)
	return trimmed != "" && !strings.HasPrefix(trimmed, "#")
}

func splitAction(line string) (action, rest string) {
	action, rest, _ = strings.Cut(strings.TrimSpace(line), " ")
	return action, rest
}

func splitLines(s string) (lines []string, trailingNewline bool) {
	if s == "" {
		return nil, false
	}
	trailingNewline = strings.HasSuffix(s, "\n")
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n"), trailingNewline
}

func joinLines(lines []string, trailingNewline bool) string {
	s := strings.Join(lines, "\n")
	if trailingNewline && len(lines) > 0 {
		s += "\n"
	}
	return s
}
