package ui

import (
	"os/exec"
	"runtime"
	"strings"
)

// Notify sends a desktop notification when a long run stops for the user.
// Fails silently if no notifier is available.
func Notify(title, message string) {
	name, args := notifyCommand(runtime.GOOS, title, message)
	if name == "" {
		return
	}
	if _, err := exec.LookPath(name); err != nil {
		return
	}
	_ = exec.Command(name, args...).Run()
}

func notifyCommand(goos, title, message string) (string, []string) {
	switch goos {
	case "darwin":
		script := `display notification "` + escapeAppleScript(message) + `" with title "` + escapeAppleScript(title) + `"`
		return "osascript", []string{"-e", script}
	case "linux":
		return "notify-send", []string{title, message}
	}
	return "", nil
}

func escapeAppleScript(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return r.Replace(s)
}
