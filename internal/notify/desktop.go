package notify

import (
	"os/exec"
	"runtime"
	"strings"
)

// DesktopNotifier shows notifications through the platform's notifier:
// notify-send on Linux, osascript on macOS. Other platforms are ignored.
type DesktopNotifier struct {
	enabled bool
	goos    string
}

func NewDesktopNotifier(enabled bool) *DesktopNotifier {
	return &DesktopNotifier{enabled: enabled, goos: runtime.GOOS}
}

func (d *DesktopNotifier) Send(n Notification) error {
	if !d.enabled {
		return nil
	}
	name, args := desktopCommand(d.goos, n)
	if name == "" {
		return nil
	}
	return exec.Command(name, args...).Run()
}

// desktopCommand returns the command that shows n on goos, or "" when the
// platform has no supported notifier
func desktopCommand(goos string, n Notification) (string, []string) {
	switch goos {
	case "linux":
		urgency := "normal"
		if n.Type == NotifyError {
			urgency = "critical"
		}
		return "notify-send", []string{
			"--app-name", "magenta",
			"--urgency", urgency,
			"--icon", IconForType(n.Type),
			n.Title, n.Message,
		}
	case "darwin":
		script := "display notification " + appleScriptString(n.Message) +
			" with title " + appleScriptString(n.Title)
		if n.Stage != "" {
			script += " subtitle " + appleScriptString("stage "+n.Stage)
		}
		return "osascript", []string{"-e", script}
	}
	return "", nil
}

// IconForType returns a freedesktop icon name for the notification type
func IconForType(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return "dialog-positive"
	case NotifyWarning:
		return "dialog-warning"
	case NotifyError:
		return "dialog-error"
	default:
		return "dialog-information"
	}
}

func appleScriptString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}
