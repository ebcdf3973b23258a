package printer

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/dyluth/easel/internal/feed"
	"github.com/dyluth/easel/internal/presence"
	"github.com/dyluth/easel/internal/store"
)

func init() {
	// Color stays on when piped; NO_COLOR turns it off
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)

	out    io.Writer = os.Stdout
	errOut io.Writer = os.Stderr
)

// SetOutput redirects normal and error output. Passing nil restores the
// process's stdout or stderr.
func SetOutput(stdout, stderr io.Writer) {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	out, errOut = stdout, stderr
}

// Success prints a green message with a checkmark prefix
func Success(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "✓") {
		msg = "✓ " + msg
	}
	green.Fprint(out, msg)
}

// Info prints an uncolored message
func Info(format string, a ...any) {
	fmt.Fprintf(out, format, a...)
}

// Warning prints a yellow message with a warning prefix
func Warning(format string, a ...any) {
	msg := fmt.Sprintf(format, a...)
	if !strings.HasPrefix(msg, "⚠️") {
		msg = "⚠️  " + msg
	}
	yellow.Fprint(out, msg)
}

// Step prints an emphasised progress line
func Step(format string, a ...any) {
	cyan.Fprintf(out, "→ %s", fmt.Sprintf(format, a...))
}

// Error prints a title, explanation and suggestions to the error output and
// returns an error holding only the title, for Cobra with SilenceErrors.
func Error(title string, explanation string, suggestions []string) error {
	return ErrorWithContext(title, explanation, nil, suggestions)
}

// ErrorWithContext is Error with key/value details, printed in key order.
func ErrorWithContext(title string, explanation string, context map[string]string, suggestions []string) error {
	red.Fprintf(errOut, "%s\n\n", title)

	if explanation != "" {
		fmt.Fprintf(errOut, "%s\n", explanation)
	}

	if len(context) > 0 {
		keys := make([]string, 0, len(context))
		for k := range context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(errOut, "\n")
		for _, k := range keys {
			fmt.Fprintf(errOut, "  %s: %s\n", k, context[k])
		}
	}

	switch len(suggestions) {
	case 0:
	case 1:
		fmt.Fprintf(errOut, "\n%s\n", suggestions[0])
	default:
		fmt.Fprintf(errOut, "\nEither:\n")
		for i, suggestion := range suggestions {
			fmt.Fprintf(errOut, "  %d. %s\n", i+1, suggestion)
		}
	}

	return fmt.Errorf("%s", title)
}

// FeedState prints a change-feed transition. Anything other than connected
// means the view may be stale.
func FeedState(boardID string, state feed.State, err error) {
	switch state {
	case feed.StateConnected:
		Success("Live on board %s\n", boardID)
	case feed.StateConnecting:
		Step("Connecting to board %s\n", boardID)
	default:
		if err != nil {
			Warning("Board %s is offline, view may be stale: %v\n", boardID, err)
		} else {
			Warning("Board %s is offline, view may be stale\n", boardID)
		}
	}
}

// Conflict prints a dropped remote update.
func Conflict(c store.Conflict) {
	Warning("Dropped update to %s from %s: remote v%d is older than local v%d\n",
		c.ElementID, c.RemoteUser, c.RemoteVersion, c.LocalVersion)
}

// Peers prints the active users on a board, one per line.
func Peers(peers []presence.Presence, now time.Time) {
	if len(peers) == 0 {
		Info("No one else is here\n")
		return
	}
	for _, p := range peers {
		cyan.Fprintf(out, "● %-20s", p.UserID)
		fmt.Fprintf(out, " cursor=(%.0f, %.0f) seen %s ago\n", p.CursorX, p.CursorY, now.Sub(p.LastSeen()).Round(time.Second))
	}
}
