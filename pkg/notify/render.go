package notify

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
)

var (
	popupStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	insertHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("42"))

	updateHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("214"))

	deleteHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("196"))

	messageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	barFilledStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86"))

	barEmptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("238"))
)

const (
	popupWidth    = 46
	redrawEvery   = 100 * time.Millisecond
	clearLine     = "\033[2K"
	cursorUpLines = "\033[%dA"
)

// TerminalDisplay renders notifications as a bordered popup with a countdown
// bar that shrinks as the auto-hide deadline approaches. It redraws in place
// using ANSI cursor movement, so the writer should be a terminal.
type TerminalDisplay struct {
	out io.Writer

	mu        sync.Mutex
	stopCh    chan struct{}
	drawn     int // lines currently on screen
}

func NewTerminalDisplay(out io.Writer) *TerminalDisplay {
	return &TerminalDisplay{out: out}
}

func (d *TerminalDisplay) Show(n Notification) {
	d.mu.Lock()
	d.stopLocked()
	stopCh := make(chan struct{})
	d.stopCh = stopCh
	d.drawLocked(n, n.TTL)
	d.mu.Unlock()

	go d.animate(n, stopCh)
}

func (d *TerminalDisplay) animate(n Notification, stopCh chan struct{}) {
	ticker := time.NewTicker(redrawEvery)
	defer ticker.Stop()

	deadline := n.ShownAt.Add(n.TTL)
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			remaining := time.Until(deadline)
			if remaining < 0 {
				remaining = 0
			}
			d.mu.Lock()
			if d.stopCh != stopCh {
				d.mu.Unlock()
				return
			}
			d.drawLocked(n, remaining)
			d.mu.Unlock()
		}
	}
}

func (d *TerminalDisplay) Hide() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.clearLocked()
}

func (d *TerminalDisplay) stopLocked() {
	if d.stopCh != nil {
		close(d.stopCh)
		d.stopCh = nil
	}
}

func (d *TerminalDisplay) clearLocked() {
	if d.drawn == 0 {
		return
	}
	fmt.Fprintf(d.out, cursorUpLines, d.drawn)
	for i := 0; i < d.drawn; i++ {
		fmt.Fprint(d.out, clearLine+"\n")
	}
	fmt.Fprintf(d.out, cursorUpLines, d.drawn)
	d.drawn = 0
}

func (d *TerminalDisplay) drawLocked(n Notification, remaining time.Duration) {
	if d.drawn > 0 {
		fmt.Fprintf(d.out, cursorUpLines, d.drawn)
	}

	popup := renderPopup(n, remaining)
	lines := strings.Split(popup, "\n")
	for _, line := range lines {
		fmt.Fprint(d.out, clearLine+line+"\n")
	}
	d.drawn = len(lines)
}

func renderPopup(n Notification, remaining time.Duration) string {
	header := headerFor(n.Operation)

	var content strings.Builder
	content.WriteString(header)
	content.WriteString("\n")
	content.WriteString(messageStyle.Width(popupWidth).Render(n.Message))
	content.WriteString("\n")
	content.WriteString(countdownBar(n.TTL, remaining))

	return popupStyle.Render(content.String())
}

func headerFor(operation string) string {
	switch operation {
	case "INSERT":
		return insertHeaderStyle.Render("● Bin created")
	case "UPDATE":
		return updateHeaderStyle.Render("● Bin updated")
	case "DELETE":
		return deleteHeaderStyle.Render("● Bin deleted")
	default:
		return updateHeaderStyle.Render("● Bin changed")
	}
}

// countdownBar renders the remaining display time as a shrinking bar.
func countdownBar(ttl, remaining time.Duration) string {
	if ttl <= 0 {
		ttl = time.Second
	}
	filled := int(float64(popupWidth) * float64(remaining) / float64(ttl))
	if filled > popupWidth {
		filled = popupWidth
	}
	if filled < 0 {
		filled = 0
	}
	return barFilledStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", popupWidth-filled))
}
