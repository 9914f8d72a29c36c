package tui

import (
	"fmt"
	"io"

	"github.com/aretw0/sochen/pkg/domain"
	"github.com/muesli/termenv"
)

// PrintBanner writes the Sochen banner to w.
func PrintBanner(w io.Writer) {
	p := termenv.ColorProfile()
	lines := []struct {
		text, color string
	}{
		{"  ____             _               ", "#818cf8"},
		{" / ___|  ___   ___| |__   ___ _ __  ", "#a78bfa"},
		{" \\___ \\ / _ \\ / __| '_ \\ / _ \\ '_ \\ ", "#c084fc"},
		{"  ___) | (_) | (__| | | |  __/ | | |", "#e879f9"},
		{" |____/ \\___/ \\___|_| |_|\\___|_| |_|", "#f472b6"},
	}

	fmt.Fprintln(w)
	for _, l := range lines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w)
}

// StatusColors maps workflow status to terminal colours.
var StatusColors = map[domain.Status]string{
	domain.StatusRunning:         "#60a5fa",
	domain.StatusWaitingForHuman: "#fbbf24",
	domain.StatusError:           "#f87171",
	domain.StatusCompleted:       "#34d399",
}

// Status renders a status in its colour, bold.
func Status(s domain.Status) string {
	p := termenv.ColorProfile()
	out := termenv.String(string(s)).Bold()
	if c, ok := StatusColors[s]; ok {
		out = out.Foreground(p.Color(c))
	}
	return out.String()
}
