// Command urs485mon is a terminal status dashboard for a running urs485d,
// polling its admin API (internal/adminapi) over HTTP.
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"urs485d/internal/monitor"
)

func main() {
	addr := flag.String("addr", "http://localhost:9485", "urs485d admin API base URL")
	flag.Parse()

	p := tea.NewProgram(monitor.NewModel(*addr), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "urs485mon: %v\n", err)
		os.Exit(1)
	}
}
