package monitor

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psutil "github.com/shirou/gopsutil/v3/cpu"
	psmem "github.com/shirou/gopsutil/v3/mem"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Bold(true).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 1)

	listStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2563EB"))

	okStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#34D399"))

	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))

	copyNoticeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#10B981")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
)

const pollInterval = 2 * time.Second

// switchListWidth/Height size the bubbles/list widget holding the switch
// column; the port table is rendered alongside it, not inside it.
const (
	switchListWidth  = 36
	switchListHeight = 10
)

type switchesMsg struct {
	switches []SwitchStatus
	err      error
}

type portsMsg struct {
	name  string
	ports []PortStatus
	err   error
}

type resourceMsg struct {
	line string
}

type copyNoticeExpiredMsg struct{}

type pollMsg struct{}

// switchItem adapts SwitchStatus to bubbles/list.Item, driving a live,
// re-populated list rather than a fixed menu.
type switchItem struct{ SwitchStatus }

func (i switchItem) Title() string {
	status := okStyle.Render("attached")
	if !i.USBAttached {
		status = warnStyle.Render("no device")
	}
	return fmt.Sprintf("%-16s tcp:%-5d  %s", i.Name, i.TCPPortBase, status)
}

func (i switchItem) Description() string {
	return fmt.Sprintf("serial %s  rev %s", orDash(i.USBSerial), orDash(i.HWRevision))
}

func (i switchItem) FilterValue() string { return i.Name }

// Model is the urs485mon bubbletea model. It polls one urs485d admin API
// and renders the switch list on the left, the selected switch's 8 data
// ports on the right.
type Model struct {
	api *APIClient

	switchList list.Model
	ports      []PortStatus

	resourceLine string
	lastErr      error
	showCopy     bool

	width, height int
}

// NewModel builds a Model polling baseURL.
func NewModel(baseURL string) Model {
	l := list.New(nil, list.NewDefaultDelegate(), switchListWidth, switchListHeight)
	l.Title = "Switches"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(false)
	l.SetShowHelp(false)
	return Model{api: NewAPIClient(baseURL), switchList: l}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetchSwitches(), m.updateResourceLine())
}

func (m Model) fetchSwitches() tea.Cmd {
	return func() tea.Msg {
		sw, err := m.api.FetchSwitches()
		return switchesMsg{switches: sw, err: err}
	}
}

func (m Model) fetchPorts(name string) tea.Cmd {
	return func() tea.Msg {
		ports, err := m.api.FetchPorts(name)
		return portsMsg{name: name, ports: ports, err: err}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

// updateResourceLine samples host CPU/memory once a second for the
// header line.
func (m Model) updateResourceLine() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		cpuPercent, _ := psutil.Percent(0, false)
		memInfo, err := psmem.VirtualMemory()
		cpuPct := 0.0
		if len(cpuPercent) > 0 {
			cpuPct = cpuPercent[0]
		}
		memPct := 0.0
		if err == nil && memInfo != nil {
			memPct = memInfo.UsedPercent
		}
		line := fmt.Sprintf("CPU: %.1f%% | RAM: %.1f%% | Go: %s", cpuPct, memPct, runtime.Version())
		return resourceMsg{line: line}
	})
}

// selectedName returns the currently highlighted switch's name, or "" if
// the list is empty.
func (m Model) selectedName() string {
	if it, ok := m.switchList.SelectedItem().(switchItem); ok {
		return it.Name
	}
	return ""
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "y":
			if it, ok := m.switchList.SelectedItem().(switchItem); ok {
				blob, _ := json.MarshalIndent(it.SwitchStatus, "", "  ")
				if err := clipboard.WriteAll(string(blob)); err == nil {
					m.showCopy = true
					return m, tea.Tick(2*time.Second, func(time.Time) tea.Msg { return copyNoticeExpiredMsg{} })
				}
			}
			return m, nil
		default:
			before := m.selectedName()
			var cmd tea.Cmd
			m.switchList, cmd = m.switchList.Update(msg)
			if after := m.selectedName(); after != "" && after != before {
				return m, tea.Batch(cmd, m.fetchPorts(after))
			}
			return m, cmd
		}

	case copyNoticeExpiredMsg:
		m.showCopy = false
		return m, nil

	case switchesMsg:
		m.lastErr = msg.err
		if msg.err == nil {
			prev := m.selectedName()
			items := make([]list.Item, len(msg.switches))
			for i, sw := range msg.switches {
				items[i] = switchItem{sw}
			}
			m.switchList.SetItems(items)

			var cmds []tea.Cmd
			if sel := m.selectedName(); sel != "" {
				if sel != prev || m.ports == nil {
					cmds = append(cmds, m.fetchPorts(sel))
				}
			}
			cmds = append(cmds, m.tick())
			return m, tea.Batch(cmds...)
		}
		return m, m.tick()

	case portsMsg:
		if msg.err == nil && m.selectedName() == msg.name {
			m.ports = msg.ports
		}
		return m, nil

	case resourceMsg:
		m.resourceLine = msg.line
		return m, m.updateResourceLine()

	case pollMsg:
		return m, m.fetchSwitches()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder

	header := fmt.Sprintf("urs485mon  —  %s", m.resourceLine)
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n\n")

	if m.lastErr != nil {
		b.WriteString(warnStyle.Render(fmt.Sprintf("admin API unreachable: %v", m.lastErr)))
		b.WriteString("\n")
	}

	b.WriteString(m.switchList.View())
	b.WriteString("\n")

	if it, ok := m.switchList.SelectedItem().(switchItem); ok {
		b.WriteString(renderPortTable(it.SwitchStatus, m.ports))
	}

	if m.showCopy {
		b.WriteString("\n")
		b.WriteString(copyNoticeStyle.Render("copied switch status to clipboard"))
	}

	b.WriteString("\n\n")
	b.WriteString(footerStyle.Render(" "))
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select switch · y copy status · q quit"))
	return b.String()
}

func renderPortTable(sw SwitchStatus, ports []PortStatus) string {
	var lines []string
	lines = append(lines, fmt.Sprintf("%s (serial %s, rev %s)", sw.Name, orDash(sw.USBSerial), orDash(sw.HWRevision)))
	for _, p := range ports {
		powered := "off"
		if p.Powered {
			powered = "on"
		}
		lines = append(lines, fmt.Sprintf(
			"  port %d (%-8s) baud=%-7d parity=%d power=%-3s err=%d/%d/%d/%d timeouts=%d",
			p.PhysNumber, strings.TrimSpace(p.Description), p.BaudRate, p.Parity, powered,
			p.Counters.FrameErrors, p.Counters.OversizeErrors, p.Counters.UndersizeErrors, p.Counters.CRCErrors,
			p.Counters.Timeouts,
		))
	}
	return listStyle.Render(strings.Join(lines, "\n"))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
