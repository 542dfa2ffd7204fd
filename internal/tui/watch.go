// Package tui provides the interactive terminal dashboard for watching
// orders and the worker fleet.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/cardforge/cardforge/internal/client"
	"github.com/cardforge/cardforge/internal/models"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(lipgloss.Color("#F9FAFB")).
			Padding(0, 1)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#6B7280")).
			Italic(true)

	statusActive   = lipgloss.NewStyle().Foreground(lipgloss.Color("6")) // Cyan
	statusWaiting  = lipgloss.NewStyle().Foreground(lipgloss.Color("3")) // Yellow
	statusDone     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // Green
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("1")) // Red
	workerIdle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	workerBusy     = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	workerStale    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	workerRowStyle = lipgloss.NewStyle().Padding(0, 2)
)

const refreshEvery = 2 * time.Second

// OrderItem implements list.Item for the order list.
type OrderItem struct {
	ID       string
	Channel  string
	Media    string
	Quantity int
	Status   models.OrderStatus
}

func (i OrderItem) FilterValue() string { return i.ID }
func (i OrderItem) Title() string {
	return fmt.Sprintf("%s  %s x%d", i.ID[:8], i.Media, i.Quantity)
}
func (i OrderItem) Description() string {
	return formatOrderStatus(i.Status) + " • " + i.Channel
}

func formatOrderStatus(status models.OrderStatus) string {
	switch status {
	case models.OrderCreating, models.OrderDownloading, models.OrderWriting:
		return statusActive.Render("● " + string(status))
	case models.OrderCreated, models.OrderPendingWriter, models.OrderPendingShipment, models.OrderPendingExpiry:
		return statusWaiting.Render("● " + string(status))
	case models.OrderShipped, models.OrderExpired:
		return statusDone.Render("● " + string(status))
	case models.OrderCreationFailed, models.OrderDownloadFailed, models.OrderWriteFailed, models.OrderCanceled:
		return statusFailed.Render("● " + string(status))
	default:
		return string(status)
	}
}

type refreshMsg struct {
	orders []models.Order
	beats  []models.Heartbeat
	err    error
}

type tickMsg time.Time

// Watch is the dashboard model.
type Watch struct {
	client *client.Client
	orders list.Model
	beats  []models.Heartbeat
	mode   string // "orders" or "workers"
	width  int
	height int
	err    error
}

// NewWatch creates the dashboard.
func NewWatch(c *client.Client) *Watch {
	delegate := list.NewDefaultDelegate()
	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Orders"
	l.SetShowStatusBar(true)
	l.SetFilteringEnabled(true)
	l.Styles.Title = titleStyle

	return &Watch{
		client: c,
		orders: l,
		mode:   "orders",
	}
}

// Run starts the dashboard.
func (w *Watch) Run() error {
	p := tea.NewProgram(w, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model.
func (w *Watch) Init() tea.Cmd {
	return tea.Batch(w.refresh, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (w *Watch) refresh() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	orders, err := w.client.ListOrders(ctx, "")
	if err != nil {
		return refreshMsg{err: err}
	}
	beats, err := w.client.ListHeartbeats(ctx)
	if err != nil {
		return refreshMsg{err: err}
	}
	return refreshMsg{orders: orders, beats: beats}
}

// Update implements tea.Model.
func (w *Watch) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return w, tea.Quit
		case "tab":
			if w.mode == "orders" {
				w.mode = "workers"
			} else {
				w.mode = "orders"
			}
			return w, nil
		case "r":
			return w, w.refresh
		}
	case tea.WindowSizeMsg:
		w.width = msg.Width
		w.height = msg.Height
		w.orders.SetSize(msg.Width, msg.Height-3)
	case tickMsg:
		return w, tea.Batch(w.refresh, tick())
	case refreshMsg:
		if msg.err != nil {
			w.err = msg.err
			return w, nil
		}
		w.err = nil
		items := make([]list.Item, 0, len(msg.orders))
		for _, o := range msg.orders {
			items = append(items, OrderItem{
				ID:       o.ID,
				Channel:  o.Channel,
				Media:    string(o.MediaType),
				Quantity: o.Quantity,
				Status:   o.Status,
			})
		}
		w.orders.SetItems(items)
		w.beats = msg.beats
		return w, nil
	}

	var cmd tea.Cmd
	w.orders, cmd = w.orders.Update(msg)
	return w, cmd
}

// View implements tea.Model.
func (w *Watch) View() string {
	var body string
	if w.mode == "workers" {
		body = w.workersView()
	} else {
		body = w.orders.View()
	}

	status := "tab: orders/workers • r: refresh • q: quit"
	if w.err != nil {
		status = statusFailed.Render("error: " + w.err.Error())
	}
	return body + "\n" + statusBarStyle.Render(status)
}

func (w *Watch) workersView() string {
	out := titleStyle.Render("Workers") + "\n\n"
	if len(w.beats) == 0 {
		return out + helpStyle.Render("no heartbeats yet")
	}
	now := time.Now()
	for _, hb := range w.beats {
		age := now.Sub(hb.On).Round(time.Second)
		line := fmt.Sprintf("%-20s %-10s slot %-4s %s (%s ago)",
			hb.Username, hb.Kind, hb.Slot, formatWorkerStatus(hb, age), age)
		out += workerRowStyle.Render(line) + "\n"
	}
	return out
}

func formatWorkerStatus(hb models.Heartbeat, age time.Duration) string {
	if age > 2*time.Minute {
		return workerStale.Render("● stale")
	}
	switch hb.Status {
	case models.HeartbeatBusy:
		return workerBusy.Render("● busy " + hb.Payload)
	case models.HeartbeatIdle:
		return workerIdle.Render("● idle")
	default:
		return workerStale.Render("● " + string(hb.Status))
	}
}
