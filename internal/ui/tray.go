package ui

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/getlantern/systray"

	"github.com/heimdex/heimdex-trim/internal/trim"
)

//go:embed icon.png
var iconBytes []byte

// Exporter is the part of the export core the tray drives.
type Exporter interface {
	CancelExport(ctx context.Context) error
	Subscribe() *trim.Subscription
}

type Tray struct {
	exporter Exporter
	logger   *slog.Logger

	statusItem *systray.MenuItem
	cancelItem *systray.MenuItem

	mu  sync.Mutex
	sub *trim.Subscription

	onQuit func()
}

type TrayConfig struct {
	Exporter Exporter
	Logger   *slog.Logger
	OnQuit   func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		exporter: cfg.Exporter,
		logger:   cfg.Logger,
		onQuit:   cfg.OnQuit,
	}
}

// Run blocks until the tray exits.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Heimdex")
	systray.SetTooltip("Heimdex Trim")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current export status")
	t.statusItem.Disable()

	systray.AddSeparator()

	t.cancelItem = systray.AddMenuItem("Cancel Export", "Cancel the running export")
	t.cancelItem.Disable()

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Heimdex Trim")

	t.mu.Lock()
	t.sub = t.exporter.Subscribe()
	sub := t.sub
	t.mu.Unlock()
	go t.watch(sub)

	go func() {
		for {
			select {
			case <-t.cancelItem.ClickedCh:
				t.handleCancel()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.mu.Lock()
	if t.sub != nil {
		t.sub.Close()
	}
	t.mu.Unlock()
	t.logger.Info("system tray exiting")
}

func (t *Tray) watch(sub *trim.Subscription) {
	for n := range sub.C() {
		title, active := StatusTitle(n)
		t.mu.Lock()
		t.statusItem.SetTitle(title)
		if active {
			t.cancelItem.Enable()
		} else {
			t.cancelItem.Disable()
		}
		t.mu.Unlock()
	}
}

func (t *Tray) handleCancel() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.exporter.CancelExport(ctx); err != nil {
		t.logger.Error("failed to cancel export", "error", err)
	}
}

// StatusTitle renders a notification as the tray status line and reports
// whether the export is still running.
func StatusTitle(n trim.Notification) (string, bool) {
	switch n.Kind {
	case trim.KindProgress:
		pct := 0.0
		if d := n.Range.Duration(); d > 0 {
			pct = min(max((n.Position-n.Range.Start)/d, 0), 1) * 100
		}
		return fmt.Sprintf("Status: Exporting %.0f%%", pct), true
	case trim.KindCompleted:
		return "Status: Saved " + n.Filename, false
	case trim.KindFailed:
		return "Status: Export failed (" + n.Reason + ")", false
	case trim.KindCancelled:
		return "Status: Export cancelled", false
	default:
		return "Status: Idle", false
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}
