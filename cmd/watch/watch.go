// Package watch is a live terminal dashboard over a Debug Session Facade:
// breakpoints, threads, and the current call stack, refreshed as events
// arrive. It is a read-only companion to cmd/repl, not a replacement.
package watch

import (
	"context"
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/nanoframework/nf-debug-bridge/pkg/dap"
	"github.com/nanoframework/nf-debug-bridge/pkg/session"
	"github.com/rivo/tview"
)

// Dashboard is a tview application showing live session state.
type Dashboard struct {
	facade *session.Facade
	app    *tview.Application

	breakpoints *tview.Table
	threads     *tview.Table
	stack       *tview.TextView
	log         *tview.TextView
}

// New builds a Dashboard wired to facade.
func New(facade *session.Facade) *Dashboard {
	d := &Dashboard{
		facade:      facade,
		app:         tview.NewApplication(),
		breakpoints: tview.NewTable().SetBorders(false),
		threads:     tview.NewTable().SetBorders(false),
		stack:       tview.NewTextView().SetDynamicColors(true),
		log:         tview.NewTextView().SetDynamicColors(true).SetMaxLines(200),
	}
	d.breakpoints.SetBorder(true).SetTitle(" Breakpoints ")
	d.threads.SetBorder(true).SetTitle(" Threads ")
	d.stack.SetBorder(true).SetTitle(" Call Stack ")
	d.log.SetBorder(true).SetTitle(" Events ")

	top := tview.NewFlex().
		AddItem(d.breakpoints, 0, 1, false).
		AddItem(d.threads, 0, 1, false)
	root := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(top, 0, 1, false).
		AddItem(d.stack, 0, 1, false).
		AddItem(d.log, 0, 1, false)

	d.app.SetRoot(root, true)
	d.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyCtrlC || ev.Rune() == 'q' {
			d.app.Stop()
			return nil
		}
		return ev
	})
	return d
}

// Run starts the event-driven refresh loop and blocks until the user quits.
func (d *Dashboard) Run(ctx context.Context) error {
	d.redrawBreakpoints()

	go func() {
		for {
			select {
			case <-ctx.Done():
				d.app.Stop()
				return
			case evt, ok := <-d.facade.Events():
				if !ok {
					return
				}
				d.handleEvent(ctx, evt)
			}
		}
	}()

	return d.app.Run()
}

func (d *Dashboard) handleEvent(ctx context.Context, evt dap.Event) {
	d.app.QueueUpdateDraw(func() {
		switch evt.Kind {
		case dap.EventStopped:
			fmt.Fprintf(d.log, "[yellow]stopped[white]: reason=%s thread=%d\n", evt.Reason, evt.ThreadID)
			d.redrawThreads(ctx)
			d.redrawStack(ctx, evt.ThreadID)
		case dap.EventBreakpointChanged:
			d.redrawBreakpoints()
		case dap.EventTerminated:
			fmt.Fprintln(d.log, "[red]session terminated[white]")
		case dap.EventOutput:
			fmt.Fprintf(d.log, "%s\n", evt.Output)
		}
	})
}

func (d *Dashboard) redrawBreakpoints() {
	d.breakpoints.Clear()
	d.breakpoints.SetCell(0, 0, tview.NewTableCell("ID").SetSelectable(false))
	d.breakpoints.SetCell(0, 1, tview.NewTableCell("Location").SetSelectable(false))
	d.breakpoints.SetCell(0, 2, tview.NewTableCell("Status").SetSelectable(false))
	for i, bp := range d.facade.Breakpoints().List() {
		status := "verified"
		if !bp.Verified {
			status = "pending"
		}
		d.breakpoints.SetCell(i+1, 0, tview.NewTableCell(fmt.Sprintf("%d", bp.ID)))
		d.breakpoints.SetCell(i+1, 1, tview.NewTableCell(fmt.Sprintf("%s:%d", bp.SourcePath, bp.Line)))
		d.breakpoints.SetCell(i+1, 2, tview.NewTableCell(status))
	}
}

func (d *Dashboard) redrawThreads(ctx context.Context) {
	threads, err := d.facade.Threads(ctx)
	if err != nil {
		fmt.Fprintf(d.log, "[red]threads: %v[white]\n", err)
		return
	}
	d.threads.Clear()
	d.threads.SetCell(0, 0, tview.NewTableCell("ID").SetSelectable(false))
	d.threads.SetCell(0, 1, tview.NewTableCell("Name").SetSelectable(false))
	for i, th := range threads {
		d.threads.SetCell(i+1, 0, tview.NewTableCell(fmt.Sprintf("%d", th.ID)))
		d.threads.SetCell(i+1, 1, tview.NewTableCell(th.Name))
	}
}

func (d *Dashboard) redrawStack(ctx context.Context, threadID uint32) {
	frames, err := d.facade.StackTrace(ctx, threadID)
	if err != nil {
		fmt.Fprintf(d.log, "[red]stack: %v[white]\n", err)
		return
	}
	d.stack.Clear()
	for i, f := range frames {
		loc := ""
		if f.Source != "" {
			loc = fmt.Sprintf(" (%s:%d)", f.Source, f.Line)
		}
		fmt.Fprintf(d.stack, "#%d %s%s\n", i, f.Name, loc)
	}
}
