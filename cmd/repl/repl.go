// Package repl is a minimal interactive console that exercises the Debug
// Session Facade directly, without a DAP front end — grounded on the
// teacher's cmd/cpu/debug.go prompt loop and color scheme.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/nanoframework/nf-debug-bridge/pkg/dap"
	"github.com/nanoframework/nf-debug-bridge/pkg/session"
	"golang.org/x/term"
)

var (
	colorPrompt  = color.New(color.FgBlue, color.Bold)
	colorSuccess = color.New(color.FgGreen)
	colorWarning = color.New(color.FgYellow)
	colorError   = color.New(color.FgRed, color.Bold)
	colorAddr    = color.New(color.FgCyan)
	colorValue   = color.New(color.FgWhite, color.Bold)
	colorHeader  = color.New(color.FgWhite, color.Bold, color.Underline)
)

// Console drives a Facade from stdin until the user quits.
type Console struct {
	facade     *session.Facade
	running    bool
	lastCmd    string
	lastThread uint32
}

// New creates a console wired to facade.
func New(facade *session.Facade) *Console {
	return &Console{facade: facade, running: true}
}

// Run starts the background event printer and the interactive prompt loop,
// blocking until the user quits or stdin closes.
func (c *Console) Run(ctx context.Context) {
	// A piped stdin (scripted input, CI) is not a real line-editing terminal;
	// color escape codes only add noise there, so they are turned off.
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	if !interactive {
		color.NoColor = true
	}

	go c.printEvents()

	reader := bufio.NewReader(os.Stdin)
	colorSuccess.Println("Connected. Type 'help' for available commands.")
	for c.running {
		colorPrompt.Print("(nf-debug) ")
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if line == "" {
			line = c.lastCmd
		}
		if line == "" {
			continue
		}
		c.lastCmd = line
		c.execute(ctx, line)
	}
}

func (c *Console) printEvents() {
	for evt := range c.facade.Events() {
		switch evt.Kind {
		case dap.EventStopped:
			c.lastThread = evt.ThreadID
			colorWarning.Printf("\nstopped: reason=%s thread=%d", evt.Reason, evt.ThreadID)
			if len(evt.HitBreakpointIDs) > 0 {
				fmt.Printf(" breakpoints=%v", evt.HitBreakpointIDs)
			}
			if evt.Text != "" {
				fmt.Printf(" (%s)", evt.Text)
			}
			fmt.Println()
		case dap.EventBreakpointChanged:
			bp := evt.Breakpoint
			status := "verified"
			if !bp.Verified {
				status = "pending: " + bp.Message
			}
			colorWarning.Printf("\nbreakpoint %d %s at %s:%d\n", bp.ID, status, bp.SourcePath, bp.Line)
		case dap.EventTerminated:
			colorWarning.Println("\nsession terminated")
		}
	}
}

func (c *Console) execute(ctx context.Context, line string) {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case "continue", "c":
		err = c.facade.Continue(ctx)
	case "pause":
		err = c.facade.Pause(ctx)
	case "stepover", "so", "next", "n":
		err = c.facade.StepOver(ctx, c.lastThread)
	case "stepin", "si", "step", "s":
		err = c.facade.StepIn(ctx, c.lastThread)
	case "stepout", "sout":
		err = c.facade.StepOut(ctx, c.lastThread)
	case "break", "b":
		err = c.cmdBreak(ctx, args)
	case "delete", "d":
		err = c.cmdDelete(ctx, args)
	case "list", "l":
		c.cmdList()
	case "threads", "t":
		err = c.cmdThreads(ctx)
	case "stack", "bt":
		err = c.cmdStack(ctx)
	case "vars", "v":
		err = c.cmdVars(ctx, args)
	case "print", "p":
		err = c.cmdPrint(ctx, args)
	case "set":
		err = c.cmdSet(ctx, args)
	case "help", "h", "?":
		c.cmdHelp()
	case "quit", "q", "exit":
		c.running = false
		colorSuccess.Println("Disconnecting.")
		_ = c.facade.Disconnect(ctx)
	default:
		colorError.Printf("Unknown command: %s. ", cmd)
		fmt.Println("Type 'help' for available commands.")
	}

	if err != nil {
		colorError.Printf("Error: %v\n", err)
	}
}

func (c *Console) cmdBreak(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage: break <file>:<line>")
		return nil
	}
	file, lineStr, ok := strings.Cut(args[0], ":")
	if !ok {
		return fmt.Errorf("expected file:line, got %q", args[0])
	}
	line, err := strconv.Atoi(lineStr)
	if err != nil {
		return fmt.Errorf("invalid line %q: %w", lineStr, err)
	}
	bp, err := c.facade.Breakpoints().SetBreakpoint(ctx, file, line, "")
	if err != nil {
		return err
	}
	colorSuccess.Printf("Breakpoint %s set at %s:%s (verified=%v)\n",
		colorValue.Sprintf("%d", bp.ID), file, lineStr, bp.Verified)
	return nil
}

func (c *Console) cmdDelete(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage: delete <breakpoint-id>")
		return nil
	}
	id, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid id %q: %w", args[0], err)
	}
	if err := c.facade.Breakpoints().RemoveBreakpoint(ctx, id); err != nil {
		return err
	}
	colorSuccess.Printf("Breakpoint %d deleted.\n", id)
	return nil
}

func (c *Console) cmdList() {
	bps := c.facade.Breakpoints().List()
	if len(bps) == 0 {
		colorWarning.Println("No breakpoints set.")
		return
	}
	colorHeader.Println("Breakpoints:")
	for _, bp := range bps {
		status := colorSuccess.Sprint("verified")
		if !bp.Verified {
			status = colorWarning.Sprintf("pending (%s)", bp.Message)
		}
		fmt.Printf("  %s: %s:%d %s\n", colorValue.Sprintf("%d", bp.ID), bp.SourcePath, bp.Line, status)
	}
}

func (c *Console) cmdThreads(ctx context.Context) error {
	threads, err := c.facade.Threads(ctx)
	if err != nil {
		return err
	}
	colorHeader.Println("Threads:")
	for _, th := range threads {
		fmt.Printf("  %s: %s\n", colorValue.Sprintf("%d", th.ID), th.Name)
	}
	return nil
}

func (c *Console) cmdStack(ctx context.Context) error {
	frames, err := c.facade.StackTrace(ctx, c.lastThread)
	if err != nil {
		return err
	}
	for i, f := range frames {
		loc := ""
		if f.Source != "" {
			loc = fmt.Sprintf(" (%s:%d)", f.Source, f.Line)
		}
		fmt.Printf("  #%d %s%s [ref=%s]\n", i, f.Name, loc, colorAddr.Sprintf("%d", f.FrameRef))
	}
	return nil
}

func (c *Console) cmdVars(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage: vars <frame-ref>")
		return nil
	}
	frameRef, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid frame ref %q: %w", args[0], err)
	}
	scopes, err := c.facade.Scopes(ctx, frameRef)
	if err != nil {
		return err
	}
	for _, scope := range scopes {
		fmt.Printf("%s (%d):\n", colorHeader.Sprint(scope.Name), scope.Count)
		vars, err := c.facade.Variables(ctx, scope.Ref, 0, -1)
		if err != nil {
			return err
		}
		for _, v := range vars {
			fmt.Printf("  %s %s = %s\n", v.TypeName, v.Name, colorValue.Sprint(v.Value))
		}
	}
	return nil
}

func (c *Console) cmdPrint(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Println("Usage: print <expression> [frame-ref]")
		return nil
	}
	frameRef := 0
	if len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil {
			frameRef = v
		}
	}
	v, err := c.facade.Evaluate(ctx, args[0], frameRef)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s = %s\n", v.TypeName, v.Name, colorValue.Sprint(v.Value))
	return nil
}

func (c *Console) cmdSet(ctx context.Context, args []string) error {
	if len(args) < 3 {
		fmt.Println("Usage: set <scope-ref> <name> <value>")
		return nil
	}
	scopeRef, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid scope ref %q: %w", args[0], err)
	}
	result, err := c.facade.SetVariable(ctx, scopeRef, args[1], strings.Join(args[2:], " "))
	if err != nil {
		return err
	}
	colorSuccess.Printf("%s = %s\n", args[1], result)
	return nil
}

func (c *Console) cmdHelp() {
	colorHeader.Println("nf-debug-bridge console commands:")
	fmt.Println("  continue, c               - resume execution")
	fmt.Println("  pause                     - pause execution")
	fmt.Println("  stepover, so              - step over")
	fmt.Println("  stepin, si                - step in")
	fmt.Println("  stepout, sout             - step out")
	fmt.Println("  break, b <file>:<line>    - set a breakpoint")
	fmt.Println("  delete, d <id>            - remove a breakpoint")
	fmt.Println("  list, l                   - list breakpoints")
	fmt.Println("  threads, t                - list threads")
	fmt.Println("  stack, bt                 - show call stack of the last stopped thread")
	fmt.Println("  vars, v <frame-ref>       - show scopes and variables for a frame")
	fmt.Println("  print, p <expr> [frame]   - evaluate a single-identifier expression")
	fmt.Println("  set <scope> <name> <val>  - write a primitive variable")
	fmt.Println("  quit, q                   - disconnect and exit")
	fmt.Println()
	fmt.Println("Press Enter to repeat the last command.")
}
