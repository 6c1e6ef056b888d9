// Package cli implements the interactive console for the ladder bot and the
// table renderers shared with the one-shot history command.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/energizer-project/ladderbot/internal/db"
	"github.com/energizer-project/ladderbot/internal/events"
	"github.com/energizer-project/ladderbot/internal/session"
)

const defaultHistoryRows = 10

// StatusSource reports the live session state.
type StatusSource interface {
	Status() session.Snapshot
}

// HistorySource reads recorded battles.
type HistorySource interface {
	Recent(limit int) ([]db.Battle, error)
	Stats() (db.HistoryStats, error)
}

// CLI provides an interactive command-line interface.
type CLI struct {
	status   StatusSource
	history  HistorySource // nil when history is disabled
	eventBus *events.EventBus

	in  io.Reader
	out io.Writer
}

// NewCLI creates a new CLI handler reading commands from in.
func NewCLI(status StatusSource, history HistorySource, eventBus *events.EventBus, in io.Reader, out io.Writer) *CLI {
	return &CLI{
		status:   status,
		history:  history,
		eventBus: eventBus,
		in:       in,
		out:      out,
	}
}

// Start runs the command loop until EOF, quit or ctx cancellation.
func (c *CLI) Start(ctx context.Context) {
	fmt.Fprintln(c.out, "\nladderbot CLI ready. Type 'help' for available commands.")
	fmt.Fprintln(c.out, "─────────────────────────────────────────────────────")

	scanner := bufio.NewScanner(c.in)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fmt.Fprint(c.out, "ladderbot> ")
		if !scanner.Scan() {
			return
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}

		cmd := strings.ToLower(parts[0])
		quit, err := c.execute(ctx, cmd, parts[1:])
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if quit {
			return
		}
	}
}

// execute processes a single CLI command. It reports whether the loop should end.
func (c *CLI) execute(ctx context.Context, cmd string, args []string) (bool, error) {
	switch cmd {
	case "help", "h", "?":
		c.printHelp()
	case "status", "s":
		RenderStatus(c.out, c.status.Status())
	case "history":
		return false, c.cmdHistory(args)
	case "stats":
		return false, c.cmdStats()
	case "quit", "exit", "q":
		fmt.Fprintln(c.out, "Shutting down ladderbot...")
		if c.eventBus != nil {
			c.eventBus.Emit(ctx, events.Event{
				Type:   events.EventShutdown,
				Source: "cli",
			})
		}
		return true, nil
	default:
		fmt.Fprintf(c.out, "Unknown command: '%s'. Type 'help' for available commands.\n", cmd)
	}
	return false, nil
}

func (c *CLI) printHelp() {
	fmt.Fprintln(c.out, "\nCommands:")
	fmt.Fprintln(c.out, "  status          Show session state and the current battle")
	fmt.Fprintln(c.out, "  history [n]     Show the last n battles (default 10)")
	fmt.Fprintln(c.out, "  stats           Show win/loss totals")
	fmt.Fprintln(c.out, "  quit            Shut down ladderbot")
	fmt.Fprintln(c.out, "  help            Show this help message")
	fmt.Fprintln(c.out)
}

func (c *CLI) cmdHistory(args []string) error {
	if c.history == nil {
		return fmt.Errorf("battle history is disabled")
	}

	n, err := parseCountArg(args, defaultHistoryRows)
	if err != nil {
		return err
	}

	battles, err := c.history.Recent(n)
	if err != nil {
		return err
	}
	RenderBattles(c.out, battles)
	return nil
}

func (c *CLI) cmdStats() error {
	snap := c.status.Status()
	fmt.Fprintf(c.out, "\n  This session: %d battles, %d wins, %d losses, %d ties\n",
		snap.Stats.Battles, snap.Stats.Wins, snap.Stats.Losses, snap.Stats.Ties)

	if c.history == nil {
		fmt.Fprintln(c.out)
		return nil
	}
	stats, err := c.history.Stats()
	if err != nil {
		return err
	}
	RenderStats(c.out, stats)
	return nil
}

// RenderStatus prints a session snapshot as a two-column table.
func RenderStatus(w io.Writer, snap session.Snapshot) {
	room := snap.Room
	if room == "" {
		room = "-"
	}

	fmt.Fprintln(w)
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Field", "Value"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)
	tw.AppendBulk([][]string{
		{"Identity", snap.Identity},
		{"Auth", snap.Auth.String()},
		{"Matchmaking", snap.Matchmaking.String()},
		{"Room", room},
		{"Turns", strconv.Itoa(snap.Turns)},
		{"Retry armed", strconv.FormatBool(snap.RetryArmed)},
		{"Battles", strconv.Itoa(snap.Stats.Battles)},
	})
	tw.Render()
	fmt.Fprintln(w)
}

// RenderBattles prints battles in a table, newest first as given.
func RenderBattles(w io.Writer, battles []db.Battle) {
	if len(battles) == 0 {
		fmt.Fprintln(w, "No battles recorded.")
		return
	}

	fmt.Fprintln(w)
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Room", "Format", "Started", "Duration", "Turns", "Outcome", "Winner"})
	tw.SetBorder(true)
	tw.SetAutoWrapText(false)

	for _, b := range battles {
		outcome := string(b.Outcome)
		duration := "-"
		if b.EndedAt != nil {
			duration = b.EndedAt.Sub(b.StartedAt).Round(time.Second).String()
		} else {
			outcome = "in progress"
		}
		winner := b.Winner
		if winner == "" {
			winner = "-"
		}

		tw.Append([]string{
			b.Room,
			b.Format,
			b.StartedAt.Format("2006-01-02 15:04"),
			duration,
			strconv.Itoa(b.Turns),
			outcome,
			winner,
		})
	}

	tw.Render()
	fmt.Fprintln(w)
}

// RenderStats prints the stored history totals.
func RenderStats(w io.Writer, s db.HistoryStats) {
	fmt.Fprintln(w)
	tw := tablewriter.NewWriter(w)
	tw.SetHeader([]string{"Total", "Wins", "Losses", "Ties", "Closed", "Unfinished", "Win rate"})
	tw.SetBorder(true)
	tw.Append([]string{
		strconv.Itoa(s.Total),
		strconv.Itoa(s.Wins),
		strconv.Itoa(s.Losses),
		strconv.Itoa(s.Ties),
		strconv.Itoa(s.Closed),
		strconv.Itoa(s.Unfinished),
		fmt.Sprintf("%.1f%%", s.WinRate*100),
	})
	tw.Render()
	fmt.Fprintln(w)
}

func parseCountArg(args []string, def int) (int, error) {
	if len(args) < 1 {
		return def, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid count: %s", args[0])
	}
	return n, nil
}
