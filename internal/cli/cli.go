package cli

import (
	"fmt"
	"os"

	goflags "github.com/jessevdk/go-flags"
)

// commands holds references to all subcommand structs for inspection/testing.
type commands struct {
	Serve   *ServeCommand
	Status  *StatusCommand
	Report  *ReportCommand
	History *HistoryCommand
	Add     *AddCommand
	Reset   *ResetCommand
}

// buildParser constructs the go-flags parser with all subcommands registered.
func buildParser(version string) (*goflags.Parser, *GlobalFlags, *commands) {
	var globals GlobalFlags

	parser := goflags.NewParser(&globals, goflags.Default)
	parser.Name = "histo"
	parser.LongDescription = "Local browsing-time tracker: sessions, per-site and per-category daily statistics."

	cmds := &commands{
		Serve:   &ServeCommand{globals: &globals, version: version},
		Status:  &StatusCommand{globals: &globals, version: version},
		Report:  &ReportCommand{globals: &globals, version: version},
		History: &HistoryCommand{globals: &globals, version: version},
		Add:     &AddCommand{globals: &globals, version: version},
		Reset:   &ResetCommand{globals: &globals, version: version},
	}

	parser.AddCommand("serve", "Run the Histo daemon", "Run the Histo daemon (local HTTP event feed and aggregation loop) in the foreground.", cmds.Serve)
	parser.AddCommand("status", "Show daemon health and statistics", "Show daemon health, database statistics, and today's totals.", cmds.Status)
	parser.AddCommand("report", "Print today's usage breakdown", "Force an aggregation pass and print today's per-site and per-category breakdown.", cmds.Report)
	parser.AddCommand("history", "Print archived daily totals", "Print archived daily totals, newest first.", cmds.History)
	parser.AddCommand("add", "Manually record a visit", "Manually record a visit into the visit log.", cmds.Add)
	parser.AddCommand("reset", "Delete ALL Histo data", "Delete ALL Histo data. Destructive operation with safety prompt.", cmds.Reset)

	return parser, &globals, cmds
}

// Run is the main entry point for the Histo CLI using os.Args.
func Run(version string) error {
	return RunWithArgs(version, nil)
}

// RunWithArgs parses the given args (or os.Args if nil) and executes the matched subcommand.
func RunWithArgs(version string, args []string) error {
	// Handle --version before parser (go-flags requires a subcommand, but
	// --version is valid without one).
	checkArgs := args
	if checkArgs == nil {
		checkArgs = os.Args[1:]
	}
	for _, arg := range checkArgs {
		if arg == "--version" {
			fmt.Printf("histo %s\n", version)
			return nil
		}
		if arg == "--" {
			break
		}
	}

	parser, _, _ := buildParser(version)

	var err error
	if args != nil {
		_, err = parser.ParseArgs(args)
	} else {
		_, err = parser.Parse()
	}

	if err != nil {
		if flagsErr, ok := err.(*goflags.Error); ok {
			if flagsErr.Type == goflags.ErrHelp {
				return nil
			}
		}
		return err
	}

	return nil
}
