package cli

// GlobalFlags holds flags available to all subcommands.
type GlobalFlags struct {
	Config  string `long:"config" description:"Path to config file" default:""`
	JSON    bool   `long:"json" description:"Output in JSON format"`
	Verbose bool   `long:"verbose" description:"Enable verbose output"`
	Version bool   `long:"version" description:"Show version and exit"`
}

// ServeCommand — run the Histo daemon in the foreground.
type ServeCommand struct {
	Host string `long:"host" description:"Override daemon host"`
	Port int    `long:"port" description:"Override daemon port"`

	globals *GlobalFlags
	version string
}

// StatusCommand — show daemon health, database stats, and today's totals.
type StatusCommand struct {
	globals *GlobalFlags
	version string
}

// ReportCommand — force an aggregation pass and print today's breakdown.
type ReportCommand struct {
	Top int `long:"top" description:"Maximum sites to list" default:"15"`

	globals *GlobalFlags
	version string
}

// HistoryCommand — print archived daily totals, or recent visits with
// --visits.
type HistoryCommand struct {
	Limit  int  `long:"limit" description:"Maximum entries to list" default:"30"`
	Visits bool `long:"visits" description:"List recent visits instead of archived days"`

	globals *GlobalFlags
	version string
}

// AddCommand — manually record a visit.
type AddCommand struct {
	URL   string `long:"url" description:"URL to record (required)"`
	Title string `long:"title" description:"Page title"`

	globals *GlobalFlags
	version string
}

// ResetCommand — delete ALL Histo data with safety confirmation.
type ResetCommand struct {
	Force bool `long:"force" description:"Skip safety confirmation prompt"`

	globals *GlobalFlags
	version string
}
