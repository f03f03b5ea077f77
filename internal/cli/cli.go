package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/common-nighthawk/go-figure"

	"github.com/vitaminmoo/turnstile-tool/internal/commands"
	"github.com/vitaminmoo/turnstile-tool/internal/config"
	"github.com/vitaminmoo/turnstile-tool/internal/device"
	"github.com/vitaminmoo/turnstile-tool/internal/report"
)

// BuildVersion is set at build time.
var BuildVersion = "dev"

// CLI is the root command structure for turnstile.
type CLI struct {
	Verbose  bool          `short:"v" help:"Enable verbose debug output"`
	EnvFile  string        `name:"env-file" help:"Read settings from this file instead of .env" type:"path"`
	Host     string        `help:"Turnstile address (overrides TURNSTILE_HOST)"`
	Username string        `help:"Web interface user (overrides TURNSTILE_USERNAME)"`
	Password string        `help:"Web interface password (overrides TURNSTILE_PASSWORD)"`
	Timeout  time.Duration `help:"Per-request timeout (overrides TURNSTILE_TIMEOUT)"`

	// Default command - full run
	Run RunCmd `cmd:"" default:"withargs" help:"Back up, update cards and write the access report (default)"`

	Health HealthCmd `cmd:"" help:"Check that the turnstile answers"`
	Backup BackupCmd `cmd:"" help:"Save the current card memory"`
	Sync   SyncCmd   `cmd:"" help:"Back up and update cards, no report"`
	Logs   LogsCmd   `cmd:"" help:"Print the newest events"`
	Report ReportCmd `cmd:"" help:"Download events and write the access report"`

	ParseBackup ParseBackupCmd `cmd:"" name:"parse-backup" help:"Decode a saved card memory dump"`
	ParseLog    ParseLogCmd    `cmd:"" name:"parse-log" help:"Decode a saved event payload"`

	Backups BackupsCmd `cmd:"" help:"Backup store"`
	History HistoryCmd `cmd:"" help:"Run journal"`
	Sim     SimCmd     `cmd:"" help:"Serve a simulated turnstile"`
	Version VersionCmd `cmd:"" help:"Show version"`

	ctx context.Context
}

// WithContext sets the context commands run under.
func (c *CLI) WithContext(ctx context.Context) { c.ctx = ctx }

func (c *CLI) context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// env loads configuration, applies flag overrides and sets up logging.
func (c *CLI) env() (*commands.Env, error) {
	config.Verbose = c.Verbose
	cfg, err := config.Load(c.EnvFile)
	if err != nil {
		return nil, err
	}
	config.SetupLogging(os.Stderr, cfg.Logging.Level, c.Verbose)

	if c.Host != "" {
		cfg.Device.Host = c.Host
	}
	if c.Username != "" {
		cfg.Device.Username = c.Username
	}
	if c.Password != "" {
		cfg.Device.Password = c.Password
	}
	if c.Timeout > 0 {
		cfg.Device.Timeout = c.Timeout
	}
	return commands.NewEnv(cfg), nil
}

// --- Device Commands ---

// ReportFlags are shared by the commands that write a report.
type ReportFlags struct {
	RecordsToFetch int    `name:"records-to-fetch" default:"10000" help:"Number of newest events to download"`
	Format         string `enum:"xlsx,csv" default:"xlsx" help:"Report format (xlsx, csv)"`
	Output         string `short:"o" help:"Report directory (overrides REPORT_DIR)" type:"path"`
	ByTime         bool   `name:"by-time" help:"Order report rows by event time instead of device order"`
}

func (f ReportFlags) apply(opts *commands.RunOptions) {
	opts.RecordsToFetch = f.RecordsToFetch
	opts.Format = f.Format
	opts.ReportDir = f.Output
	if f.ByTime {
		opts.Order = report.OrderByTimestamp
	}
}

type RunCmd struct {
	Cards      string `arg:"" optional:"" help:"Card list (.xlsx or .csv)" type:"existingfile"`
	SkipUpdate bool   `name:"skip-update" help:"Do not back up or change cards"`
	SkipReport bool   `name:"skip-report" help:"Do not download events or write a report"`
	Clear      bool   `help:"Clear card memory after the backup and before the update"`
	TUI        bool   `name:"tui" help:"Show a live progress view"`
	ReportFlags `embed:""`
}

func (c *RunCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	opts := commands.RunOptions{
		CardsPath:  c.Cards,
		SkipUpdate: c.SkipUpdate,
		SkipReport: c.SkipReport,
		Clear:      c.Clear,
	}
	c.ReportFlags.apply(&opts)
	return env.RunPipeline(globals.context(), opts, c.TUI)
}

type HealthCmd struct{}

func (c *HealthCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	return env.Health(globals.context())
}

type BackupCmd struct{}

func (c *BackupCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	return env.Backup(globals.context())
}

type SyncCmd struct {
	Cards string `arg:"" help:"Card list (.xlsx or .csv)" type:"existingfile"`
	Clear bool   `help:"Clear card memory after the backup and before the update"`
	TUI   bool   `name:"tui" help:"Show a live progress view"`
}

func (c *SyncCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	opts := commands.RunOptions{CardsPath: c.Cards, Clear: c.Clear, SkipReport: true}
	return env.RunPipeline(globals.context(), opts, c.TUI)
}

type LogsCmd struct {
	Count int  `short:"n" default:"100" help:"Number of newest events"`
	JSON  bool `help:"Print as JSON"`
}

func (c *LogsCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	if c.Count <= 0 {
		c.Count = device.DefaultEventCount
	}
	return env.Logs(globals.context(), c.Count, c.JSON)
}

type ReportCmd struct {
	Cards string `short:"c" help:"Card list used for holder names" type:"existingfile"`
	ReportFlags `embed:""`
}

func (c *ReportCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	opts := commands.RunOptions{CardsPath: c.Cards, SkipUpdate: true}
	c.ReportFlags.apply(&opts)
	return env.RunPipeline(globals.context(), opts, false)
}

// --- Offline Commands ---

type ParseBackupCmd struct {
	File string `arg:"" help:"Card memory dump" type:"existingfile"`
	Hex  bool   `help:"Also print a hex dump"`
	JSON bool   `help:"Print as JSON"`
}

func (c *ParseBackupCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	return env.ParseBackup(c.File, c.Hex, c.JSON)
}

type ParseLogCmd struct {
	File   string `arg:"" help:"Event payload as returned by the turnstile" type:"existingfile"`
	Cards  string `short:"c" help:"Card list used for holder names" type:"existingfile"`
	Output string `short:"o" help:"Write a report to this directory instead of printing" type:"path"`
	Format string `enum:"xlsx,csv" default:"xlsx" help:"Report format (xlsx, csv)"`
	ByTime bool   `name:"by-time" help:"Order report rows by event time"`
}

func (c *ParseLogCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	order := report.OrderEmission
	if c.ByTime {
		order = report.OrderByTimestamp
	}
	return env.ParseLog(c.File, c.Cards, c.Output, c.Format, order)
}

// --- Store Commands ---

type BackupsCmd struct {
	List BackupsListCmd `cmd:"" default:"1" help:"List backups"`
	Show BackupsShowCmd `cmd:"" help:"Show and verify a backup"`
}

type BackupsListCmd struct{}

func (c *BackupsListCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	return env.BackupsList()
}

type BackupsShowCmd struct {
	Name string `arg:"" help:"Backup name or file"`
}

func (c *BackupsShowCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	return env.BackupsShow(c.Name)
}

type HistoryCmd struct {
	List HistoryListCmd `cmd:"" default:"withargs" help:"List recent runs"`
	Show HistoryShowCmd `cmd:"" help:"Show one run with card outcomes"`
}

type HistoryListCmd struct {
	Limit int `short:"n" default:"20" help:"Number of runs"`
}

func (c *HistoryListCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	return env.History(globals.context(), c.Limit)
}

type HistoryShowCmd struct {
	ID string `arg:"" help:"Run id"`
}

func (c *HistoryShowCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	return env.HistoryShow(globals.context(), c.ID)
}

// --- Tools ---

type SimCmd struct {
	Addr   string `default:"127.0.0.1:8080" help:"Listen address"`
	User   string `default:"admin" help:"Basic auth user (empty disables auth)"`
	Pass   string `default:"admin" help:"Basic auth password"`
	Cards  int    `default:"25" help:"Cards to seed"`
	Events int    `default:"200" help:"Events to seed"`
}

func (c *SimCmd) Run(globals *CLI) error {
	env, err := globals.env()
	if err != nil {
		return err
	}
	return env.Sim(globals.context(), commands.SimOptions{
		Addr:     c.Addr,
		Username: c.User,
		Password: c.Pass,
		Cards:    c.Cards,
		Events:   c.Events,
	})
}

type VersionCmd struct{}

func (c *VersionCmd) Run(globals *CLI) error {
	figure.NewFigure("turnstile", "cybermedium", true).Print()
	fmt.Println()
	fmt.Printf("turnstile-tool %s\n", BuildVersion)
	return nil
}
