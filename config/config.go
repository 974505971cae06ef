package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.yaml.in/yaml/v4"

	"github.com/dhcgn/mail-ingest/filter"
	"github.com/dhcgn/mail-ingest/ledger"
	"github.com/dhcgn/mail-ingest/source"
)

const (
	SourceIMAP = "imap"
	SourceMbox = "mbox"
	SourcePOP3 = "pop3"

	// PasswordEnv is read when no password flag is given.
	PasswordEnv = "MAIL_PASS"

	DefaultOutputDir = "_inbox"
	DefaultLimit     = 50
)

// Config captures all options of an ingest run.
type Config struct {
	Source             string
	MboxPath           string
	Host               string
	Port               int
	User               string
	Pass               string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	SinceDays          int
	OutputDir          string
	Limit              int
	Ledger             string
	LedgerPath         string
	OnCorruptLedger    ledger.CorruptPolicy
	DryRun             bool
	Progress           bool
	Log                Logging
	Filter             filter.Options
}

// Logging holds the options shared by every command.
type Logging struct {
	Level string
	Dir   string
}

// RegisterPersistentFlags attaches the flags every subcommand understands.
func RegisterPersistentFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML file with default values, keyed by flag name")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Also write logs to a rotating file in this directory")
}

// RegisterFlags attaches the ingest flags to the provided command.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.String("source", SourceIMAP, "Mail source: imap, mbox or pop3")
	flags.String("mbox", "", "Path to the .mbox archive (source mbox)")
	flags.String("host", "", "IMAP or POP3 server hostname")
	flags.Int("port", 0, "Server port (default 993/143 for IMAP, 995/110 for POP3)")
	flags.String("user", "", "Username")
	flags.String("pass", "", "Password (falls back to "+PasswordEnv+" env var)")
	flags.Bool("use-tls", true, "Use implicit TLS for the server connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("folder", source.DefaultFolder, "Folder to ingest from")
	flags.Int("since-days", 0, "Only consider messages from the last n days (0 = all)")
	flags.String("output", DefaultOutputDir, "Directory for records, attachments and the ledger")
	flags.Int("limit", DefaultLimit, "Maximum number of records to write (0 = unlimited)")
	flags.String("ledger", ledger.BackendFile, "Ledger backend: file or sqlite")
	flags.String("ledger-path", "", "Ledger location (default inside --output)")
	flags.String("on-corrupt-ledger", string(ledger.PolicyReset), "What to do with an unreadable ledger: reset or fail")
	flags.Bool("dry-run", false, "Show what would be ingested without writing anything")
	flags.Bool("progress", false, "Show a progress bar")
	flags.StringArray("include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
}

// ApplyFile fills every flag that was not set on the command line from the
// YAML file named by --config. Keys are flag names.
func ApplyFile(cmd *cobra.Command) error {
	flags := cmd.Flags()
	path, err := flags.GetString("config")
	if err != nil || path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	known := knownFlags()
	for key, value := range values {
		if known.Lookup(key) == nil || key == "config" {
			return fmt.Errorf("config %s: unknown key %q", path, key)
		}
		// Keys for other subcommands are fine in a shared file.
		flag := flags.Lookup(key)
		if flag == nil || flag.Changed {
			continue
		}
		list, isList := value.([]any)
		if !isList {
			list = []any{value}
		}
		for _, v := range list {
			if err := flags.Set(key, fmt.Sprint(v)); err != nil {
				return fmt.Errorf("config %s: %s: %w", path, key, err)
			}
		}
	}
	return nil
}

func knownFlags() *pflag.FlagSet {
	cmd := &cobra.Command{}
	RegisterPersistentFlags(cmd)
	RegisterFlags(cmd)
	fs := cmd.Flags()
	fs.AddFlagSet(cmd.PersistentFlags())
	return fs
}

// LoadLogging reads the logging flags.
func LoadLogging(cmd *cobra.Command) (Logging, error) {
	flags := cmd.Flags()
	level, err := flags.GetString("log-level")
	if err != nil {
		return Logging{}, err
	}
	dir, err := flags.GetString("log-dir")
	if err != nil {
		return Logging{}, err
	}

	level = strings.ToLower(level)
	if level == "warning" {
		level = "warn"
	}
	switch level {
	case "debug", "info", "warn", "error":
	default:
		return Logging{}, fmt.Errorf("invalid --log-level: %s", level)
	}
	return Logging{Level: level, Dir: dir}, nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	if err := ApplyFile(cmd); err != nil {
		return Config{}, err
	}
	flags := cmd.Flags()

	var (
		cfg    Config
		policy string
		err    error
	)
	strs := []struct {
		name string
		dst  *string
	}{
		{"source", &cfg.Source},
		{"mbox", &cfg.MboxPath},
		{"host", &cfg.Host},
		{"user", &cfg.User},
		{"pass", &cfg.Pass},
		{"folder", &cfg.Folder},
		{"output", &cfg.OutputDir},
		{"ledger", &cfg.Ledger},
		{"ledger-path", &cfg.LedgerPath},
		{"on-corrupt-ledger", &policy},
	}
	for _, s := range strs {
		if *s.dst, err = flags.GetString(s.name); err != nil {
			return Config{}, err
		}
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"port", &cfg.Port},
		{"since-days", &cfg.SinceDays},
		{"limit", &cfg.Limit},
	}
	for _, i := range ints {
		if *i.dst, err = flags.GetInt(i.name); err != nil {
			return Config{}, err
		}
	}
	bools := []struct {
		name string
		dst  *bool
	}{
		{"use-tls", &cfg.UseTLS},
		{"insecure-skip-verify", &cfg.InsecureSkipVerify},
		{"dry-run", &cfg.DryRun},
		{"progress", &cfg.Progress},
	}
	for _, b := range bools {
		if *b.dst, err = flags.GetBool(b.name); err != nil {
			return Config{}, err
		}
	}
	arrays := []struct {
		name string
		dst  *[]string
	}{
		{"include-header", &cfg.Filter.IncludeHeader},
		{"include-body", &cfg.Filter.IncludeBody},
		{"exclude-header", &cfg.Filter.ExcludeHeader},
		{"exclude-body", &cfg.Filter.ExcludeBody},
	}
	for _, a := range arrays {
		if *a.dst, err = flags.GetStringArray(a.name); err != nil {
			return Config{}, err
		}
	}

	if cfg.Log, err = LoadLogging(cmd); err != nil {
		return Config{}, err
	}
	if cfg.OnCorruptLedger, err = ledger.ParsePolicy(policy); err != nil {
		return Config{}, err
	}

	cfg.Source = strings.ToLower(strings.TrimSpace(cfg.Source))
	cfg.Ledger = strings.ToLower(strings.TrimSpace(cfg.Ledger))
	cfg.Folder = source.Folder(cfg.Folder)
	if cfg.Pass == "" {
		cfg.Pass = os.Getenv(PasswordEnv)
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort(cfg.Source, cfg.UseTLS)
	}
	if cfg.OutputDir != "" {
		cfg.OutputDir = filepath.Clean(cfg.OutputDir)
	}
	if cfg.LedgerPath == "" && cfg.OutputDir != "" {
		cfg.LedgerPath = ledger.DefaultPath(cfg.Ledger, cfg.OutputDir)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultPort(src string, useTLS bool) int {
	switch {
	case src == SourceIMAP && useTLS:
		return 993
	case src == SourceIMAP:
		return 143
	case src == SourcePOP3 && useTLS:
		return 995
	case src == SourcePOP3:
		return 110
	}
	return 0
}

func validateConfig(cfg Config) error {
	switch cfg.Source {
	case SourceMbox:
		if cfg.MboxPath == "" {
			return fmt.Errorf("--mbox is required for source mbox")
		}
	case SourceIMAP, SourcePOP3:
		if cfg.Host == "" {
			return fmt.Errorf("--host is required for source %s", cfg.Source)
		}
		if cfg.User == "" {
			return fmt.Errorf("--user is required for source %s", cfg.Source)
		}
		if cfg.Pass == "" {
			return fmt.Errorf("password must be provided via --pass or %s env var", PasswordEnv)
		}
		if cfg.Port <= 0 || cfg.Port > 65535 {
			return fmt.Errorf("--port must be between 1 and 65535")
		}
	default:
		return fmt.Errorf("invalid --source: %q (want imap, mbox or pop3)", cfg.Source)
	}

	if cfg.Source == SourcePOP3 && !strings.EqualFold(cfg.Folder, source.DefaultFolder) {
		return fmt.Errorf("--folder must be %s for source pop3", source.DefaultFolder)
	}
	if cfg.OutputDir == "" {
		return fmt.Errorf("--output is required")
	}
	if cfg.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	if cfg.SinceDays < 0 {
		return fmt.Errorf("--since-days must not be negative")
	}
	switch cfg.Ledger {
	case ledger.BackendFile, ledger.BackendSQLite:
	default:
		return fmt.Errorf("invalid --ledger: %q (want file or sqlite)", cfg.Ledger)
	}

	includeActive := len(cfg.Filter.IncludeHeader) > 0 || len(cfg.Filter.IncludeBody) > 0
	excludeActive := len(cfg.Filter.ExcludeHeader) > 0 || len(cfg.Filter.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	return nil
}
