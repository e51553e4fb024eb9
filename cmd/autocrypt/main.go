package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/migadu/autocrypt/account"
	"github.com/migadu/autocrypt/config"
	"github.com/migadu/autocrypt/logger"
	"github.com/migadu/autocrypt/pkg/errors"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "config.toml"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(errors.ExitFailure)
	}

	ctx, cancel := context.WithCancel(context.Background())
	command := os.Args[1]
	err := run(ctx, command, os.Args[2:], os.Stdin, os.Stdout)
	cancel()

	if err == nil || stderrors.Is(err, flag.ErrHelp) {
		return
	}

	errorHandler := errors.NewErrorHandler()
	var cfgErr *configError
	var valErr *validationError
	switch {
	case stderrors.As(err, &cfgErr):
		errorHandler.ConfigError(cfgErr.path, cfgErr.err)
	case stderrors.As(err, &valErr):
		errorHandler.ValidationError("config", valErr.err)
	case stderrors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		printUsage(os.Stderr)
		os.Exit(errors.ExitFailure)
	default:
		errorHandler.FatalError(command, err)
	}
	os.Exit(errorHandler.WaitForExit())
}

var errUsage = stderrors.New("usage error")

// run dispatches one subcommand. Output goes to out, input for commands
// that read a message comes from in.
func run(ctx context.Context, command string, args []string, in io.Reader, out io.Writer) error {
	switch command {
	case "init":
		return handleInit(ctx, args, out)
	case "show", "status":
		return handleShow(ctx, args, out)
	case "make-header":
		return handleMakeHeader(ctx, args, out)
	case "set-prefer-encrypt":
		return handleSetPreferEncrypt(ctx, args, out)
	case "process-incoming-mail":
		return handleProcessIncomingMail(ctx, args, in, out)
	case "export-public-key":
		return handleExportPublicKey(ctx, args, out)
	case "export-private-key":
		return handleExportPrivateKey(ctx, args, out)
	case "recommend":
		return handleRecommend(ctx, args, out)
	case "serve":
		return handleServe(ctx, args, out)
	case "migrate":
		return handleMigrateCommand(ctx, args, out)
	case "version", "--version", "-v":
		fmt.Fprintf(out, "autocrypt version %s (commit: %s, built at: %s)\n", version, commit, date)
		return nil
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, `Autocrypt account tool

Usage:
  autocrypt <command> [options]

Commands:
  init                   Create the account and its own key
  show                   Show account settings and known peers
  make-header            Print the Autocrypt header for an address
  set-prefer-encrypt     Show or set the own prefer-encrypt value
  process-incoming-mail  Update peer state from a message (file or stdin)
  export-public-key      Print an ASCII-armored public key
  export-private-key     Print the ASCII-armored own secret key
  recommend              Compute the encryption recommendation for recipients
  serve                  Run the HTTP API and metrics endpoint
  migrate                Manage the PostgreSQL peer store schema
  version                Show version information
  help                   Show this help message

Global options (accepted by every command):
  --config string   Path to TOML configuration file (default: config.toml)
  --basedir string  Account directory (overrides config and %s)

Examples:
  autocrypt init
  autocrypt make-header alice@example.org
  autocrypt process-incoming-mail < message.eml
  autocrypt recommend bob@example.org carol@example.org

Use 'autocrypt <command> --help' for more information about a command.
`, config.BaseDirEnv)
}

type configError struct {
	path string
	err  error
}

func (e *configError) Error() string { return fmt.Sprintf("configuration %s: %v", e.path, e.err) }
func (e *configError) Unwrap() error { return e.err }

type validationError struct {
	err error
}

func (e *validationError) Error() string { return e.err.Error() }
func (e *validationError) Unwrap() error { return e.err }

// commonFlags are registered on every subcommand's flag set.
type commonFlags struct {
	configPath string
	baseDir    string
}

func newFlagSet(name, usage string, out io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", defaultConfigPath, "Path to TOML configuration file")
	fs.StringVar(&c.baseDir, "basedir", "", "Account directory (overrides config and "+config.BaseDirEnv+")")
	fs.Usage = func() {
		fmt.Fprint(out, usage)
		fmt.Fprintln(out, "\nOptions:")
		fs.PrintDefaults()
	}
	return fs, c
}

// loadConfig reads the configuration file, applies environment and flag
// overrides and initializes logging. A missing default config file is not
// an error.
func (c *commonFlags) loadConfig(fs *flag.FlagSet) (*config.Config, func(), error) {
	cfg := config.NewDefaultConfig()

	explicit := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	if err := config.LoadConfigFromFile(c.configPath, &cfg); err != nil {
		if explicit || !os.IsNotExist(err) {
			return nil, nil, &configError{path: c.configPath, err: err}
		}
	}

	cfg.ApplyEnvironment()
	if c.baseDir != "" {
		cfg.Account.BaseDir = c.baseDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, &validationError{err: err}
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "autocrypt: warning initializing logger: %v\n", err)
	}
	cleanup := func() {
		if logFile != nil {
			logFile.Close()
		}
	}
	return &cfg, cleanup, nil
}

// openAccount loads the configuration and returns the account it points at.
// The returned cleanup closes the account and the log file.
func (c *commonFlags) openAccount(fs *flag.FlagSet) (*account.Account, *config.Config, func(), error) {
	cfg, closeLog, err := c.loadConfig(fs)
	if err != nil {
		return nil, nil, nil, err
	}
	acct := account.New(cfg.Account.BaseDir, account.OptionsFromConfig(cfg))
	cleanup := func() {
		if err := acct.Close(); err != nil {
			logger.Warn("Error closing account", "error", err)
		}
		closeLog()
	}
	return acct, cfg, cleanup, nil
}
