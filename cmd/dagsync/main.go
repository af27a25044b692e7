package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/schaermu/dagsync/internal/config"
	"github.com/schaermu/dagsync/internal/git"
	"github.com/schaermu/dagsync/internal/idtoken"
	"github.com/schaermu/dagsync/internal/lock"
	"github.com/schaermu/dagsync/internal/storage"
	"github.com/schaermu/dagsync/internal/sync"
)

var (
	// Set via -ldflags at release build time
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string

	// id-token flags
	credentialsFile string
	audience        string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "dagsync",
	Short: "Mirror changed repository folders into an object storage bucket",
	Long: `dagsync runs as a CI/CD step. It diffs the working tree against the commit
recorded in a marker object of the target bucket, uploads or deletes every
changed file below the selected top-level folders, and then records HEAD as the
new marker.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync files changed since the last recorded commit",
	Long: `Sync fetches the full git history, reads the last synced commit from the
marker object and mirrors every added, modified or deleted file of the selected
folders into the bucket under the configured prefix.

The marker is only rewritten after all changes were applied, so a failed run is
retried from the same commit next time.

Values given on the command line override the config file.`,
	RunE: runSync,
}

var idTokenCmd = &cobra.Command{
	Use:   "id-token",
	Short: "Print a Google ID token for a service account",
	Long: `id-token signs a JWT with a service account key and exchanges it for an
OpenID Connect ID token minted for the given audience, for example the URL of a
Cloud Function. The token is printed to stdout.`,
	RunE: runIDToken,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("dagsync %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (optional, flags override its values)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config (ignored when missing)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	addSyncFlags(syncCmd.Flags())

	idTokenCmd.Flags().StringVar(&credentialsFile, "credentials-file", "", "service account JSON key (default $"+idtoken.CredentialsEnv+")")
	idTokenCmd.Flags().StringVar(&audience, "audience", "", "URL of the receiving service")
	_ = idTokenCmd.MarkFlagRequired("audience")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(idTokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// addSyncFlags registers the sync flags. They are read back through the flag
// set so only explicitly set flags override the config file.
func addSyncFlags(fs *pflag.FlagSet) {
	fs.StringP("bucket-name", "b", config.DefaultBucketName, "target bucket")
	fs.StringP("prefix", "p", config.DefaultPrefix, "key prefix prepended to every synced path")
	fs.StringArrayP("folder", "f", nil, "top-level folder to sync (repeatable)")
	fs.StringP("last-commit-sha-file-name", "s", "", "marker object holding the last synced commit")
	fs.String("repo-dir", config.DefaultRepoDir, "git working tree to sync from")
	fs.String("backend", string(config.BackendGCS), "storage backend (gcs, s3, memory)")
	fs.String("endpoint", "", "storage endpoint (default "+config.DefaultGCSHost+" for gcs)")
	fs.String("region", "", "storage region")
	fs.String("git-driver", string(config.GitDriverShell), "git implementation (shell, go-git)")
	fs.String("malformed", string(config.MalformedFail), "handling of unparseable diff lines (fail, skip)")
	fs.Bool("dry-run", false, "show what would be done without making changes")
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger := setupLogger()

	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := applyFlagOverrides(cmd.Flags(), cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")

	bucket, err := storage.Open(ctx, storageOptions(cfg, logger))
	if err != nil {
		return fmt.Errorf("failed to open bucket: %w", err)
	}

	if err := executeSync(ctx, cfg, bucket, cmd.OutOrStdout(), logger, dryRun); err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}
	return nil
}

// executeSync wires the collaborators for cfg and runs one sync pass
func executeSync(ctx context.Context, cfg *config.Config, bucket storage.Bucket, out io.Writer, logger *slog.Logger, dryRun bool) error {
	gitClient, err := newGitClient(cfg)
	if err != nil {
		return err
	}

	engine := sync.NewEngine(cfg, gitClient, bucket, out, logger, dryRun)

	if cfg.LockEnabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
		})
		defer func() {
			_ = rdb.Close()
		}()
		engine.WithLocker(lock.New(rdb, cfg.LockKey(), cfg.Lock.TTL))
		logger.Debug("run lock enabled", "key", cfg.LockKey(), "ttl", cfg.Lock.TTL)
	}

	summary, err := engine.Run(ctx)
	if err != nil {
		return err
	}

	if summary.Changed() {
		_, _ = fmt.Fprintln(out)
		return summary.Format(out)
	}
	return nil
}

func runIDToken(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	if err := config.LoadEnvFile(envFile); err != nil {
		return err
	}

	tok, err := idtoken.Fetch(ctx, idtoken.Config{
		CredentialsFile: credentialsFile,
		Audience:        audience,
	})
	if err != nil {
		logger.Error("failed to fetch id token", "error", err)
		return err
	}

	logger.Debug("fetched id token", "audience", audience, "expiry", tok.Expiry)
	_, err = fmt.Fprintln(cmd.OutOrStdout(), tok.AccessToken)
	return err
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	// Create handler based on format. Stdout carries the progress report.
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	if cfgFile == "" {
		logger.Debug("no config file given, using flags and defaults")
		return config.Default(), nil
	}

	logger.Info("loading configuration", "path", cfgFile)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"bucket", cfg.Bucket.Name,
		"backend", cfg.Bucket.Backend,
		"prefix", cfg.ObjectPrefix(),
		"folders", cfg.Sync.Folders,
		"marker", cfg.Sync.MarkerObject)

	return cfg, nil
}

// applyFlagOverrides copies explicitly set sync flags onto cfg
func applyFlagOverrides(fs *pflag.FlagSet, cfg *config.Config) error {
	str := func(name string, dst *string) error {
		if !fs.Changed(name) {
			return nil
		}
		v, err := fs.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
		return nil
	}

	var backend, driver, malformed string
	for name, dst := range map[string]*string{
		"bucket-name":               &cfg.Bucket.Name,
		"last-commit-sha-file-name": &cfg.Sync.MarkerObject,
		"repo-dir":                  &cfg.Sync.RepoDir,
		"endpoint":                  &cfg.Bucket.Endpoint,
		"region":                    &cfg.Bucket.Region,
		"backend":                   &backend,
		"git-driver":                &driver,
		"malformed":                 &malformed,
	} {
		if err := str(name, dst); err != nil {
			return err
		}
	}

	if fs.Changed("prefix") {
		prefix, err := fs.GetString("prefix")
		if err != nil {
			return err
		}
		cfg.Bucket.Prefix = &prefix
	}
	if fs.Changed("folder") {
		folders, err := fs.GetStringArray("folder")
		if err != nil {
			return err
		}
		cfg.Sync.Folders = folders
	}
	if driver != "" {
		cfg.Git.Driver = config.GitDriver(driver)
	}
	if malformed != "" {
		cfg.Sync.Malformed = config.MalformedPolicy(malformed)
	}
	if backend != "" {
		cfg.Bucket.Backend = config.Backend(backend)
		// Keep the implied GCS endpoint in step with the selected backend
		if !fs.Changed("endpoint") {
			switch {
			case cfg.Bucket.Backend == config.BackendGCS && cfg.Bucket.Endpoint == "":
				cfg.Bucket.Endpoint = config.DefaultGCSHost
			case cfg.Bucket.Backend != config.BackendGCS && cfg.Bucket.Endpoint == config.DefaultGCSHost:
				cfg.Bucket.Endpoint = ""
			}
		}
	}

	return nil
}

func storageOptions(cfg *config.Config, logger *slog.Logger) storage.Options {
	return storage.Options{
		Kind:            storage.Kind(cfg.Bucket.Backend),
		Bucket:          cfg.Bucket.Name,
		Endpoint:        cfg.Bucket.Endpoint,
		Region:          cfg.Bucket.Region,
		UsePathStyle:    cfg.Bucket.UsePathStyle,
		Insecure:        cfg.Bucket.Insecure,
		Timeout:         cfg.Bucket.Timeout,
		CredentialsFile: cfg.Auth.CredentialsFile,
		AccessKeyFile:   cfg.Auth.AccessKeyFile,
		SecretKeyFile:   cfg.Auth.SecretKeyFile,
		Logger:          logger,
	}
}

func newGitClient(cfg *config.Config) (git.Client, error) {
	switch cfg.Git.Driver {
	case config.GitDriverGoGit:
		client, err := git.OpenGoGitClient(cfg.Sync.RepoDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open repository: %w", err)
		}
		return client, nil
	default:
		return git.NewShellClient(cfg.Sync.RepoDir), nil
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
