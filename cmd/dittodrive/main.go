// dittodrive is the command-line front end of a DittoDrive drive.
//
// Every command opens the drive described by the configuration file,
// performs one operation and closes it again. "serve" keeps the drive
// open, flushing deferred writes, collecting garbage and exporting metrics
// until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/marmos91/dittodrive/internal/logger"
	"github.com/marmos91/dittodrive/pkg/config"
	"github.com/marmos91/dittodrive/pkg/drive"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps drive error codes onto distinct exit statuses.
func exitCode(err error) int {
	code, ok := drive.CodeOf(err)
	if !ok {
		return 1
	}
	return 10 + int(code)
}

func run(args []string) error {
	var configPath string

	flagSet := pflag.NewFlagSet("dittodrive", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to config file (default: "+config.GetDefaultConfigPath()+")")
	flagSet.SetInterspersed(false)
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(args); err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		printHelp(flagSet)
		return pflag.ErrHelp
	}
	command, cmdArgs := rest[0], rest[1:]

	if command == "init" {
		return runInit(configPath, cmdArgs)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := setupLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if command == "serve" {
		return runServe(ctx, cfg)
	}

	handler, ok := commands[command]
	if !ok {
		printHelp(flagSet)
		return fmt.Errorf("unknown command %q", command)
	}

	d, err := config.InitializeDrive(ctx, cfg, config.InitializeMetrics(cfg))
	if err != nil {
		return err
	}
	cmdErr := handler(ctx, d, cmdArgs)
	if err := d.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("Closing drive: %v", err)
	}
	return cmdErr
}

func setupLogger(cfg *config.Config) error {
	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	return logger.SetOutput(cfg.Logging.Output)
}

type commandFunc func(ctx context.Context, d *config.Drive, args []string) error

var commands = map[string]commandFunc{
	"ls":      cmdList,
	"mkdir":   cmdMkdir,
	"put":     cmdPut,
	"get":     cmdGet,
	"rm":      cmdRemove,
	"mv":      cmdMove,
	"stat":    cmdStat,
	"service": cmdService,
	"gc":      cmdGC,
}

func expectArgs(name string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: expected %d argument(s), got %d", name, n, len(args))
	}
	return nil
}

func runInit(configPath string, args []string) error {
	var force bool
	flagSet := pflag.NewFlagSet("init", pflag.ContinueOnError)
	flagSet.BoolVarP(&force, "force", "f", false, "overwrite an existing config file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	path := configPath
	if path == "" {
		var err error
		if path, err = config.InitConfig(force); err != nil {
			return err
		}
	} else if err := config.InitConfigToPath(path, force); err != nil {
		return err
	}

	fmt.Printf("Configuration written to %s\n", path)
	return nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	m := config.InitializeMetrics(cfg)
	d, err := config.InitializeDrive(ctx, cfg, m)
	if err != nil {
		return err
	}

	if m.Server != nil {
		go func() {
			if err := m.Server.Start(ctx); err != nil {
				logger.Error("Metrics server error: %v", err)
			}
		}()
	}

	logger.Info("Drive is running. Press Ctrl+C to stop.")
	<-ctx.Done()

	logger.Info("Shutting down drive...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return d.Close(shutdownCtx)
}

func cmdList(ctx context.Context, d *config.Drive, args []string) error {
	path := "/"
	if len(args) > 0 {
		path = args[0]
	}

	children, err := d.ListDirectory(ctx, path)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, child := range children {
		name := child.Name
		if child.IsDirectory() {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
			child.Attributes.Mode, child.Attributes.Size,
			child.Attributes.Mtime.Format(time.RFC3339), name)
	}
	return w.Flush()
}

func cmdMkdir(ctx context.Context, d *config.Drive, args []string) error {
	if err := expectArgs("mkdir", args, 1); err != nil {
		return err
	}
	_, err := d.Mkdir(ctx, args[0], 0o755)
	return err
}

func cmdPut(ctx context.Context, d *config.Drive, args []string) error {
	if err := expectArgs("put", args, 2); err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	meta, err := d.WriteFile(ctx, args[1], f, info.Mode().Perm())
	if err != nil {
		return err
	}
	fmt.Printf("Stored %s (%d bytes, %d chunks)\n", args[1], meta.Attributes.Size, len(meta.DataMap.StoredChunks()))
	return nil
}

func cmdGet(ctx context.Context, d *config.Drive, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return fmt.Errorf("get: expected PATH [LOCAL]")
	}

	rc, err := d.ReadFile(ctx, args[0])
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	var out io.Writer = os.Stdout
	if len(args) == 2 {
		f, err := os.Create(args[1])
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		out = f
	}

	_, err = io.Copy(out, rc)
	return err
}

func cmdRemove(ctx context.Context, d *config.Drive, args []string) error {
	if err := expectArgs("rm", args, 1); err != nil {
		return err
	}
	_, err := d.DeleteElement(ctx, args[0], false)
	return err
}

func cmdMove(ctx context.Context, d *config.Drive, args []string) error {
	if err := expectArgs("mv", args, 2); err != nil {
		return err
	}
	_, reclaimed, err := d.RenameElement(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	if reclaimed > 0 {
		fmt.Printf("Replaced existing entry, reclaimed %d bytes\n", reclaimed)
	}
	return nil
}

func cmdStat(ctx context.Context, d *config.Drive, args []string) error {
	if err := expectArgs("stat", args, 1); err != nil {
		return err
	}

	meta, parentID, grandparentID, err := d.GetMetaData(ctx, args[0])
	if err != nil {
		return err
	}

	attr := meta.Attributes
	fmt.Printf("Name:        %s\n", meta.Name)
	if meta.IsDirectory() {
		fmt.Printf("Directory:   %s\n", meta.DirectoryID)
	} else {
		fmt.Printf("Size:        %d (allocated %d)\n", attr.Size, meta.AllocatedSize())
	}
	fmt.Printf("Mode:        %s\n", attr.Mode)
	fmt.Printf("Links:       %d\n", attr.Nlink)
	fmt.Printf("Owner:       %d:%d\n", attr.UID, attr.GID)
	fmt.Printf("Modified:    %s\n", attr.Mtime.Format(time.RFC3339Nano))
	fmt.Printf("Born:        %s\n", attr.Birthtime.Format(time.RFC3339Nano))
	fmt.Printf("Parent:      %s\n", parentID)
	if !grandparentID.IsZero() {
		fmt.Printf("Grandparent: %s\n", grandparentID)
	}
	fmt.Printf("Backend:     %s\n", d.GetDirectoryType(args[0]))
	return nil
}

func cmdService(ctx context.Context, d *config.Drive, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("service: expected add, rm or ls")
	}

	switch args[0] {
	case "ls":
		state := d.State()
		mounted := make(map[string]bool)
		for _, alias := range d.Services() {
			mounted[alias] = true
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, svc := range state.Services {
			status := "unavailable"
			if mounted[svc.Alias] {
				status = "mounted"
			}
			fmt.Fprintf(w, "/%s\t%s\t%s\t%s\n", svc.Alias, svc.Store, svc.RootID, status)
		}
		return w.Flush()

	case "add":
		if err := expectArgs("service add", args[1:], 2); err != nil {
			return err
		}
		id, err := d.Mount(ctx, args[1], args[2])
		if err != nil {
			return err
		}
		fmt.Printf("Mounted /%s (root %s)\n", args[1], id)
		return nil

	case "rm":
		var purge bool
		flagSet := pflag.NewFlagSet("service rm", pflag.ContinueOnError)
		flagSet.BoolVar(&purge, "purge", false, "delete the service content from its store")
		if err := flagSet.Parse(args[1:]); err != nil {
			return err
		}
		if err := expectArgs("service rm", flagSet.Args(), 1); err != nil {
			return err
		}
		return d.Unmount(ctx, flagSet.Arg(0), purge)

	default:
		return fmt.Errorf("service: unknown subcommand %q", args[0])
	}
}

func cmdGC(ctx context.Context, d *config.Drive, args []string) error {
	var dryRun bool
	flagSet := pflag.NewFlagSet("gc", pflag.ContinueOnError)
	flagSet.BoolVarP(&dryRun, "dry-run", "n", false, "only report what would be deleted")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	stats, err := d.CollectGarbage(ctx, dryRun)
	if err != nil {
		return err
	}

	verb := "Deleted"
	count := stats.DeletedCount
	if dryRun {
		verb, count = "Would delete", stats.OrphanedCount
	}
	fmt.Printf("%s %d of %d stored items across %d backends (%d failed)\n",
		verb, count, stats.ExistingCount, stats.Backends, stats.FailedCount)
	return nil
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `DittoDrive - encrypted virtual drive over pluggable storage.

Usage:
  dittodrive [flags] <command> [arguments]

Commands:
  init [--force]               write a sample config file
  serve                        keep the drive open (flusher, gc, metrics)
  ls [PATH]                    list a directory (default: /)
  mkdir PATH                   create a directory
  put LOCAL PATH               store a local file at PATH
  get PATH [LOCAL]             read a file (to stdout by default)
  rm PATH                      delete a file or directory tree
  mv OLD NEW                   rename or move an entry
  stat PATH                    show the metadata of an entry
  service ls                   list recorded services
  service add ALIAS STORE      mount a configured store at /ALIAS
  service rm [--purge] ALIAS   unmount a service
  gc [--dry-run]               delete orphaned chunks and directory records

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
