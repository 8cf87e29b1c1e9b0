package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/eiannone/keyboard"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/leonardo-matheus/winux-cloudsync/internal/db"
	"github.com/leonardo-matheus/winux-cloudsync/internal/engine"
	"github.com/leonardo-matheus/winux-cloudsync/internal/provider"
	"github.com/leonardo-matheus/winux-cloudsync/internal/watcher"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/models"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/utils"
	"github.com/leonardo-matheus/winux-cloudsync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                 "wcloud",
		Usage:                "Bidirectional cloud file synchronization",
		Version:              version.Version,
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
			if c.Bool("verbose") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:  "init",
				Usage: "Create a new sync profile",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "profile", Usage: "Profile name", Required: true},
					&cli.StringFlag{Name: "local", Usage: "Local directory to synchronize", Required: true},
					&cli.StringFlag{Name: "endpoint", Usage: "S3-compatible endpoint", Required: true},
					&cli.StringFlag{Name: "bucket", Usage: "Bucket name", Required: true},
					&cli.StringFlag{Name: "prefix", Usage: "Key prefix inside the bucket"},
					&cli.StringFlag{Name: "access-key", Usage: "Access key", Required: true},
					&cli.StringFlag{Name: "secret-key", Usage: "Secret key", Required: true},
					&cli.StringFlag{
						Name:  "strategy",
						Usage: "Conflict strategy: keep_both, local_wins, remote_wins, ask_user",
						Value: string(models.StrategyKeepBoth),
					},
				},
				Action: initProfile,
			},
			{
				Name:  "scan",
				Usage: "Scan the local tree and queue changed files",
				Flags: []cli.Flag{
					profileFlag(),
					&cli.BoolFlag{Name: "hash", Usage: "Hash file contents during the scan"},
				},
				Action: runScan,
			},
			{
				Name:  "sync",
				Usage: "Run one synchronization cycle",
				Flags: []cli.Flag{
					profileFlag(),
					&cli.IntFlag{Name: "workers", Usage: "Number of parallel transfer workers", Value: 4},
					&cli.BoolFlag{Name: "hash", Usage: "Hash file contents when checking for changes"},
				},
				Action: runSync,
			},
			{
				Name:  "watch",
				Usage: "Watch for changes and synchronize continuously",
				Flags: []cli.Flag{
					profileFlag(),
					&cli.IntFlag{Name: "workers", Usage: "Number of parallel transfer workers", Value: 4},
					&cli.DurationFlag{Name: "interval", Usage: "Remote polling interval", Value: time.Minute},
					&cli.BoolFlag{Name: "hash", Usage: "Hash file contents when checking for changes"},
				},
				Action: runWatch,
			},
			{
				Name:   "status",
				Usage:  "Show profile status and file counts",
				Flags:  []cli.Flag{profileFlag()},
				Action: showStatus,
			},
			{
				Name:   "conflicts",
				Usage:  "List open conflicts",
				Flags:  []cli.Flag{profileFlag()},
				Action: listConflicts,
			},
			{
				Name:  "resolve",
				Usage: "Resolve open conflicts interactively",
				Flags: []cli.Flag{
					profileFlag(),
					&cli.StringFlag{
						Name:  "all",
						Usage: "Resolve every open conflict with one verdict: keep_local, keep_remote, keep_both",
					},
				},
				Action: resolveConflicts,
			},
			{
				Name:      "ignore",
				Usage:     "Exclude a path from synchronization",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{profileFlag()},
				Action:    ignorePath,
			},
			{
				Name:      "include",
				Usage:     "Re-admit an ignored path",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{profileFlag()},
				Action:    includePath,
			},
			{
				Name:  "activity",
				Usage: "Show the activity log",
				Flags: []cli.Flag{
					profileFlag(),
					&cli.IntFlag{Name: "limit", Usage: "Number of entries to show", Value: 20},
					&cli.StringFlag{Name: "date", Usage: "Show entries for one day (YYYY-MM-DD)"},
					&cli.IntFlag{Name: "prune", Usage: "Delete entries older than N days"},
				},
				Action: showActivity,
			},
			{
				Name:      "history",
				Usage:     "Show the committed version history of one file",
				ArgsUsage: "<path>",
				Flags:     []cli.Flag{profileFlag()},
				Action:    showHistory,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func profileFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "profile",
		Usage:    "Profile name",
		Required: true,
	}
}

func openProfile(c *cli.Context) (*db.DB, *models.Profile, error) {
	name := c.String("profile")
	database, err := db.New(name + ".db")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %v", err)
	}
	profile, err := database.GetProfile(name)
	if err != nil {
		database.Close()
		return nil, nil, err
	}
	return database, profile, nil
}

func buildEngine(c *cli.Context, database *db.DB, profile *models.Profile, prompt engine.PromptFunc) (*engine.Engine, error) {
	prov, err := provider.NewS3(provider.S3Config{
		Name:      profile.Provider,
		Endpoint:  profile.Destination.Endpoint,
		Bucket:    profile.Destination.Bucket,
		Prefix:    profile.Destination.Prefix,
		AccessKey: profile.Destination.AccessKey,
		SecretKey: profile.Destination.SecretKey,
	})
	if err != nil {
		return nil, err
	}

	cfg := engine.DefaultConfig()
	cfg.NumWorkers = c.Int("workers")
	cfg.ComputeHash = c.Bool("hash")
	cfg.Prompt = prompt
	return engine.New(database, prov, profile, cfg), nil
}

func initProfile(c *cli.Context) error {
	name := c.String("profile")

	strategy := models.ConflictStrategy(c.String("strategy"))
	switch strategy {
	case models.StrategyKeepBoth, models.StrategyLocalWins,
		models.StrategyRemoteWins, models.StrategyAskUser:
	default:
		return fmt.Errorf("unknown conflict strategy %q", strategy)
	}

	local := c.String("local")
	if fi, err := os.Stat(local); err != nil || !fi.IsDir() {
		return fmt.Errorf("local path %s is not a directory", local)
	}

	database, err := db.New(name + ".db")
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	profile := &models.Profile{
		Name:      name,
		LocalPath: local,
		Provider:  "s3",
		Strategy:  strategy,
	}
	profile.Destination.Endpoint = c.String("endpoint")
	profile.Destination.Bucket = c.String("bucket")
	profile.Destination.Prefix = strings.Trim(c.String("prefix"), "/")
	profile.Destination.AccessKey = c.String("access-key")
	profile.Destination.SecretKey = c.String("secret-key")

	if err := database.SaveProfile(profile); err != nil {
		return fmt.Errorf("failed to create profile: %v", err)
	}

	fmt.Printf("Profile '%s' created successfully\n", name)
	return nil
}

func runScan(c *cli.Context) error {
	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	eng, err := buildEngine(c, database, profile, nil)
	if err != nil {
		return err
	}

	queued, err := eng.Scan(c.Context)
	if err != nil {
		return fmt.Errorf("scan failed: %v", err)
	}
	fmt.Printf("Scan complete: %d files queued\n", queued)
	return nil
}

func runSync(c *cli.Context) error {
	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	eng, err := buildEngine(c, database, profile, nil)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := eng.Scan(ctx); err != nil {
		return fmt.Errorf("scan failed: %v", err)
	}
	if err := eng.Reconcile(ctx); err != nil {
		return fmt.Errorf("sync failed: %v", err)
	}
	fmt.Println("Sync completed successfully")
	return nil
}

func runWatch(c *cli.Context) error {
	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	eng, err := buildEngine(c, database, profile, nil)
	if err != nil {
		return err
	}

	w, err := watcher.New(profile.LocalPath, watcher.Options{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, err := eng.Scan(ctx); err != nil {
		return fmt.Errorf("initial scan failed: %v", err)
	}

	log.WithField("path", profile.LocalPath).Info("Watching for changes")
	err = eng.RunLoop(ctx, w, c.Duration("interval"))
	if err == context.Canceled {
		fmt.Println("\nStopped")
		return nil
	}
	return err
}

func showStatus(c *cli.Context) error {
	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	stats, err := database.GetStats(profile.Provider)
	if err != nil {
		return fmt.Errorf("failed to get stats: %v", err)
	}

	fmt.Printf("Profile: %s\n", profile.Name)
	fmt.Printf("Local Path: %s\n", profile.LocalPath)
	fmt.Printf("Destination: %s/%s/%s\n",
		profile.Destination.Endpoint,
		profile.Destination.Bucket,
		profile.Destination.Prefix)
	fmt.Printf("Strategy: %s\n", profile.Strategy)
	fmt.Printf("Total Files: %d (%s)\n", stats.TotalFiles, utils.FormatSize(stats.TotalSize))
	fmt.Printf("Synced: %d (%s)\n", stats.SyncedFiles, utils.FormatSize(stats.SyncedSize))
	fmt.Printf("Pending: %d (%s)\n", stats.PendingFiles, utils.FormatSize(stats.PendingSize))
	fmt.Printf("Conflicts: %d\n", stats.ConflictFiles)
	fmt.Printf("Errors: %d\n", stats.ErrorFiles)
	fmt.Printf("Ignored: %d\n", stats.IgnoredFiles)

	if stats.TotalFiles > 0 {
		progress := float64(stats.SyncedFiles) / float64(stats.TotalFiles) * 100
		fmt.Printf("Progress: %.2f%%\n", progress)
	}
	return nil
}

func listConflicts(c *cli.Context) error {
	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	conflicts, err := database.ListOpenConflicts(profile.Provider)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("No open conflicts")
		return nil
	}

	for _, conflict := range conflicts {
		fmt.Printf("%s\n", conflict.LocalPath)
		fmt.Printf("  local:  modified %s, %s\n",
			conflict.LocalModified.Local().Format(time.RFC822),
			utils.FormatSize(conflict.LocalSize))
		fmt.Printf("  remote: modified %s, %s\n",
			conflict.RemoteModified.Local().Format(time.RFC822),
			utils.FormatSize(conflict.RemoteSize))
	}
	return nil
}

func resolveConflicts(c *cli.Context) error {
	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	var prompt engine.PromptFunc
	if all := c.String("all"); all != "" {
		resolution := models.ConflictResolution(all)
		switch resolution {
		case models.ResolutionKeepLocal, models.ResolutionKeepRemote, models.ResolutionKeepBoth:
		default:
			return fmt.Errorf("unknown resolution %q", all)
		}
		prompt = func(models.Conflict) (models.ConflictResolution, error) {
			return resolution, nil
		}
	} else {
		if err := keyboard.Open(); err != nil {
			return fmt.Errorf("interactive mode unavailable: %v", err)
		}
		defer keyboard.Close()
		prompt = promptKeyboard
	}

	eng, err := buildEngine(c, database, profile, prompt)
	if err != nil {
		return err
	}

	conflicts, err := database.ListOpenConflicts(profile.Provider)
	if err != nil {
		return err
	}
	if len(conflicts) == 0 {
		fmt.Println("No open conflicts")
		return nil
	}

	resolved := 0
	for _, conflict := range conflicts {
		resolution, err := prompt(conflict)
		if err != nil {
			break // user quit
		}
		if err := eng.ResolveOne(conflict, resolution); err != nil {
			log.WithError(err).WithField("path", conflict.LocalPath).Error("Failed to resolve")
			continue
		}
		resolved++
	}

	fmt.Printf("Resolved %d of %d conflicts\n", resolved, len(conflicts))
	if resolved > 0 {
		ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()
		return eng.RunTransfers(ctx)
	}
	return nil
}

// promptKeyboard asks for one conflict verdict per keypress.
func promptKeyboard(conflict models.Conflict) (models.ConflictResolution, error) {
	fmt.Printf("\nConflict: %s\n", conflict.LocalPath)
	fmt.Printf("  local:  modified %s, %s\n",
		conflict.LocalModified.Local().Format(time.RFC822),
		utils.FormatSize(conflict.LocalSize))
	fmt.Printf("  remote: modified %s, %s\n",
		conflict.RemoteModified.Local().Format(time.RFC822),
		utils.FormatSize(conflict.RemoteSize))
	fmt.Println("  [l] keep local  [r] keep remote  [b] keep both  [q] quit")

	for {
		ch, key, err := keyboard.GetKey()
		if err != nil {
			return "", err
		}
		if key == keyboard.KeyEsc || key == keyboard.KeyCtrlC {
			return "", fmt.Errorf("aborted")
		}
		switch ch {
		case 'l', 'L':
			return models.ResolutionKeepLocal, nil
		case 'r', 'R':
			return models.ResolutionKeepRemote, nil
		case 'b', 'B':
			return models.ResolutionKeepBoth, nil
		case 'q', 'Q':
			return "", fmt.Errorf("aborted")
		}
	}
}

func ignorePath(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("file path is required")
	}

	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	eng, err := buildEngine(c, database, profile, nil)
	if err != nil {
		return err
	}
	if err := eng.Ignore(path); err != nil {
		return err
	}
	fmt.Printf("Ignoring %s\n", path)
	return nil
}

func includePath(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("file path is required")
	}

	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	eng, err := buildEngine(c, database, profile, nil)
	if err != nil {
		return err
	}
	if err := eng.Include(path); err != nil {
		return err
	}
	fmt.Printf("Re-included %s\n", path)
	return nil
}

func showActivity(c *cli.Context) error {
	database, err := db.New(c.String("profile") + ".db")
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer database.Close()

	if days := c.Int("prune"); days > 0 {
		removed, err := database.PruneEvents(days)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d entries older than %d days\n", removed, days)
		return nil
	}

	var events []models.SyncEvent
	if date := c.String("date"); date != "" {
		events, err = database.EventsForDate(date)
	} else {
		events, err = database.RecentEvents(c.Int("limit"))
	}
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Println("No activity recorded")
		return nil
	}

	for _, ev := range events {
		line := fmt.Sprintf("%s  %-18s %s",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Kind,
			ev.Path)
		if ev.Bytes > 0 {
			line += fmt.Sprintf(" (%s)", utils.FormatSize(ev.Bytes))
		}
		if ev.Error != "" {
			line += " - " + ev.Error
		}
		fmt.Println(line)
	}
	return nil
}

func showHistory(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("file path is required")
	}

	database, profile, err := openProfile(c)
	if err != nil {
		return err
	}
	defer database.Close()

	entries, err := database.ListVersions(profile.Provider, path)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No history for %s\n", path)
		return nil
	}

	fmt.Printf("History of %s:\n", path)
	for _, entry := range entries {
		fmt.Printf("  v%-4d %-22s %s\n",
			entry.Version,
			entry.Status,
			entry.CommittedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}
