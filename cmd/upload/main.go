package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"go-pipeline-report-ui/internal/config"
	"go-pipeline-report-ui/internal/connectors/backend"
	"go-pipeline-report-ui/internal/connectors/snapshots"
	"go-pipeline-report-ui/internal/i18n"
	"go-pipeline-report-ui/internal/report"
	"go-pipeline-report-ui/internal/upload"
	"go-pipeline-report-ui/internal/viewer"
)

func main() {
	var (
		filePath = flag.String("file", "", "Path to the CSV/XLSX file to upload")
		skip     = flag.Bool("skip", false, "Skip the upload and open the latest report")
		showLogs = flag.Bool("logs", false, "Print the pipeline log tail when finished")
		period   = flag.String("period", "", "Select this period after loading (e.g. 2025-02 or 2025)")
	)
	flag.Parse()

	if *filePath == "" && !*skip {
		fmt.Println("Usage: upload -file <path> [-logs] [-period YYYY-MM|YYYY]")
		fmt.Println("       upload -skip [-period YYYY-MM|YYYY]")
		os.Exit(1)
	}

	cfg := config.FromEnv()
	printer := i18n.NewPrinter(cfg.Locale)
	client := backend.NewClient(cfg.APIBaseURL, cfg.BackendTimeout, cfg.UploadTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store *snapshots.Store
	if cfg.SnapshotSQLitePath != "" {
		created, err := snapshots.NewSQLiteStore(cfg.SnapshotSQLitePath)
		if err != nil {
			log.Fatalf("Failed to open snapshot store: %v", err)
		}
		defer created.Close()
		store = created
	}

	var hint []string
	if !*skip {
		handoff, err := runUpload(ctx, cfg, client, store, printer, *filePath, *showLogs)
		if err != nil {
			log.Fatalf("%v", err)
		}
		if handoff.PipelineFailed {
			fmt.Fprintln(os.Stderr, handoff.Message)
		}
		hint = handoff.PreviewPeriods
	}

	viewerOpts := []viewer.Option{}
	if store != nil {
		viewerOpts = append(viewerOpts, viewer.WithSnapshots(store))
	}
	reports := viewer.New(client, printer, viewerOpts...)
	reports.Initialize(ctx, hint)
	if *period != "" {
		selectPeriod(ctx, reports, *period)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports.State()); err != nil {
		log.Fatalf("Failed to encode report: %v", err)
	}
}

func runUpload(ctx context.Context, cfg config.Config, client *backend.Client, store *snapshots.Store, printer *i18n.Printer, path string, showLogs bool) (*upload.Handoff, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	bar := progressbar.Default(100, printer.Sprintf(upload.Stages[0].Label))
	opts := []upload.Option{
		upload.WithProgressHook(func(s upload.Session) {
			if s.Status != upload.StatusPolling {
				return
			}
			est := upload.EstimateRemaining(s.Progress, s.Elapsed)
			idx := upload.StageIndex(s.Progress, s.Elapsed)
			bar.Describe(printer.Sprintf(upload.Stages[idx].Label))
			if est.Percent != nil {
				_ = bar.Set(int(*est.Percent))
			}
		}),
	}
	if store != nil {
		opts = append(opts, upload.WithHistory(store))
	}

	uploads := upload.New(client, upload.Options{
		MaxUploadMB:  cfg.MaxUploadMB,
		PollInterval: cfg.PollInterval,
		LogTailChars: cfg.LogTailChars,
		Printer:      printer,
	}, opts...)
	uploads.SetShowLogs(showLogs)

	handoff, err := uploads.Run(ctx, upload.File{
		FileInfo: upload.FileInfo{Name: info.Name(), Size: info.Size()},
		Body:     f,
	})
	if err != nil {
		var uerr *upload.Error
		if errors.As(err, &uerr) {
			return nil, errors.New(uerr.Message)
		}
		return nil, err
	}
	if !handoff.PipelineFailed {
		_ = bar.Finish()
	}
	fmt.Println()

	if showLogs {
		logs := uploads.Snapshot().Logs
		if logs == "" {
			logs = printer.Sprintf(i18n.MsgLogsEmpty)
		}
		fmt.Fprintln(os.Stderr, logs)
	}
	return handoff, nil
}

// selectPeriod switches to year mode for a bare year and picks the matching option.
func selectPeriod(ctx context.Context, reports *viewer.Controller, want string) {
	if report.ParsePeriod(want).Mode == report.ModeYear {
		reports.SetPeriodMode(ctx, report.ModeYear)
	}
	for i, opt := range reports.State().Options {
		if opt == want {
			reports.SetSelectedPeriodIndex(ctx, i)
			return
		}
	}
	log.Printf("period %s not available, keeping %s", want, reports.State().Target)
}
