package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"

	"go-pipeline-report-ui/internal/config"
	"go-pipeline-report-ui/internal/connectors/backend"
	mysqlstore "go-pipeline-report-ui/internal/connectors/mysql"
)

func main() {
	var (
		folder   = flag.String("folder", "", "Folder of CSV/XLSX exports to import")
		clusters = flag.String("clusters", "", "Comma-separated cluster ids to download from the pipeline API and import")
		segments = flag.String("segments", "", "Comma-separated segment ids to download from the pipeline API and import")
		period   = flag.String("period", "", "Period for segment downloads (YYYY-MM or YYYY)")
		batch    = flag.Int("batch", mysqlstore.DefaultBatchSize, "Rows per INSERT statement")
	)
	flag.Parse()

	if *folder == "" && *clusters == "" && *segments == "" {
		fmt.Println("Usage: archive -folder <path> | -clusters 1,2 | -segments vip,churn [-period 2025-02] [-batch 2000]")
		os.Exit(1)
	}

	cfg := config.FromEnv()
	store, err := mysqlstore.NewStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open archive database: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bar := progressbar.Default(-1, "importing rows")
	importer := mysqlstore.NewImporter(store,
		mysqlstore.WithBatchSize(*batch),
		mysqlstore.WithProgress(func(_ string, rows int) { _ = bar.Add(rows) }),
	)

	var imported []string
	if *folder != "" {
		results, err := importer.ImportFolder(ctx, *folder)
		if err != nil {
			log.Fatalf("Import failed: %v", err)
		}
		for _, r := range results {
			imported = append(imported, r.Table)
		}
	}

	client := backend.NewClient(cfg.APIBaseURL, cfg.BackendTimeout, cfg.UploadTimeout)
	for _, id := range splitIDs(*clusters) {
		table, err := importDownload(ctx, importer, func() (*backend.Download, error) {
			return client.DownloadCluster(ctx, id)
		})
		if err != nil {
			log.Fatalf("Import cluster %s failed: %v", id, err)
		}
		imported = append(imported, table)
	}
	for _, id := range splitIDs(*segments) {
		table, err := importDownload(ctx, importer, func() (*backend.Download, error) {
			return client.DownloadSegment(ctx, id, *period)
		})
		if err != nil {
			log.Fatalf("Import segment %s failed: %v", id, err)
		}
		imported = append(imported, table)
	}
	_ = bar.Finish()
	fmt.Println()

	if len(imported) == 0 {
		fmt.Println("No tables imported.")
		return
	}
	fmt.Printf("Imported %d tables: %s\n", len(imported), strings.Join(imported, ", "))
}

func importDownload(ctx context.Context, importer *mysqlstore.Importer, fetch func() (*backend.Download, error)) (string, error) {
	dl, err := fetch()
	if err != nil {
		return "", err
	}
	defer dl.Body.Close()

	table, err := mysqlstore.ReadCSV(mysqlstore.NormalizeTableName(dl.Filename), dl.Body)
	if err != nil {
		return "", err
	}
	table.Source = dl.Filename
	res, err := importer.ImportTable(ctx, table)
	if err != nil {
		return "", err
	}
	return res.Table, nil
}

func splitIDs(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
