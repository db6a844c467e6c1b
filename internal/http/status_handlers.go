package http

import (
	"context"
	nethttp "net/http"
	"time"

	"go-pipeline-report-ui/internal/connectors/backend"
	mysqlstore "go-pipeline-report-ui/internal/connectors/mysql"
	"go-pipeline-report-ui/internal/connectors/snapshots"
)

func servicesStatusHandler(client *backend.Client, snapStore *snapshots.Store, archive *mysqlstore.Store) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 8*time.Second)
		defer cancel()

		payload := map[string]any{
			"generated_at": time.Now().UTC(),
			"services":     map[string]any{},
		}
		services := payload["services"].(map[string]any)

		services["pipeline_api"] = backendStatus(ctx, client)
		services["snapshot_store"] = snapshotStatus(ctx, snapStore)
		services["archive_db"] = archiveStatus(ctx, archive)

		writeJSON(w, nethttp.StatusOK, payload)
	}
}

func backendStatus(ctx context.Context, client *backend.Client) map[string]any {
	if client == nil || !client.Enabled() {
		return map[string]any{"enabled": false, "ok": false, "error": "pipeline api endpoint not configured"}
	}

	st, err := client.PipelineStatus(ctx)
	if err != nil {
		return map[string]any{"enabled": true, "ok": false, "endpoint": client.Endpoint(), "error": err.Error()}
	}
	return map[string]any{"enabled": true, "ok": true, "endpoint": client.Endpoint(), "pipeline": st}
}

func snapshotStatus(ctx context.Context, store *snapshots.Store) map[string]any {
	if store == nil {
		return map[string]any{"enabled": false, "ok": false, "error": "snapshot store disabled"}
	}

	start := time.Now()
	err := store.Ping(ctx)
	recordDBQuery("sqlite", "Ping", time.Since(start).Seconds(), err)
	if err != nil {
		return map[string]any{"enabled": true, "ok": false, "error": err.Error()}
	}
	return map[string]any{"enabled": true, "ok": true}
}

func archiveStatus(ctx context.Context, store *mysqlstore.Store) map[string]any {
	if store == nil {
		return map[string]any{"enabled": false, "ok": false, "error": "archive database disabled"}
	}

	start := time.Now()
	tables, err := store.ListTables(ctx)
	recordDBQuery("mysql", "ListTables", time.Since(start).Seconds(), err)
	if err != nil {
		return map[string]any{"enabled": true, "ok": false, "error": err.Error()}
	}
	return map[string]any{"enabled": true, "ok": true, "tables": len(tables)}
}
