package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/warpdrive/heatmap/pkg/backend"
	"github.com/warpdrive/heatmap/pkg/config"
	"github.com/warpdrive/heatmap/pkg/control"
	"github.com/warpdrive/heatmap/pkg/ids"
	"github.com/warpdrive/heatmap/pkg/layer"
	"github.com/warpdrive/heatmap/pkg/layerstore"
	"github.com/warpdrive/heatmap/pkg/metrics"
	"github.com/warpdrive/heatmap/pkg/secondary"
	"github.com/warpdrive/heatmap/pkg/telemetry"
)

func layersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "layers",
		Short: "Show or edit the local layer map",
	}

	var tenant string
	list := &cobra.Command{
		Use:   "list",
		Short: "List the layers recorded for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setupStack()
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := findTenant(st.cfg, tenant)
			if err != nil {
				return err
			}
			recs, err := st.store.List(t.TenantID)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "TIMELINE\tLAYER\tGEN\tSIZE\tVISIBLE\tLAST ACCESS")
			var total uint64
			for _, r := range recs {
				total += r.Metadata.FileSize
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					r.Timeline, r.Name, r.Metadata.Generation,
					humanize.IBytes(r.Metadata.FileSize), r.Visible, r.LastAccess.Format(time.RFC3339))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d layers, %s\n", len(recs), humanize.IBytes(total))
			return nil
		},
	}
	list.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	list.MarkFlagRequired("tenant")

	var (
		addTenant, timeline, name, access string
		size                              string
		generation                        uint32
		hidden                            bool
	)
	add := &cobra.Command{
		Use:   "add",
		Short: "Record a layer in the layer map of an attached tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setupStack()
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := findTenant(st.cfg, addTenant)
			if err != nil {
				return err
			}
			tl, err := ids.ParseTimelineID(timeline)
			if err != nil {
				return err
			}
			n, err := layer.ParseName(name)
			if err != nil {
				return err
			}
			bytes, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("invalid --size %q: %w", size, err)
			}
			at := time.Now()
			if access != "" {
				if at, err = time.Parse(time.RFC3339, access); err != nil {
					return fmt.Errorf("invalid --access %q: %w", access, err)
				}
			}
			gen := t.Gen()
			if generation != 0 {
				gen = layer.Generation(generation)
			}

			rec := layerstore.Record{
				Tenant:     t.TenantID,
				Timeline:   tl,
				Name:       n,
				Metadata:   layer.NewFileMetadata(bytes, gen),
				LastAccess: at,
				Visible:    !hidden,
			}
			if err := st.store.Put(rec); err != nil {
				return err
			}
			slog.Info("layer recorded", "tenant", t.TenantID, "timeline", tl, "layer", n, "size", bytes)
			return nil
		},
	}
	add.Flags().StringVar(&addTenant, "tenant", "", "tenant id (required)")
	add.Flags().StringVar(&timeline, "timeline", "", "timeline id (required)")
	add.Flags().StringVar(&name, "name", "", "layer file name (required)")
	add.Flags().StringVar(&size, "size", "", "layer file size, e.g. 128MiB (required)")
	add.Flags().StringVar(&access, "access", "", "last access time, RFC 3339 (default now)")
	add.Flags().Uint32Var(&generation, "generation", 0, "generation that wrote the layer (default: tenant generation)")
	add.Flags().BoolVar(&hidden, "hidden", false, "record the layer as not visible to reads")
	for _, f := range []string{"tenant", "timeline", "name", "size"} {
		add.MarkFlagRequired(f)
	}

	var (
		touchTenant, touchTimeline string
		touchNames                 []string
	)
	touch := &cobra.Command{
		Use:   "touch",
		Short: "Record reads of layers, moving their access time to now",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setupStack()
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := findTenant(st.cfg, touchTenant)
			if err != nil {
				return err
			}
			tl, err := ids.ParseTimelineID(touchTimeline)
			if err != nil {
				return err
			}
			collector, err := telemetry.NewCollector(st.cfg.Access, st.store)
			if err != nil {
				return err
			}
			for _, raw := range touchNames {
				n, err := layer.ParseName(raw)
				if err != nil {
					collector.Close()
					return err
				}
				collector.Record(telemetry.AccessEvent{Tenant: t.TenantID, Timeline: tl, Layer: n})
			}
			return collector.Close()
		},
	}
	touch.Flags().StringVar(&touchTenant, "tenant", "", "tenant id (required)")
	touch.Flags().StringVar(&touchTimeline, "timeline", "", "timeline id (required)")
	touch.Flags().StringSliceVar(&touchNames, "name", nil, "layer file name, repeatable (required)")
	for _, f := range []string{"tenant", "timeline", "name"} {
		touch.MarkFlagRequired(f)
	}

	cmd.AddCommand(list, add, touch)
	return cmd
}

func remoteCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Show the heatmap object and timelines of a tenant in remote storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setupStack()
			if err != nil {
				return err
			}
			defer st.Close()

			t, err := findTenant(st.cfg, tenant)
			if err != nil {
				return err
			}
			be, err := st.reg.Get(t.Backend)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			info, err := be.Stat(cmd.Context(), backend.HeatmapPath(t.TenantID))
			switch {
			case errors.Is(err, backend.ErrNotFound):
				fmt.Fprintf(out, "Heatmap:    none\n")
			case err != nil:
				return err
			default:
				fmt.Fprintf(out, "Heatmap:    %s (%s, modified %s, etag %s)\n",
					info.Path, humanize.IBytes(uint64(info.Size)), humanize.Time(info.ModTime), info.ETag)
			}

			timelines, err := be.List(cmd.Context(), backend.TimelinesPath(t.TenantID))
			if errors.Is(err, backend.ErrNotFound) {
				fmt.Fprintf(out, "Timelines:  none\n")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Timelines:  %d\n", len(timelines))
			for _, obj := range timelines {
				if obj.IsDir {
					fmt.Fprintf(out, "  %s\n", obj.Path)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant id (required)")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func uploadCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload the heatmap of attached tenants once",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setupStack()
			if err != nil {
				return err
			}
			defer st.Close()

			tenants, err := selectTenants(st.cfg, config.ModeAttached, tenant)
			if err != nil {
				return err
			}
			u := secondary.NewUploader(st.store, st.reg, st.cfg.Upload, tenants)

			out := cmd.OutOrStdout()
			var errs []error
			for _, t := range tenants {
				res, err := u.UploadOnce(cmd.Context(), t)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				fmt.Fprintf(out, "%s: uploaded %s, %d hot layers (%s)\n",
					t.TenantID, humanize.IBytes(uint64(res.Bytes)), res.Stats.Layers, humanize.IBytes(res.Stats.Bytes))
			}
			return errors.Join(errs...)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only upload this tenant")
	return cmd
}

func downloadCmd() *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Reconcile secondary tenants with their latest heatmap once",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setupStack()
			if err != nil {
				return err
			}
			defer st.Close()

			tenants, err := selectTenants(st.cfg, config.ModeSecondary, tenant)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			d := secondary.NewDownloader(st.store, st.reg, st.cfg.Download, tenants)
			var mu sync.Mutex
			d.Progress = func(id ids.TenantID, p secondary.DownloadProgress) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(cmd.ErrOrStderr(), "\r%s: %d/%d layers, %s/%s",
					id, p.LayersDownloaded, p.LayersTotal,
					humanize.IBytes(uint64(p.BytesDownloaded)), humanize.IBytes(p.BytesTotal))
			}

			results, err := d.ReconcileAll(ctx)
			out := cmd.OutOrStdout()
			for i, res := range results {
				if i == 0 {
					fmt.Fprintln(cmd.ErrOrStderr())
				}
				fmt.Fprintf(out, "generation %s: %d hot layers (%s), kept %d, downloaded %d (%s), evicted %d, failed %d\n",
					res.Generation, res.Hot.Layers, humanize.IBytes(res.Hot.Bytes), res.Kept,
					res.Downloaded, humanize.IBytes(uint64(res.BytesDownloaded)), res.Evicted, res.Failed)
				if res.SkippedBytes > 0 {
					fmt.Fprintf(out, "  %s of hot layers over the download.max_bytes budget\n", humanize.IBytes(res.SkippedBytes))
				}
			}
			return err
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "only reconcile this tenant")
	return cmd
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the uploader and downloader loops for every configured tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := setupStack()
			if err != nil {
				return err
			}
			defer st.Close()
			cfg := st.cfg

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer cancel()

			metrics.RegisterHealthCheck("layer_store", func(context.Context) error {
				_, err := st.store.ResidentBytes(ids.TenantID{})
				return err
			})
			for _, bcfg := range cfg.Backends {
				be, err := st.reg.Get(bcfg.Name)
				if err != nil {
					return err
				}
				metrics.RegisterHealthCheck("backend:"+bcfg.Name, func(ctx context.Context) error {
					_, err := be.List(ctx, "")
					return err
				})
			}

			var wg sync.WaitGroup
			if cfg.Metrics.MetricsEnabled() {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := metrics.MetricsServer(ctx, cfg.Metrics.Addr); err != nil {
						slog.Error("metrics server error", "error", err)
					}
				}()
				slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
			} else {
				slog.Info("metrics server disabled")
			}

			attached := cfg.TenantsInMode(config.ModeAttached)
			secondaries := cfg.TenantsInMode(config.ModeSecondary)
			slog.Info("heatmap node starting", "node", cfg.NodeID,
				"attached", len(attached), "secondary", len(secondaries),
				"upload_period", cfg.Upload.Period)

			collector, err := telemetry.NewCollector(cfg.Access, st.store)
			if err != nil {
				return err
			}
			defer collector.Close()

			deps := control.Deps{
				Store:     st.store,
				Tenants:   cfg.Tenants,
				Upload:    cfg.Upload,
				Collector: collector,
			}

			if len(attached) > 0 {
				u := secondary.NewUploader(st.store, st.reg, cfg.Upload, attached)
				deps.Uploader = u
				wg.Add(1)
				go func() {
					defer wg.Done()
					u.Run(ctx)
				}()
			}
			if len(secondaries) > 0 {
				d := secondary.NewDownloader(st.store, st.reg, cfg.Download, secondaries)
				deps.Downloader = d
				wg.Add(1)
				go func() {
					defer wg.Done()
					d.Run(ctx)
				}()
			}

			if cfg.Control.Addr != "" {
				srv := control.NewServer(cfg.Control, deps)
				wg.Add(1)
				go func() {
					defer wg.Done()
					if err := srv.Run(ctx); err != nil {
						slog.Error("node API error", "error", err)
					}
				}()
			}

			<-ctx.Done()
			wg.Wait()
			slog.Info("heatmap node stopped")
			return nil
		},
	}
}
