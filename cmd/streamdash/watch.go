package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/goliatone/go-streamdash/internal/logging"
	"github.com/goliatone/go-streamdash/internal/observability"
	"github.com/goliatone/go-streamdash/query"
	"github.com/goliatone/go-streamdash/streams"
)

func watchCmd(a *app) *cobra.Command {
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "watch [stream]",
		Short: "Follow the stream list, or one stream's metadata and messages",
		Long: "Subscribes to the dashboard views and prints every change. The messages view " +
			"refetches on its own interval; the rest refresh when invalidated locally or by a peer.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			c, cfg, err := a.container(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			if err := observability.Init(ctx, cfg.Telemetry()); err != nil {
				return err
			}
			defer observability.Shutdown(context.Background())

			if metricsAddr == "" {
				metricsAddr = cfg.MetricsAddr
			}
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: c.Metrics().Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logging.Op().Error("metrics server failed", "addr", metricsAddr, "error", err)
					}
				}()
				defer srv.Shutdown(context.Background())
				logging.Op().Info("serving metrics", "addr", metricsAddr)
			}

			go func() {
				if err := c.Start(ctx); err != nil {
					logging.Op().Error("invalidation relay stopped", "error", err)
				}
			}()

			p := &entryPrinter{w: cmd.OutOrStdout()}
			var unsubscribe func()
			if len(args) == 0 {
				unsubscribe = c.Dashboard().WatchList(p.print)
			} else {
				unsubscribe = c.Dashboard().WatchStream(args[0], p.print)
			}
			defer unsubscribe()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	return cmd
}

// entryPrinter writes settled view changes. Listener calls can arrive from
// several goroutines, so writes are serialized.
type entryPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	last map[string]uint64
}

func (p *entryPrinter) print(e query.Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.last == nil {
		p.last = make(map[string]uint64)
	}
	id := e.Key.String()
	if p.last[id] == e.Version {
		return
	}
	p.last[id] = e.Version

	stamp := time.Now().Format(time.TimeOnly)
	switch {
	case e.Status == query.StatusLoading:
		fmt.Fprintf(p.w, "[%s] %s loading\n", stamp, id)
		return
	case e.Status == query.StatusError:
		fmt.Fprintf(p.w, "[%s] %s error: %v\n", stamp, id, e.Err)
		if !e.HasData {
			return
		}
	case !e.HasData:
		return
	}

	fmt.Fprintf(p.w, "[%s] %s\n", stamp, id)
	switch data := e.Data.(type) {
	case streams.List:
		printList(p.w, data)
	case streams.Description:
		printDescription(p.w, data)
	case streams.Messages:
		printMessages(p.w, data)
	default:
		fmt.Fprintf(p.w, "%v\n", data)
	}
}
