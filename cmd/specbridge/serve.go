package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"specbridge/internal/apiclient"
	"specbridge/internal/bridge"
	"specbridge/internal/config"
	"specbridge/internal/diffsummary"
	"specbridge/internal/host"
	"specbridge/internal/specdoc"
	"specbridge/internal/trace"
	"specbridge/internal/uploads"
	"specbridge/internal/version"
)

const settingsDebounce = 200 * time.Millisecond

var (
	serveListen string
	serveCodec  string
	serveState  string
	serveWatch  bool
)

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "accept views over websocket on this address instead of stdio")
	serveCmd.Flags().StringVar(&serveCodec, "codec", "json", "message codec (json|msgpack)")
	serveCmd.Flags().StringVar(&serveState, "state", "", "upload history file (default: user cache dir, \"-\" keeps it in memory)")
	serveCmd.Flags().BoolVar(&serveWatch, "watch", true, "reload the settings file when it changes")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host side of the view bridge",
	Long: `serve runs the host. With no --listen it talks to one view over stdin and
stdout using Content-Length framing; with --listen every websocket connection
is a view.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := bridge.CodecByName(serveCodec)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		h, cleanup, err := buildHost(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		if serveListen == "" {
			logger.Info("serving on stdio", zap.String("codec", codec.Name()), zap.String("host", h.ID()))
			return h.Serve(ctx, bridge.NewStreamTransport(os.Stdin, os.Stdout), codec)
		}
		return serveWebSocket(ctx, h, codec)
	},
}

// buildHost wires settings, upload history, the service client, the linter
// and the diff builder into a host.
func buildHost(ctx context.Context) (*host.Host, func(), error) {
	settings, path, err := loadSettings()
	if err != nil {
		return nil, nil, err
	}
	current := func() config.Settings { return settings }

	var (
		h       *host.Host
		client  *apiclient.Client
		watcher *config.Watcher
	)
	if serveWatch && path != "" {
		watcher, err = config.NewWatcher(path, settings, settingsDebounce, logger.Named("config"), func(s config.Settings) {
			client.PurgeCache()
			h.ConfigurationChanged(s)
		})
		if err != nil {
			return nil, nil, fmt.Errorf("watch %s: %w", path, err)
		}
		current = watcher.Current
	}

	statePath := serveState
	switch statePath {
	case "":
		if statePath, err = uploads.DefaultPath("specbridge"); err != nil {
			logger.Warn("upload history kept in memory", zap.Error(err))
			statePath = ""
		}
	case "-":
		statePath = ""
	}
	var store *uploads.Store
	store, err = uploads.Open(uploads.Options{
		Path:     statePath,
		Endpoint: func() string { return current().Endpoint },
		OnChange: func() {
			if err := store.Save(); err != nil {
				logger.Warn("saving upload history", zap.Error(err))
			}
			h.UploadsChanged()
		},
		Logger: logger.Named("uploads"),
	})
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		return nil, nil, err
	}

	client = newAPIClient(ctx, current)
	h = host.New(host.Options{
		Service:  client,
		Analyzer: client,
		Settings: current,
		Uploads:  store,
		Diffs:    diffsummary.NewBuilder(client, diffsummary.FileDocuments{}),
		Commands: hostCommands(client, current),
		Objects: host.ObjectTree{
			"host": map[string]any{
				"version": version.Version,
			},
			"settings": map[string]any{
				"file": path,
			},
		},
		Logger: logger,
		Tracer: trace.FromContext(ctx),
	})

	watchCtx, stopWatch := context.WithCancel(ctx)
	done := make(chan struct{})
	if watcher != nil {
		go func() {
			defer close(done)
			watcher.Run(watchCtx)
		}()
	} else {
		close(done)
	}

	heartbeat := trace.StartHeartbeat(trace.FromContext(ctx), heartbeatEvery, h.Stats)

	cleanup := func() {
		heartbeat.Stop()
		h.Close()
		stopWatch()
		<-done
		if watcher != nil {
			if err := watcher.Close(); err != nil {
				logger.Debug("closing settings watcher", zap.Error(err))
			}
		}
		if err := store.Save(); err != nil {
			logger.Warn("saving upload history", zap.Error(err))
		}
	}
	return h, cleanup, nil
}

// hostCommands registers the commands a view may run through
// execute-host-command.
func hostCommands(client *apiclient.Client, settings func() config.Settings) *host.Commands {
	cmds := host.NewCommands()
	cmds.Register("specbridge", "checkSettings", func(ctx context.Context, _ []any) (any, error) {
		return nil, config.Check(ctx, settings(), client.Ping)
	})
	cmds.Register("specbridge", "purgeCache", func(context.Context, []any) (any, error) {
		client.PurgeCache()
		return nil, nil
	})
	cmds.Register("specbridge", "definition", func(_ context.Context, args []any) (any, error) {
		if len(args) != 2 {
			return nil, errors.New("definition needs a document path and an api path")
		}
		path, ok1 := args[0].(string)
		apiPath, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return nil, errors.New("definition arguments must be strings")
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return specdoc.Definition(content, apiPath)
	})
	cmds.Register("specbridge", "analyzeStats", func(context.Context, []any) (any, error) {
		runs, joined := client.AnalyzeStats()
		return map[string]uint64{"runs": runs, "joined": joined}, nil
	})
	return cmds
}

func serveWebSocket(ctx context.Context, h *host.Host, codec bridge.Codec) error {
	binary := codec.Name() == "msgpack"
	srv := &http.Server{
		Handler: bridge.WebSocketHandler(binary, func(tr *bridge.WebSocketTransport) {
			if err := h.Serve(ctx, tr, codec); err != nil {
				logger.Warn("view session ended", zap.Error(err))
			}
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	ln, err := net.Listen("tcp", serveListen)
	if err != nil {
		return err
	}
	logger.Info("serving websocket views",
		zap.String("addr", ln.Addr().String()),
		zap.String("codec", codec.Name()),
		zap.String("host", h.ID()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
