package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/codefionn/pilink/internal/agentclient"
	"github.com/codefionn/pilink/internal/config"
	"github.com/codefionn/pilink/internal/logger"
	"github.com/codefionn/pilink/internal/metrics"
	"github.com/codefionn/pilink/internal/pprof"
	"github.com/codefionn/pilink/internal/syncer"
)

var errQuit = errors.New("quit requested")

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Long: `Start an interactive session with the agent.

Lines are sent as prompts. Lines starting with a slash are commands:

  /abort               abort the running turn
  /steer <text>        interrupt the running turn with a message
  /followup <text>     queue a message for after the running turn
  /state               show session state
  /new                 start a new session
  /model <prov> <id>   switch model
  /thinking [level]    set or cycle the thinking level
  /compact [text]      compact the conversation
  /outbox              list queued prompts
  /sync                deliver queued prompts now
  /quit                leave`,
	RunE: runChat,
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}
	log := logger.Global()

	if cpuProfile != "" {
		prof, err := pprof.StartCPU(cpuProfile)
		if err != nil {
			return err
		}
		defer func() {
			if err := prof.Stop(); err != nil {
				log.Warn("%v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var opts []agentclient.Option
	var reg *prometheus.Registry
	if cfg.MetricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, agentclient.WithMetrics(metrics.New(reg)))
	}

	client, err := agentclient.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := client.Close(); closeErr != nil {
			log.Warn("failed to close client: %v", closeErr)
		}
	}()

	color := term.IsTerminal(int(os.Stdout.Fd()))
	r := newRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), color)
	client.Subscribe(r.handleEvent)
	client.SubscribeConnection(r.handleConnection)
	client.SubscribeSync(r.handleSync)

	if err := client.Connect(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if reg != nil {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.Info("serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		err := config.Watch(gctx, configPath(), func(next *config.Config, err error) {
			if err != nil {
				log.Warn("ignoring config change: %v", err)
				return
			}
			next.ApplyEnv()
			applyFlags(cmd, next)
			client.ApplyConfig(next)
		})
		if err != nil {
			log.Warn("config reload disabled: %v", err)
		}
		return nil
	})

	lines := readLines(cmd.InOrStdin())
	g.Go(func() error {
		return chatLoop(gctx, client, r, lines)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) {
		return err
	}
	return nil
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	pprof.Register(mux)
	return mux
}

// readLines feeds stdin lines into a channel that is closed on EOF.
// The reading goroutine may outlive the chat when stdin stays open.
func readLines(in io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

func chatLoop(ctx context.Context, client *agentclient.Client, r *renderer, lines <-chan string) error {
	for {
		select {
		case <-ctx.Done():
			return errQuit
		case line, ok := <-lines:
			if !ok {
				return errQuit
			}
			if err := handleLine(ctx, client, r, line); err != nil {
				if errors.Is(err, errQuit) {
					return err
				}
				r.errorf("%v", err)
			}
		}
	}
}

// parseInput splits a slash command into its name and argument. Plain text
// yields an empty name.
func parseInput(line string) (name, arg string) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	name, arg, _ = strings.Cut(line[1:], " ")
	return strings.ToLower(name), strings.TrimSpace(arg)
}

func handleLine(ctx context.Context, client *agentclient.Client, r *renderer, line string) error {
	name, arg := parseInput(line)
	rpc := client.RPC()

	switch name {
	case "":
		if arg == "" {
			return nil
		}
		d, err := client.SendPrompt(ctx, arg)
		if err != nil {
			return err
		}
		if d.Queued {
			r.statusf("offline, queued as %s", d.OutboxID)
		}
		return nil
	case "quit", "exit", "q":
		return errQuit
	case "abort":
		return rpc.Abort(ctx)
	case "steer":
		if arg == "" {
			return errors.New("usage: /steer <text>")
		}
		return rpc.Steer(ctx, arg)
	case "followup":
		if arg == "" {
			return errors.New("usage: /followup <text>")
		}
		return rpc.FollowUp(ctx, arg)
	case "state":
		s, err := rpc.GetState(ctx)
		if err != nil {
			return err
		}
		r.printState(s)
		return nil
	case "new":
		if err := rpc.NewSession(ctx); err != nil {
			return err
		}
		client.Mapper().Reset()
		r.statusf("new session")
		return nil
	case "model":
		provider, modelID, ok := strings.Cut(arg, " ")
		if !ok || strings.TrimSpace(modelID) == "" {
			return errors.New("usage: /model <provider> <model-id>")
		}
		if err := rpc.SetModel(ctx, provider, strings.TrimSpace(modelID)); err != nil {
			return err
		}
		r.statusf("model set to %s/%s", provider, strings.TrimSpace(modelID))
		return nil
	case "thinking":
		if arg != "" {
			if err := rpc.SetThinkingLevel(ctx, arg); err != nil {
				return err
			}
			r.statusf("thinking level %s", arg)
			return nil
		}
		level, err := rpc.CycleThinkingLevel(ctx)
		if err != nil {
			return err
		}
		r.statusf("thinking level %s", level)
		return nil
	case "compact":
		if _, err := rpc.Compact(ctx, arg); err != nil {
			return err
		}
		r.statusf("conversation compacted")
		return nil
	case "outbox":
		msgs, err := client.Outbox().GetAll(ctx)
		if err != nil {
			return err
		}
		r.printOutbox(msgs, time.Now())
		return nil
	case "sync":
		res, err := client.Syncer().SyncNow(ctx)
		if errors.Is(err, syncer.ErrSyncInProgress) {
			r.statusf("a sync pass is already running")
			return nil
		}
		if err != nil {
			return err
		}
		r.statusf("delivered %d, failed %d", res.Sent, res.Failed)
		return nil
	default:
		return fmt.Errorf("unknown command /%s", name)
	}
}
