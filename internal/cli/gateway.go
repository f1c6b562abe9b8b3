package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/agentcore/internal/agent"
	"github.com/KafClaw/agentcore/internal/approval"
	"github.com/KafClaw/agentcore/internal/bus"
	"github.com/KafClaw/agentcore/internal/config"
	"github.com/KafClaw/agentcore/internal/relay"
	"github.com/KafClaw/agentcore/internal/scheduler"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Start the agent gateway (HTTP API, relays, scheduler)",
	Run:   runGateway,
}

// relays holds the broker connections configured for the gateway.
type relays struct {
	sinks   []agent.EventSink
	kafkaIn *relay.KafkaSource
	kafka   *relay.KafkaSink
	closers []io.Closer
}

func (r *relays) Close() {
	for _, c := range r.closers {
		if err := c.Close(); err != nil {
			slog.Warn("Relay close failed", "error", err)
		}
	}
}

func buildRelays(cfg config.RelayConfig, b *bus.MessageBus) (*relays, error) {
	r := &relays{}
	if cfg.Kafka.Enabled {
		sink, err := relay.NewKafkaSink(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		r.kafka = sink
		r.sinks = append(r.sinks, sink)
		r.closers = append(r.closers, sink)
		if cfg.Kafka.SubmitTopic != "" {
			src, err := relay.NewKafkaSource(cfg.Kafka, b)
			if err != nil {
				r.Close()
				return nil, err
			}
			r.kafkaIn = src
		}
	}
	if cfg.NATS.Enabled {
		sink, err := relay.NewNATSSink(cfg.NATS)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.sinks = append(r.sinks, sink)
		r.closers = append(r.closers, sink)
	}
	return r, nil
}

// busApprovalPrompts tells bus-routed requesters how to answer a gated
// call. HTTP and terminal callers use the API or the prompt instead.
func busApprovalPrompts(g *approval.Gate, b *bus.MessageBus) {
	prev := g.OnRequest
	g.OnRequest = func(req approval.Request) {
		if prev != nil {
			prev(req)
		}
		switch req.Route.Channel {
		case "", "http", "cli":
			return
		}
		prompt := fmt.Sprintf("Approval needed for %s (id %s). Reply approve:%s or deny:%s.",
			req.Tool, req.ID, req.ID, req.ID)
		b.PublishOutbound(&bus.OutboundMessage{Route: req.Route, RunID: req.RunID, Content: prompt})
	}
}

func runGateway(cmd *cobra.Command, args []string) {
	printHeader("🌐 agentcore Gateway")
	cfg := mustLoadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgBus := bus.NewMessageBus()
	rl, err := buildRelays(cfg.Relay, msgBus)
	if err != nil {
		fmt.Printf("Relay error: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	rt, err := buildRuntime(cfg, runtimeOptions{sinks: rl.sinks})
	if err != nil {
		fmt.Printf("Startup error: %v\n", err)
		os.Exit(1)
	}
	defer rt.Close()
	rt.startBackground(ctx)
	busApprovalPrompts(rt.gate, msgBus)

	go msgBus.DispatchOutbound(ctx)
	go rt.router.Run(ctx, msgBus)

	if rl.kafka != nil {
		msgBus.Subscribe(relay.ChannelKafka, rl.kafka.Reply)
	}
	if rl.kafkaIn != nil {
		go func() {
			if err := rl.kafkaIn.Run(ctx); err != nil {
				slog.Error("Kafka relay stopped", "error", err)
			}
		}()
		fmt.Printf("Kafka relay consuming %s\n", cfg.Relay.Kafka.SubmitTopic)
	}

	if cfg.Scheduler.Enabled {
		sched := scheduler.New(cfg.Scheduler, msgBus, rt.timeline)
		if err := sched.LoadJobs(cfg.Scheduler.Jobs); err != nil {
			fmt.Printf("Scheduler error: %v\n", err)
			os.Exit(1)
		}
		msgBus.Subscribe(scheduler.Channel, func(msg *bus.OutboundMessage) {
			slog.Info("Scheduled task finished", "chat_id", msg.ChatID, "run", msg.RunID, "reply", truncateLine(msg.Content, 200))
		})
		go sched.Run(ctx)
		fmt.Printf("Scheduler started (%d jobs)\n", len(sched.Jobs()))
	}

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           newAPIServer(rt).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		fmt.Printf("📡 API Server listening on http://%s\n", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("API server shutdown", "error", err)
	}
}
