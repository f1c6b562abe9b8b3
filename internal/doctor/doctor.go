// Package doctor checks a configuration for problems that would stop the
// agent or the gateway from starting, or make them unsafe to expose.
package doctor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/KafClaw/agentcore/internal/config"
	"github.com/KafClaw/agentcore/internal/provider"
	"github.com/KafClaw/agentcore/internal/relay"
)

type Status string

const (
	Pass Status = "pass"
	Warn Status = "warn"
	Fail Status = "fail"
)

type Check struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message"`
}

type Report struct {
	Checks []Check `json:"checks"`
}

func (r *Report) add(name string, status Status, format string, args ...any) {
	r.Checks = append(r.Checks, Check{Name: name, Status: status, Message: fmt.Sprintf(format, args...)})
}

// HasFailures reports whether any check failed.
func (r Report) HasFailures() bool {
	for _, c := range r.Checks {
		if c.Status == Fail {
			return true
		}
	}
	return false
}

type Options struct {
	// GenerateGatewayToken writes a random gateway auth token to the config.
	GenerateGatewayToken bool
}

// Run loads the configuration and checks it.
func Run(ctx context.Context, opts Options) (Report, error) {
	var report Report

	cfgPath, err := config.ConfigPath()
	if err != nil {
		report.add("config_path", Fail, "cannot resolve config path: %v", err)
		return report, nil
	}
	switch _, err := os.Stat(cfgPath); {
	case err == nil:
		report.add("config_file", Pass, "config file found at %s", cfgPath)
	case os.IsNotExist(err):
		report.add("config_file", Warn, "config file not found at %s (defaults will be used)", cfgPath)
	default:
		report.add("config_file", Fail, "cannot access config file: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		report.add("config_load", Fail, "config load failed: %v", err)
		return report, nil
	}
	report.add("config_load", Pass, "config loaded")

	if opts.GenerateGatewayToken {
		token, err := randomToken()
		if err == nil {
			cfg.Gateway.AuthToken = token
			err = config.Save(cfg)
		}
		if err != nil {
			report.add("gateway_token", Fail, "could not set a gateway token: %v", err)
		} else {
			report.add("gateway_token", Pass, "generated and saved gateway auth token")
		}
	}

	CheckConfig(ctx, cfg, &report)
	return report, nil
}

// CheckConfig appends the checks that only need cfg.
func CheckConfig(ctx context.Context, cfg *config.Config, report *Report) {
	checkDir(report, "workspace", cfg.Paths.Workspace)
	checkDir(report, "data_dir", cfg.Paths.DataDir)
	checkProviders(ctx, report, cfg.Providers)
	checkGateway(report, cfg.Gateway)
	checkRelays(report, cfg.Relay)

	if cfg.Agent.ApprovalTimeoutS <= 0 {
		report.add("approval_timeout", Warn, "agent.approvalTimeoutSeconds is %d; the default applies", cfg.Agent.ApprovalTimeoutS)
	}
	if cfg.Scheduler.Enabled && len(cfg.Scheduler.Jobs) == 0 {
		report.add("scheduler", Warn, "scheduler is enabled but has no jobs")
	}
}

func checkDir(report *Report, name, dir string) {
	if strings.TrimSpace(dir) == "" {
		report.add(name, Fail, "%s path is empty", name)
		return
	}
	if err := config.EnsureDir(dir); err != nil {
		report.add(name, Fail, "cannot create %s: %v", dir, err)
		return
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		report.add(name, Fail, "%s is not writable: %v", dir, err)
		return
	}
	probe.Close()
	os.Remove(probe.Name())
	report.add(name, Pass, "%s is writable", filepath.Clean(dir))
}

func checkProviders(ctx context.Context, report *Report, cfg config.ProvidersConfig) {
	chain, err := provider.BuildChain(cfg)
	if err != nil {
		report.add("providers", Fail, "provider chain: %v", err)
		return
	}
	var ready, missing []string
	for _, p := range chain {
		if p.IsAvailable(ctx) {
			ready = append(ready, p.ID())
		} else {
			missing = append(missing, p.ID())
		}
	}
	switch {
	case len(ready) == 0:
		report.add("providers", Fail, "no provider in the chain is usable (%s); set an API key or endpoint", strings.Join(missing, ", "))
	case len(missing) > 0:
		report.add("providers", Warn, "usable: %s; not configured: %s", strings.Join(ready, ", "), strings.Join(missing, ", "))
	default:
		report.add("providers", Pass, "usable: %s", strings.Join(ready, ", "))
	}
}

func checkGateway(report *Report, gw config.GatewayConfig) {
	token := strings.TrimSpace(gw.AuthToken) != ""
	switch {
	case isLoopbackHost(gw.Host):
		report.add("gateway_bind", Pass, "gateway listens on loopback (%s)", gw.Host)
	case token:
		report.add("gateway_bind", Warn, "gateway listens on %q; requests need the auth token", gw.Host)
	default:
		report.add("gateway_bind", Fail, "gateway listens on %q without an auth token; run with --generate-token", gw.Host)
	}
}

func checkRelays(report *Report, rc config.RelayConfig) {
	if rc.Kafka.Enabled {
		switch {
		case strings.TrimSpace(rc.Kafka.Brokers) == "":
			report.add("kafka_relay", Fail, "relay.kafka.brokers is empty")
		case rc.Kafka.EventTopic == "" && rc.Kafka.SubmitTopic == "":
			report.add("kafka_relay", Warn, "kafka relay has neither a submit nor an event topic")
		default:
			report.add("kafka_relay", Pass, "kafka relay on %s", rc.Kafka.Brokers)
		}
		if err := relay.CheckSecurity(rc.Kafka.Security); err != nil {
			report.add("kafka_security", Fail, "%v", err)
		}
	}
	if rc.NATS.Enabled {
		if strings.TrimSpace(rc.NATS.URL) == "" {
			report.add("nats_relay", Fail, "relay.nats.url is empty")
		} else {
			report.add("nats_relay", Pass, "nats relay on %s", rc.NATS.URL)
		}
	}
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func isLoopbackHost(host string) bool {
	h := strings.TrimSpace(strings.ToLower(host))
	if h == "" {
		return false
	}
	if h == "localhost" {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
