package relay

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"github.com/KafClaw/agentcore/internal/config"
)

const dialTimeout = 10 * time.Second

func protocol(sec config.KafkaSecurityConfig) string {
	p := strings.ToUpper(strings.TrimSpace(sec.Protocol))
	if p == "" {
		return "PLAINTEXT"
	}
	return p
}

// tlsConfig returns nil for plaintext protocols.
func tlsConfig(sec config.KafkaSecurityConfig) (*tls.Config, error) {
	switch protocol(sec) {
	case "SSL", "SASL_SSL":
	case "PLAINTEXT", "SASL_PLAINTEXT":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported security protocol %q", sec.Protocol)
	}

	conf := &tls.Config{MinVersion: tls.VersionTLS12}
	if sec.CAFile != "" {
		pem, err := os.ReadFile(sec.CAFile)
		if err != nil {
			return nil, fmt.Errorf("load CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.New("bad CA PEM")
		}
		conf.RootCAs = pool
	}
	if sec.CertFile != "" || sec.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(sec.CertFile, sec.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// saslMechanism returns nil when the protocol does not use SASL.
func saslMechanism(sec config.KafkaSecurityConfig) (sasl.Mechanism, error) {
	proto := protocol(sec)
	if proto != "SASL_SSL" && proto != "SASL_PLAINTEXT" {
		return nil, nil
	}
	switch strings.ToUpper(strings.TrimSpace(sec.Mechanism)) {
	case "PLAIN":
		return plain.Mechanism{Username: sec.Username, Password: sec.Password}, nil
	case "SCRAM-SHA-256":
		return scram.Mechanism(scram.SHA256, sec.Username, sec.Password)
	case "SCRAM-SHA-512":
		return scram.Mechanism(scram.SHA512, sec.Username, sec.Password)
	case "":
		return nil, fmt.Errorf("sasl mechanism is required for %s", proto)
	}
	return nil, fmt.Errorf("unsupported sasl mechanism %q", sec.Mechanism)
}

func newDialer(sec config.KafkaSecurityConfig) (*kafka.Dialer, error) {
	tlsConf, err := tlsConfig(sec)
	if err != nil {
		return nil, err
	}
	mech, err := saslMechanism(sec)
	if err != nil {
		return nil, err
	}
	return &kafka.Dialer{
		Timeout:       dialTimeout,
		DualStack:     true,
		TLS:           tlsConf,
		SASLMechanism: mech,
	}, nil
}

func newTransport(sec config.KafkaSecurityConfig) (*kafka.Transport, error) {
	tlsConf, err := tlsConfig(sec)
	if err != nil {
		return nil, err
	}
	mech, err := saslMechanism(sec)
	if err != nil {
		return nil, err
	}
	return &kafka.Transport{TLS: tlsConf, SASL: mech, DialTimeout: dialTimeout}, nil
}

// TopicStatus is the outcome of probing one topic.
type TopicStatus struct {
	Topic      string `json:"topic"`
	Role       string `json:"role"`
	Found      bool   `json:"found"`
	Partitions int    `json:"partitions"`
	Leaders    int    `json:"leaders"`
}

// ProbeReport is what Probe found on the first reachable broker.
type ProbeReport struct {
	Broker string        `json:"broker"`
	Topics []TopicStatus `json:"topics"`
	Errors []string      `json:"errors,omitempty"`
}

// Probe dials the configured brokers with the relay's security settings
// and checks that the relay topics are visible. The error is non-nil only
// when no broker could be reached.
func Probe(ctx context.Context, cfg config.KafkaRelayConfig) (*ProbeReport, error) {
	brokers := brokerList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("no brokers configured")
	}
	dialer, err := newDialer(cfg.Security)
	if err != nil {
		return nil, err
	}

	rep := &ProbeReport{}
	var conn *kafka.Conn
	for _, addr := range brokers {
		if host, _, err := net.SplitHostPort(addr); err == nil && dialer.TLS != nil {
			d := *dialer
			d.TLS = dialer.TLS.Clone()
			d.TLS.ServerName = host
			dialer = &d
		}
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: %v", addr, err))
			continue
		}
		if _, err := c.ApiVersions(); err != nil {
			rep.Errors = append(rep.Errors, fmt.Sprintf("%s: api versions: %v", addr, err))
			c.Close()
			continue
		}
		conn, rep.Broker = c, addr
		break
	}
	if conn == nil {
		return rep, fmt.Errorf("no broker reachable: %s", strings.Join(rep.Errors, "; "))
	}
	defer conn.Close()

	parts, err := conn.ReadPartitions()
	if err != nil {
		rep.Errors = append(rep.Errors, fmt.Sprintf("read partitions: %v", err))
		return rep, nil
	}
	for _, t := range relayTopics(cfg) {
		st := TopicStatus{Topic: t[1], Role: t[0]}
		for _, p := range parts {
			if p.Topic != st.Topic {
				continue
			}
			st.Found = true
			st.Partitions++
			if p.Leader.Host != "" {
				st.Leaders++
			}
		}
		rep.Topics = append(rep.Topics, st)
	}
	return rep, nil
}

// relayTopics lists (role, topic) pairs for the configured topics.
func relayTopics(cfg config.KafkaRelayConfig) [][2]string {
	var out [][2]string
	for _, t := range [][2]string{
		{"submit", cfg.SubmitTopic},
		{"events", cfg.EventTopic},
		{"replies", cfg.ReplyTopic},
	} {
		if t[1] != "" {
			out = append(out, t)
		}
	}
	return out
}

// CheckSecurity reports whether sec can build a TLS config and SASL
// mechanism without dialing.
func CheckSecurity(sec config.KafkaSecurityConfig) error {
	_, err := newTransport(sec)
	return err
}
