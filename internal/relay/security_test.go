package relay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/KafClaw/agentcore/internal/config"
)

func TestTLSConfig(t *testing.T) {
	for _, proto := range []string{"", "plaintext", "SASL_PLAINTEXT"} {
		conf, err := tlsConfig(config.KafkaSecurityConfig{Protocol: proto})
		if err != nil || conf != nil {
			t.Fatalf("%q: conf=%v err=%v", proto, conf, err)
		}
	}

	conf, err := tlsConfig(config.KafkaSecurityConfig{Protocol: "ssl"})
	if err != nil || conf == nil {
		t.Fatalf("ssl: conf=%v err=%v", conf, err)
	}

	if _, err := tlsConfig(config.KafkaSecurityConfig{Protocol: "carrier-pigeon"}); err == nil {
		t.Fatal("expected unsupported protocol error")
	}

	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not a cert"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := tlsConfig(config.KafkaSecurityConfig{Protocol: "SSL", CAFile: bad}); err == nil || !strings.Contains(err.Error(), "bad CA PEM") {
		t.Fatalf("bad CA error = %v", err)
	}
	if _, err := tlsConfig(config.KafkaSecurityConfig{Protocol: "SSL", CAFile: bad + ".missing"}); err == nil {
		t.Fatal("expected missing CA error")
	}
}

func TestSASLMechanism(t *testing.T) {
	m, err := saslMechanism(config.KafkaSecurityConfig{Protocol: "PLAINTEXT", Mechanism: "PLAIN"})
	if err != nil || m != nil {
		t.Fatalf("plaintext should ignore the mechanism: %v %v", m, err)
	}

	m, err = saslMechanism(config.KafkaSecurityConfig{Protocol: "SASL_SSL", Mechanism: "plain", Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if pm, ok := m.(plain.Mechanism); !ok || pm.Username != "u" {
		t.Fatalf("mechanism = %#v", m)
	}

	for _, mech := range []string{"SCRAM-SHA-256", "SCRAM-SHA-512"} {
		m, err := saslMechanism(config.KafkaSecurityConfig{Protocol: "SASL_SSL", Mechanism: mech, Username: "u", Password: "p"})
		if err != nil || m == nil {
			t.Fatalf("%s: %v %v", mech, m, err)
		}
	}

	if _, err := saslMechanism(config.KafkaSecurityConfig{Protocol: "SASL_SSL"}); err == nil {
		t.Fatal("expected an error without a mechanism")
	}
	if _, err := saslMechanism(config.KafkaSecurityConfig{Protocol: "SASL_SSL", Mechanism: "GSSAPI"}); err == nil {
		t.Fatal("expected unsupported mechanism error")
	}
}

func TestNewTransportAndDialer(t *testing.T) {
	sec := config.KafkaSecurityConfig{Protocol: "SASL_SSL", Mechanism: "PLAIN", Username: "u", Password: "p"}
	tr, err := newTransport(sec)
	if err != nil {
		t.Fatal(err)
	}
	if tr.TLS == nil || tr.SASL == nil || tr.DialTimeout != dialTimeout {
		t.Fatalf("transport = %+v", tr)
	}
	d, err := newDialer(config.KafkaSecurityConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if d.TLS != nil || d.SASLMechanism != nil {
		t.Fatalf("plaintext dialer = %+v", d)
	}
	if _, err := NewKafkaSink(config.KafkaRelayConfig{Brokers: "b:9092", Security: config.KafkaSecurityConfig{Protocol: "SASL_SSL"}}); err == nil {
		t.Fatal("sink should reject a SASL protocol without a mechanism")
	}
}

func TestRelayTopics(t *testing.T) {
	got := relayTopics(config.KafkaRelayConfig{SubmitTopic: "in", ReplyTopic: "out"})
	if len(got) != 2 || got[0] != [2]string{"submit", "in"} || got[1] != [2]string{"replies", "out"} {
		t.Fatalf("topics = %v", got)
	}
}

func TestProbeUnreachable(t *testing.T) {
	if _, err := Probe(context.Background(), config.KafkaRelayConfig{}); err == nil {
		t.Fatal("expected an error without brokers")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rep, err := Probe(ctx, config.KafkaRelayConfig{Brokers: "127.0.0.1:1"})
	if err == nil {
		t.Fatal("expected an error for a closed port")
	}
	if rep == nil || len(rep.Errors) != 1 || !strings.HasPrefix(rep.Errors[0], "127.0.0.1:1") {
		t.Fatalf("report = %+v", rep)
	}
}
