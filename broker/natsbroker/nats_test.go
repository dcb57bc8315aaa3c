package natsbroker

import (
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	"github.com/ggoodman/session-gateway/broker"
	"github.com/ggoodman/session-gateway/broker/brokertest"
)

// natsURL returns NATS_URL if set, otherwise the default local server when
// one is listening.
func natsURL(t *testing.T) string {
	if url := os.Getenv("NATS_URL"); url != "" {
		return url
	}
	conn, err := net.DialTimeout("tcp", "127.0.0.1:4222", 500*time.Millisecond)
	if err != nil {
		t.Skipf("NATS not available: %v", err)
	}
	conn.Close()
	return "nats://127.0.0.1:4222"
}

func TestNATSBroker(t *testing.T) {
	url := natsURL(t)

	newBroker := func(t *testing.T, subject string) broker.Broker {
		b, err := New(Config{URL: url, Subject: subject})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		t.Cleanup(func() { _ = b.Close() })
		return b
	}

	factory := func(t *testing.T) (broker.Broker, broker.Broker) {
		subject := fmt.Sprintf("test.rooms.%d", time.Now().UnixNano())
		return newBroker(t, subject), newBroker(t, subject)
	}

	brokertest.RunBrokerTests(t, factory)
}
