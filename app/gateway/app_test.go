package gateway

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsumerNameIsStable(t *testing.T) {
	t.Setenv("CONSUMER_NAME", "")
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "gateway"
	}
	assert.Equal(t, hostname, ConsumerName())
	assert.Equal(t, ConsumerName(), ConsumerName())

	t.Setenv("CONSUMER_NAME", "gateway-a")
	assert.Equal(t, "gateway-a", ConsumerName())
}
