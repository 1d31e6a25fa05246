package config

import (
	"bytes"
	"testing"
	"time"
)

func TestGenerateClientID(t *testing.T) {
	a, err := generateClientID()
	if err != nil {
		t.Fatalf("generateClientID: %v", err)
	}

	if len(clientIDPrefix) != 8 {
		t.Fatalf("client prefix %q is %d bytes, want 8", clientIDPrefix, len(clientIDPrefix))
	}
	if !bytes.HasPrefix(a[:], []byte(clientIDPrefix)) {
		t.Fatalf("client id %q lacks the %q prefix", a, clientIDPrefix)
	}

	// The 12-byte tail is random per process; two ids must share the
	// prefix and nothing else.
	b, err := generateClientID()
	if err != nil {
		t.Fatalf("generateClientID: %v", err)
	}
	if bytes.Equal(a[8:], b[8:]) {
		t.Fatalf("random tails match across generations; entropy missing")
	}
}

func TestDefaultsMatchProtocolTimings(t *testing.T) {
	c := defaultConfig()

	if c.ConnectTimeout != 5*time.Second || c.ReceiveTimeout != 5*time.Second {
		t.Errorf("timeouts = %v / %v, want 5s / 5s", c.ConnectTimeout, c.ReceiveTimeout)
	}
	if c.StallThreshold != 15 {
		t.Errorf("stall threshold = %d, want 15", c.StallThreshold)
	}
	if c.SwarmSoftTarget != 20 || c.SwarmRampTarget != 50 || c.SwarmCeiling != 100 {
		t.Errorf("swarm ramp = %d/%d/%d, want 20/50/100",
			c.SwarmSoftTarget, c.SwarmRampTarget, c.SwarmCeiling)
	}
	if c.SwarmLaunchSpacingMin < 50*time.Millisecond || c.SwarmLaunchSpacingMax > 100*time.Millisecond {
		t.Errorf("launch spacing = %v..%v", c.SwarmLaunchSpacingMin, c.SwarmLaunchSpacingMax)
	}
}

func TestGlobalUpdateIsCopyOnWrite(t *testing.T) {
	Init()
	before := Load()

	after := Update(func(c *Config) { c.StallThreshold = 99 })

	if before.StallThreshold == 99 {
		t.Fatalf("Update mutated the previous snapshot in place")
	}
	if after.StallThreshold != 99 || Load().StallThreshold != 99 {
		t.Fatalf("Update did not take effect")
	}
}
