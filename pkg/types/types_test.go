package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidTransitions(t *testing.T) {
	allowed := [][2]InstanceState{
		{StateIdle, StateInit},
		{StateInit, StateReady},
		{StateInit, StateInitFail},
		{StateInit, StateTerminating},
		{StateReady, StateTerminating},
		{StateTerminating, StateTerminated},
	}
	for _, pair := range allowed {
		assert.True(t, ValidTransition(pair[0], pair[1]), "%s -> %s should be valid", pair[0], pair[1])
	}

	// No transition leaves a terminal state.
	all := []InstanceState{StateIdle, StateInit, StateReady, StateTerminating, StateInitFail, StateTerminated}
	for _, from := range []InstanceState{StateInitFail, StateTerminated} {
		for _, to := range all {
			assert.False(t, ValidTransition(from, to), "%s -> %s must be invalid", from, to)
		}
	}

	assert.False(t, ValidTransition(StateIdle, StateReady))
	assert.False(t, ValidTransition(StateReady, StateInit))
	assert.False(t, ValidTransition(StateTerminating, StateReady))
}

func TestTerminal(t *testing.T) {
	assert.True(t, StateInitFail.Terminal())
	assert.True(t, StateTerminated.Terminal())
	assert.False(t, StateReady.Terminal())
	assert.False(t, StateTerminating.Terminal())
}

func TestDecodeFrameUnknownCmdPreserved(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"v": 0, "cmd": "FUTURE_THING", "wd": "wd-1"}`))
	require.NoError(t, err)
	assert.Equal(t, "FUTURE_THING", f.Cmd)
	assert.Equal(t, "wd-1", f.WDID)
}

func TestDecodeFrameAcquire(t *testing.T) {
	raw := `{"v":0,"cmd":"ACQUIRE","wd":"b47cd57c","id":"i-1","key":"ssh-ed25519 AAAA","ct":"sshtun","expiry":600,"tun":{"ipv4":"hub.example.net","port":2200,"user":"hs"}}`
	f, err := DecodeFrame([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, CmdAcquire, f.Cmd)
	assert.Equal(t, ConnSSHTun, f.ConnType)
	assert.EqualValues(t, 600, f.Expiry)
	require.NotNil(t, f.Tunnel)
	assert.Equal(t, "hub.example.net", f.Tunnel.Host)
}

func TestParseCProvider(t *testing.T) {
	for _, name := range []string{"docker", "docker-rootless", "podman", "lxd", "proxy"} {
		kind, err := ParseCProvider(name)
		require.NoError(t, err)
		assert.EqualValues(t, name, kind)
	}
	_, err := ParseCProvider("vmware")
	assert.Error(t, err)
}

func TestInstanceExpired(t *testing.T) {
	now := time.Now()
	inst := &Instance{}
	assert.False(t, inst.Expired(now), "no expiry means never expired")

	inst.ExpiresAt = now.Add(-time.Second)
	assert.True(t, inst.Expired(now))

	inst.ExpiresAt = now.Add(time.Hour)
	assert.False(t, inst.Expired(now))
}
