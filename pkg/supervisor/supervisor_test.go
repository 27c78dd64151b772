package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/controller"
	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/types"
)

func TestMain(m *testing.M) {
	log.Setup("error", false, nil)
	os.Exit(m.Run())
}

func testStore(t *testing.T, wds ...*types.WDeployment) *config.Store {
	t.Helper()
	dir, err := os.MkdirTemp("", "hssup")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := config.Config{
		Version:      config.SchemaVersion,
		SSHKey:       filepath.Join(dir, "tunkey"),
		WDeployments: wds,
	}
	data, err := yaml.Marshal(&cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.yaml"), data, 0600))

	store := config.NewStore(dir)
	require.NoError(t, store.Load())
	return store
}

func testParams() *config.Params {
	return &config.Params{
		Origin:               "ws://127.0.0.1:1", // unreachable; transport retries in background
		CamOrigin:            "ws://127.0.0.1:1",
		AdminReplyTimeout:    2 * time.Second,
		ImagePullDeadline:    5 * time.Second,
		CreateTimeout:        5 * time.Second,
		ScriptTimeout:        time.Second,
		ContainerStopTimeout: time.Second,
		TunnelOpenTimeout:    time.Second,
		HeartbeatInterval:    time.Second,
		ReconnectBase:        10 * time.Millisecond,
		ReconnectCap:         50 * time.Millisecond,
		TransportCutoff:      time.Minute,
		ShutdownDeadline:     5 * time.Second,
	}
}

func testWD() *types.WDeployment {
	return &types.WDeployment{
		ID:            "b47cd57c-833b-47c1-964d-79e5e6f00dba",
		Owner:         "scott",
		CProvider:     types.CProviderDocker,
		Image:         "rerobots/hs-generic:x86_64-latest",
		ContainerName: "rrc",
	}
}

func startSupervisor(t *testing.T, store *config.Store) (*Supervisor, context.CancelFunc, chan error) {
	t.Helper()
	sup, err := New(store, testParams(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errCh <- sup.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-stopped:
		case <-time.After(30 * time.Second):
			t.Error("supervisor did not stop")
		}
	})

	// Wait for the admin socket to come up.
	path := admin.SocketPath(store.BaseDir(), testWD().ID)
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if c, err := admin.Dial(path); err == nil {
			c.Close()
			return sup, cancel, errCh
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("admin socket never came up")
	return nil, nil, nil
}

func adminDo(t *testing.T, store *config.Store, req admin.Request) *controller.AdminReply {
	t.Helper()
	c, err := admin.Dial(admin.SocketPath(store.BaseDir(), testWD().ID))
	require.NoError(t, err)
	defer c.Close()
	reply, err := c.Do(req, 10*time.Second)
	require.NoError(t, err)
	return reply
}

func TestStatusThroughAdminSocket(t *testing.T) {
	store := testStore(t, testWD())
	startSupervisor(t, store)

	reply := adminDo(t, store, admin.Request{Command: "status"})
	require.True(t, reply.OK)

	payload, ok := reply.Payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(types.StateIdle), payload["state"])
	assert.Equal(t, testWD().ID, payload["wdid"])
}

func TestLockUnlockPersist(t *testing.T) {
	store := testStore(t, testWD())
	startSupervisor(t, store)

	reply := adminDo(t, store, admin.Request{Command: "lock"})
	require.True(t, reply.OK)
	wd, err := store.FindWD(testWD().ID)
	require.NoError(t, err)
	assert.True(t, wd.Locked)

	reply = adminDo(t, store, admin.Request{Command: "unlock"})
	require.True(t, reply.OK)
	wd, err = store.FindWD(testWD().ID)
	require.NoError(t, err)
	assert.False(t, wd.Locked)
}

func TestReloadConfig(t *testing.T) {
	store := testStore(t, testWD())
	startSupervisor(t, store)

	reply := adminDo(t, store, admin.Request{Command: "reload-config"})
	assert.True(t, reply.OK)
}

func TestStopAdExitsDaemonForLastWD(t *testing.T) {
	store := testStore(t, testWD())
	_, _, errCh := startSupervisor(t, store)

	reply := adminDo(t, store, admin.Request{Command: "stop-ad"})
	require.True(t, reply.OK)

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(20 * time.Second):
		t.Fatal("daemon did not exit after stop-ad for the only WD")
	}
}

func TestUnknownAdminCommand(t *testing.T) {
	store := testStore(t, testWD())
	startSupervisor(t, store)

	reply := adminDo(t, store, admin.Request{Command: "frobnicate"})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Err, "unknown command")
}

func TestNewRejectsEmptyAdvertisement(t *testing.T) {
	store := testStore(t, testWD())
	_, err := New(store, testParams(), []string{"no-such-wd"})
	assert.Error(t, err)
}
