package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rerobots/hardshare/pkg/admin"
	"github.com/rerobots/hardshare/pkg/camera"
	"github.com/rerobots/hardshare/pkg/config"
	"github.com/rerobots/hardshare/pkg/controller"
	"github.com/rerobots/hardshare/pkg/cprovider"
	"github.com/rerobots/hardshare/pkg/events"
	"github.com/rerobots/hardshare/pkg/log"
	"github.com/rerobots/hardshare/pkg/metrics"
	"github.com/rerobots/hardshare/pkg/storage"
	"github.com/rerobots/hardshare/pkg/transport"
	"github.com/rerobots/hardshare/pkg/tunnel"
	"github.com/rerobots/hardshare/pkg/types"
)

// Supervisor wires the process: one controller per advertised WD, the
// shared transport, the admin sockets, the tunnel manager, the camera
// registry, and the instance journal. Bring-up order is config, journal,
// transport, admin, controllers; teardown is the reverse.
type Supervisor struct {
	store  *config.Store
	params *config.Params

	journal *storage.Journal
	broker  *events.Broker
	tunnels *tunnel.Manager
	client  *transport.Client

	mu           sync.Mutex
	controllers  map[string]*controller.Controller
	providers    map[string]cprovider.Provider
	ctrlCancel   map[string]context.CancelFunc
	adminServers map[string]*admin.Server
	cameras      map[string]*camera.Pipeline
	stoppedAds   map[string]bool

	// newPublisher is the camera ingest factory; tests substitute fakes.
	newPublisher func(cameraID string) (camera.Publisher, error)

	rootCancel context.CancelFunc
	ctrlWG     sync.WaitGroup
	logger     zerolog.Logger
}

// New assembles a supervisor over a loaded config store. The WD filter, if
// non-empty, restricts which deployments are advertised.
func New(store *config.Store, params *config.Params, wdFilter []string) (*Supervisor, error) {
	cfg := store.Snapshot()

	wanted := func(id string) bool {
		if len(wdFilter) == 0 {
			return true
		}
		for _, f := range wdFilter {
			if f == id {
				return true
			}
		}
		return false
	}

	s := &Supervisor{
		store:        store,
		params:       params,
		broker:       events.NewBroker(),
		controllers:  make(map[string]*controller.Controller),
		providers:    make(map[string]cprovider.Provider),
		ctrlCancel:   make(map[string]context.CancelFunc),
		adminServers: make(map[string]*admin.Server),
		cameras:      make(map[string]*camera.Pipeline),
		stoppedAds:   make(map[string]bool),
		logger:       log.For("supervisor"),
	}
	s.newPublisher = func(cameraID string) (camera.Publisher, error) {
		token, err := store.BearerToken()
		if err != nil {
			return nil, err
		}
		return camera.DialPublisher(params.CamOrigin, cameraID, token)
	}

	s.tunnels = tunnel.NewManager(func(t *tunnel.Tunnel) {
		s.mu.Lock()
		ctrl := s.controllers[t.Req.WDID]
		s.mu.Unlock()
		if ctrl != nil {
			ctrl.TunnelLost(t)
		}
	})

	for _, wd := range cfg.WDeployments {
		if !wanted(wd.ID) {
			continue
		}
		provider, err := cprovider.New(wd.CProvider)
		if err != nil {
			return nil, fmt.Errorf("wd %s: %w", wd.ID, err)
		}
		s.providers[wd.ID] = provider
	}
	if len(s.providers) == 0 {
		return nil, fmt.Errorf("%w: nothing to advertise", types.ErrUnknownWD)
	}

	s.client = transport.New(transport.Config{
		URL:               params.Origin + "/hardshare/ad",
		TokenFn:           store.BearerToken,
		HeartbeatInterval: params.HeartbeatInterval,
		ReconnectBase:     params.ReconnectBase,
		ReconnectCap:      params.ReconnectCap,
		Cutoff:            params.TransportCutoff,
	}, s)

	return s, nil
}

// Run brings the daemon up and blocks until ctx is canceled, then tears
// down in reverse order: controllers drain, admin sockets close, transport
// stops, journal closes.
func (s *Supervisor) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.rootCancel = cancel
	defer cancel()

	journal, err := storage.Open(s.store.BaseDir())
	if err != nil {
		return err
	}
	s.journal = journal
	defer journal.Close()

	defer s.broker.Close()

	s.reapStale(runCtx)

	var transportWG sync.WaitGroup
	transportWG.Add(1)
	go func() {
		defer transportWG.Done()
		s.client.Run(runCtx)
	}()

	if s.params.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(s.params.MetricsAddr); err != nil {
				s.logger.Error().Err(err).Msg("metrics listener failed")
			}
		}()
	}

	for wdid, provider := range s.providers {
		ctrl := controller.New(wdid, s.store, s.params, provider, s.tunnels, s.client, s.journal, s.broker)
		s.mu.Lock()
		s.controllers[wdid] = ctrl
		s.mu.Unlock()

		ctrlCtx, ctrlCancel := context.WithCancel(runCtx)
		s.mu.Lock()
		s.ctrlCancel[wdid] = ctrlCancel
		s.mu.Unlock()

		s.ctrlWG.Add(1)
		go func() {
			defer s.ctrlWG.Done()
			ctrl.Run(ctrlCtx)
		}()

		srv := admin.NewServer(
			admin.SocketPath(s.store.BaseDir(), wdid),
			s.adminHandler(wdid),
			s.broker,
			s.params.AdminReplyTimeout,
		)
		if err := srv.Start(runCtx); err != nil {
			cancel()
			s.ctrlWG.Wait()
			return fmt.Errorf("admin socket for %s: %w", wdid, err)
		}
		s.mu.Lock()
		s.adminServers[wdid] = srv
		s.mu.Unlock()
		s.logger.Info().Str("wdid", wdid).Msg("advertising workspace deployment")
	}

	<-runCtx.Done()

	s.logger.Info().Msg("shutting down")
	s.stopAllCameras()
	s.ctrlWG.Wait()
	s.tunnels.CloseAll()
	s.mu.Lock()
	servers := make([]*admin.Server, 0, len(s.adminServers))
	for _, srv := range s.adminServers {
		servers = append(servers, srv)
	}
	s.mu.Unlock()
	for _, srv := range servers {
		srv.Stop()
	}
	transportWG.Wait()
	return nil
}

// reapStale removes resources a previous run left behind: containers of
// instances that were never confirmed READY, plus unclaimed containers
// matching the daemon's naming pattern. Containers of confirmed READY
// instances are serving remote users and are left alone.
func (s *Supervisor) reapStale(ctx context.Context) {
	records, err := s.journal.Unreaped()
	if err != nil {
		s.logger.Error().Err(err).Msg("journal scan failed")
	}
	confirmed, err := s.journal.ConfirmedContainers()
	if err != nil {
		s.logger.Error().Err(err).Msg("journal scan failed")
	}
	for _, rec := range records {
		provider := s.providers[rec.WDID]
		if provider == nil {
			if p, err := s.providerForWD(rec.WDID); err == nil {
				provider = p
			}
		}
		if provider != nil && rec.ContainerName != "" {
			s.logger.Info().Str("container", rec.ContainerName).Str("instance_id", rec.ID).
				Msg("reaping unconfirmed instance from previous run")
			rmCtx, cancel := context.WithTimeout(ctx, s.params.ContainerStopTimeout)
			if err := provider.Remove(rmCtx, &cprovider.Handle{Name: rec.ContainerName}); err != nil {
				s.logger.Warn().Err(err).Msg("reap remove failed")
			}
			cancel()
		}
		if err := s.journal.Forget(rec.ID); err != nil {
			s.logger.Error().Err(err).Msg("journal forget failed")
		}
	}

	cfg := s.store.Snapshot()
	for _, wd := range cfg.WDeployments {
		provider := s.providers[wd.ID]
		if provider == nil {
			continue
		}
		listCtx, cancel := context.WithTimeout(ctx, s.params.ContainerStopTimeout)
		names, err := provider.ListStale(listCtx, cprovider.NamePrefix(wd))
		cancel()
		if err != nil {
			continue
		}
		for _, name := range names {
			if confirmed[name] {
				continue
			}
			s.logger.Info().Str("container", name).Msg("reaping stale container")
			rmCtx, cancel := context.WithTimeout(ctx, s.params.ContainerStopTimeout)
			provider.Remove(rmCtx, &cprovider.Handle{Name: name})
			cancel()
		}
	}
}

func (s *Supervisor) providerForWD(wdid string) (cprovider.Provider, error) {
	wd, err := s.store.FindWD(wdid)
	if err != nil {
		return nil, err
	}
	return cprovider.New(wd.CProvider)
}

// OnFrame routes one inbound frame to the owning controller.
func (s *Supervisor) OnFrame(f *types.Frame) {
	if f.WDID == "" {
		s.logger.Warn().Str("cmd", f.Cmd).Msg("frame without wd id; ignoring")
		return
	}
	s.mu.Lock()
	ctrl := s.controllers[f.WDID]
	s.mu.Unlock()
	if ctrl == nil {
		s.logger.Warn().Str("wdid", f.WDID).Str("cmd", f.Cmd).Msg("frame for unknown workspace deployment")
		return
	}
	ctrl.Deliver(f)
}

// OnConnect re-announces every advertised WD and the state of any
// non-terminal instance.
func (s *Supervisor) OnConnect() {
	s.broker.Publish(&events.Event{Type: events.EventTransportUp})
	s.mu.Lock()
	ctrls := make([]*controller.Controller, 0, len(s.controllers))
	for _, c := range s.controllers {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()
	for _, c := range ctrls {
		c.Announce()
	}
}

// OnDisconnect is informational; controllers preserve state across
// transport outages shorter than the cutoff.
func (s *Supervisor) OnDisconnect(err error) {
	s.broker.Publish(&events.Event{Type: events.EventTransportDown})
}

// OnDegraded tells every controller the outage exceeded the cutoff.
func (s *Supervisor) OnDegraded() {
	s.broker.Publish(&events.Event{Type: events.EventTransportDegraded})
	s.mu.Lock()
	ctrls := make([]*controller.Controller, 0, len(s.controllers))
	for _, c := range s.controllers {
		ctrls = append(ctrls, c)
	}
	s.mu.Unlock()
	for _, c := range ctrls {
		c.Degraded()
	}
}

// adminHandler builds the admin-socket handler for one WD. WD-scoped
// commands forward into the controller inbox; process-scoped commands are
// served here.
func (s *Supervisor) adminHandler(wdid string) admin.Handler {
	return func(ctx context.Context, req admin.Request) controller.AdminReply {
		switch req.Command {
		case "status", "lock", "unlock", "terminate-instance":
			s.mu.Lock()
			ctrl := s.controllers[wdid]
			s.mu.Unlock()
			if ctrl == nil {
				return controller.AdminReply{Err: types.ErrUnknownWD.Error()}
			}
			creq := controller.NewAdminRequest(req.Command, req.Args)
			ctrl.Submit(creq)
			select {
			case reply := <-creq.Reply:
				return reply
			case <-ctx.Done():
				return controller.AdminReply{Err: admin.ErrTimeout.Error()}
			}

		case "stop-ad":
			return s.stopAd(wdid)

		case "reload-config":
			if err := s.store.Load(); err != nil {
				return controller.AdminReply{Err: err.Error()}
			}
			return controller.AdminReply{OK: true}

		case "attach-camera":
			return s.attachCamera(ctx, req.Args)

		case "stop-cameras":
			s.stopAllCameras()
			return controller.AdminReply{OK: true}

		default:
			return controller.AdminReply{Err: "unknown command: " + req.Command}
		}
	}
}

// stopAd stops advertising one WD; when the last advertised WD stops, the
// daemon exits. Repeated calls are no-ops.
func (s *Supervisor) stopAd(wdid string) controller.AdminReply {
	s.mu.Lock()
	if s.stoppedAds[wdid] {
		s.mu.Unlock()
		return controller.AdminReply{OK: true, Payload: "already stopped"}
	}
	s.stoppedAds[wdid] = true
	cancel := s.ctrlCancel[wdid]
	remaining := 0
	for id := range s.controllers {
		if !s.stoppedAds[id] {
			remaining++
		}
	}
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if remaining == 0 && s.rootCancel != nil {
		// Exit after the reply has a chance to reach the CLI.
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.rootCancel()
		}()
	}
	return controller.AdminReply{OK: true}
}

// attachCamera starts a capture pipeline. Args: camera_id, device, crops
// (JSON object wdid -> [x0,y0,x1,y1]), optional width/height.
func (s *Supervisor) attachCamera(ctx context.Context, args map[string]string) controller.AdminReply {
	cameraID := args["camera_id"]
	device := args["device"]
	if cameraID == "" || device == "" {
		return controller.AdminReply{Err: "camera_id and device are required"}
	}

	var rects map[string][4]int
	if err := json.Unmarshal([]byte(args["crops"]), &rects); err != nil {
		return controller.AdminReply{Err: "malformed crops: " + err.Error()}
	}
	crops := make(map[string]camera.Crop, len(rects))
	for wdid, r := range rects {
		crops[wdid] = camera.Crop{X0: r[0], Y0: r[1], X1: r[2], Y1: r[3]}
	}

	width, _ := strconv.Atoi(args["width"])
	height, _ := strconv.Atoi(args["height"])

	s.mu.Lock()
	if _, exists := s.cameras[cameraID]; exists {
		s.mu.Unlock()
		return controller.AdminReply{Err: "camera already attached: " + cameraID}
	}
	s.mu.Unlock()

	publisher, err := s.newPublisher(cameraID)
	if err != nil {
		return controller.AdminReply{Err: err.Error()}
	}

	pipeline := camera.NewPipeline(cameraID,
		camera.NewFFmpegCapturer(device, width, height),
		publisher,
		s.cameraGate,
		crops,
		func(error) {
			s.broker.Publish(&events.Event{Type: events.EventCameraDown, Message: cameraID})
			s.client.Send(&types.Frame{Cmd: types.CmdCamStatus, CameraID: cameraID, Detail: "down"})
		},
	)
	if err := pipeline.Start(context.WithoutCancel(ctx)); err != nil {
		publisher.Close()
		return controller.AdminReply{Err: err.Error()}
	}

	s.mu.Lock()
	s.cameras[cameraID] = pipeline
	s.mu.Unlock()
	s.broker.Publish(&events.Event{Type: events.EventCameraUp, Message: cameraID})
	s.client.Send(&types.Frame{Cmd: types.CmdCamStatus, CameraID: cameraID, Detail: "up"})
	return controller.AdminReply{OK: true}
}

// cameraGate admits frames only for WDs with a READY instance and the cam
// add-on.
func (s *Supervisor) cameraGate(wdid string) bool {
	s.mu.Lock()
	ctrl := s.controllers[wdid]
	s.mu.Unlock()
	if ctrl == nil || ctrl.State() != types.StateReady {
		return false
	}
	wd, err := s.store.FindWD(wdid)
	return err == nil && wd.HasAddon(types.AddonCam)
}

func (s *Supervisor) stopAllCameras() {
	s.mu.Lock()
	pipelines := make([]*camera.Pipeline, 0, len(s.cameras))
	for _, p := range s.cameras {
		pipelines = append(pipelines, p)
	}
	s.cameras = make(map[string]*camera.Pipeline)
	s.mu.Unlock()
	for _, p := range pipelines {
		p.Stop()
		s.client.Send(&types.Frame{Cmd: types.CmdCamStatus, CameraID: p.CameraID, Detail: "stopped"})
	}
}
