// Package app wires the repositories, engine managers, workers, and API
// services into one running application.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/voxweave/voxweave/internal/bus"
	"github.com/voxweave/voxweave/internal/config"
	"github.com/voxweave/voxweave/internal/engine"
	"github.com/voxweave/voxweave/internal/engine/discovery"
	"github.com/voxweave/voxweave/internal/health"
	"github.com/voxweave/voxweave/internal/job"
	"github.com/voxweave/voxweave/internal/runner"
	"github.com/voxweave/voxweave/internal/settings"
	"github.com/voxweave/voxweave/internal/sshmon"
	"github.com/voxweave/voxweave/internal/store"
)

// modelCacheTTL bounds how long a discovered model catalogue is served
// without re-asking the engine.
const modelCacheTTL = 15 * time.Minute

// shutdownGrace is how long in-flight HTTP requests and running engines get
// to wind down after the run context ends.
const shutdownGrace = 10 * time.Second

// App is the assembled application. The exported fields are the surfaces the
// HTTP layer serves.
type App struct {
	Jobs     *JobService
	Engines  *EngineService
	Settings *settings.Service
	Bus      *bus.Bus
	Health   *health.Handler

	cfg *config.Config
	mon *sshmon.Monitor

	synthManager *engine.Manager
	sttManager   *engine.Manager

	synthWorker    *job.Worker
	analysisWorker *job.Worker

	scanner *discovery.Scanner
}

// New builds the application: migrates the schema, recovers interrupted
// jobs, adopts leftover engine containers, and wires every service. Nothing
// runs until [App.Run].
func New(ctx context.Context, cfg *config.Config, db *pgxpool.Pool) (*App, error) {
	events := bus.New()

	jobs := store.NewJobs(db)
	segments := store.NewSegments(db)
	engines := store.NewEngines(db)
	analysis := store.NewAnalysis(db)
	settingsRepo := store.NewSettings(db)

	for _, m := range []interface {
		Migrate(context.Context) error
	}{jobs, segments, engines, analysis, settingsRepo} {
		if err := m.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("app: migrate: %w", err)
		}
	}

	// Jobs left running by a previous process cannot be resumed mid-segment;
	// they fail now so the user sees them instead of a silent stall.
	reset, err := jobs.ResetStuck(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: reset stuck jobs: %w", err)
	}
	for _, id := range reset {
		slog.Warn("job interrupted by restart marked failed", "job_id", id)
		events.Broadcast("job.failed", map[string]any{
			"jobId": id, "error": "interrupted restart",
		}, bus.ChannelJobs)
	}

	settingsSvc := settings.New(settingsRepo)

	mon := sshmon.New(cfg.SSHHosts)
	ports := engine.NewPortRegistry(cfg.Engines.BasePort)

	runners := map[string]runner.Runner{
		"local": runner.NewProcess(),
	}
	dockerOpts := []runner.DockerOption{
		runner.WithSamplesDir(cfg.Engines.SamplesDir),
		runner.WithModelsRoot(cfg.Engines.ModelsDir),
		runner.WithGPU(cfg.Docker.GPU),
	}

	var docker *runner.Docker
	if cfg.Docker.Enabled {
		docker, err = runner.NewDocker(dockerOpts...)
		if err != nil {
			// Docker engines become unavailable but local ones still work.
			slog.Warn("docker runner unavailable", "error", err)
		} else {
			runners["docker"] = docker
		}
	}
	hostNames := make([]string, 0, len(cfg.SSHHosts))
	for _, h := range cfg.SSHHosts {
		hostNames = append(hostNames, h.Name)
		remote, err := runner.NewRemote(mon, h.Name, dockerOpts...)
		if err != nil {
			return nil, fmt.Errorf("app: remote runner %q: %w", h.Name, err)
		}
		runners["docker:"+h.Name] = remote
	}

	var managerOpts []engine.ManagerOption
	if mins, err := settingsSvc.Int(ctx, settings.KeyInactivityTimeoutMins); err == nil && mins > 0 {
		managerOpts = append(managerOpts, engine.WithInactivityTimeout(time.Duration(mins)*time.Minute))
	}
	synthManager := engine.NewManager(engine.KindSynthesis, ports, runners, events, managerOpts...)
	sttManager := engine.NewManager(engine.KindTranscription, ports, runners, events, managerOpts...)
	managers := map[engine.Kind]*engine.Manager{
		engine.KindSynthesis:     synthManager,
		engine.KindTranscription: sttManager,
	}

	settingsSvc.OnChange(func(category, key string) {
		if key == settings.KeyInactivityTimeoutMins {
			if mins, err := settingsSvc.Int(ctx, key); err == nil && mins > 0 {
				d := time.Duration(mins) * time.Minute
				synthManager.SetInactivityTimeout(d)
				sttManager.SetInactivityTimeout(d)
			}
		}
		events.Broadcast("settings.updated", map[string]any{
			"category": category, "key": key,
		}, bus.ChannelSettings)
	})

	if docker != nil {
		adopted, err := docker.Adopt(ctx)
		if err != nil {
			slog.Warn("container adoption failed", "error", err)
		}
		for base, port := range adopted {
			ports.Adopt(port, engine.VariantID(base, "docker"))
		}
	}

	scanner := discovery.NewScanner(cfg.Engines.Root, hostNames)
	cache := discovery.NewModelCache(modelCacheTTL)

	// Typed nils would defeat the service's nil check, so the variable is
	// declared as the interface.
	var puller ImagePuller
	if docker != nil {
		puller = runner.NewPuller(docker, func(variantID string, percent int, status string) {
			events.Broadcast("docker.image.progress", map[string]any{
				"engineId": variantID, "percent": percent, "status": status,
			}, bus.ChannelEngines)
		})
	}

	audio, err := job.NewDirAudioStore(cfg.Storage.AudioDir)
	if err != nil {
		return nil, fmt.Errorf("app: audio store: %w", err)
	}

	synthProc := job.NewSynthesisProcessor(NewDispatch(engines, synthManager), segments, audio)
	analysisProc := job.NewAnalysisProcessor(
		NewDispatch(engines, sttManager), segments, audio, analysis, events,
		thresholdsFunc(settingsSvc),
	)

	synthWorker := job.NewWorker(job.KindSynthesis, jobs, segments, synthProc, events)
	analysisWorker := job.NewWorker(job.KindAnalysis, jobs, segments, analysisProc, events)

	chainer := job.NewChainer(&chainPolicy{svc: settingsSvc}, jobs, segments, analysis, events)
	synthWorker.OnCompletion(chainer.AfterSynthesis)
	analysisWorker.OnCompletion(chainer.AfterAnalysis)

	engineSvc := NewEngineService(engines, managers, scanner, cache, puller, runners, events)
	if err := engineSvc.SyncFromDisk(ctx); err != nil {
		slog.Warn("engine manifest sync failed", "root", cfg.Engines.Root, "error", err)
	}

	return &App{
		Jobs:           NewJobService(jobs, segments, events),
		Engines:        engineSvc,
		Settings:       settingsSvc,
		Bus:            events,
		Health:         health.New(health.Database(db), health.Engines(synthManager, sttManager)),
		cfg:            cfg,
		mon:            mon,
		synthManager:   synthManager,
		sttManager:     sttManager,
		synthWorker:    synthWorker,
		analysisWorker: analysisWorker,
		scanner:        scanner,
	}, nil
}

// Run serves handler and drives the background loops until ctx ends, then
// shuts everything down gracefully.
func (a *App) Run(ctx context.Context, handler http.Handler) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(a.synthWorker.Run(ctx)) })
	g.Go(func() error { return ignoreCanceled(a.analysisWorker.Run(ctx)) })
	g.Go(func() error { a.synthManager.RunAutoStop(ctx); return nil })
	g.Go(func() error { a.sttManager.RunAutoStop(ctx); return nil })

	g.Go(func() error {
		err := a.scanner.Watch(ctx, func([]*engine.Variant) {
			if err := a.Engines.SyncFromDisk(ctx); err != nil {
				slog.Warn("engine manifest re-sync failed", "error", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			// Manual rescans via the API still work without the watcher.
			slog.Warn("engine manifest watch unavailable", "error", err)
		}
		return nil
	})

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if t := a.cfg.Server.TLS; t != nil {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	g.Go(func() error {
		slog.Info("listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if t := a.cfg.Server.TLS; t != nil {
			err = srv.ListenAndServeTLS(t.CertFile, t.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-ctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if err := srv.Shutdown(shCtx); err != nil {
			slog.Warn("http shutdown", "error", err)
		}
		if err := a.synthManager.Shutdown(shCtx); err != nil {
			slog.Warn("synthesis engine shutdown", "error", err)
		}
		if err := a.sttManager.Shutdown(shCtx); err != nil {
			slog.Warn("transcription engine shutdown", "error", err)
		}
		a.mon.Close()
		return nil
	})

	return g.Wait()
}

// ignoreCanceled maps a clean context shutdown to nil so it does not surface
// as a run error.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
