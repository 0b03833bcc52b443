// Package app assembles the daemon: config, logging, store, transport
// adapters, the notification router, the retry queue and the scheduler, plus
// the config hot-reload fan-out that keeps them all current.
package app

import (
	"context"
	"fmt"
	"sync"

	"meshward/internal/config"
	"meshward/internal/model"
	"meshward/internal/notify"
	"meshward/internal/queue"
	"meshward/internal/scheduler"
	"meshward/internal/store"
	"meshward/internal/transport"
	logx "meshward/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store    *store.Store
	email    *transport.EmailAdapter
	webhook  *transport.WebhookAdapter
	mesh     *transport.MeshAdapter
	registry *transport.Registry

	router *notify.Router
	queue  *queue.Service
	sched  *scheduler.Service

	watchCancel context.CancelFunc
	cfgCh       chan *config.Config
	wg          sync.WaitGroup
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config %s: %w", cfgPath, err)
	}

	logs, log := logx.New(logCfg(cfg))
	log = log.With(logx.String("svc", "app"))
	cfgm.SetLogger(log.With(logx.String("svc", "config")))

	st, err := store.Open(store.Config{
		Path:        cfg.DB.ResolvedPath(),
		BusyTimeout: cfg.DB.Busy(),
	}, log.With(logx.String("svc", "store")))
	if err != nil {
		_ = logs.Close()
		return nil, err
	}

	adapterLog := logs.Logger()
	email := transport.NewEmailAdapter(cfg.Channels.Email, adapterLog)
	webhook := transport.NewWebhookAdapter(cfg.Channels.Webhook, adapterLog)
	mesh := transport.NewMeshAdapter(cfg.Channels.Mesh, adapterLog)

	registry := transport.NewRegistry()
	registry.Register(model.ChannelEmail, email)
	registry.Register(model.ChannelWebhook, webhook)
	registry.Register(model.ChannelMesh, mesh)

	q := queue.New(cfg.Queue, st, registry, logs.Logger())

	sched := scheduler.New(cfg.Scheduler, st, nil, logs.Logger())
	router := notify.New(st, sched.Location(), logs.Logger())
	sched.SetDispatcher(router)
	q.OnTerminalFailure = router.HandleTerminalFailure

	return &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		store:    st,
		email:    email,
		webhook:  webhook,
		mesh:     mesh,
		registry: registry,
		router:   router,
		queue:    q,
		sched:    sched,
	}, nil
}

func logCfg(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Log.Level,
		Console: cfg.Log.Console,
		File: logx.FileConfig{
			Enabled: cfg.Log.File.Enabled,
			Path:    cfg.Log.File.Path,
		},
	}
}

func (a *App) Start(ctx context.Context) error {
	if err := a.sched.Start(ctx); err != nil {
		return err
	}
	a.queue.Start(ctx)

	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.cfgCh = a.cfgm.Subscribe(4)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.cfgm.Watch(watchCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(watchCtx)
	}()

	a.log.Info("started")
	return nil
}

// reloadLoop fans a committed config out to every service that can apply it
// live. The store and DB path are fixed for the process lifetime.
func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgCh:
			if !ok {
				return
			}
			a.logs.Apply(logCfg(cfg))
			a.email.Apply(cfg.Channels.Email)
			a.webhook.Apply(cfg.Channels.Webhook)
			a.mesh.Apply(cfg.Channels.Mesh)
			a.queue.Apply(cfg.Queue)
			a.sched.Apply(cfg.Scheduler)
			a.router.Apply(a.sched.Location())
			a.log.Info("config applied")
		}
	}
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
	}
	a.sched.Stop(ctx)
	a.queue.Stop(ctx)
	if a.cfgCh != nil {
		a.cfgm.Unsubscribe(a.cfgCh)
	}
	a.wg.Wait()

	err := a.store.Close()
	a.log.Info("stopped")
	_ = a.logs.Close()
	return err
}

// Accessors for embedding surfaces (ops tooling, future HTTP layer).

func (a *App) Store() *store.Store           { return a.store }
func (a *App) Router() *notify.Router        { return a.router }
func (a *App) Queue() *queue.Service         { return a.queue }
func (a *App) Scheduler() *scheduler.Service { return a.sched }
