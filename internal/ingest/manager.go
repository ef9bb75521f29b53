package ingest

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StopTimeout bounds how long Stop waits for workers to wind down.
const StopTimeout = 5 * time.Second

// reloadPollInterval is the slow safety-net poll that catches config
// changes the file watcher missed.
const reloadPollInterval = 60 * time.Second

type supervised struct {
	worker *Worker
	cfg    StreamConfig
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager owns the worker fleet: it starts one worker per configured
// stream, reloads the config file on change and stops everything within
// the stop budget on shutdown.
type Manager struct {
	// Pipeline handles streams configured for in-process submission.
	Pipeline Submitter
	Resolver Resolver
	Opener   Opener

	path string

	mu      sync.Mutex
	workers map[string]*supervised
}

func NewManager(path string, pipeline Submitter) *Manager {
	return &Manager{
		Pipeline: pipeline,
		Resolver: &StreamlinkResolver{},
		Opener:   &StreamOpener{},
		path:     path,
		workers:  make(map[string]*supervised),
	}
}

// Start loads the config, launches the workers and begins watching the
// config file. Workers run until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	cfg, err := LoadConfig(m.path)
	if err != nil {
		return err
	}
	if len(cfg.Streams) == 0 {
		log.Print("[Ingest] no streams configured, manager is idle")
	}
	m.apply(ctx, cfg)
	m.watch(ctx)
	return nil
}

// Reload re-reads the config file and reconciles the fleet: removed or
// changed streams stop, new streams start, unchanged streams keep running.
func (m *Manager) Reload(ctx context.Context) {
	cfg, err := LoadConfig(m.path)
	if err != nil {
		log.Printf("[Ingest] reload config: %v", err)
		return
	}
	m.apply(ctx, cfg)
}

func (m *Manager) apply(ctx context.Context, cfg *Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for name, sup := range m.workers {
		next, ok := cfg.Streams[name]
		if ok && next == sup.cfg {
			continue
		}
		reason := "removed"
		if ok {
			reason = "changed"
		}
		log.Printf("[Ingest] stream %s: config %s, stopping worker", name, reason)
		sup.cancel()
		waitDone(sup.done, StopTimeout)
		delete(m.workers, name)
	}

	for name, sc := range cfg.Streams {
		if _, running := m.workers[name]; running {
			continue
		}
		worker, err := NewWorker(name, sc, m.submitterFor(sc), m.Resolver, m.Opener)
		if err != nil {
			log.Printf("[Ingest] stream %s: %v, skipping", name, err)
			continue
		}

		wctx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			worker.Run(wctx)
		}()
		m.workers[name] = &supervised{worker: worker, cfg: sc, cancel: cancel, done: done}
	}
}

func (m *Manager) submitterFor(cfg StreamConfig) Submitter {
	if cfg.Submission == SubmissionAPI {
		return NewAPISubmitter(cfg.APIBaseURL, cfg.APITokenEnv, cfg.apiTimeout())
	}
	return m.Pipeline
}

// watch wires the file watcher plus a slow polling safety net. Reconciling
// an unchanged config is a no-op, so the poll is cheap.
func (m *Manager) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[Ingest] config watcher unavailable (%v), relying on polling", err)
		watcher = nil
	} else if err := watcher.Add(m.path); err != nil {
		log.Printf("[Ingest] watch %s: %v, relying on polling", m.path, err)
		watcher.Close()
		watcher = nil
	}

	if watcher != nil {
		go func() {
			defer watcher.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-watcher.Events:
					if !ok {
						return
					}
					if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
						log.Print("[Ingest] stream config changed, reloading")
						time.Sleep(100 * time.Millisecond)
						m.Reload(ctx)
					}
				case err, ok := <-watcher.Errors:
					if !ok {
						return
					}
					log.Printf("[Ingest] config watcher: %v", err)
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(reloadPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Reload(ctx)
			}
		}
	}()
}

// Stop signals every worker and waits out the stop budget.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sup := range m.workers {
		sup.cancel()
	}
	deadline := time.Now().Add(StopTimeout)
	for name, sup := range m.workers {
		if !waitDone(sup.done, time.Until(deadline)) {
			log.Printf("[Ingest] stream %s: worker did not stop in time", name)
		}
		delete(m.workers, name)
	}
}

// Statuses snapshots every worker, sorted by stream name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Status, 0, len(m.workers))
	for _, sup := range m.workers {
		out = append(out, sup.worker.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ActiveWorkers reports the fleet size for the metrics collector.
func (m *Manager) ActiveWorkers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}
