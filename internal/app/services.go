package app

import (
	"context"
	"fmt"

	"github.com/yungbote/askpdf-backend/internal/jobs/runtime"
	"github.com/yungbote/askpdf-backend/internal/jobs/worker"
	"github.com/yungbote/askpdf-backend/internal/modules/answer"
	"github.com/yungbote/askpdf-backend/internal/modules/ingestion"
	"github.com/yungbote/askpdf-backend/internal/modules/retrieval"
	"github.com/yungbote/askpdf-backend/internal/modules/usage"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/realtime"
	"github.com/yungbote/askpdf-backend/internal/realtime/bus"
)

type Services struct {
	Usage     usage.Recorder
	Retrieval *retrieval.Engine
	Answers   *answer.Orchestrator

	// Ingestion and the supervisor that runs its jobs
	Ingestion   *ingestion.Pipeline
	JobRegistry *runtime.Registry
	Supervisor  *worker.Supervisor

	Notifier realtime.Notifier
}

func wireServices(log *logger.Logger, cfg Config, repos Repos, clients Clients, hub *realtime.SSEHub) (Services, error) {
	log.Info("Wiring services...")

	usageRecorder := usage.NewRecorder(log, repos.UsageLog)
	engine := retrieval.NewEngine(log, cfg.Retrieval, repos.Chunk, clients.Parser, usageRecorder)

	// With a bus every replica's forwarder delivers to its own hub, so
	// publishing locally as well would duplicate events.
	var notifier realtime.Notifier = realtime.NewLocalNotifier(hub)
	if clients.Bus != nil {
		notifier = bus.NewNotifier(clients.Bus, log)
	}

	ingestCfg := ingestion.ConfigFromEnv()
	pipeline, err := ingestion.NewPipeline(ingestion.Deps{
		Log:      log,
		Config:   ingestCfg,
		Docs:     repos.Document,
		Chunks:   repos.Chunk,
		Tx:       repos.Tx,
		Parser:   clients.Parser,
		Storage:  clients.Storage,
		Notifier: notifier,
		Usage:    usageRecorder,
	})
	if err != nil {
		return Services{}, fmt.Errorf("init ingestion pipeline: %w", err)
	}

	registry := runtime.NewRegistry()
	if err := pipeline.Register(registry); err != nil {
		return Services{}, fmt.Errorf("register ingestion jobs: %w", err)
	}
	supervisor, err := worker.NewSupervisor(log, registry, worker.ConfigFromEnv(), func(ctx context.Context, item runtime.WorkItem, err error) {
		pipeline.OnJobFailure(ctx, item, err)
	})
	if err != nil {
		return Services{}, fmt.Errorf("init ingestion supervisor: %w", err)
	}
	pipeline.SetQueue(supervisor)

	orchestrator, err := answer.NewOrchestrator(answer.Deps{
		Log:       log,
		Config:    answer.ConfigFromEnv(cfg.Models),
		Threads:   repos.ChatThread,
		Messages:  repos.ChatMessage,
		Documents: repos.Document,
		Chunks:    repos.Chunk,
		Retrieval: engine,
		Parser:    clients.Parser,
		Usage:     usageRecorder,
	})
	if err != nil {
		return Services{}, fmt.Errorf("init answer orchestrator: %w", err)
	}

	return Services{
		Usage:       usageRecorder,
		Retrieval:   engine,
		Answers:     orchestrator,
		Ingestion:   pipeline,
		JobRegistry: registry,
		Supervisor:  supervisor,
		Notifier:    notifier,
	}, nil
}
