package main

import (
	"log"
	"net/http"
	"os"

	"github.com/briefworks/briefsync/internal/briefsync"
	"github.com/briefworks/briefsync/internal/config"
	"github.com/briefworks/briefsync/internal/httpapi"
)

func main() {
	cfg, err := config.Load(os.Getenv("BRIEFSYNC_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	kv, err := briefsync.BuildKVFromDSN(cfg.KVDSN)
	if err != nil {
		log.Fatalf("failed to initialize job store backend: %v", err)
	}
	defer kv.Close()
	store := briefsync.NewJobStore(kv)
	if status := store.BackendStatus(); status.Degraded {
		log.Printf("job store running on in-process memory; jobs will not survive a restart")
	}

	routingMap := briefsync.NewRoutingMap(cfg.Routing.FileMap)
	if cfg.Routing.FileMapPath != "" {
		if err := routingMap.Watch(cfg.Routing.FileMapPath); err != nil {
			log.Fatalf("failed to watch file map %s: %v", cfg.Routing.FileMapPath, err)
		}
		defer routingMap.Close()
	}

	var boardClient briefsync.BoardClient
	if cfg.Board.Token != "" {
		boardClient = briefsync.NewHTTPBoardClient(briefsync.BoardClientOptions{
			BaseURL: cfg.Board.APIBase,
			Token:   cfg.Board.Token,
		})
	}

	resolverOpts := briefsync.ResolverOptions{
		FileSuffix: cfg.Routing.FileSuffix,
		BoardID:    cfg.Board.ID,
		StaticMap:  routingMap.Lookup,
		YearHint:   cfg.Routing.YearHint,
	}
	enricherOpts := briefsync.EnricherOptions{
		TemplateKey: cfg.Design.TemplateKey,
		Docs:        boardClient,
	}
	if cfg.Design.Token != "" {
		designClient := briefsync.NewHTTPDesignFileClient(briefsync.DesignFileClientOptions{
			BaseURL:   cfg.Design.APIBase,
			Token:     cfg.Design.Token,
			ProjectID: cfg.Design.ProjectID,
		})
		resolverOpts.FileLister = designClient
		enricherOpts.Templates = designClient
	}

	orchestrator := briefsync.NewOrchestrator(briefsync.OrchestratorOptions{
		Store:    store,
		Resolver: briefsync.NewResolver(resolverOpts),
		DryRun:   cfg.DryRun,
	})
	ingress := briefsync.NewIngress(briefsync.IngressOptions{
		BoardID:        cfg.Board.ID,
		StatusColumnID: cfg.Board.StatusColumnID,
		TriggerStatus:  cfg.Board.TriggerStatus,
		Client:         boardClient,
		Mapper: briefsync.NewColumnBriefingMapper(briefsync.MapperOptions{
			BatchColumnID:  cfg.Board.BatchColumnID,
			StatusColumnID: cfg.Board.StatusColumnID,
		}),
		Orchestrator: orchestrator,
		Enricher:     briefsync.NewEnricher(enricherOpts),
	})

	server := httpapi.NewServerWithConfig(store, ingress, httpapi.ServerConfig{
		WebhookSecret:   cfg.Webhook.Secret,
		MaxBodyBytes:    cfg.MaxBodyBytes,
		BulkConcurrency: cfg.BulkConcurrency,
	})

	log.Printf("briefsync listening on %s (store backend %s)", cfg.Addr, kv.Name())
	if err := http.ListenAndServe(cfg.Addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}
