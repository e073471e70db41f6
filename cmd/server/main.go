package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invory/hierarchies/modules/hierarchy/domain"
	"github.com/invory/hierarchies/modules/hierarchy/infrastructure/inventory"
	"github.com/invory/hierarchies/modules/hierarchy/infrastructure/persistence"
	"github.com/invory/hierarchies/modules/hierarchy/infrastructure/search"
	"github.com/invory/hierarchies/modules/hierarchy/infrastructure/stream"
	"github.com/invory/hierarchies/modules/hierarchy/services"
	"github.com/invory/hierarchies/pkg/composables"
	"github.com/invory/hierarchies/pkg/configuration"
	"github.com/invory/hierarchies/pkg/eventbus"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			configuration.Use().Unload()
			log.Println(r)
			debug.PrintStack()
			os.Exit(1)
		}
	}()

	conf := configuration.Use()
	defer conf.Unload()
	logger := conf.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, conf.Database.ConnectionString())
	if err != nil {
		panic(err)
	}
	defer pool.Close()
	if err := persistence.Migrate(ctx, pool); err != nil {
		panic(err)
	}
	ctx = composables.WithPool(ctx, pool)

	bus := eventbus.NewEventPublisher(logger)

	publisher := stream.NewPublisher(conf.Kafka, conf.Keycloak, logger)
	publisher.Register(bus)

	if conf.Elastic.URL != "" {
		mirror, err := search.NewMirror(conf.Elastic.URL, logger)
		if err != nil {
			panic(err)
		}
		mirror.Register(bus)
	}

	inv, err := inventory.New(conf.Inventory.GRPCURL, conf.Inventory.Timeout)
	if err != nil {
		panic(err)
	}
	defer inv.Close()

	hierarchies := persistence.NewHierarchyRepository()
	levels := persistence.NewLevelRepository()
	nodes := persistence.NewNodeRepository()
	rebuilds := persistence.NewRebuildRepository()

	childCounts := services.NewChildCountService(nodes, conf.LimitOfPostgresResultsPerStep)
	nodeDelete := services.NewNodeDeleteService(nodes, childCounts)
	levelDelete := services.NewLevelDeleteService(levels, nodes, childCounts, conf.PostgresItemsLimitInQuery)
	builder := services.NewBuilderService(hierarchies, levels, nodes, inv, childCounts, bus, logger)
	watchdog := services.NewWatchdog(rebuilds, nodes, builder, conf.WatchdogSleepTime, logger)

	publish := func(cs domain.ChangeSet) { bus.Publish(cs) }

	supervisor := services.NewSupervisor(func(ctx context.Context, hierarchyID int64) error {
		reconciler := services.NewReconciler(hierarchyID, services.ReconcilerDeps{
			Hierarchies: hierarchies,
			Levels:      levels,
			Nodes:       nodes,
			Inventory:   inv,
			ChildCounts: childCounts,
			NodeDelete:  nodeDelete,
			LevelDelete: levelDelete,
			Rebuilds:    rebuilds,
			Publish:     publish,
			Log:         logger,
		})
		consumer := stream.NewConsumer(hierarchyID, conf.Kafka, conf.Keycloak,
			reconciler.Apply,
			func(ctx context.Context) {
				if err := watchdog.Drain(ctx); err != nil && ctx.Err() == nil {
					logger.WithError(err).Error("idle rebuild drain failed")
				}
			},
			logger,
		)
		return consumer.Run(ctx)
	}, logger)

	go watchdog.Run(ctx)

	hierarchyDelete := services.NewHierarchyDeleteService(hierarchies)
	lifecycle := stream.NewLifecycleConsumer(conf.Kafka, conf.Keycloak, supervisor, hierarchyDelete, logger)
	go func() {
		for ctx.Err() == nil {
			if err := lifecycle.Run(ctx); err != nil && ctx.Err() == nil {
				logger.WithError(err).Error("lifecycle consumer exited, restarting")
				time.Sleep(time.Second)
			}
		}
	}()

	existing, err := hierarchies.List(ctx)
	if err != nil {
		panic(err)
	}
	for _, h := range existing {
		supervisor.Start(ctx, h.ID)
	}
	logger.WithFields(logrus.Fields{
		"hierarchies": len(existing),
		"brokers":     conf.Kafka.Brokers(),
	}).Info("hierarchy service started")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: conf.MetricsAddr, Handler: mux}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	supervisor.StopAll()
}
