package config

import (
	"context"
	"fmt"
	"os"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/sagaline/tx-orchestrator/orchestration"
	"github.com/sagaline/tx-orchestrator/orchestration/sqlconn"
	"github.com/sagaline/tx-orchestrator/orchestrator-service/handlers"
	"github.com/sagaline/tx-orchestrator/shared/events"
	sharedinfra "github.com/sagaline/tx-orchestrator/shared/infrastructure"
	"github.com/sagaline/tx-orchestrator/shared/telemetry"
)

type Dependencies struct {
	Logger zerolog.Logger

	// Orchestration core
	Registry    *orchestration.Registry
	RunStore    *orchestration.RunStore
	Coordinator *orchestration.Coordinator

	// Audit trail
	AuditDB    *sqlx.DB
	EventStore *sharedinfra.PostgresEventStore

	// HTTP Handlers
	OrchestratorHandlers *handlers.OrchestratorHandlers

	// Event Handlers
	OrchestratorEventHandlers *handlers.OrchestratorEventHandlers

	// Infrastructure
	EventPublisher  *sharedinfra.SNSPublisherAdapter
	EventSubscriber *sharedinfra.SQSSubscriberAdapter

	// Telemetry
	Telemetry         *telemetry.Telemetry
	TelemetryShutdown func()

	connections []*sqlconn.Connection
}

func BuildDependencies(ctx context.Context, config *Config) (*Dependencies, error) {
	deps := &Dependencies{}

	logger := zerolog.New(os.Stdout).
		With().
		Timestamp().
		Str("service", config.ServiceName).
		Str("env", config.Env).
		Logger()
	deps.Logger = logger

	// Initialize telemetry first
	if config.Telemetry.Enabled {
		telConfig := telemetry.OrchestratorServiceConfig.WithOTLPEndpoint(config.Telemetry.OTLPEndpoint)
		tel, telemetryShutdown, err := telemetry.InitTelemetry(ctx, telConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without it")
		} else {
			deps.Telemetry = tel
			deps.TelemetryShutdown = telemetryShutdown
		}
	}

	// Register every configured connection.
	registry := orchestration.NewRegistry()
	for _, cc := range config.Connections {
		conn, err := sqlconn.Open(cc.Driver, cc.URL)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to open connection %q: %w", cc.Name, err)
		}
		registry.RegisterConnection(cc.Name, conn)
		deps.connections = append(deps.connections, conn)
		logger.Info().Str("connection", cc.Name).Str("driver", cc.Driver).Msg("Connection registered")
	}
	deps.Registry = registry

	// Initialize AWS infrastructure
	eventPublisher, err := sharedinfra.NewSNSPublisherAdapter(ctx, config.AWS.SNSTopicArn)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create SNS publisher: %w", err)
	}
	deps.EventPublisher = eventPublisher

	eventSubscriber, err := sharedinfra.NewSQSSubscriberAdapter(config.AWS.SQSQueueURL, logger)
	if err != nil {
		deps.Close()
		return nil, fmt.Errorf("failed to create SQS subscriber: %w", err)
	}
	deps.EventSubscriber = eventSubscriber

	// Lifecycle events fan out to SNS and, when enabled, the audit trail.
	publisher := events.Publisher(eventPublisher)
	if config.Audit.Enabled {
		auditDB, err := sqlx.Connect("postgres", config.Audit.DatabaseURL)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("failed to connect to audit database: %w", err)
		}
		deps.AuditDB = auditDB
		deps.EventStore = sharedinfra.NewPostgresEventStore(auditDB)
		publisher = sharedinfra.NewCompositePublisher(
			eventPublisher,
			sharedinfra.NewEventStorePublisher(deps.EventStore),
		)
	}

	// Orchestration core
	deps.RunStore = orchestration.NewRunStore(config.SagaRetention())
	deps.Coordinator = orchestration.NewCoordinator(registry, deps.RunStore,
		orchestration.WithLogger(logger),
		orchestration.WithPublisher(publisher),
		orchestration.WithDefaultTimeout(config.DefaultTimeout()),
	)

	// Handlers
	deps.OrchestratorHandlers = handlers.NewOrchestratorHandlers(deps.Coordinator, logger)
	deps.OrchestratorEventHandlers = handlers.NewOrchestratorEventHandlers(deps.Coordinator, logger)

	return deps, nil
}

// Close closes all dependencies
func (d *Dependencies) Close() error {
	var errs []error

	for _, conn := range d.connections {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close connection: %w", err))
		}
	}

	if d.AuditDB != nil {
		if err := d.AuditDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit database: %w", err))
		}
	}

	if d.EventPublisher != nil {
		if err := d.EventPublisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event publisher: %w", err))
		}
	}

	if d.EventSubscriber != nil {
		if err := d.EventSubscriber.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close event subscriber: %w", err))
		}
	}

	if d.TelemetryShutdown != nil {
		d.TelemetryShutdown()
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors closing dependencies: %v", errs)
	}

	return nil
}
