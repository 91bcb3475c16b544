package config

import "strings"

// Environment identifies the runtime environment where CoreFlow operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TransportKind selects the cross-process transport.
type TransportKind string

const (
	TransportNone     TransportKind = "none"
	TransportMemory   TransportKind = "memory"
	TransportRedis    TransportKind = "redis"
	TransportKafka    TransportKind = "kafka"
	TransportRabbitMQ TransportKind = "rabbitmq"
)

// StoreKind selects the durable event store.
type StoreKind string

const (
	StoreNone     StoreKind = "none"
	StorePostgres StoreKind = "postgres"
	StoreSQLite   StoreKind = "sqlite"
)

// AuditKind selects the audit sink.
type AuditKind string

const (
	AuditNone     AuditKind = "none"
	AuditLog      AuditKind = "log"
	AuditPostgres AuditKind = "postgres"
)

// RecorderKind selects where sync intents are recorded.
type RecorderKind string

const (
	RecorderMemory RecorderKind = "memory"
	RecorderRedis  RecorderKind = "redis"
)

// SecurityMode selects the publish authorizer.
type SecurityMode string

const (
	SecurityAllowAll SecurityMode = "allow_all"
	SecurityPolicy   SecurityMode = "policy"
)

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
