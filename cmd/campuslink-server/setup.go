package main

import (
	"database/sql"
	"fmt"
	"io"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/campuslink/campuslink/internal/artifact"
	"github.com/campuslink/campuslink/internal/audit"
	"github.com/campuslink/campuslink/internal/config"
	"github.com/campuslink/campuslink/internal/connection"
	"github.com/campuslink/campuslink/internal/credstore"
	"github.com/campuslink/campuslink/internal/db"
	"github.com/campuslink/campuslink/internal/events"
)

// backends holds everything the server opens before it starts listening.
type backends struct {
	auditDB *sql.DB
	stateDB *sql.DB
	audit   *audit.Logger
	creds   connection.CredentialSource
	store   *credstore.Store
	sink    events.Sink
	capture artifact.Store
	closers []io.Closer
}

func openBackends(cfg config.Config, passphrase string, logger zerolog.Logger) (*backends, error) {
	b := &backends{}
	var err error

	if b.auditDB, err = db.OpenAuditDB(cfg.DataDir); err != nil {
		return nil, err
	}
	b.closers = append(b.closers, b.auditDB)
	if b.audit, err = audit.NewLogger(b.auditDB); err != nil {
		b.Close()
		return nil, err
	}

	if err := b.openCredentials(cfg, passphrase); err != nil {
		b.Close()
		return nil, err
	}

	sinks := events.Multi{events.NewAuditSink(b.audit)}
	if len(cfg.Kafka.Brokers) > 0 {
		ks := events.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		sinks = append(sinks, ks)
		b.closers = append(b.closers, ks)
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing connection events to kafka")
	}
	b.sink = sinks

	if cfg.S3.Bucket != "" {
		b.capture = artifact.NewS3Store(artifact.NewS3Client(cfg.S3), cfg.S3.Bucket, cfg.S3.Prefix)
		logger.Info().Str("bucket", cfg.S3.Bucket).Msg("capturing undecodable responses to s3")
	} else {
		b.capture = artifact.NewLocalStore(filepath.Join(cfg.DataDir, "captures"))
	}
	return b, nil
}

func (b *backends) openCredentials(cfg config.Config, passphrase string) error {
	switch cfg.Secrets.Source {
	case "", "store":
		if passphrase == "" {
			return fmt.Errorf("the credential store needs a passphrase (set %s)", passphraseEnv)
		}
		stateDB, err := db.OpenStateDB(cfg.DataDir)
		if err != nil {
			return err
		}
		b.stateDB = stateDB
		b.closers = append(b.closers, stateDB)
		if b.store, err = credstore.Open(stateDB, passphrase, b.audit); err != nil {
			return err
		}
		b.creds = b.store
	case "secretsmanager":
		client := credstore.NewSecretsManagerClient(cfg.Secrets)
		b.creds = credstore.NewSecretsManagerSource(client, cfg.Secrets.Prefix)
	default:
		return fmt.Errorf("unknown secrets source %q", cfg.Secrets.Source)
	}
	return nil
}

// connectionOptions are applied to every connection the registry creates.
func (b *backends) connectionOptions() []connection.Option {
	return []connection.Option{
		connection.WithEventSink(b.sink),
		connection.WithCaptureStore(b.capture),
		connection.WithCredentialSource(b.creds),
	}
}

// Close releases the backends in reverse open order.
func (b *backends) Close() {
	if b.store != nil {
		b.store.Close()
	}
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i].Close()
	}
}
