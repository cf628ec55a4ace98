package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mariadb"
	"github.com/kozaktomas/face-attendance/internal/database/postgres"
	"github.com/kozaktomas/face-attendance/internal/database/sqlite"
	"github.com/kozaktomas/face-attendance/internal/embedder"
	"github.com/kozaktomas/face-attendance/internal/enrollment"
	"github.com/kozaktomas/face-attendance/internal/erpnext"
	"github.com/kozaktomas/face-attendance/internal/faceindex"
	"github.com/kozaktomas/face-attendance/internal/imaging"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// backends holds the storage and remote clients shared by the commands.
type backends struct {
	cfg        *config.Config
	store      faceindex.Store
	registry   *faceindex.Registry
	identities database.IdentityWriter
	extractor  *embedder.Client
	directory  database.DisplayNamer
	closers    []func() error
}

// openBackends connects the identity store, the snapshot store and the optional
// ERPNext employee directory selected by cfg.
func openBackends(cfg *config.Config) (*backends, error) {
	b := &backends{
		cfg:       cfg,
		extractor: embedder.NewClient(cfg.Embedding.URL, cfg.Embedding.Dim),
	}

	if cfg.Database.URL != "" {
		fmt.Printf("Connecting to PostgreSQL database...\n")
		pool, err := postgres.Initialize(&cfg.Database, cfg.Embedding.Dim)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize PostgreSQL: %w", err)
		}
		b.closers = append(b.closers, pool.Close)

		identities, err := database.GetIdentityWriter(context.Background())
		if err != nil {
			b.Close()
			return nil, err
		}
		b.identities = identities
		fmt.Printf("Using PostgreSQL identity store\n")
	} else {
		store, err := sqlite.Open(cfg.Storage.IdentityDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite identity store: %w", err)
		}
		b.closers = append(b.closers, store.Close)
		b.identities = store
		fmt.Printf("Using SQLite identity store in %s\n", cfg.Storage.IdentityDir)
	}

	switch cfg.Storage.SnapshotBackend {
	case "postgres":
		store, err := database.GetSnapshotStore(context.Background())
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("SNAPSHOT_BACKEND=postgres: %w", err)
		}
		b.store = store
		fmt.Printf("Using PostgreSQL snapshot store\n")
	case "file", "":
		store, err := faceindex.NewFileStore(cfg.Storage.SnapshotDir, cfg.Embedding.Dim)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("failed to open snapshot directory: %w", err)
		}
		b.store = store
		fmt.Printf("Using snapshot files in %s\n", cfg.Storage.SnapshotDir)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown SNAPSHOT_BACKEND %q (want file or postgres)", cfg.Storage.SnapshotBackend)
	}
	b.registry = faceindex.NewRegistry(b.store)

	if cfg.ERPNext.DatabaseURL != "" {
		pool, err := mariadb.NewPool(cfg.ERPNext.DatabaseURL)
		if err != nil {
			// Names fall back to the enrolled ones, so a missing directory is not fatal.
			fmt.Printf("Warning: ERPNext employee directory unavailable: %v\n", err)
		} else {
			b.closers = append(b.closers, pool.Close)
			b.directory = pool
			fmt.Printf("ERPNext employee directory enabled (MariaDB)\n")
		}
	}

	return b, nil
}

// Close releases every opened connection.
func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			fmt.Printf("Warning: %v\n", err)
		}
	}
	b.closers = nil
}

func (b *backends) enrollmentService() *enrollment.Service {
	return enrollment.NewService(b.registry, b.extractor, b.identities, enrollment.Options{
		MaxImagesPerIdentity: b.cfg.Recognition.MaxImagesPerIdentity,
		Workers:              b.cfg.Recognition.ExtractWorkers,
		Archive:              enrollment.NewArchive(b.cfg.Storage.FacesDir),
	})
}

// recognitionService builds the recognition service. Without commit it only
// identifies and never contacts ERPNext.
func (b *backends) recognitionService(commit bool) (*recognition.Service, error) {
	var recorder recognition.Recorder
	if commit {
		engine, err := b.attendanceEngine()
		if err != nil {
			return nil, err
		}
		recorder = engine
	}
	rec := b.cfg.Recognition
	return recognition.NewService(b.registry, b.extractor, b.identities, recorder, recognition.Options{
		TopK:      rec.TopK,
		Threshold: float32(rec.Threshold),
		Directory: b.directory,
	}), nil
}

func (b *backends) attendanceEngine() (*attendance.Engine, error) {
	erp := b.cfg.ERPNext
	if erp.URL == "" {
		return nil, errors.New("ERP_URL environment variable is required to record attendance")
	}
	client, err := erpnext.NewClient(erp.URL, erp.APIKey, erp.APISecret, erp.Timeout)
	if err != nil {
		return nil, fmt.Errorf("creating ERPNext client: %w", err)
	}
	selfie := b.cfg.Recognition.Selfie
	return attendance.NewEngine(client, imaging.SelfieOptions{
		MaxWidth: selfie.MaxWidth,
		Quality:  selfie.Quality,
		Mirror:   selfie.Mirror,
	}), nil
}
