package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/JeanLouisParent/sortbook-v5/internal/ratelimit"
	"github.com/JeanLouisParent/sortbook-v5/internal/servicetoken"
	"github.com/JeanLouisParent/sortbook-v5/pkg/events"
	"github.com/JeanLouisParent/sortbook-v5/pkg/metrics"
	"github.com/JeanLouisParent/sortbook-v5/pkg/resume"
	"github.com/JeanLouisParent/sortbook-v5/pkg/storage"
	"github.com/JeanLouisParent/sortbook-v5/pkg/store"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/config"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/enrich"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/extract"
	"github.com/JeanLouisParent/sortbook-v5/services/sorter/internal/ocr"
)

const preflightTimeout = 10 * time.Second

// runtime holds the collaborators of one run.
type runtime struct {
	store     store.Store
	tracker   resume.Tracker
	relocator storage.Relocator
	publisher events.Publisher
	enricher  *enrich.Client
	quota     *ratelimit.FixedWindowLimiter
	extractor *extract.Extractor
	ocr       *ocr.Engine
	metrics   *metrics.Pipeline
}

func (r *runtime) Close() {
	if r.quota != nil {
		_ = r.quota.Close()
	}
	if r.publisher != nil {
		_ = r.publisher.Close()
	}
	if r.tracker != nil {
		_ = r.tracker.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
	}
}

// connect opens the remote collaborators in parallel. The store and the
// archive bucket are required; redis and the broker degrade to no-ops.
func connect(ctx context.Context, cfg config.FileConfig, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{metrics: metrics.New("sortbook")}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		st, err := openStore(gctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		rt.store = st
		return nil
	})
	g.Go(func() error {
		dialCtx, cancel := context.WithTimeout(gctx, preflightTimeout)
		defer cancel()
		rt.tracker = resume.Connect(dialCtx, resume.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Key:      cfg.ResumeKey,
		}, logger)
		return nil
	})
	g.Go(func() error {
		rel, err := buildRelocator(cfg)
		if err != nil {
			return err
		}
		rt.relocator = rel
		return nil
	})
	g.Go(func() error {
		rt.publisher = buildPublisher(cfg, logger)
		return nil
	})
	if err := g.Wait(); err != nil {
		rt.Close()
		return nil, err
	}

	client, err := buildEnricher(cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.enricher = client
	rt.quota = buildQuota(cfg, logger)
	rt.extractor = extract.New(extract.Config{
		TextPreviewChars: cfg.TextPreviewChars,
		CoverMinWidth:    cfg.CoverMinWidth,
		CoverMinHeight:   cfg.CoverMinHeight,
		Logger:           logger,
	})
	rt.ocr = ocr.New(ocr.Config{
		Enabled:   cfg.OCREnabled,
		Command:   cfg.OCRCommand,
		Languages: cfg.OCRLanguages,
		Timeout:   time.Duration(cfg.OCRTimeoutSeconds) * time.Second,
		MaxChars:  cfg.OCRMaxChars,
		Logger:    logger,
	})
	return rt, nil
}

func openStore(ctx context.Context, dsn string) (*store.GormStore, error) {
	st, err := store.NewGormStore(dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, preflightTimeout)
	defer cancel()
	if err := st.Ping(pingCtx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return st, nil
}

func buildRelocator(cfg config.FileConfig) (storage.Relocator, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		ms, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("archive storage: %w", err)
		}
		return &storage.ArchiveRelocator{Store: ms, Prefix: cfg.MinioPrefix, Bucket: cfg.MinioBucket}, nil
	}
	if strings.TrimSpace(cfg.TargetDir) == "" {
		return nil, nil
	}
	return storage.NewFileRelocator(cfg.TargetDir)
}

func buildPublisher(cfg config.FileConfig, logger *slog.Logger) events.Publisher {
	if strings.TrimSpace(cfg.AMQPURL) == "" {
		return events.NopPublisher{}
	}
	pub, err := events.NewAMQPPublisher(events.Config{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange})
	if err != nil {
		logger.Warn("broker unavailable, outcome events disabled", "err", err)
		return events.NopPublisher{}
	}
	return pub
}

func buildQuota(cfg config.FileConfig, logger *slog.Logger) *ratelimit.FixedWindowLimiter {
	if cfg.EnrichmentMaxPerMinute <= 0 {
		return nil
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		logger.Warn("enrichmentMaxPerMinute needs redisAddr, calls will not be paced")
		return nil
	}
	limiter, err := ratelimit.NewRedisFixedWindowLimiter(ratelimit.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Limit:    cfg.EnrichmentMaxPerMinute,
		Window:   time.Minute,
	})
	if err != nil {
		logger.Warn("enrichment quota disabled", "err", err)
		return nil
	}
	return limiter
}

func buildEnricher(cfg config.FileConfig, logger *slog.Logger) (*enrich.Client, error) {
	var signer *servicetoken.Signer
	if strings.TrimSpace(cfg.EnrichmentTokenKeyPath) != "" {
		s, err := servicetoken.NewSigner(servicetoken.SignerOptions{
			PrivateKeyPath: cfg.EnrichmentTokenKeyPath,
			KeyID:          cfg.EnrichmentTokenKeyID,
		})
		if err != nil {
			return nil, fmt.Errorf("enrichment token: %w", err)
		}
		signer = s
	}
	return enrich.New(enrich.Config{
		URL:       cfg.EnrichmentURL,
		TestURL:   cfg.EnrichmentTestURL,
		Timeout:   time.Duration(cfg.EnrichmentTimeoutSeconds) * time.Second,
		VerifyTLS: cfg.VerifyTLS(),
		Signer:    signer,
		Logger:    logger,
	})
}
