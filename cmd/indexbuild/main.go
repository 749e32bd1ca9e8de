package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/applianceworks/partsassist-backend/internal/domain/kb"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
	"github.com/applianceworks/partsassist-backend/internal/platform/openai"
	"github.com/applianceworks/partsassist-backend/internal/utils"
	"github.com/applianceworks/partsassist-backend/internal/vecindex"
)

// indexbuild embeds the per-domain troubleshooting corpora and writes the
// search artifacts the server loads at startup. Run it whenever the
// symptom data changes:
//
//	KB_DATA_DIR=data/kb KB_INDEX_DIR=data/index go run ./cmd/indexbuild
func main() {
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	dataDir := utils.GetEnv("KB_DATA_DIR", "data/kb", log)
	indexDir := utils.GetEnv("KB_INDEX_DIR", "data/index", log)
	if err := os.MkdirAll(indexDir, 0o755); err != nil {
		log.Error("Could not create index directory", "dir", indexDir, "error", err)
		os.Exit(1)
	}

	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}

	g, ctx := errgroup.WithContext(context.Background())
	for _, domain := range kb.AllDomains() {
		domain := domain
		g.Go(func() error {
			return buildDomain(ctx, log, openaiClient, domain, dataDir, indexDir)
		})
	}
	if err := g.Wait(); err != nil {
		log.Error("Index build failed", "error", err)
		os.Exit(1)
	}
	log.Info("All troubleshooting indices built", "index_dir", indexDir)
}

func buildDomain(ctx context.Context, log *logger.Logger, embedder vecindex.Embedder, domain kb.Domain, dataDir, indexDir string) error {
	srcPath := filepath.Join(dataDir, fmt.Sprintf("%s.json", domain))
	raw, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read %s corpus: %w", domain, err)
	}
	var symptoms []kb.SymptomRecord
	if err := json.Unmarshal(raw, &symptoms); err != nil {
		return fmt.Errorf("parse %s corpus: %w", domain, err)
	}
	docs := kb.DocumentsFromSymptoms(symptoms)
	if len(docs) == 0 {
		return fmt.Errorf("%s corpus produced no documents", domain)
	}
	log.Info("Building index", "domain", domain, "symptoms", len(symptoms), "documents", len(docs))

	idx := vecindex.New(log, embedder)
	if err := idx.Build(ctx, docs); err != nil {
		return fmt.Errorf("build %s index: %w", domain, err)
	}

	vectorsPath := filepath.Join(indexDir, fmt.Sprintf("%s.vectors.bin", domain))
	metadataPath := filepath.Join(indexDir, fmt.Sprintf("%s.metadata.json", domain))
	if err := idx.Save(vectorsPath, metadataPath); err != nil {
		return fmt.Errorf("save %s index: %w", domain, err)
	}
	log.Info("Index written", "domain", domain, "vectors", vectorsPath, "metadata", metadataPath)
	return nil
}
