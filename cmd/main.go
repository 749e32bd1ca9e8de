package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/applianceworks/partsassist-backend/internal/capability"
	chatrepo "github.com/applianceworks/partsassist-backend/internal/data/repos/chat"
	"github.com/applianceworks/partsassist-backend/internal/db"
	"github.com/applianceworks/partsassist-backend/internal/domain/kb"
	"github.com/applianceworks/partsassist-backend/internal/handlers"
	"github.com/applianceworks/partsassist-backend/internal/middleware"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
	"github.com/applianceworks/partsassist-backend/internal/platform/openai"
	"github.com/applianceworks/partsassist-backend/internal/platform/partselect"
	"github.com/applianceworks/partsassist-backend/internal/server"
	"github.com/applianceworks/partsassist-backend/internal/services"
	"github.com/applianceworks/partsassist-backend/internal/utils"
	"github.com/applianceworks/partsassist-backend/internal/vecindex"
)

func main() {
	// Logger
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

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	messageRepo := chatrepo.NewMessageRepo(thePG, log)

	// Clients
	log.Info("Setting up platform clients from main...")
	openaiClient, err := openai.NewClient(log)
	if err != nil {
		log.Error("Could not init OpenAI client", "error", err)
		os.Exit(1)
	}
	catalogClient, err := partselect.NewClient(log)
	if err != nil {
		log.Error("Could not init PartSelect client", "error", err)
		os.Exit(1)
	}

	// Troubleshooting indices. A missing or corrupt index leaves its
	// domain unregistered; searches for it fail with a typed error while
	// the rest of the assistant keeps working.
	indexDir := utils.GetEnv("KB_INDEX_DIR", "data/index", log)
	indices := map[kb.Domain]*vecindex.Index{}
	for _, domain := range kb.AllDomains() {
		idx := vecindex.New(log, openaiClient)
		vectorsPath := filepath.Join(indexDir, fmt.Sprintf("%s.vectors.bin", domain))
		metadataPath := filepath.Join(indexDir, fmt.Sprintf("%s.metadata.json", domain))
		if err := idx.Load(vectorsPath, metadataPath); err != nil {
			log.Warn("Troubleshooting index unavailable", "domain", domain, "error", err)
			continue
		}
		log.Info("Troubleshooting index loaded", "domain", domain, "documents", idx.Len(), "dim", idx.Dim())
		indices[domain] = idx
	}

	// Services
	log.Info("Setting up Services from main...")
	registry, err := capability.NewRegistry(log, catalogClient, indices)
	if err != nil {
		log.Error("Could not init capability registry", "error", err)
		os.Exit(1)
	}
	reasoner, err := services.NewOpenAIReasoner(log, openaiClient, registry.Specs())
	if err != nil {
		log.Error("Could not init reasoner", "error", err)
		os.Exit(1)
	}
	chatService, err := services.NewChatService(log, thePG, messageRepo, registry, reasoner)
	if err != nil {
		log.Error("Could not init chat service", "error", err)
		os.Exit(1)
	}

	// Handlers
	log.Info("Setting up handlers from main...")
	assistantHandler := handlers.NewAssistantHandler(log, chatService)

	// Middleware
	log.Info("Setting up middleware from main...")
	bearerToken := utils.GetEnv("API_BEARER_TOKEN", "", log)
	authMiddleware := middleware.NewAuthMiddleware(log, bearerToken)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AssistantHandler: assistantHandler,
		AuthMiddleware:   authMiddleware,
	})

	port := utils.GetEnv("PORT", "8080", log)
	fmt.Printf("Server listening on :%s\n", port)
	if err := router.Run(":" + port); err != nil {
		log.Error("Server failed", "error", err)
	}
}
