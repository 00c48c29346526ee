package main

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"minerva_back/acquire"
	"minerva_back/authorization"
	"minerva_back/ingest"
	"minerva_back/knowledge"
	"minerva_back/pipeline"
	"minerva_back/storage"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsMiddleware() gin.HandlerFunc {
	config := cors.DefaultConfig()
	config.AllowHeaders = append(config.AllowHeaders, "Authorization", "X-Workspace-Id")
	config.MaxAge = 12 * time.Hour
	if raw := strings.TrimSpace(os.Getenv("CORS_ALLOW_ORIGINS")); raw != "" {
		config.AllowOrigins = strings.Split(raw, ",")
	} else {
		config.AllowAllOrigins = true
	}
	return cors.New(config)
}

func main() {
	mustLoadEnv()

	db, err := ingest.OpenDatabaseFromEnv()
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	if err := ingest.AutoMigrate(db); err != nil {
		log.Fatalf("migrate models: %v", err)
	}

	guard, err := authorization.NewGuardFromEnv()
	if err != nil {
		log.Fatalf("build auth guard: %v", err)
	}
	if guard == nil {
		log.Printf("JWT_SECRET not set, running without authentication")
	}

	embedder, err := knowledge.NewHTTPEmbedderFromEnv()
	if err != nil {
		log.Fatalf("build embedder: %v", err)
	}
	vectors, err := knowledge.NewQdrantClientFromEnv()
	if err != nil {
		log.Fatalf("build vector store: %v", err)
	}

	uploads, err := storage.NewUploadStorageFromEnv()
	if err != nil {
		log.Fatalf("build upload storage: %v", err)
	}
	if uploads == nil {
		log.Printf("MINIO_* not set, file sources disabled")
	}
	var files pipeline.ObjectReader
	if uploads != nil {
		files = uploads
	}

	statusStore := pipeline.NewStatusStoreFromEnv()
	orchestrator, err := pipeline.NewOrchestrator(db, statusStore,
		acquire.NewHTTPFetcherFromEnv(), knowledge.NewChunker(), embedder, vectors, files)
	if err != nil {
		log.Fatalf("build orchestrator: %v", err)
	}
	queue, err := pipeline.NewQueue(statusStore, orchestrator, pipeline.WorkersFromEnv())
	if err != nil {
		log.Fatalf("build pipeline queue: %v", err)
	}
	defer queue.Release()
	defer ingest.CloseRedis()

	stager := ingest.NewStagerFromEnv()
	coordinator, err := ingest.NewCoordinator(db, stager, queue)
	if err != nil {
		log.Fatalf("build commit coordinator: %v", err)
	}

	r := gin.Default()
	r.Use(corsMiddleware())

	if _, err := ingest.RegisterRoutes(r, db, stager, coordinator, guard); err != nil {
		log.Fatalf("register knowledge-base routes: %v", err)
	}
	if _, err := pipeline.RegisterRoutes(r, db, statusStore, guard); err != nil {
		log.Fatalf("register pipeline routes: %v", err)
	}
	if _, err := storage.RegisterRoutes(r, uploads, guard); err != nil {
		log.Fatalf("register upload routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
