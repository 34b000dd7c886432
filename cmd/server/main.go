// Package main implements the asynx HTTP API server for managing tasks.
//
// API Endpoints:
//
//	POST   /tasks       - Add a task (body is the task record)
//	GET    /tasks       - List tasks (?offset=&limit=)
//	GET    /tasks/count - Count tasks
//	GET    /task        - Get one task (?id= | ?uuid= | ?cname=)
//	DELETE /task        - Delete one task (?id= | ?uuid= | ?cname=)
//	GET    /stats       - Task count and broker depths
//
// Every endpoint accepts ?app= and ?queue= to address another key space;
// they default to the configured appname/queuename.
//
// Usage:
//
//	go run cmd/server/main.go -config config.yaml
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/asynxhq/asynx/pkg/config"
	"github.com/asynxhq/asynx/pkg/executor"
	"github.com/asynxhq/asynx/pkg/keystore"
	"github.com/asynxhq/asynx/pkg/logger"
	"github.com/asynxhq/asynx/pkg/queue"
	"github.com/asynxhq/asynx/pkg/tasks"
	"github.com/redis/go-redis/v9"
)

// authMiddleware wraps an http.HandlerFunc and enforces API Key authentication.
func authMiddleware(next http.HandlerFunc, requiredKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no key is configured, allow all (dev mode)
		if requiredKey == "" {
			next(w, r)
			return
		}

		apiKey := r.Header.Get("X-API-Key")
		if apiKey != requiredKey {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next(w, r)
	}
}

// enableCORS wraps an http.HandlerFunc and adds CORS headers.
func enableCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")

		// Handle preflight requests
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

type server struct {
	store *keystore.Store
	exec  *executor.RedisExecutor
	cfg   *config.Config
	zone  *time.Location
}

// taskQueue binds a TaskQueue for the request's key space.
func (s *server) taskQueue(r *http.Request) *queue.TaskQueue {
	appname := r.URL.Query().Get("app")
	if appname == "" {
		appname = s.cfg.AppName
	}
	queuename := r.URL.Query().Get("queue")
	if queuename == "" {
		queuename = s.cfg.QueueName
	}
	return queue.New(s.store, s.exec, appname, queuename,
		queue.WithLocalzone(s.zone))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Log.Error().Err(err).Msg("Response encode failed")
	}
}

// writeError maps error kinds onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrTaskAlreadyExists),
		errors.Is(err, queue.ErrTaskStatusNotMatched):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrTaskCNameRequired):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// setupRouter configures the HTTP handlers and returns the mux.
func setupRouter(s *server, apiKey string) *http.ServeMux {
	mux := http.NewServeMux()

	// tasksHandler adds or lists tasks
	mux.HandleFunc("/tasks", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		tq := s.taskQueue(r)
		switch r.Method {
		case http.MethodPost:
			var record tasks.Subtask
			if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			view, err := tq.AddTaskRecord(r.Context(), &record)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, view)
		case http.MethodGet:
			offset := queryInt(r, "offset", 0)
			limit := queryInt(r, "limit", 50)
			views, err := tq.ListTasks(r.Context(), offset, limit)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, views)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}, apiKey)))

	// countHandler returns the live task count
	mux.HandleFunc("/tasks/count", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		count, err := s.taskQueue(r).CountTasks(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"count": count})
	}, apiKey)))

	// taskHandler gets or deletes one task by id, uuid or cname
	mux.HandleFunc("/task", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		tq := s.taskQueue(r)
		q := r.URL.Query()
		switch r.Method {
		case http.MethodGet:
			var view *tasks.View
			var err error
			switch {
			case q.Get("id") != "":
				var id int64
				if id, err = strconv.ParseInt(q.Get("id"), 10, 64); err == nil {
					view, err = tq.GetTask(r.Context(), id)
				}
			case q.Get("uuid") != "":
				view, err = tq.GetTaskByUUID(r.Context(), q.Get("uuid"))
			case q.Get("cname") != "":
				view, err = tq.GetTaskByCName(r.Context(), q.Get("cname"))
			default:
				http.Error(w, "Missing id, uuid or cname", http.StatusBadRequest)
				return
			}
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, view)
		case http.MethodDelete:
			var err error
			switch {
			case q.Get("id") != "":
				var id int64
				if id, err = strconv.ParseInt(q.Get("id"), 10, 64); err == nil {
					err = tq.DeleteTask(r.Context(), id)
				}
			case q.Get("uuid") != "":
				err = tq.DeleteTaskByUUID(r.Context(), q.Get("uuid"))
			case q.Get("cname") != "":
				err = tq.DeleteTaskByCName(r.Context(), q.Get("cname"))
			default:
				http.Error(w, "Missing id, uuid or cname", http.StatusBadRequest)
				return
			}
			if err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	}, apiKey)))

	// statsHandler returns task count and broker depths
	mux.HandleFunc("/stats", enableCORS(authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		count, err := s.taskQueue(r).CountTasks(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"tasks":  count,
			"broker": s.exec.Depths(r.Context()),
		})
	}, apiKey)))

	return mux
}

func queryInt(r *http.Request, name string, def int64) int64 {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return val
}

// main initializes the HTTP server and registers the task handlers.
func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Config load failed")
	}
	zone, err := cfg.Location()
	if err != nil {
		logger.Log.Fatal().Err(err).Msg("Bad localzone")
	}

	store := keystore.New(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer store.Close()

	s := &server{
		store: store,
		exec:  executor.NewRedis(store),
		cfg:   cfg,
		zone:  zone,
	}

	if cfg.Server.APIKey == "" {
		logger.Log.Warn().Msg("API key not set. Authentication disabled.")
	} else {
		logger.Log.Info().Msg("API Authentication enabled.")
	}

	mux := setupRouter(s, cfg.Server.APIKey)

	logger.Log.Info().Str("addr", cfg.Server.Addr).Msg("Server listening")
	if err := http.ListenAndServe(cfg.Server.Addr, mux); err != nil {
		logger.Log.Fatal().Err(err).Msg("Server failed")
	}
}
