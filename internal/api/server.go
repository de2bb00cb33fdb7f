package api

import (
    "os"
    "strconv"
    "strings"
    "time"

    "delivnav/internal/auth"
    "delivnav/internal/store"
    "delivnav/internal/webhooks"
)

type Server struct {
    Store     store.Store
    Pub       *webhooks.Publisher
    Auth      *auth.Verifier
    Broker    EventBroker
    Locations *LocationCache
    QRTTL     time.Duration
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
    dsn := os.Getenv("DATABASE_URL")
    var s store.Store
    if strings.TrimSpace(dsn) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(dsn)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            _ = sp.MigrateDir("db/migrations")
        }
        s = sp
    }
    // Broker selection
    var broker EventBroker
    if os.Getenv("REDIS_URL") != "" {
        if rb, err := NewRedisBroker(); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }
    return &Server{
        Store:     s,
        Pub:       webhooks.NewPublisher(s),
        Auth:      auth.NewVerifierFromEnv(),
        Broker:    broker,
        Locations: NewLocationCache(),
        QRTTL:     qrTTLFromEnv(),
    }, nil
}

func qrTTLFromEnv() time.Duration {
    if v := os.Getenv("QR_TTL_S"); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 {
            return time.Duration(n) * time.Second
        }
    }
    return 2 * time.Minute
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
    return webhooks.NewWorker(s.Store)
}
