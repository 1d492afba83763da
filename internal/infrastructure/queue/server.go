package queue

import (
	"context"

	"github.com/hibiken/asynq"
)

// Server wraps the asynq server that consumes ledger events.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// NewServer builds a server with consumer mounted on TaskTypeLedgerEvent.
func NewServer(redisOpts asynq.RedisClientOpt, concurrency int, consumer *Consumer) *Server {
	srv := asynq.NewServer(redisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.Handle(TaskTypeLedgerEvent, consumer)
	return &Server{server: srv, mux: mux}
}

// Run processes tasks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.server.Start(s.mux); err != nil {
		return err
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}
