package queue

import (
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Queue wraps the asynq client and handler mux.
type Queue struct {
	Client *asynq.Client
	Mux    *asynq.ServeMux

	redisOpt asynq.RedisConnOpt
}

// New creates the queue client and handler mux against the given Redis.
func New(redisURL string, logger zerolog.Logger) (*Queue, error) {
	redisOpt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, err
	}

	logger.Info().Msg("queue client initialized")

	return &Queue{
		Client:   asynq.NewClient(redisOpt),
		Mux:      asynq.NewServeMux(),
		redisOpt: redisOpt,
	}, nil
}

// NewServer builds the asynq server for draining tasks.
func (q *Queue) NewServer(concurrency int) *asynq.Server {
	return asynq.NewServer(q.redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			"critical": 6,
			"default":  3,
			"low":      1,
		},
	})
}

// Close shuts down the enqueueing client.
func (q *Queue) Close() error {
	if q.Client != nil {
		return q.Client.Close()
	}
	return nil
}
