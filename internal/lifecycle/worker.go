package lifecycle

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// StartAPIWorker launches the HTTP API server in its own goroutine and
// registers its graceful shutdown with cleanup.
//
// Running the worker as a goroutine rather than a separate OS process
// means the StateTable client is shared directly instead of through an
// inherited connection; net/http already recovers a panicking handler per
// connection without affecting other in-flight requests or the rest of
// the process, so process-level isolation isn't needed here either.
func StartAPIWorker(server *http.Server, cleanup *Cleanup, log *zap.SugaredLogger, shutdownTimeout time.Duration) {
	go func() {
		log.Infow("api worker is started", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("api worker stopped unexpectedly", "error", err)
		}
	}()

	cleanup.AddAsync("api-worker", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(ctx)
	})
}
