package lib

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
)

type Terminable interface {
	// Shutdown attempts to gracefully terminate.
	Shutdown(context.Context) error
	// Close does a fast (force) termination.
	Close() error
}

// ServeSignals blocks until the process receives SIGTERM or a second SIGINT.
// The first SIGINT starts a graceful shutdown in the background.
func ServeSignals(app Terminable, shutdownTimeout time.Duration) {
	ctx := context.Background()
	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC,
		syscall.SIGTERM, // graceful shutdown
		syscall.SIGINT,  // graceful-then-fast shutdown
	)
	defer signal.Stop(sigC)

	done := make(chan struct{})
	gracefulShutdown := func() {
		defer close(done)
		tctx, tcancel := context.WithTimeout(ctx, shutdownTimeout)
		defer tcancel()
		log.Infof("Attempting graceful shutdown...")
		if err := app.Shutdown(tctx); err != nil {
			log.WithError(err).Infof("Graceful shutdown failed. Trying fast shutdown...")
			if err := app.Close(); err != nil {
				log.WithError(err).Error("Fast shutdown failed")
			}
		}
	}
	var alreadyInterrupted bool
	for {
		select {
		case <-done:
			return
		case sig := <-sigC:
			switch sig {
			case syscall.SIGTERM:
				if !alreadyInterrupted {
					gracefulShutdown()
				}
				return
			case syscall.SIGINT:
				if alreadyInterrupted {
					if err := app.Close(); err != nil {
						log.WithError(err).Error("Fast shutdown failed")
					}
					return
				}
				go gracefulShutdown()
				alreadyInterrupted = true
			}
		}
	}
}
