// SPDX-License-Identifier: ice License 1.0

package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/hashicorp/go-multierror"
)

type (
	Router = gin.Engine
	Config struct {
		CertPath        string        `yaml:"certPath" mapstructure:"certPath"`
		KeyPath         string        `yaml:"keyPath" mapstructure:"keyPath"`
		Port            uint16        `yaml:"port" mapstructure:"port"`
		ReadTimeout     time.Duration `yaml:"readTimeout" mapstructure:"readTimeout"`
		WriteTimeout    time.Duration `yaml:"writeTimeout" mapstructure:"writeTimeout"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout" mapstructure:"shutdownTimeout"`
	}
	RegisterRoutes interface {
		RegisterRoutes(router *Router)
	}
	// ShutdownHook releases a component once the listener stopped accepting requests.
	ShutdownHook func(ctx context.Context) error
	Server       struct {
		server *http.Server
		router *Router
		quit   chan os.Signal
		hooks  []ShutdownHook
		cfg    Config
	}
)

const (
	defaultReadTimeout     = 30 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultShutdownTimeout = 15 * time.Second
)

func New(cfg *Config, routes RegisterRoutes, hooks ...ShutdownHook) *Server {
	s := &Server{cfg: *cfg, quit: make(chan os.Signal, 1), hooks: hooks}
	if s.cfg.ReadTimeout <= 0 {
		s.cfg.ReadTimeout = defaultReadTimeout
	}
	if s.cfg.WriteTimeout <= 0 {
		s.cfg.WriteTimeout = defaultWriteTimeout
	}
	if s.cfg.ShutdownTimeout <= 0 {
		s.cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	s.router = gin.New()
	s.router.Use(gin.Recovery())
	routes.RegisterRoutes(s.router)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is done or the process is told to stop, then shuts everything down.
// A listener failure calls cancel.
func (s *Server) ListenAndServe(ctx context.Context, cancel context.CancelFunc) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%v", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}
	go s.startServer(cancel)
	s.wait(ctx)

	return s.shutDown() //nolint:contextcheck // Nope, we want to gracefully shutdown on a different context.
}

func (s *Server) startServer(cancel context.CancelFunc) {
	defer log.Printf("INFO: server stopped listening")
	log.Printf("INFO: server started listening on %v...", s.cfg.Port)

	isUnexpectedError := func(err error) bool {
		return err != nil &&
			!errors.Is(err, io.EOF) &&
			!errors.Is(err, http.ErrServerClosed)
	}
	var err error
	if s.cfg.CertPath != "" && s.cfg.KeyPath != "" {
		err = s.server.ListenAndServeTLS(s.cfg.CertPath, s.cfg.KeyPath)
	} else {
		err = s.server.ListenAndServe()
	}
	if isUnexpectedError(err) {
		log.Printf("ERROR:%v", errors.Wrap(err, "server.ListenAndServe failed"))
		cancel()
	}
}

func (s *Server) wait(ctx context.Context) {
	signal.Notify(s.quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.quit)

	select {
	case <-ctx.Done():
	case <-s.quit:
	}
}

func (s *Server) shutDown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	log.Printf("INFO: shutting down server...")

	var mErr *multierror.Error
	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, io.EOF) {
		mErr = multierror.Append(mErr, errors.Wrap(err, "server shutdown failed"))
	}
	for _, hook := range s.hooks {
		if err := hook(ctx); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	if err := mErr.ErrorOrNil(); err != nil {
		log.Printf("ERROR:%v", err)

		return err
	}
	log.Printf("INFO: server shutdown succeeded")

	return nil
}
