//go:build tinyble

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/transport/goble"
	"github.com/srg/rblink/internal/transport/tinyble"
	"github.com/srg/rblink/pkg/config"
)

func tinybleOptions(cfg *config.Config) tinyble.Options {
	return tinyble.Options{
		ConnectTimeout: cfg.Link.ConnectTimeout,
		WithResponse:   cfg.Write.WithResponse,
	}
}

func newBackend(cfg *config.Config, logger *logrus.Logger) (backend, error) {
	switch cfg.Backend {
	case config.BackendGoble:
		return goble.New(gobleOptions(cfg), logger), nil
	case config.BackendTinyble:
		return tinyble.New(tinybleOptions(cfg), logger), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
