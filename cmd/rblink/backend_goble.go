//go:build !tinyble

package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/rblink/internal/device"
	"github.com/srg/rblink/internal/transport/goble"
	"github.com/srg/rblink/pkg/config"
)

func newBackend(cfg *config.Config, logger *logrus.Logger) (backend, error) {
	switch cfg.Backend {
	case config.BackendGoble:
		return goble.New(gobleOptions(cfg), logger), nil
	case config.BackendTinyble:
		return nil, fmt.Errorf("%w: %s backend not built in (rebuild with -tags tinyble)", device.ErrTransportUnavailable, cfg.Backend)
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
