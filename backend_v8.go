//go:build v8

package certbridge

import (
	"github.com/certbridge/certbridge/internal/core"
	"github.com/certbridge/certbridge/internal/v8engine"
)

func newBackend(cfg core.RunnerConfig) core.EngineBackend {
	return v8engine.NewEngine(cfg)
}
