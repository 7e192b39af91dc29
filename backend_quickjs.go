//go:build !v8

package certbridge

import (
	"github.com/certbridge/certbridge/internal/core"
	"github.com/certbridge/certbridge/internal/quickjs"
)

func newBackend(cfg core.RunnerConfig) core.EngineBackend {
	return quickjs.NewEngine(cfg)
}
