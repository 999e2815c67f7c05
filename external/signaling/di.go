package signaling

import (
	"github.com/samber/do/v2"

	"github.com/aidtrain/train-backend/internal/config"
	"github.com/aidtrain/train-backend/internal/session"
	"github.com/aidtrain/train-backend/internal/signaling"
	"github.com/aidtrain/train-backend/internal/transcriber"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		registry := do.MustInvoke[*signaling.Registry](i)
		manager := do.MustInvoke[*session.Manager](i)
		stt := do.MustInvoke[transcriber.Transcriber](i)
		return NewServer(cfg, registry, manager, stt), nil
	})
}
