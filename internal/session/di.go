package session

import (
	"github.com/samber/do/v2"

	"github.com/aidtrain/train-backend/internal/config"
	"github.com/aidtrain/train-backend/internal/export"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		store := do.MustInvoke[Store](i)
		exporter := do.MustInvoke[export.Sender](i)
		return NewManager(cfg, store, exporter), nil
	})
}
