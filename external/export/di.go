package export

import (
	"github.com/samber/do/v2"

	"github.com/aidtrain/train-backend/internal/config"
	"github.com/aidtrain/train-backend/internal/export"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (export.Sender, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewHTTPSender(c.TranscriptWebhookURL), nil
	})
}
