package notification

import (
	"github.com/smallbiznis/yapepro/internal/notification/email"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("notification",
	fx.Provide(email.NewFromConfig),
	fx.Provide(
		fx.Annotate(New, fx.As(new(domain.Notifier))),
	),
)
