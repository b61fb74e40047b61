package callback

import (
	"github.com/smallbiznis/creatorledger/internal/callback/repository"
	"github.com/smallbiznis/creatorledger/internal/callback/service"
	"go.uber.org/fx"
)

var Module = fx.Module("callback.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
