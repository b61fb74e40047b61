package provider

import (
	"net/http"
	"time"

	"github.com/smallbiznis/creatorledger/internal/config"
	"github.com/smallbiznis/creatorledger/internal/provider/adapters"
	"github.com/smallbiznis/creatorledger/internal/provider/bank"
	"github.com/smallbiznis/creatorledger/internal/provider/card"
	"github.com/smallbiznis/creatorledger/internal/provider/mpesa"
	"go.uber.org/fx"
)

const outboundTimeout = 20 * time.Second

var Module = fx.Module("provider.adapters",
	fx.Provide(func(cfg config.Config) *adapters.Registry {
		httpClient := &http.Client{Timeout: outboundTimeout}
		return adapters.NewRegistry(
			mpesa.New(cfg.Providers.Mpesa, httpClient),
			card.New(cfg.Providers.Card, httpClient),
			bank.New(cfg.Providers.Bank, httpClient),
		)
	}),
)
