package httpserver

import (
	"github.com/KikuAI/gateway/internal/config"
	"github.com/KikuAI/gateway/internal/credits"
	"github.com/KikuAI/gateway/internal/gateway"
)

// productRoutes binds the catalogue to the configured upstreams. PATAS bills
// per 100-message block from the request body; ReliAPI reports its actual
// cost in the response meta.
func productRoutes(upstreams config.UpstreamsConfig) []gateway.Route {
	chart2csv, _ := credits.ProductByID("chart2csv")
	masker, _ := credits.ProductByID("masker")
	patas, _ := credits.ProductByID("patas")
	reliapi, _ := credits.ProductByID("reliapi")

	return []gateway.Route{
		{Product: chart2csv, Upstream: gateway.NewUpstream(chart2csv.ID, upstreams.Chart2CSV)},
		{Product: masker, Upstream: gateway.NewUpstream(masker.ID, upstreams.Masker)},
		{Product: patas, Upstream: gateway.NewUpstream(patas.ID, upstreams.Patas), Units: gateway.MessageBatchUnits},
		{Product: reliapi, Upstream: gateway.NewUpstream(reliapi.ID, upstreams.ReliAPI), VariableCost: true},
	}
}
