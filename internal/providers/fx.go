package providers

import (
	"github.com/smallbiznis/connectpay/internal/providers/connect"
	"github.com/smallbiznis/connectpay/internal/providers/pdf"
	"go.uber.org/fx"
)

var Module = fx.Module("providers",
	connect.Module,
	pdf.Module,
)
