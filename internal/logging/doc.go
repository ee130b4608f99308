// Package logging wraps zap for taskd.
//
// It adds a Trace level below Debug, tees stdout with the OpenTelemetry
// log bridge, redacts credentials before they reach the encoder and samples
// each level below Error on its own budget.
//
// Correlation fields are read from the context on every call:
//
//	ctx = logging.WithTenantID(ctx, "acme")
//	ctx = logging.WithTaskContextID(ctx, "ctx-42")
//	logger.Info(ctx, "plan recorded", zap.Int("phases", 3))
//
//	{"level":"info","msg":"plan recorded","tenant.id":"acme","task.context_id":"ctx-42","phases":3}
//
// Packages that take a *zap.Logger get one through Logger.Component and
// call ContextFields themselves.
package logging
