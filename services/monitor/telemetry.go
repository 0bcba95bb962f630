package monitor

import "gakuenhub-backend/lib/telemetry"

var tracer = telemetry.Tracer("gakuenhub.services.monitor")
