package api

import "gakuenhub-backend/lib/telemetry"

var tracer = telemetry.Tracer("gakuenhub.services.api")
