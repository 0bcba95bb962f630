package classroom

import "gakuenhub-backend/lib/telemetry"

var tracer = telemetry.Tracer("gakuenhub.services.classroom")
