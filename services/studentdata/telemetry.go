package studentdata

import "gakuenhub-backend/lib/telemetry"

var tracer = telemetry.Tracer("gakuenhub.services.studentdata")
