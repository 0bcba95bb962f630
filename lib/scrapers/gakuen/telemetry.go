package gakuen

import "gakuenhub-backend/lib/telemetry"

var tracer = telemetry.Tracer("gakuenhub.lib.scrapers.gakuen")
