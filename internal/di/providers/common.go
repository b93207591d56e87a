package providers

import "time"

// shutdownTimeout bounds how long the diagnostics server and the event broker get to drain
// when the tool exits.
const shutdownTimeout = 5 * time.Second
