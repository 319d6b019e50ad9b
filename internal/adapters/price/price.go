// Package price adapts two wholesale electricity price sources into
// the 48-hour €/Wh series the optimization request needs: Tibber
// (GraphQL, primary) and ENTSO-E (XML publication market documents,
// secondary/fallback). Both satisfy the same Source interface so the
// scheduler never needs to know which one is configured.
package price

import (
	"context"
	"time"

	"github.com/eosconnect/eoscoordinator/internal/model"
)

// Source produces the forward-looking price series for the next 48
// hours, in €/Wh, starting at today's midnight in the given location.
type Source interface {
	Prices(ctx context.Context, now time.Time, loc *time.Location) ([model.PlanHours]float64, error)
}
