package signals

import (
	"context"
	"errors"

	"github.com/medrex/emergency-access/pkg/emergency"
)

// Classifier is implemented by every origin signal in this package
type Classifier interface {
	Classify(ctx context.Context, ipAddress string) (emergency.OriginRisk, error)
}

// Chain asks every classifier and keeps the most severe answer. Errors are
// only reported when no classifier flagged the address.
type Chain []Classifier

// Classify implements emergency.OriginSignal
func (c Chain) Classify(ctx context.Context, ipAddress string) (emergency.OriginRisk, error) {
	result := emergency.OriginNormal
	var errs []error

	for _, classifier := range c {
		risk, err := classifier.Classify(ctx, ipAddress)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if severity(risk) > severity(result) {
			result = risk
		}
		if result == emergency.OriginSuspicious {
			return result, nil
		}
	}

	if result == emergency.OriginNormal && len(errs) > 0 {
		return result, errors.Join(errs...)
	}
	return result, nil
}

func severity(r emergency.OriginRisk) int {
	switch r {
	case emergency.OriginSuspicious:
		return 2
	case emergency.OriginVPN:
		return 1
	default:
		return 0
	}
}
