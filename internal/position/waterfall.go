package position

import (
	"fmt"

	"github.com/alanyoungcy/leverageguard/internal/domain"
	"github.com/alanyoungcy/leverageguard/internal/fixed"
)

// Waterfall is the split of a gross settlement amount.
type Waterfall struct {
	Senior   fixed.Amount
	Interest fixed.Amount
	Residual fixed.Amount
}

// Allocate splits gross strictly in order: senior principal up to
// principal, interest up to interest, and the remainder to the owner. A
// gross below principal+interest is a valid outcome with zero residual.
func Allocate(gross, principal, interest fixed.Amount) Waterfall {
	zero := fixed.Zero(fixed.StableScale)
	remaining := fixed.Max(gross, zero)

	senior := fixed.Min(remaining, fixed.Max(principal, zero))
	remaining = remaining.Sub(senior)

	paidInterest := fixed.Min(remaining, fixed.Max(interest, zero))
	remaining = remaining.Sub(paidInterest)

	return Waterfall{Senior: senior, Interest: paidInterest, Residual: remaining}
}

// CheckConservation verifies a waterfall reported by the ledger against the
// inputs it was computed from.
func CheckConservation(w Waterfall, gross, principal, interest fixed.Amount) error {
	zero := fixed.Zero(fixed.StableScale)
	switch {
	case w.Senior.Sign() < 0 || w.Interest.Sign() < 0 || w.Residual.Sign() < 0:
		return fmt.Errorf("%w: negative layer", domain.ErrLedgerInvariant)
	case w.Senior.Cmp(principal) > 0:
		return fmt.Errorf("%w: senior %s exceeds principal %s", domain.ErrLedgerInvariant, w.Senior, principal)
	case w.Interest.Cmp(fixed.Max(interest, zero)) > 0:
		return fmt.Errorf("%w: interest %s exceeds accrued %s", domain.ErrLedgerInvariant, w.Interest, interest)
	case w.Senior.Add(w.Interest).Add(w.Residual).Cmp(gross) > 0:
		return fmt.Errorf("%w: layers exceed gross %s", domain.ErrLedgerInvariant, gross)
	case gross.Cmp(principal.Add(interest)) < 0 && !w.Residual.IsZero():
		return fmt.Errorf("%w: residual %s paid while debt outstanding", domain.ErrLedgerInvariant, w.Residual)
	}
	return nil
}
