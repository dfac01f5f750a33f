package reconcile

import (
	"github.com/brightventurez/vtu-wallet/internal/config"
	"github.com/brightventurez/vtu-wallet/internal/payment"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ComputeSplit returns whole percentages (platform, provider) for a checkout of amount.
// The platform takes enough to earn MinPlatformProfit, bounded by MinPlatformPct and
// MaxPlatformPct; the provider always ends up with the larger share.
func ComputeSplit(amount decimal.Decimal, cfg config.PaymentConfig) (platformPct, providerPct int) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 10, 90
	}
	needed := cfg.MinPlatformProfit.Div(amount).Mul(hundred).Round(2)
	platform := decimal.Min(decimal.Max(needed, cfg.MinPlatformPct), cfg.MaxPlatformPct)
	provider := hundred.Sub(platform).Round(2)

	platformPct = int(platform.Round(0).IntPart())
	providerPct = int(provider.Round(0).IntPart())
	if platformPct+providerPct > 100 {
		platformPct = 100 - providerPct
	}
	if providerPct <= platformPct {
		providerPct = platformPct + 1
		if providerPct > 100 {
			providerPct, platformPct = 100, 0
		}
	}
	return platformPct, providerPct
}

// checkoutSplit is the subaccount list sent with a checkout, empty when no
// provider subaccount is configured.
func checkoutSplit(amount decimal.Decimal, cfg config.PaymentConfig) []payment.SplitShare {
	if cfg.ProviderSubaccount == "" {
		return nil
	}
	_, provider := ComputeSplit(amount, cfg)
	return []payment.SplitShare{{Subaccount: cfg.ProviderSubaccount, Share: provider}}
}

type partnerShare struct {
	Subaccount string           `json:"subaccount"`
	Share      decimal.Decimal  `json:"share"`
	Amount     *decimal.Decimal `json:"amount"`
}

type splitResult struct {
	Gross    decimal.Decimal `json:"gross"`
	Platform decimal.Decimal `json:"platform"`
	Partners decimal.Decimal `json:"partners"`
	Fee      decimal.Decimal `json:"fee"`
	Shares   []partnerShare  `json:"subaccounts"`
}

// retained is what the wallet is credited for a settled payment. Webhook and
// redirect both go through here, so the credit never depends on which arrives
// first. Reported subaccounts win; otherwise the split sent at checkout is
// recomputed from the gross, and with no partner at all the processing fee is withheld.
func (r *Reconciler) retained(gross decimal.Decimal, reported []payment.Subaccount) splitResult {
	if len(reported) > 0 {
		return divide(gross, reported)
	}
	if shares := checkoutSplit(gross, r.cfg); len(shares) > 0 {
		subs := make([]payment.Subaccount, 0, len(shares))
		for _, s := range shares {
			subs = append(subs, payment.Subaccount{Subaccount: s.Subaccount, Share: decimal.NewFromInt(int64(s.Share))})
		}
		return divide(gross, subs)
	}
	res := divide(gross, nil)
	res.Fee = r.cfg.ProcessingFee
	res.Platform = gross.Sub(res.Fee).Round(2)
	return res
}

// divide works out what the partners received and what stays with the platform.
// Explicit subaccount amounts win; percentage shares are used only when no
// amount was reported.
func divide(gross decimal.Decimal, subs []payment.Subaccount) splitResult {
	res := splitResult{Gross: gross, Partners: decimal.Zero, Fee: decimal.Zero}
	for _, s := range subs {
		ps := partnerShare{Subaccount: s.Subaccount, Share: s.Share}
		if s.Amount != nil {
			amt := payment.FromMinor(*s.Amount)
			ps.Amount = &amt
			res.Partners = res.Partners.Add(amt)
		}
		res.Shares = append(res.Shares, ps)
	}

	if res.Partners.IsZero() && len(res.Shares) > 0 {
		totalPct := decimal.Zero
		for _, s := range res.Shares {
			totalPct = totalPct.Add(s.Share)
		}
		if totalPct.GreaterThan(decimal.Zero) {
			for i := range res.Shares {
				amt := res.Shares[i].Share.Div(hundred).Mul(gross).Round(2)
				res.Shares[i].Amount = &amt
				res.Partners = res.Partners.Add(amt)
			}
		}
	}

	res.Platform = gross.Sub(res.Partners).Round(2)
	return res
}
