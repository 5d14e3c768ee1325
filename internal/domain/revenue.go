package domain

// Add folds delta's totals into s. Shop, date and timestamps are left alone.
func (s *RevenueSummary) Add(delta RevenueSummary) {
	s.Transactions += delta.Transactions
	s.GrossSalesCents += delta.GrossSalesCents
	s.DiscountCents += delta.DiscountCents
	s.TaxCents += delta.TaxCents
	s.NetSalesCents += delta.NetSalesCents
	s.TotalCents += delta.TotalCents
	s.CostCents += delta.CostCents
	s.ProfitCents += delta.ProfitCents
	if len(delta.ByMethod) == 0 {
		return
	}
	if s.ByMethod == nil {
		s.ByMethod = make(map[PaymentMethod]int64, len(delta.ByMethod))
	}
	for method, amount := range delta.ByMethod {
		s.ByMethod[method] += amount
	}
}

// SaleContribution is what one sale adds to its day's summary. sign is +1 for
// a posting and -1 for a void.
func SaleContribution(sale Sale, sign int64) RevenueSummary {
	net := sale.SubtotalCents - sale.DiscountCents
	cost := sale.CostCents()
	return RevenueSummary{
		ShopID:          sale.ShopID,
		Transactions:    int(sign),
		GrossSalesCents: sign * sale.SubtotalCents,
		DiscountCents:   sign * sale.DiscountCents,
		TaxCents:        sign * sale.TaxCents,
		NetSalesCents:   sign * net,
		TotalCents:      sign * sale.TotalCents,
		CostCents:       sign * cost,
		ProfitCents:     sign * (net - cost),
		ByMethod:        map[PaymentMethod]int64{sale.PaymentMethod: sign * sale.TotalCents},
	}
}
