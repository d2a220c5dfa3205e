package backend

// Snapshot is the portfolio overview returned by the analytics service.
type Snapshot struct {
	PortfolioID   string   `json:"portfolio_id,omitempty"`
	AsOfDate      string   `json:"as_of_date,omitempty"`
	TotalValue    float64  `json:"total_value"`
	CashBalance   *float64 `json:"cash_balance,omitempty"`
	GrossExposure float64  `json:"gross_exposure"`
	NetExposure   float64  `json:"net_exposure"`
	LongExposure  *float64 `json:"long_exposure,omitempty"`
	ShortExposure *float64 `json:"short_exposure,omitempty"`
	Leverage      *float64 `json:"leverage,omitempty"`
	PositionCount *int     `json:"position_count,omitempty"`
}

// Position is one holding. MarketValue is signed (negative for shorts).
type Position struct {
	Symbol       string   `json:"symbol"`
	Quantity     *float64 `json:"quantity,omitempty"`
	MarketValue  float64  `json:"market_value"`
	PositionType string   `json:"position_type,omitempty"`
	Sector       string   `json:"sector,omitempty"`
	Weight       *float64 `json:"weight,omitempty"`
}

type PositionList struct {
	PortfolioID string     `json:"portfolio_id,omitempty"`
	AsOfDate    string     `json:"as_of_date,omitempty"`
	Positions   []Position `json:"positions"`
}

// GrossValues returns the absolute market value of every position, in order.
func (l *PositionList) GrossValues() []float64 {
	if l == nil {
		return nil
	}
	out := make([]float64, len(l.Positions))
	for i, p := range l.Positions {
		v := p.MarketValue
		if v < 0 {
			v = -v
		}
		out[i] = v
	}
	return out
}

type FactorExposure struct {
	Name           string   `json:"name"`
	Exposure       float64  `json:"exposure"`
	ExposureDollar *float64 `json:"exposure_dollar,omitempty"`
}

type FactorExposures struct {
	PortfolioID string           `json:"portfolio_id,omitempty"`
	AsOfDate    string           `json:"as_of_date,omitempty"`
	Factors     []FactorExposure `json:"factors"`
}

// RiskMetrics carries the precomputed VaR/ES figures. The agent never
// recomputes them.
type RiskMetrics struct {
	PortfolioID          string   `json:"portfolio_id,omitempty"`
	AsOfDate             string   `json:"as_of_date,omitempty"`
	VaR1d99              float64  `json:"var_1d_99"`
	ES1d975              float64  `json:"es_1d_975"`
	Beta                 *float64 `json:"beta,omitempty"`
	VolatilityAnnualized *float64 `json:"volatility_annualized,omitempty"`
}

type StressScenario struct {
	Name     string   `json:"name"`
	Category string   `json:"category,omitempty"`
	PnL      *float64 `json:"pnl,omitempty"`
	PnLPct   float64  `json:"pnl_pct"`
}

type StressTestResults struct {
	PortfolioID string           `json:"portfolio_id,omitempty"`
	AsOfDate    string           `json:"as_of_date,omitempty"`
	Scenarios   []StressScenario `json:"scenarios"`
}
