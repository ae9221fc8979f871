// Package additive fits a decomposable time-series model
//
//	y(t) = trend(t) + Σ seasonal_i(t) + holidays(t) + Σ β_j·x_j(t) + ε
//
// with a piecewise-linear trend, Fourier seasonalities, holiday indicator
// windows and linear extra regressors. Coefficients are the MAP estimate
// under Gaussian priors, which reduces to a ridge solve. Prediction
// intervals combine observation noise with trend uncertainty that grows
// with distance past the fitted history.
package additive

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrNotFitted is returned by Predict before a successful Fit.
	ErrNotFitted = errors.New("additive: model not fitted")

	// ErrInsufficientData means fewer than two rows or a zero time span.
	ErrInsufficientData = errors.New("additive: insufficient data")
)

// Seasonality is a periodic component expressed as a Fourier series.
type Seasonality struct {
	Name       string
	Period     float64 // days
	Order      int
	PriorScale float64
}

// Holiday is one dated event whose effect covers
// [Date+LowerWindow, Date+UpperWindow] days.
type Holiday struct {
	Name        string
	Date        time.Time
	LowerWindow int
	UpperWindow int
}

// Regressor is an extra linear covariate supplied per row.
type Regressor struct {
	Name       string
	PriorScale float64
}

// Config holds model structure and priors.
type Config struct {
	Seasonalities []Seasonality
	Holidays      []Holiday
	Regressors    []Regressor

	HolidayPriorScale     float64
	ChangepointPriorScale float64
	// NChangepoints potential trend changepoints are placed uniformly in
	// the first ChangepointRange fraction of the history.
	NChangepoints    int
	ChangepointRange float64
	// GrowthPriorScale is the prior on base slope and offset.
	GrowthPriorScale float64
}

// DefaultConfig returns trend-only defaults.
func DefaultConfig() Config {
	return Config{
		HolidayPriorScale:     10,
		ChangepointPriorScale: 0.05,
		NChangepoints:         25,
		ChangepointRange:      0.8,
		GrowthPriorScale:      5,
	}
}

// Row is one observation (for Fit) or one query date (for Predict, Y is
// ignored).
type Row struct {
	Date       time.Time
	Y          float64
	Regressors map[string]float64
}

// Interval is a prediction band at a given coverage width.
type Interval struct {
	Width float64
	Lower float64
	Upper float64
}

// Prediction is the model output for one date. Component values are in
// the units of y and sum to Yhat.
type Prediction struct {
	Date       time.Time
	Yhat       float64
	Trend      float64
	Seasonal   map[string]float64
	Holidays   float64
	Regressors map[string]float64
	Intervals  []Interval
}

// Interval returns the band for width, if it was requested.
func (p Prediction) Interval(width float64) (Interval, bool) {
	for _, iv := range p.Intervals {
		if math.Abs(iv.Width-width) < 1e-9 {
			return iv, true
		}
	}
	return Interval{}, false
}

// Model is a fitted additive model. The zero value is not usable; call New.
type Model struct {
	cfg Config

	fitted bool
	start  time.Time
	span   float64 // days between first and last fitted date
	yScale float64

	changepoints []float64       // in scaled time
	holidayCols  []string        // "name@offset" for columns seen in training
	holidayIndex map[int64][]int // epoch day -> holiday columns
	regMean      []float64
	regStd       []float64

	layout layout
	beta   []float64
	sigma  float64 // residual std in scaled units
	cpRate float64 // changepoints per unit scaled time
	cpMag  float64 // mean |delta|
}

// New creates an unfitted model.
func New(cfg Config) *Model {
	if cfg.ChangepointRange <= 0 || cfg.ChangepointRange > 1 {
		cfg.ChangepointRange = 0.8
	}
	if cfg.GrowthPriorScale <= 0 {
		cfg.GrowthPriorScale = 5
	}
	return &Model{cfg: cfg}
}

// Fitted reports whether Fit has succeeded.
func (m *Model) Fitted() bool { return m.fitted }

// Sigma returns the residual standard deviation in units of y.
func (m *Model) Sigma() float64 { return m.sigma * m.yScale }

// Changepoints returns the dates of the potential trend changepoints.
func (m *Model) Changepoints() []time.Time {
	out := make([]time.Time, len(m.changepoints))
	for i, s := range m.changepoints {
		out[i] = m.dateAt(s)
	}
	return out
}

// Fit estimates the model from rows. Rows are sorted by date internally;
// duplicate dates are allowed.
func (m *Model) Fit(rows []Row) error {
	m.fitted = false
	if len(rows) < 2 {
		return fmt.Errorf("%w: %d rows", ErrInsufficientData, len(rows))
	}

	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	m.start = sorted[0].Date
	m.span = days(sorted[len(sorted)-1].Date.Sub(m.start))
	if m.span <= 0 {
		return fmt.Errorf("%w: all rows share one date", ErrInsufficientData)
	}

	m.yScale = 0
	for _, r := range sorted {
		if math.IsNaN(r.Y) || math.IsInf(r.Y, 0) {
			return fmt.Errorf("additive: non-finite y on %s", r.Date.Format("2006-01-02"))
		}
		m.yScale = math.Max(m.yScale, math.Abs(r.Y))
	}
	if m.yScale == 0 {
		m.yScale = 1
	}

	if err := m.prepareRegressors(sorted); err != nil {
		return err
	}
	m.placeChangepoints(sorted)
	m.prepareHolidays(sorted)
	m.layout = m.buildLayout()

	x, err := m.design(sorted)
	if err != nil {
		return err
	}
	y := make([]float64, len(sorted))
	for i, r := range sorted {
		y[i] = r.Y / m.yScale
	}

	beta, sigma, err := solveMAP(x, y, m.layout.precision())
	if err != nil {
		return err
	}
	m.beta = beta
	m.sigma = sigma

	m.cpRate = float64(len(m.changepoints))
	m.cpMag = 0
	if n := m.layout.changepoints.n; n > 0 {
		for _, d := range beta[m.layout.changepoints.off : m.layout.changepoints.off+n] {
			m.cpMag += math.Abs(d)
		}
		m.cpMag /= float64(n)
	}

	m.fitted = true
	return nil
}

// Predict evaluates the model on rows with the requested interval widths,
// each in (0, 1).
func (m *Model) Predict(rows []Row, widths ...float64) ([]Prediction, error) {
	if !m.fitted {
		return nil, ErrNotFitted
	}

	z := make([]float64, len(widths))
	for i, w := range widths {
		if w <= 0 || w >= 1 {
			return nil, fmt.Errorf("additive: interval width %v outside (0, 1)", w)
		}
		z[i] = distuv.UnitNormal.Quantile(0.5 + w/2)
	}

	if len(rows) == 0 {
		return []Prediction{}, nil
	}
	x, err := m.design(rows)
	if err != nil {
		return nil, err
	}

	out := make([]Prediction, len(rows))
	for i, r := range rows {
		row := x.RawRowView(i)
		p := Prediction{
			Date:       r.Date,
			Seasonal:   make(map[string]float64, len(m.cfg.Seasonalities)),
			Regressors: make(map[string]float64, len(m.cfg.Regressors)),
		}

		p.Trend = m.dot(row, m.layout.growth) + m.dot(row, m.layout.changepoints)
		for j, s := range m.cfg.Seasonalities {
			v := m.dot(row, m.layout.seasonal[j])
			p.Seasonal[s.Name] = v
			p.Yhat += v
		}
		p.Holidays = m.dot(row, m.layout.holidays)
		for j, reg := range m.cfg.Regressors {
			v := m.dot(row, m.layout.regressors[j])
			p.Regressors[reg.Name] = v
			p.Yhat += v
		}
		p.Yhat += p.Trend + p.Holidays

		sd := m.predictiveStd(m.scaledTime(r.Date))
		p.Intervals = make([]Interval, len(widths))
		for j, w := range widths {
			half := z[j] * sd
			p.Intervals[j] = Interval{Width: w, Lower: p.Yhat - half, Upper: p.Yhat + half}
		}
		out[i] = p
	}
	return out, nil
}

// predictiveStd returns the forecast standard deviation in units of y at
// scaled time t. Past the fitted history, future changepoints arrive at the
// historical rate with Laplace magnitudes of the historical mean |delta|;
// integrating their effect gives variance 2·rate·b²·h³/3 at distance h.
func (m *Model) predictiveStd(t float64) float64 {
	v := m.sigma * m.sigma
	if h := t - 1; h > 0 && m.cpRate > 0 && m.cpMag > 0 {
		v += 2 * m.cpRate * m.cpMag * m.cpMag * h * h * h / 3
	}
	return math.Sqrt(v) * m.yScale
}

// dot returns the scaled-back contribution of one column block.
func (m *Model) dot(row []float64, b block) float64 {
	var s float64
	for j := b.off; j < b.off+b.n; j++ {
		s += row[j] * m.beta[j]
	}
	return s * m.yScale
}

func (m *Model) scaledTime(d time.Time) float64 {
	return days(d.Sub(m.start)) / m.span
}

func (m *Model) dateAt(t float64) time.Time {
	return m.start.Add(time.Duration(t * m.span * float64(24*time.Hour))).Round(time.Hour)
}

func days(d time.Duration) float64 {
	return d.Hours() / 24
}
