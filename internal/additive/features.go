package additive

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const defaultPriorScale = 10

// block is a contiguous range of design-matrix columns.
type block struct {
	off, n int
}

type layout struct {
	growth       block // slope, offset
	changepoints block
	seasonal     []block
	holidays     block
	regressors   []block
	width        int
	priorScale   []float64
}

// precision returns the prior precision 1/τ² per column.
func (l layout) precision() []float64 {
	out := make([]float64, len(l.priorScale))
	for j, tau := range l.priorScale {
		out[j] = 1 / (tau * tau)
	}
	return out
}

func (m *Model) buildLayout() layout {
	var l layout
	add := func(n int, tau float64) block {
		if tau <= 0 {
			tau = defaultPriorScale
		}
		b := block{off: l.width, n: n}
		for i := 0; i < n; i++ {
			l.priorScale = append(l.priorScale, tau)
		}
		l.width += n
		return b
	}

	l.growth = add(2, m.cfg.GrowthPriorScale)
	cpScale := m.cfg.ChangepointPriorScale
	if cpScale <= 0 {
		cpScale = 0.05
	}
	l.changepoints = add(len(m.changepoints), cpScale)
	for _, s := range m.cfg.Seasonalities {
		l.seasonal = append(l.seasonal, add(2*s.Order, s.PriorScale))
	}
	l.holidays = add(len(m.holidayCols), m.cfg.HolidayPriorScale)
	for _, r := range m.cfg.Regressors {
		l.regressors = append(l.regressors, add(1, r.PriorScale))
	}
	return l
}

// placeChangepoints spreads potential changepoints over the first
// ChangepointRange of the history at evenly spaced row positions.
func (m *Model) placeChangepoints(rows []Row) {
	m.changepoints = nil
	histSize := int(math.Floor(float64(len(rows)) * m.cfg.ChangepointRange))
	n := m.cfg.NChangepoints
	if n+1 > histSize {
		n = histSize - 1
	}
	if n <= 0 {
		return
	}

	for i := 1; i <= n; i++ {
		idx := int(math.Round(float64(i) * float64(histSize-1) / float64(n)))
		m.changepoints = append(m.changepoints, m.scaledTime(rows[idx].Date))
	}
}

// prepareHolidays creates one column per (holiday, window offset) that
// lands on at least one training date, and indexes every occurrence of
// those columns by day.
func (m *Model) prepareHolidays(rows []Row) {
	train := make(map[int64]bool, len(rows))
	for _, r := range rows {
		train[epochDay(r.Date)] = true
	}

	type occurrence struct {
		day int64
		key string
	}
	var occs []occurrence
	seen := make(map[string]bool)
	for _, h := range m.cfg.Holidays {
		base := epochDay(h.Date)
		for off := h.LowerWindow; off <= h.UpperWindow; off++ {
			o := occurrence{day: base + int64(off), key: fmt.Sprintf("%s@%+d", h.Name, off)}
			occs = append(occs, o)
			if train[o.day] {
				seen[o.key] = true
			}
		}
	}

	m.holidayCols = make([]string, 0, len(seen))
	for k := range seen {
		m.holidayCols = append(m.holidayCols, k)
	}
	sort.Strings(m.holidayCols)
	col := make(map[string]int, len(m.holidayCols))
	for i, k := range m.holidayCols {
		col[k] = i
	}

	m.holidayIndex = make(map[int64][]int)
	for _, o := range occs {
		j, ok := col[o.key]
		if !ok || containsInt(m.holidayIndex[o.day], j) {
			continue
		}
		m.holidayIndex[o.day] = append(m.holidayIndex[o.day], j)
	}
}

func (m *Model) prepareRegressors(rows []Row) error {
	m.regMean = make([]float64, len(m.cfg.Regressors))
	m.regStd = make([]float64, len(m.cfg.Regressors))
	vals := make([]float64, len(rows))
	for j, reg := range m.cfg.Regressors {
		for i, r := range rows {
			v, ok := r.Regressors[reg.Name]
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("additive: regressor %q missing on %s", reg.Name, r.Date.Format("2006-01-02"))
			}
			vals[i] = v
		}
		mean, std := stat.MeanStdDev(vals, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		m.regMean[j], m.regStd[j] = mean, std
	}
	return nil
}

// design builds the n x width feature matrix for rows.
func (m *Model) design(rows []Row) (*mat.Dense, error) {
	x := mat.NewDense(len(rows), m.layout.width, nil)
	for i, r := range rows {
		row := x.RawRowView(i)
		t := m.scaledTime(r.Date)

		row[m.layout.growth.off] = t
		row[m.layout.growth.off+1] = 1
		for j, s := range m.changepoints {
			if t > s {
				row[m.layout.changepoints.off+j] = t - s
			}
		}

		d := float64(epochDay(r.Date))
		for k, s := range m.cfg.Seasonalities {
			off := m.layout.seasonal[k].off
			for h := 1; h <= s.Order; h++ {
				arg := 2 * math.Pi * float64(h) * d / s.Period
				row[off+2*(h-1)] = math.Sin(arg)
				row[off+2*(h-1)+1] = math.Cos(arg)
			}
		}

		for _, j := range m.holidayIndex[epochDay(r.Date)] {
			row[m.layout.holidays.off+j] = 1
		}

		for k, reg := range m.cfg.Regressors {
			v, ok := r.Regressors[reg.Name]
			if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("additive: regressor %q missing on %s", reg.Name, r.Date.Format("2006-01-02"))
			}
			row[m.layout.regressors[k].off] = (v - m.regMean[k]) / m.regStd[k]
		}
	}
	return x, nil
}

// epochDay returns the number of whole days from 1970-01-01 to the
// calendar day of t.
func epochDay(t time.Time) int64 {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).Unix() / 86400
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
