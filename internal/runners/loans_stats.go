package runners

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/LoansBot/loansbot/internal/cache"
	"github.com/LoansBot/loansbot/internal/ledger"
)

// Daily rebuild time for the stats plots, UTC.
const (
	statsHourUTC   = 8
	statsMinuteUTC = 0
)

// statsPlot is the chart document the website reads straight out of
// the cache.
type statsPlot struct {
	Title       string        `json:"title"`
	XAxis       string        `json:"x_axis"`
	YAxis       string        `json:"y_axis"`
	GeneratedAt int64         `json:"generated_at"`
	Data        statsPlotData `json:"data"`
}

type statsPlotData struct {
	Categories []string      `json:"categories"`
	Series     []statsSeries `json:"series"`
}

type statsSeries struct {
	Name string    `json:"name"`
	Data []float64 `json:"data"`
}

// LoansStats rebuilds the monthly and quarterly loan-volume plots once
// a day and writes them to the shared cache under
// stats/loans/{count,usd}/{monthly,quarterly}.
type LoansStats struct {
	deps Deps
}

// NewLoansStats wires the stats worker.
func NewLoansStats(deps Deps) *LoansStats {
	return &LoansStats{deps: deps}
}

// Run rebuilds at 08:00 UTC daily until cancelled.
func (w *LoansStats) Run(ctx context.Context) error {
	return runDailyAt(ctx, w.deps.now, statsHourUTC, statsMinuteUTC,
		w.deps.log(), "loans_stats", w.rebuild)
}

func (w *LoansStats) rebuild(ctx context.Context) error {
	stats, err := w.deps.Ledger.Store().MonthlyStats(ctx)
	if err != nil {
		return err
	}
	generatedAt := w.deps.now().Unix()

	plots := buildStatsPlots(stats, generatedAt)
	for key, plot := range plots {
		encoded, err := json.Marshal(plot)
		if err != nil {
			return err
		}
		if err := w.deps.Cache.Set(key, encoded, 0); err != nil {
			return err
		}
	}
	w.deps.log().Info("rebuilt loan stats plots", "plots", len(plots))
	return nil
}

// statsSeriesNames fixes the series order in every plot.
var statsSeriesNames = []string{"lent", "repaid", "unpaid"}

// buildStatsPlots turns the raw (series, year, month) cells into the
// four cached plots: count and USD volume, each monthly and quarterly.
// Categories are the union of months any series has data for; a series
// missing a month reads as zero there.
func buildStatsPlots(stats []ledger.MonthlyStat, generatedAt int64) map[string]*statsPlot {
	type ym struct{ year, month int }

	cells := map[string]map[ym]ledger.MonthlyStat{}
	monthSet := map[ym]bool{}
	for _, stat := range stats {
		key := ym{stat.Year, stat.Month}
		monthSet[key] = true
		if cells[stat.Series] == nil {
			cells[stat.Series] = map[ym]ledger.MonthlyStat{}
		}
		cells[stat.Series][key] = stat
	}

	months := make([]ym, 0, len(monthSet))
	for key := range monthSet {
		months = append(months, key)
	}
	sort.Slice(months, func(i, j int) bool {
		if months[i].year != months[j].year {
			return months[i].year < months[j].year
		}
		return months[i].month < months[j].month
	})

	monthlyCategories := make([]string, len(months))
	var quarterlyCategories []string
	// monthToQuarterIdx maps each monthly column to its quarterly one.
	monthToQuarterIdx := make([]int, len(months))
	for i, key := range months {
		monthlyCategories[i] = fmt.Sprintf("%d-%02d", key.year, key.month)
		quarter := fmt.Sprintf("%dQ%d", key.year, (key.month-1)/3+1)
		if len(quarterlyCategories) == 0 || quarterlyCategories[len(quarterlyCategories)-1] != quarter {
			quarterlyCategories = append(quarterlyCategories, quarter)
		}
		monthToQuarterIdx[i] = len(quarterlyCategories) - 1
	}

	units := []struct {
		unit  string
		yAxis string
		value func(ledger.MonthlyStat) float64
	}{
		{"count", "Count", func(s ledger.MonthlyStat) float64 { return float64(s.Count) }},
		{"usd", "USD", func(s ledger.MonthlyStat) float64 { return float64(s.USDMinor) / 100 }},
	}

	plots := map[string]*statsPlot{}
	for _, u := range units {
		monthly := &statsPlot{
			Title:       fmt.Sprintf("Monthly %s", u.yAxis),
			XAxis:       "Month",
			YAxis:       u.yAxis,
			GeneratedAt: generatedAt,
			Data:        statsPlotData{Categories: monthlyCategories},
		}
		quarterly := &statsPlot{
			Title:       fmt.Sprintf("Quarterly %s", u.yAxis),
			XAxis:       "Quarter",
			YAxis:       u.yAxis,
			GeneratedAt: generatedAt,
			Data:        statsPlotData{Categories: quarterlyCategories},
		}

		for _, name := range statsSeriesNames {
			monthlyData := make([]float64, len(months))
			quarterlyData := make([]float64, len(quarterlyCategories))
			for i, key := range months {
				if stat, ok := cells[name][key]; ok {
					monthlyData[i] = u.value(stat)
					quarterlyData[monthToQuarterIdx[i]] += u.value(stat)
				}
			}
			prettyName := strings.ToUpper(name[:1]) + name[1:]
			monthly.Data.Series = append(monthly.Data.Series,
				statsSeries{Name: prettyName, Data: monthlyData})
			quarterly.Data.Series = append(quarterly.Data.Series,
				statsSeries{Name: prettyName, Data: quarterlyData})
		}

		plots[cache.StatsLoansPrefix+"/"+u.unit+"/monthly"] = monthly
		plots[cache.StatsLoansPrefix+"/"+u.unit+"/quarterly"] = quarterly
	}
	return plots
}
