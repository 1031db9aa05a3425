package reporter

import (
	"fmt"
	"io"
	"sort"
	"swap-grid-bot-go/internal/exchange"
	"swap-grid-bot-go/internal/models"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Metrics 存储计算出的所有回测性能指标
type Metrics struct {
	InitialEquity      float64
	FinalEquity        float64
	TotalProfit        float64 // 按期末价格计算的权益变化
	ProfitPercentage   float64
	RealizedGridProfit float64 // 卖出成交的近似网格利润之和
	TotalTrades        int
	Buys               int
	Sells              int
	WinningSells       int
	LosingSells        int
	WinRate            float64
	MaxDrawdown        float64
	TotalFees          map[string]float64
	EndingBalances     map[string]float64
	StartTime          time.Time
	EndTime            time.Time
}

// CalculateMetrics 根据模拟场所的状态与成交记录计算回测指标
func CalculateMetrics(venue *exchange.PaperVenue, records []*models.TradeRecord) *Metrics {
	m := &Metrics{
		InitialEquity:  venue.InitialEquity(),
		FinalEquity:    venue.Equity(),
		TotalFees:      make(map[string]float64),
		EndingBalances: make(map[string]float64),
	}

	m.TotalTrades = len(records)
	for _, rec := range records {
		switch rec.Direction {
		case models.Buy:
			m.Buys++
		case models.Sell:
			m.Sells++
			if rec.Profit != nil {
				m.RealizedGridProfit += *rec.Profit
				if *rec.Profit > 0 {
					m.WinningSells++
				} else {
					m.LosingSells++
				}
			}
		}
	}
	if m.Sells > 0 {
		m.WinRate = float64(m.WinningSells) / float64(m.Sells) * 100
	}

	m.TotalProfit = m.FinalEquity - m.InitialEquity
	if m.InitialEquity != 0 {
		m.ProfitPercentage = m.TotalProfit / m.InitialEquity * 100
	}
	m.MaxDrawdown = calculateMaxDrawdown(venue.EquityCurve) * 100

	for token, fee := range venue.TotalFees {
		m.TotalFees[token] = fee
	}
	for token := range venue.Balances {
		m.EndingBalances[token] = venue.Balance(token)
	}
	return m
}

// GenerateReport 把回测报告写入 w
func GenerateReport(w io.Writer, m *Metrics, dataPath string) {
	fmt.Fprintln(w, "========== 回测结果报告 ==========")
	fmt.Fprintf(w, "数据文件:         %s\n", dataPath)
	fmt.Fprintf(w, "回测周期:         %s 到 %s\n", m.StartTime.Format("2006-01-02 15:04"), m.EndTime.Format("2006-01-02 15:04"))
	fmt.Fprintln(w, "------------------------------------")
	fmt.Fprintf(w, "初始权益:         %.2f\n", m.InitialEquity)
	fmt.Fprintf(w, "最终权益:         %.2f\n", m.FinalEquity)
	fmt.Fprintf(w, "总利润:           %.2f\n", m.TotalProfit)
	fmt.Fprintf(w, "收益率:           %.2f%%\n", m.ProfitPercentage)
	fmt.Fprintf(w, "网格利润(近似):   %.4f\n", m.RealizedGridProfit)
	fmt.Fprintln(w, "------------------------------------")
	fmt.Fprintf(w, "总交易次数:       %d (买 %d / 卖 %d)\n", m.TotalTrades, m.Buys, m.Sells)
	fmt.Fprintf(w, "盈利卖出次数:     %d\n", m.WinningSells)
	fmt.Fprintf(w, "胜率:             %.2f%%\n", m.WinRate)
	fmt.Fprintf(w, "最大回撤:         %.2f%%\n", m.MaxDrawdown)
	fmt.Fprintln(w, "--- 期末资产 ---")
	for _, token := range sortedKeys(m.EndingBalances) {
		fmt.Fprintf(w, "%-10s        %.6f (手续费 %.6f)\n", token, m.EndingBalances[token], m.TotalFees[token])
	}
	fmt.Fprintln(w, "===================================")
}

// RenderSummary 把网格快照和计数器渲染为表格
func RenderSummary(snapshots []models.GridSnapshot, counters map[string]*models.Counters) string {
	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Grid", "Pair", "Range", "Levels", "Phase", "Level", "Last Price", "Source Inv", "Target Inv", "Buys", "Sells", "Grid Profit"})

	var totalProfit float64
	for _, snap := range snapshots {
		cfg, st := snap.Config, snap.State
		buys, sells := st.TotalBuys, st.TotalSells
		if c, ok := counters[cfg.ID]; ok && c != nil {
			buys, sells = c.TotalBuys, c.TotalSells
		}
		level := "-"
		if st.CurrentLevel != models.UnsetLevel {
			level = fmt.Sprintf("%d", st.CurrentLevel)
		}
		tw.AppendRow(table.Row{
			cfg.ID,
			cfg.Pair(),
			fmt.Sprintf("%g - %g", cfg.LowerLimit, cfg.UpperLimit),
			cfg.LevelCount,
			string(snap.Phase),
			level,
			fmt.Sprintf("%.6g", st.LastObservedPrice),
			fmt.Sprintf("%.6f", st.SourceInventory),
			fmt.Sprintf("%.6f", st.TargetInventory),
			buys,
			sells,
			fmt.Sprintf("%.4f", st.RealizedProfit),
		})
		totalProfit += st.RealizedProfit
	}
	tw.AppendFooter(table.Row{"", "", "", "", "", "", "", "", "", "", "Total", fmt.Sprintf("%.4f", totalProfit)})
	return tw.Render()
}

func calculateMaxDrawdown(equityCurve []float64) float64 {
	if len(equityCurve) < 2 {
		return 0.0
	}
	peak := equityCurve[0]
	maxDrawdown := 0.0

	for _, equity := range equityCurve {
		if equity > peak {
			peak = equity
		}
		if peak <= 0 {
			continue
		}
		drawdown := (peak - equity) / peak
		if drawdown > maxDrawdown {
			maxDrawdown = drawdown
		}
	}
	return maxDrawdown
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
