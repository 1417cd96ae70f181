package app

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"tradesim/internal/config"
)

type StartupSummary struct {
	Env           string
	RecordsDriver string
	CandleRoot    string
	HTTPAddr      string
	MaxConcurrent int
	Signals       bool
	Sessions      map[string]SessionDetail

	out io.Writer
}

type SessionDetail struct {
	Symbol    string
	Timeframe string
	Exchange  string
	Market    string
	Window    string
	Strategy  string
	Fetches   []string
}

func newStartupSummary(cfg *config.Config) *StartupSummary {
	s := &StartupSummary{
		Env:           cfg.App.Env,
		RecordsDriver: cfg.Records.Driver,
		CandleRoot:    cfg.Data.CandleRoot,
		HTTPAddr:      cfg.App.HTTPAddr,
		MaxConcurrent: cfg.Runner.MaxConcurrent,
		Signals:       cfg.Signals.Enabled,
		Sessions:      make(map[string]SessionDetail, len(cfg.Sessions)),
		out:           os.Stdout,
	}
	for _, sc := range cfg.Sessions {
		var fetches []string
		ud := sc.UserDefined
		if ud.FetchBalance {
			fetches = append(fetches, fmt.Sprintf("balance every %gm", ud.FetchBalanceInterval))
		}
		if ud.FetchOrders {
			fetches = append(fetches, fmt.Sprintf("orders every %gm (span %gm)", ud.FetchOrdersInterval, ud.FetchOrdersMinutesTimeSpan))
		}
		st := sc.Strategy
		s.Sessions[sc.Name] = SessionDetail{
			Symbol:    sc.Symbol,
			Timeframe: sc.Timeframe,
			Exchange:  sc.Exchange,
			Market:    sc.Market,
			Window:    formatWindow(sc.TimeRange),
			Strategy:  fmt.Sprintf("%s %d/%d qty=%g", st.Name, st.FastPeriod, st.SlowPeriod, st.Quantity),
			Fetches:   fetches,
		}
	}
	return s
}

func (s *StartupSummary) Print() {
	w := s.out
	if w == nil {
		w = os.Stdout
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Fprintln(w, strings.Repeat("=", 80))

	fmt.Fprintln(w, "[运行环境 (RUNTIME)]")
	fmt.Fprintf(w, "  环境: %s\n", s.Env)
	fmt.Fprintf(w, "  记录存储: %s\n", s.RecordsDriver)
	fmt.Fprintf(w, "  K线目录: %s\n", s.CandleRoot)
	fmt.Fprintf(w, "  HTTP: %s\n", s.HTTPAddr)
	fmt.Fprintf(w, "  并发上限: %d\n", s.MaxConcurrent)
	fmt.Fprintf(w, "  信号: %t\n", s.Signals)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "[会话配置 (SESSIONS)]")
	if len(s.Sessions) == 0 {
		fmt.Fprintln(w, "  (无配置)")
	}
	names := make([]string, 0, len(s.Sessions))
	for name := range s.Sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		d := s.Sessions[name]
		fmt.Fprintf(w, "  > %s (%s@%s, %s/%s)\n", name, d.Symbol, d.Timeframe, d.Exchange, d.Market)
		fmt.Fprintf(w, "    [时间窗口]: %s\n", d.Window)
		fmt.Fprintf(w, "    [策略]: %s\n", d.Strategy)
		fmt.Fprintf(w, "    [交易所拉取]: %s\n", formatList(d.Fetches))
	}
	fmt.Fprintln(w, strings.Repeat("=", 80))
}

func formatWindow(tr config.TimeRangeConfig) string {
	from := strings.TrimSpace(tr.InitialDatetime)
	to := strings.TrimSpace(tr.FinalDatetime)
	if from == "" {
		from = "-"
	}
	if to == "" {
		to = "-"
	}
	return from + " ~ " + to
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
