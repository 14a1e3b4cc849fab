package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/treasury/internal/domain"
)

// Console implementa ports.Notifier y pinta los reportes del CLI.
type Console struct {
	out io.Writer
	now func() time.Time
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, now func() time.Time) *Console {
	if now == nil {
		now = time.Now
	}
	return &Console{out: w, now: now}
}

// BreakerTripped implementa ports.Notifier.
func (c *Console) BreakerTripped(_ context.Context, reason string) error {
	fmt.Fprintf(c.out, "[%s] CIRCUIT BREAKER TRIPPED: %s\n", c.stamp(), reason)
	fmt.Fprintln(c.out, "  trading halted; run `treasury resume` once the cause is understood")
	return nil
}

// ApprovalRequired implementa ports.Notifier.
func (c *Console) ApprovalRequired(_ context.Context, res domain.TransferResult) error {
	fmt.Fprintf(c.out, "[%s] MULTISIG APPROVAL REQUIRED: %s → %s  %s  proposal=%s\n",
		c.stamp(), res.From, short(res.ToAddress), amount(res.Amount), res.ProposalID)
	return nil
}

// PrintAllocation imprime la tabla de asignación actual vs objetivo.
func (c *Console) PrintAllocation(statuses []domain.AllocationStatus, total int64) {
	fmt.Fprintf(c.out, "\n[%s] allocation: total %s\n", c.stamp(), amount(total))

	table := tablewriter.NewWriter(c.out)
	table.Header("Role", "Address", "Balance", "Current", "Target", "Deviation", "Flags")
	for _, s := range statuses {
		table.Append(
			string(s.Role),
			short(s.Address),
			amount(s.CurrentBalance),
			pct(s.CurrentPct),
			pct(s.TargetPct),
			fmt.Sprintf("%+.2f%%", s.Deviation*100),
			allocationFlags(s),
		)
	}
	table.Render()
}

// PrintRebalancePlan imprime las instrucciones propuestas.
func (c *Console) PrintRebalancePlan(plan []domain.RebalanceInstruction) {
	if len(plan) == 0 {
		fmt.Fprintln(c.out, "  allocation within threshold, nothing to move")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("From", "To", "Amount", "Multisig")
	for _, in := range plan {
		ms := ""
		if in.RequiresMultisig {
			ms = "yes"
		}
		table.Append(string(in.From), string(in.To), amount(in.Amount), ms)
	}
	table.Render()
}

// PrintTransfers imprime el resultado de cada transferencia.
func (c *Console) PrintTransfers(results []domain.TransferResult) {
	if len(results) == 0 {
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("From", "To", "Amount", "Outcome", "Reference")
	for _, r := range results {
		ref := r.ConfirmationID
		if r.Pending() {
			ref = r.ProposalID
		}
		if r.Outcome == domain.TransferFailed {
			ref = r.Error
		}
		table.Append(string(r.From), short(r.ToAddress), amount(r.Amount), string(r.Outcome), ref)
	}
	table.Render()
}

// PrintRiskStatus imprime breaker, límites, posiciones y PnL.
func (c *Console) PrintRiskStatus(s domain.RiskStatus) {
	b := s.Breaker
	fmt.Fprintf(c.out, "\n[%s] risk: breaker %s", c.stamp(), b.State)
	if !s.TradingAllowed {
		fmt.Fprint(c.out, " (TRADING HALTED)")
	}
	fmt.Fprintln(c.out)
	if b.TriggerReason != "" {
		fmt.Fprintf(c.out, "  reason: %s (%s)\n", b.TriggerReason, c.ago(b.TriggeredAt))
	}
	fmt.Fprintf(c.out, "  consecutive losses: %d/%d  override: %v  last trade: %s\n",
		b.ConsecutiveLosses, b.MaxConsecutiveLosses, b.ManualOverride, c.ago(s.LastTradeAt))

	l := s.Limits
	limits := tablewriter.NewWriter(c.out)
	limits.Header("Limit", "Value")
	limits.Append("position size", pct(l.MaxPositionSizePct))
	limits.Append("total exposure", pct(l.MaxTotalExposurePct))
	limits.Append("single asset", pct(l.MaxSingleAssetPct))
	limits.Append("loss d/w/m", fmt.Sprintf("%s / %s / %s",
		pct(l.MaxDailyLossPct), pct(l.MaxWeeklyLossPct), pct(l.MaxMonthlyLossPct)))
	limits.Append("trades per day/hour", fmt.Sprintf("%d / %d", l.MaxTradesPerDay, l.MaxTradesPerHour))
	limits.Append("min interval", l.MinTradeInterval.String())
	limits.Append("slippage / impact", fmt.Sprintf("%d bps / %.2f%%", l.MaxSlippageBps, l.MaxPriceImpactPct))
	limits.Render()

	assets := make([]string, 0, len(s.Positions))
	for a := range s.Positions {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	if len(assets) > 0 {
		pos := tablewriter.NewWriter(c.out)
		pos.Header("Asset", "Position")
		for _, a := range assets {
			pos.Append(a, amount(s.Positions[a]))
		}
		pos.Append("TOTAL", amount(s.TotalExposure))
		pos.Render()
	} else {
		fmt.Fprintln(c.out, "  no open positions")
	}

	pnl := tablewriter.NewWriter(c.out)
	pnl.Header("Period", "Start balance", "PnL", "Trades", "Win rate")
	for _, p := range []domain.PnLSummary{s.Daily, s.Weekly} {
		pnl.Append(
			string(p.Period),
			amount(s.StartingBalances[p.Period]),
			signed(p.TotalPnL),
			fmt.Sprintf("%d", p.TradeCount),
			pct(p.WinRate),
		)
	}
	pnl.Render()
}

// PrintDistributions imprime el historial, una fila por leg.
func (c *Console) PrintDistributions(ds []domain.Distribution) {
	if len(ds) == 0 {
		fmt.Fprintln(c.out, "No distributions yet")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("ID", "When", "Total", "Status", "Destination", "Amount", "Outcome")
	for _, d := range ds {
		status := string(d.Status)
		if d.DryRun {
			status += " (dry)"
		}
		for i, l := range d.Legs {
			id, when, total, st := "", "", "", ""
			if i == 0 {
				id, when, total, st = d.ID, d.Timestamp.UTC().Format("2006-01-02 15:04"), amount(d.Total), status
			}
			table.Append(id, when, total, st, string(l.Destination), amount(l.Amount), legOutcome(l))
		}
	}
	table.Render()
}

// PrintDistributionStats imprime los agregados de distribuciones ejecutadas.
func (c *Console) PrintDistributionStats(s domain.DistributionStats) {
	if s.Count == 0 {
		fmt.Fprintln(c.out, "No executed distributions")
		return
	}
	fmt.Fprintf(c.out, "\ndistributions: %d (completed %d, failed %d, pending %d)\n",
		s.Count, s.Completed, s.Failed, s.Pending)
	fmt.Fprintf(c.out, "  swept %s  distributed %s  average %s\n",
		amount(s.TotalSwept), amount(s.TotalDistributed), amount(s.AverageSwept))
	fmt.Fprintf(c.out, "  first %s  last %s\n", c.ago(s.First), c.ago(s.Last))

	table := tablewriter.NewWriter(c.out)
	table.Header("Destination", "Distributed")
	for _, r := range domain.DestinationRoles {
		table.Append(string(r), amount(s.PerDestination[r]))
	}
	table.Render()
}

func (c *Console) stamp() string {
	return c.now().Format("15:04:05")
}

func (c *Console) ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.RelTime(t, c.now(), "ago", "from now")
}

func allocationFlags(s domain.AllocationStatus) string {
	var flags string
	add := func(f string) {
		if flags != "" {
			flags += ","
		}
		flags += f
	}
	if s.Stale {
		add("STALE")
	}
	if s.BelowMin {
		add("below-min")
	}
	if s.AboveMax {
		add("above-max")
	}
	if s.RequiresMultisig {
		add("multisig")
	}
	return flags
}

func legOutcome(l domain.DistributionLeg) string {
	switch {
	case l.Outcome == "":
		return "-"
	case l.Error != "":
		return fmt.Sprintf("%s: %s", l.Outcome, l.Error)
	}
	return string(l.Outcome)
}

func amount(v int64) string { return humanize.Comma(v) }

func signed(v int64) string {
	if v > 0 {
		return "+" + humanize.Comma(v)
	}
	return humanize.Comma(v)
}

func pct(f float64) string { return fmt.Sprintf("%.2f%%", f*100) }

// short abrevia direcciones largas: primeros 4 y últimos 4.
func short(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:4] + "…" + addr[len(addr)-4:]
}
