package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"tally/internal/amqp"
	"tally/internal/api"
	"tally/internal/core"
	"tally/internal/events"
	"tally/internal/resources"
	"tally/internal/services"
)

var (
	ErrUsage       = errors.New("invalid usage")
	ErrNotLoggedIn = errors.New("not logged in, run `tally login` first")
	ErrNoBroker    = errors.New("AMQP_URL is not set or the broker is unreachable")
)

const usage = `usage: tally <command> [arguments]

commands:
  login      [-u username] [-p password]
  register   [-u username] [-e email] [-p password]
  logout
  whoami
  expenses   list [-page n] [-limit n] [-category id] [-from date] [-to date] [-search text]
             add -amount 12.50 -desc text -category id [-date YYYY-MM-DD] [-notes text]
             delete <id>
  categories list | stats | add -name text [-color #hex] [-icon name] | delete <id>
  budgets    list | status | delete <id>
             add -amount 500 [-period monthly|yearly] [-year n] [-month n] [-category id]
  report     dashboard | monthly [-year n] [-month n] | insights | trends [-period p]
             | categories [-from date] [-to date]
  watch      follow session and cache events published to AMQP
`

type command func(ctx context.Context, args []string) error

// Runner executes one command line against an App.
type Runner struct {
	app    *App
	out    io.Writer
	errOut io.Writer
	prompt Prompter
	now    func() time.Time
}

func NewRunner(app *App, out, errOut io.Writer, prompt Prompter) *Runner {
	return &Runner{app: app, out: out, errOut: errOut, prompt: prompt, now: time.Now}
}

// Run dispatches args[0] to its command.
func (r *Runner) Run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		fmt.Fprint(r.errOut, usage)
		return ErrUsage
	}

	stop := r.app.Events.Subscribe(func(events.Event) {
		fmt.Fprintln(r.errOut, "Your session has expired. Run `tally login` to sign in again.")
	}, events.SessionUnauthorized)
	defer stop()

	commands := map[string]command{
		"login":      r.login,
		"register":   r.register,
		"logout":     r.logout,
		"whoami":     r.whoami,
		"expenses":   r.expenses,
		"categories": r.categories,
		"budgets":    r.budgets,
		"report":     r.report,
		"watch":      r.watch,
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprint(r.errOut, usage)
		return fmt.Errorf("%w: unknown command %q", ErrUsage, args[0])
	}
	return cmd(ctx, args[1:])
}

func (r *Runner) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(r.errOut)
	return fs
}

// requireSession restores the session and fails when nobody is logged in.
func (r *Runner) requireSession(ctx context.Context) error {
	sess := r.app.Session.RestoreSession(ctx)
	if !sess.IsAuthenticated {
		if sess.Error != "" {
			return fmt.Errorf("%w (%s)", ErrNotLoggedIn, sess.Error)
		}
		return ErrNotLoggedIn
	}
	return nil
}

func (r *Runner) login(ctx context.Context, args []string) error {
	fs := r.flags("login")
	username := fs.String("u", "", "username")
	password := fs.String("p", "", "password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var err error
	if *username == "" {
		if *username, err = r.prompt.Prompt("Username"); err != nil {
			return err
		}
	}
	if *password == "" {
		if *password, err = r.prompt.Password("Password"); err != nil {
			return err
		}
	}

	res, err := r.app.Session.Login(ctx, core.Credentials{Username: *username, Password: *password})
	if err != nil {
		return userError(err)
	}
	fmt.Fprintf(r.out, "Logged in as %s\n", res.User.Username)
	return nil
}

func (r *Runner) register(ctx context.Context, args []string) error {
	fs := r.flags("register")
	username := fs.String("u", "", "username")
	email := fs.String("e", "", "email")
	password := fs.String("p", "", "password (prompted when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	reg := core.Registration{Username: *username, Email: *email, Password: *password, ConfirmPassword: *password}
	var err error
	if reg.Username == "" {
		if reg.Username, err = r.prompt.Prompt("Username"); err != nil {
			return err
		}
	}
	if reg.Email == "" {
		if reg.Email, err = r.prompt.Prompt("Email"); err != nil {
			return err
		}
	}
	if reg.Password == "" {
		if reg.Password, err = r.prompt.Password("Password"); err != nil {
			return err
		}
		if reg.ConfirmPassword, err = r.prompt.Password("Confirm password"); err != nil {
			return err
		}
	}

	res, err := r.app.Session.Register(ctx, reg)
	if err != nil {
		return userError(err)
	}
	fmt.Fprintf(r.out, "Welcome, %s! You are now logged in.\n", res.User.Username)
	return nil
}

func (r *Runner) logout(ctx context.Context, _ []string) error {
	if err := r.app.Session.Logout(ctx); err != nil {
		return err
	}
	fmt.Fprintln(r.out, "Logged out")
	return nil
}

func (r *Runner) whoami(ctx context.Context, _ []string) error {
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	u := r.app.Session.Snapshot().User
	fmt.Fprintf(r.out, "%s <%s> (id %d)\n", u.Username, u.Email, u.ID)
	return nil
}

func (r *Runner) expenses(ctx context.Context, args []string) error {
	sub, args := subcommand(args, "list")
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	ep := r.app.Resources.Expenses

	switch sub {
	case "list":
		fs := r.flags("expenses list")
		page := fs.Int("page", resources.DefaultPage, "page number")
		limit := fs.Int("limit", resources.DefaultLimit, "page size")
		category := fs.Int64("category", 0, "category id")
		from := fs.String("from", "", "start date YYYY-MM-DD")
		to := fs.String("to", "", "end date YYYY-MM-DD")
		search := fs.String("search", "", "description search")
		if err := fs.Parse(args); err != nil {
			return err
		}
		f := resources.DefaultExpenseFilters().
			WithLimit(*limit).
			WithCategory(*category).
			WithDateRange(*from, *to).
			WithSearch(*search)
		f.Page = *page

		res, err := ep.List(ctx, f)
		if err != nil {
			return userError(err)
		}
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tDATE\tAMOUNT\tCATEGORY\tDESCRIPTION")
		for _, e := range res.Expenses {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.ID, e.ExpenseDate, core.FormatAmount(e.Amount), e.CategoryName, e.Description)
		}
		tw.Flush()
		fmt.Fprintf(r.out, "%s (page %d of %d)\n", services.PageWindow(res.Pagination), res.Pagination.Page, res.Pagination.Pages)
		return nil

	case "add":
		fs := r.flags("expenses add")
		amount := fs.String("amount", "", "amount, e.g. 12.50")
		desc := fs.String("desc", "", "description")
		category := fs.Int64("category", 0, "category id")
		date := fs.String("date", r.now().Format(core.DateLayout), "expense date YYYY-MM-DD")
		notes := fs.String("notes", "", "notes")
		if err := fs.Parse(args); err != nil {
			return err
		}
		amt, err := core.ParseAmount(*amount)
		if err != nil {
			return err
		}
		e, err := ep.Create(ctx, core.NewExpense{
			Amount:      amt,
			Description: *desc,
			Notes:       *notes,
			CategoryID:  *category,
			ExpenseDate: *date,
		})
		if err != nil {
			return userError(err)
		}
		fmt.Fprintf(r.out, "Added expense %d: %s %s\n", e.ID, core.FormatAmount(e.Amount), e.Description)
		return nil

	case "delete":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		if err := ep.Delete(ctx, id); err != nil {
			return userError(err)
		}
		fmt.Fprintf(r.out, "Deleted expense %d\n", id)
		return nil
	}
	return fmt.Errorf("%w: expenses %s", ErrUsage, sub)
}

func (r *Runner) categories(ctx context.Context, args []string) error {
	sub, args := subcommand(args, "list")
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	ep := r.app.Resources.Categories

	switch sub {
	case "list", "stats":
		list := ep.List
		if sub == "stats" {
			list = ep.Stats
		}
		cats, err := list(ctx)
		if err != nil {
			return userError(err)
		}
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCOLOR\tEXPENSES\tTOTAL\t")
		for _, c := range cats {
			name := c.Name
			if !c.Editable() {
				name += " (default)"
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t\n", c.ID, name, c.Color, c.ExpenseCount, core.FormatAmount(c.TotalAmount))
		}
		return tw.Flush()

	case "add":
		fs := r.flags("categories add")
		name := fs.String("name", "", "category name")
		color := fs.String("color", "", "hex color")
		icon := fs.String("icon", "", "icon name")
		if err := fs.Parse(args); err != nil {
			return err
		}
		c, err := ep.Create(ctx, core.NewCategory{Name: *name, Color: *color, Icon: *icon})
		if err != nil {
			return userError(err)
		}
		fmt.Fprintf(r.out, "Added category %d: %s\n", c.ID, c.Name)
		return nil

	case "delete":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		// load the listing so default categories are refused locally
		if _, err := ep.List(ctx); err != nil {
			return userError(err)
		}
		if err := ep.Delete(ctx, id); err != nil {
			return userError(err)
		}
		fmt.Fprintf(r.out, "Deleted category %d\n", id)
		return nil
	}
	return fmt.Errorf("%w: categories %s", ErrUsage, sub)
}

func (r *Runner) budgets(ctx context.Context, args []string) error {
	sub, args := subcommand(args, "list")
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	ep := r.app.Resources.Budgets

	switch sub {
	case "list":
		list, err := ep.List(ctx)
		if err != nil {
			return userError(err)
		}
		r.printBudgets(list)
		return nil

	case "status":
		st, err := ep.Status(ctx)
		if err != nil {
			return userError(err)
		}
		r.printBudgets(st.BudgetStatus)
		fmt.Fprintf(r.out, "Overall: %s of %s spent (%.1f%%)\n",
			core.FormatAmount(st.Summary.TotalSpent), core.FormatAmount(st.Summary.TotalBudget), st.Summary.OverallPercentage)
		for _, a := range st.Alerts {
			fmt.Fprintf(r.out, "[%s] %s\n", a.Type, a.Message)
		}
		return nil

	case "add":
		fs := r.flags("budgets add")
		amount := fs.String("amount", "", "budget amount")
		period := fs.String("period", string(core.Monthly), "monthly or yearly")
		year := fs.Int("year", r.now().Year(), "year")
		month := fs.Int("month", 0, "month 1-12, required for monthly budgets")
		category := fs.Int64("category", 0, "category id, empty for a total budget")
		if err := fs.Parse(args); err != nil {
			return err
		}
		amt, err := core.ParseAmount(*amount)
		if err != nil {
			return err
		}
		nb := core.NewBudget{Amount: amt, PeriodType: core.PeriodType(*period), Year: *year}
		if *month != 0 {
			nb.Month = month
		}
		if *category != 0 {
			nb.CategoryID = category
		}
		b, err := ep.Create(ctx, nb)
		if err != nil {
			return userError(err)
		}
		fmt.Fprintf(r.out, "Added %s budget %d: %s\n", b.PeriodType, b.ID, core.FormatAmount(b.Amount))
		return nil

	case "delete":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		if err := ep.Delete(ctx, id); err != nil {
			return userError(err)
		}
		fmt.Fprintf(r.out, "Deleted budget %d\n", id)
		return nil
	}
	return fmt.Errorf("%w: budgets %s", ErrUsage, sub)
}

func (r *Runner) printBudgets(list []core.Budget) {
	bars := services.BudgetBars(list)
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBUDGET\tPERIOD\tSPENT\tAMOUNT\tREMAINING\tUSED\t")
	for i, b := range list {
		period := strconv.Itoa(b.Year)
		if b.Month != nil {
			period = fmt.Sprintf("%d-%02d", b.Year, *b.Month)
		}
		used := fmt.Sprintf("%.1f%%", bars[i].Percent)
		if bars[i].Over {
			used += " OVER"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t\n", b.ID, bars[i].Name, period,
			core.FormatAmount(b.Spent), core.FormatAmount(b.Amount), core.FormatAmount(b.Remaining), used)
	}
	tw.Flush()
}

func (r *Runner) report(ctx context.Context, args []string) error {
	sub, args := subcommand(args, "dashboard")
	if err := r.requireSession(ctx); err != nil {
		return err
	}
	rp := r.app.Resources.Reports

	switch sub {
	case "dashboard":
		view, err := r.app.Dashboard.Load(ctx)
		if err != nil {
			return userError(err)
		}
		s := view.Summary
		fmt.Fprintf(r.out, "%s %d: %s spent in %d transactions, %s\n",
			s.MonthName, s.Year, core.FormatAmount(s.TotalSpent), s.TransactionCount, view.Trend)
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		for _, sh := range view.Shares {
			fmt.Fprintf(tw, "  %s\t%s\t%.1f%%\t\n", sh.Name, core.FormatAmount(sh.Amount), sh.Percent)
		}
		tw.Flush()
		for _, b := range view.Budgets {
			fmt.Fprintf(r.out, "  %-20s %s\n", b.Name, progressBar(b.Percent, b.Over))
		}
		for _, a := range view.Alerts {
			fmt.Fprintf(r.out, "[%s] %s\n", a.Type, a.Message)
		}
		return nil

	case "monthly":
		fs := r.flags("report monthly")
		year := fs.Int("year", 0, "year")
		month := fs.Int("month", 0, "month 1-12")
		if err := fs.Parse(args); err != nil {
			return err
		}
		m, err := rp.Monthly(ctx, resources.MonthlyParams{Year: *year, Month: *month})
		if err != nil {
			return userError(err)
		}
		fmt.Fprintf(r.out, "%s %d: %s in %d transactions (avg %s), %s\n",
			m.Period.MonthName, m.Period.Year, core.FormatAmount(m.Summary.TotalSpent), m.Summary.TransactionCount,
			core.FormatAmount(m.Summary.AvgExpense), services.TrendLabel(m.Comparison))
		for _, sh := range services.CategoryShares(m.CategoryBreakdown, m.Summary.TotalSpent) {
			fmt.Fprintf(r.out, "  %-20s %10s %5.1f%%\n", sh.Name, core.FormatAmount(sh.Amount), sh.Percent)
		}
		return nil

	case "insights":
		ins, err := rp.Insights(ctx)
		if err != nil {
			return userError(err)
		}
		if len(ins.Insights) == 0 {
			fmt.Fprintln(r.out, "No insights yet")
		}
		for _, i := range ins.Insights {
			fmt.Fprintf(r.out, "- %s\n", i.Message)
		}
		return nil

	case "trends":
		fs := r.flags("report trends")
		period := fs.String("period", resources.DefaultTrendsPeriod, "trend window")
		if err := fs.Parse(args); err != nil {
			return err
		}
		tr, err := rp.Trends(ctx, *period)
		if err != nil {
			return userError(err)
		}
		for _, p := range tr.Trends {
			fmt.Fprintf(r.out, "%-10s %10s\n", p.Period, core.FormatAmount(p.Total))
		}
		return nil

	case "categories":
		fs := r.flags("report categories")
		from := fs.String("from", "", "start date YYYY-MM-DD")
		to := fs.String("to", "", "end date YYYY-MM-DD")
		if err := fs.Parse(args); err != nil {
			return err
		}
		an, err := rp.CategoryAnalysis(ctx, resources.DateRange{StartDate: *from, EndDate: *to})
		if err != nil {
			return userError(err)
		}
		tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CATEGORY\tCOUNT\tTOTAL\tAVG\tMAX\t")
		for _, c := range an.CategoryAnalysis {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t\n", c.Name, c.ExpenseCount,
				core.FormatAmount(c.TotalAmount), core.FormatAmount(c.AvgAmount), core.FormatAmount(c.MaxAmount))
		}
		return tw.Flush()
	}
	return fmt.Errorf("%w: report %s", ErrUsage, sub)
}

func (r *Runner) watch(ctx context.Context, _ []string) error {
	if r.app.Broker == nil {
		return ErrNoBroker
	}
	err := r.app.Broker.Consume(ctx, func(m *amqp.Message) error {
		line := fmt.Sprintf("%s %s", m.Timestamp.Format(time.TimeOnly), m.Type)
		if m.State != "" {
			line += " state=" + m.State
		}
		if m.Username != "" {
			line += " user=" + m.Username
		}
		if len(m.Tags) > 0 {
			line += " tags=" + strings.Join(m.Tags, ",")
		}
		_, err := fmt.Fprintln(r.out, line)
		return err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// userError replaces API failures with their user-facing message and keeps
// local errors as they are.
func userError(err error) error {
	var apiErr *api.Error
	if errors.As(err, &apiErr) {
		return errors.New(api.UserMessage(err))
	}
	return err
}

// subcommand splits the first argument off args unless it is a flag.
func subcommand(args []string, def string) (string, []string) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return def, args
	}
	return args[0], args[1:]
}

func parseID(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("%w: expected exactly one id", ErrUsage)
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid id %q", ErrUsage, args[0])
	}
	return id, nil
}

func progressBar(pct float64, over bool) string {
	const width = 20
	filled := int(pct / 100 * width)
	bar := strings.Repeat("#", filled) + strings.Repeat(".", width-filled)
	s := fmt.Sprintf("[%s] %5.1f%%", bar, pct)
	if over {
		s += " over budget"
	}
	return s
}
