package policy

import (
	"fmt"
	"math"

	"github.com/opensource-finance/perdiem/internal/domain"
	"github.com/opensource-finance/perdiem/internal/rules"
)

// Compiled is a policy table with every predicate compiled.
// It is immutable and safe for concurrent use.
type Compiled struct {
	table    *Table
	routes   []compiledRoute
	fallback compiledFallback
	formulas map[domain.Regime]compiledFormula
	extreme  []*rules.Predicate
	caps     []compiledLimit
	floors   []compiledLimit
}

type compiledRoute struct {
	regime domain.Regime
	when   *rules.Predicate
}

type compiledBand struct {
	Band
	when *rules.Predicate
}

type compiledLimit struct {
	Limit
	when *rules.Predicate
}

type compiledScale struct {
	Scale
	when *rules.Predicate
}

type compiledBonus struct {
	Bonus
	when *rules.Predicate
}

type compiledFallback struct {
	floorWhen   *rules.Predicate
	floorPerDay float64
	allowances  []compiledBand
	perDiem     PerDiem
	perDiemAdj  []compiledScale
	dailyScales []compiledScale
	mileage     []compiledBand
	receipts    []compiledBand
	caps        []compiledLimit
	bonuses     []compiledBonus
	hardCaps    []compiledLimit
	floorShare  float64
}

type compiledFormula struct {
	basePerDay float64
	mileage    []compiledBand
	receipts   []compiledBand
	caps       []compiledLimit
}

// Compile validates a table and compiles its predicates.
func Compile(engine *rules.Engine, t *Table) (*Compiled, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: table is required", ErrInvalidTable)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}

	c := &Compiled{
		table:    t,
		formulas: make(map[domain.Regime]compiledFormula, len(t.Formulas)),
	}

	var err error
	compile := func(section, expr string) *rules.Predicate {
		if err != nil {
			return nil
		}
		p, cerr := engine.Compile(expr)
		if cerr != nil {
			err = fmt.Errorf("%w: %s: %v", ErrInvalidTable, section, cerr)
		}
		return p
	}

	for _, r := range t.Routes {
		c.routes = append(c.routes, compiledRoute{regime: r.Regime, when: compile("route "+string(r.Regime), r.When)})
	}

	fb := t.Fallback
	c.fallback = compiledFallback{
		floorWhen:   compile("fallback floor", fb.Floor.When),
		floorPerDay: fb.Floor.PerDay,
		allowances:  compileBands(compile, "fallback floor allowance", fb.Floor.Allowances),
		perDiem:     fb.PerDiem,
		perDiemAdj:  compileScales(compile, "fallback per diem scale", fb.PerDiem.Scales),
		dailyScales: compileScales(compile, "fallback daily scale", fb.DailyScales),
		mileage:     compileBands(compile, "fallback mileage", fb.Mileage),
		receipts:    compileBands(compile, "fallback receipts", fb.Receipts),
		caps:        compileLimits(compile, "fallback cap", fb.Caps),
		hardCaps:    compileLimits(compile, "fallback hard cap", fb.HardCaps),
		floorShare:  fb.FloorShare,
	}
	if fb.Floor.When == "" {
		// No floor case configured.
		c.fallback.floorWhen = nil
	}
	for _, b := range fb.Bonuses {
		c.fallback.bonuses = append(c.fallback.bonuses, compiledBonus{Bonus: b, when: compile("fallback bonus", b.When)})
	}

	for regime, f := range t.Formulas {
		section := "formula " + string(regime)
		c.formulas[regime] = compiledFormula{
			basePerDay: f.BasePerDay,
			mileage:    compileBands(compile, section+" mileage", f.Mileage),
			receipts:   compileBands(compile, section+" receipts", f.Receipts),
			caps:       compileLimits(compile, section+" cap", f.Caps),
		}
	}

	for _, expr := range t.Normal.Extreme {
		c.extreme = append(c.extreme, compile("normal extreme", expr))
	}
	c.caps = compileLimits(compile, "normal cap", t.Normal.Caps)
	c.floors = compileLimits(compile, "normal floor", t.Normal.Floors)

	if err != nil {
		return nil, err
	}
	return c, nil
}

func compileBands(compile func(string, string) *rules.Predicate, section string, in []Band) []compiledBand {
	out := make([]compiledBand, 0, len(in))
	for _, b := range in {
		out = append(out, compiledBand{Band: b, when: compile(section, b.When)})
	}
	return out
}

func compileLimits(compile func(string, string) *rules.Predicate, section string, in []Limit) []compiledLimit {
	out := make([]compiledLimit, 0, len(in))
	for _, l := range in {
		out = append(out, compiledLimit{Limit: l, when: compile(section, l.When)})
	}
	return out
}

func compileScales(compile func(string, string) *rules.Predicate, section string, in []Scale) []compiledScale {
	out := make([]compiledScale, 0, len(in))
	for _, s := range in {
		out = append(out, compiledScale{Scale: s, when: compile(section, s.When)})
	}
	return out
}

// Version returns the table version.
func (c *Compiled) Version() string {
	return c.table.Version
}

// Table returns the source table. Callers must not mutate it.
func (c *Compiled) Table() *Table {
	return c.table
}

// Members returns the ensemble members in rank order.
func (c *Compiled) Members() []Member {
	out := make([]Member, len(c.table.Normal.Members))
	copy(out, c.table.Normal.Members)
	return out
}

// Bind measures a trip once so that several stages can be evaluated against it.
func (c *Compiled) Bind(t domain.Trip) *Binding {
	m := rules.Measure(t)
	return &Binding{policy: c, m: m, act: m.Activation()}
}

// Binding is a compiled policy bound to a single trip.
type Binding struct {
	policy *Compiled
	m      rules.Measures
	act    rules.Activation
}

// Calculation is the output of a calculator with the named entries it applied.
type Calculation struct {
	Amount  float64
	Applied []string
}

func (c *Calculation) note(name string) {
	if name != "" {
		c.Applied = append(c.Applied, name)
	}
}

// Measures returns the derived measures for the bound trip.
func (b *Binding) Measures() rules.Measures {
	return b.m
}

// Regime classifies the trip: first matching route wins, Normal otherwise.
func (b *Binding) Regime() domain.Regime {
	for _, r := range b.policy.routes {
		if r.when.Match(b.act) {
			return r.regime
		}
	}
	return domain.RegimeNormal
}

// Extreme reports whether the Normal path must use the fallback calculator.
func (b *Binding) Extreme() bool {
	for _, p := range b.policy.extreme {
		if p.Match(b.act) {
			return true
		}
	}
	return false
}

// Fallback runs the general-purpose rule calculator.
func (b *Binding) Fallback() Calculation {
	fb := &b.policy.fallback
	days, miles, receipts := b.m.Days, b.m.Miles, b.m.Receipts
	var calc Calculation

	if fb.floorWhen != nil && fb.floorWhen.Match(b.act) {
		calc.note("low_mileage_floor")
		total := fb.floorPerDay * days
		if band, ok := b.first(fb.allowances); ok {
			calc.note(band.Name)
			total += band.apply(receipts, days)
		}
		calc.Amount = total
		return calc
	}

	basePerDiem := fb.perDiem.Base + fb.perDiem.PerMilePerDay*b.m.MilesPerDay
	if s, ok := b.firstScale(fb.perDiemAdj); ok {
		calc.note(s.Name)
		basePerDiem *= s.Factor
	}
	dailyBase := days * basePerDiem
	if s, ok := b.firstScale(fb.dailyScales); ok {
		calc.note(s.Name)
		dailyBase *= s.Factor
	}

	var mileage, receipt float64
	if band, ok := b.first(fb.mileage); ok {
		calc.note(band.Name)
		mileage = band.apply(miles, days)
	}
	if band, ok := b.first(fb.receipts); ok {
		calc.note(band.Name)
		receipt = band.apply(receipts, days)
	}

	total := dailyBase + mileage + receipt

	if l, ok := b.firstLimit(fb.caps); ok {
		total = capAt(&calc, l, total, l.value(days, miles))
	}

	for _, bonus := range fb.bonuses {
		if bonus.when.Match(b.act) {
			calc.note(bonus.Name)
			total *= 1 + math.Min(bonus.Max, (b.m.MilesPerDay-bonus.Pivot)/bonus.Span)
			break
		}
	}

	if l, ok := b.firstLimit(fb.hardCaps); ok {
		total = capAt(&calc, l, total, l.value(days, miles))
	}

	calc.Amount = math.Max(total, dailyBase*fb.floorShare)
	return calc
}

// Formula runs the regime-specific formula. ok is false when the table has
// no formula for the regime.
func (b *Binding) Formula(regime domain.Regime) (calc Calculation, ok bool) {
	f, ok := b.policy.formulas[regime]
	if !ok {
		return Calculation{}, false
	}
	days, miles, receipts := b.m.Days, b.m.Miles, b.m.Receipts

	total := f.basePerDay * days
	if band, ok := b.first(f.receipts); ok {
		calc.note(band.Name)
		total += band.apply(receipts, days)
	}
	if band, ok := b.first(f.mileage); ok {
		calc.note(band.Name)
		total += band.apply(miles, days)
	}

	if l, ok := b.firstLimit(f.caps); ok {
		total = capAt(&calc, l, total, l.value(days, miles))
	}

	calc.Amount = total
	return calc, true
}

// Adjust applies the Normal path's post-hoc caps and then floors to a
// blended amount. Every matching entry is applied.
func (b *Binding) Adjust(amount float64) Calculation {
	calc := Calculation{Amount: amount}
	days, miles := b.m.Days, b.m.Miles

	for _, l := range b.policy.caps {
		if l.when.Match(b.act) {
			calc.Amount = capAt(&calc, l, calc.Amount, l.value(days, miles))
		}
	}
	for _, l := range b.policy.floors {
		if l.when.Match(b.act) {
			if floor := l.value(days, miles); floor > calc.Amount {
				calc.note(l.Name)
				calc.Amount = floor
			}
		}
	}
	return calc
}

func (b *Binding) first(bands []compiledBand) (compiledBand, bool) {
	for _, band := range bands {
		if band.when.Match(b.act) {
			return band, true
		}
	}
	return compiledBand{}, false
}

func (b *Binding) firstLimit(limits []compiledLimit) (compiledLimit, bool) {
	for _, l := range limits {
		if l.when.Match(b.act) {
			return l, true
		}
	}
	return compiledLimit{}, false
}

func (b *Binding) firstScale(scales []compiledScale) (compiledScale, bool) {
	for _, s := range scales {
		if s.when.Match(b.act) {
			return s, true
		}
	}
	return compiledScale{}, false
}

// apply computes the band amount for input x over the given number of days.
func (band compiledBand) apply(x, days float64) float64 {
	if band.ExcessAbovePerDay > 0 {
		threshold := band.ExcessAbovePerDay * days
		if x > threshold {
			return threshold*band.Rate + (x-threshold)*band.ExcessRate
		}
		return x * band.Rate
	}

	v := x * band.Rate
	if band.CapPerDay > 0 {
		v = math.Min(v, band.CapPerDay*days)
	}
	return v
}

func (l compiledLimit) value(days, miles float64) float64 {
	v := l.PerDay*days + l.PerMile*miles
	if l.Multiplier != 0 {
		v *= l.Multiplier
	}
	return v
}

func capAt(calc *Calculation, l compiledLimit, total, limit float64) float64 {
	if limit < total {
		calc.note(l.Name)
		return limit
	}
	return total
}
