package hotspot

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// ErrUnknownPlan is returned when a plan id or alias is not in the table.
var ErrUnknownPlan = errors.New("unknown plan")

// Plan is a sellable tier of hotspot access.
type Plan struct {
	ID          string          `json:"id"`
	UptimeLimit time.Duration   `json:"uptime_limit"`
	Profile     string          `json:"profile"`
	Price       decimal.Decimal `json:"price"`
	Aliases     []string        `json:"aliases,omitempty"`
}

// RouterUptime renders the limit in RouterOS duration syntax.
func (p Plan) RouterUptime() string { return FormatUptime(p.UptimeLimit) }

// PlanTable resolves plan ids and aliases. It is built once and never mutated.
type PlanTable struct {
	plans  []Plan
	byName map[string]int
}

// NewPlanTable validates plans and indexes them by id and alias.
func NewPlanTable(plans []Plan) (*PlanTable, error) {
	t := &PlanTable{byName: make(map[string]int)}
	for _, p := range plans {
		if p.ID == "" {
			return nil, errors.New("plan with empty id")
		}
		if p.UptimeLimit <= 0 {
			return nil, fmt.Errorf("plan %q: uptime limit must be positive", p.ID)
		}
		if p.Profile == "" {
			return nil, fmt.Errorf("plan %q: profile is required", p.ID)
		}
		if p.Price.IsNegative() {
			return nil, fmt.Errorf("plan %q: negative price", p.ID)
		}
		p.Aliases = append([]string(nil), p.Aliases...)
		idx := len(t.plans)
		t.plans = append(t.plans, p)
		for _, name := range append([]string{p.ID}, p.Aliases...) {
			if _, dup := t.byName[name]; dup {
				return nil, fmt.Errorf("plan name %q defined twice", name)
			}
			t.byName[name] = idx
		}
	}
	return t, nil
}

// Lookup resolves an id or alias.
func (t *PlanTable) Lookup(name string) (Plan, error) {
	idx, ok := t.byName[name]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, name)
	}
	p := t.plans[idx]
	p.Aliases = append([]string(nil), p.Aliases...)
	return p, nil
}

// Plans returns a copy of the plans in definition order.
func (t *PlanTable) Plans() []Plan {
	out := make([]Plan, len(t.plans))
	for i, p := range t.plans {
		p.Aliases = append([]string(nil), p.Aliases...)
		out[i] = p
	}
	return out
}

// Names lists every accepted id and alias, sorted.
func (t *PlanTable) Names() []string {
	out := make([]string, 0, len(t.byName))
	for n := range t.byName {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// DefaultPlans is the stock price list.
func DefaultPlans() []Plan {
	return []Plan{
		{ID: "30min", UptimeLimit: 30 * time.Minute, Profile: "30_Minutes", Price: decimal.NewFromInt(5), Aliases: []string{"30_Minutes"}},
		{ID: "2h", UptimeLimit: 2 * time.Hour, Profile: "2_Hours", Price: decimal.NewFromInt(10), Aliases: []string{"2_Hours"}},
		{ID: "12h", UptimeLimit: 12 * time.Hour, Profile: "12_Hours", Price: decimal.NewFromInt(30), Aliases: []string{"12_Hours"}},
		{ID: "24h", UptimeLimit: 24 * time.Hour, Profile: "24_Hours", Price: decimal.NewFromInt(40), Aliases: []string{"24_Hours"}},
		{ID: "48h", UptimeLimit: 48 * time.Hour, Profile: "48_Hours", Price: decimal.NewFromInt(70), Aliases: []string{"48_Hours"}},
		{ID: "1w", UptimeLimit: 7 * 24 * time.Hour, Profile: "1_Week", Price: decimal.NewFromInt(240), Aliases: []string{"1_Week"}},
	}
}

// DefaultPlanTable builds the table from DefaultPlans.
func DefaultPlanTable() *PlanTable {
	t, err := NewPlanTable(DefaultPlans())
	if err != nil {
		panic(err)
	}
	return t
}

type planFile struct {
	Plans []struct {
		ID      string   `yaml:"id"`
		Uptime  string   `yaml:"uptime"`
		Profile string   `yaml:"profile"`
		Price   string   `yaml:"price"`
		Aliases []string `yaml:"aliases"`
	} `yaml:"plans"`
}

// ParsePlans decodes a YAML plan list:
//
//	plans:
//	  - id: 24h
//	    uptime: 1d
//	    profile: 24_Hours
//	    price: "40"
//	    aliases: [24_Hours]
func ParsePlans(data []byte) (*PlanTable, error) {
	var f planFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode plans: %w", err)
	}
	if len(f.Plans) == 0 {
		return nil, errors.New("plans file defines no plans")
	}
	plans := make([]Plan, 0, len(f.Plans))
	for _, raw := range f.Plans {
		uptime, err := ParseUptime(raw.Uptime)
		if err != nil {
			return nil, fmt.Errorf("plan %q: %w", raw.ID, err)
		}
		price := decimal.Zero
		if raw.Price != "" {
			price, err = decimal.NewFromString(raw.Price)
			if err != nil {
				return nil, fmt.Errorf("plan %q: price: %w", raw.ID, err)
			}
		}
		plans = append(plans, Plan{ID: raw.ID, UptimeLimit: uptime, Profile: raw.Profile, Price: price, Aliases: raw.Aliases})
	}
	return NewPlanTable(plans)
}

// LoadPlanTable reads path, or returns the default table when path is empty.
func LoadPlanTable(path string) (*PlanTable, error) {
	if path == "" {
		return DefaultPlanTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plans file: %w", err)
	}
	return ParsePlans(data)
}

var uptimeUnits = []struct {
	suffix byte
	unit   time.Duration
}{
	{'w', 7 * 24 * time.Hour},
	{'d', 24 * time.Hour},
	{'h', time.Hour},
	{'m', time.Minute},
	{'s', time.Second},
}

// ParseUptime parses RouterOS durations such as "30m", "1d", "1w2d3h4m5s".
// A bare "hh:mm:ss" suffix is accepted too, as printed by some router versions.
func ParseUptime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}
	var total time.Duration

	if i := strings.LastIndexAny(s, "wdhms"); i >= 0 && strings.Contains(s[i+1:], ":") {
		clock, err := parseClock(s[i+1:])
		if err != nil {
			return 0, err
		}
		total += clock
		s = s[:i+1]
	} else if strings.Contains(s, ":") {
		return parseClock(s)
	}

	num := 0
	digits := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			num = num*10 + int(c-'0')
			digits++
			continue
		}
		if digits == 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		found := false
		for _, u := range uptimeUnits {
			if u.suffix == c {
				total += time.Duration(num) * u.unit
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("invalid duration unit %q in %q", c, s)
		}
		num, digits = 0, 0
	}
	if digits != 0 {
		return 0, fmt.Errorf("duration %q is missing a unit", s)
	}
	return total, nil
}

func parseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("invalid clock duration %q", s)
	}
	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		n, err := strconv.Atoi(parts[i])
		if err != nil || n < 0 {
			return 0, fmt.Errorf("invalid clock duration %q", s)
		}
		total += time.Duration(n) * unit
	}
	return total, nil
}

// FormatUptime renders d the way RouterOS prints it, e.g. 36h -> "1d12h".
// Weeks are folded into days so plan limits read "7d".
func FormatUptime(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	d = d.Truncate(time.Second)
	var b strings.Builder
	for _, u := range uptimeUnits[1:] {
		if n := d / u.unit; n > 0 {
			b.WriteString(strconv.FormatInt(int64(n), 10))
			b.WriteByte(u.suffix)
			d -= n * u.unit
		}
	}
	return b.String()
}
