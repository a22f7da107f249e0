package functions

import (
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/dlclark/regexp2"

	"t9/internal/domain"
)

// RegexMatchTimeout bounds a single regex trigger evaluation.
const RegexMatchTimeout = time.Second

// Group is one capture group of a regex trigger match.
type Group struct {
	Number   int
	Name     string // empty for unnamed groups
	Value    string
	Captures []string // every capture of a repeated group, in order
}

// RegexMatch is the data carried forward from a matching /regex/ trigger.
type RegexMatch struct {
	Full   string
	Groups []Group // Groups[i].Number == i+1
}

// Lookup resolves "0", a group number or a group name.
func (m *RegexMatch) Lookup(key string) (string, bool) {
	if m == nil {
		return "", false
	}
	if n, err := strconv.Atoi(key); err == nil {
		if n == 0 {
			return m.Full, true
		}
		if n > 0 && n <= len(m.Groups) {
			return m.Groups[n-1].Value, true
		}
		return "", false
	}
	for _, g := range m.Groups {
		if g.Name != "" && g.Name == key {
			return g.Value, true
		}
	}
	return "", false
}

// Resolution is a successful trigger match.
type Resolution struct {
	Trigger string
	Param   string
	Regex   *RegexMatch
}

type entry struct {
	def domain.FunctionDefinition
	seq uint64
	re  *regexp2.Regexp // for /regex/ triggers that compiled
}

// Table holds function definitions and a length-descending trigger index.
type Table struct {
	userLeaders string
	logger      *slog.Logger

	mu      sync.RWMutex
	entries map[string]*entry
	order   []*entry
	seq     uint64
}

// NewTable returns an empty table. userLeaders are the characters accepted
// in place of "!" at the start of input.
func NewTable(userLeaders string, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		userLeaders: userLeaders,
		logger:      logger,
		entries:     make(map[string]*entry),
	}
}

// Replace swaps the whole table contents.
func (t *Table) Replace(defs []domain.FunctionDefinition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*entry, len(defs))
	for _, d := range defs {
		t.putLocked(d)
	}
	t.reindexLocked()
}

// Put inserts or replaces a definition.
func (t *Table) Put(def domain.FunctionDefinition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.putLocked(def)
	t.reindexLocked()
}

// Remove deletes a trigger and reports whether it was present.
func (t *Table) Remove(trigger string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[trigger]; !ok {
		return false
	}
	delete(t.entries, trigger)
	t.reindexLocked()
	return true
}

// Get returns the definition stored under trigger.
func (t *Table) Get(trigger string) (domain.FunctionDefinition, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[trigger]
	if !ok {
		return domain.FunctionDefinition{}, false
	}
	return e.def, true
}

// Len returns the number of definitions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Triggers returns the triggers in match order.
func (t *Table) Triggers() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, len(t.order))
	for i, e := range t.order {
		out[i] = e.def.Trigger
	}
	return out
}

func (t *Table) putLocked(def domain.FunctionDefinition) {
	t.seq++
	e := &entry{def: def, seq: t.seq}
	if old, ok := t.entries[def.Trigger]; ok {
		e.seq = old.seq
	}
	if isRegexTrigger(def.Trigger) {
		re, err := regexp2.Compile(def.Trigger[1:len(def.Trigger)-1], regexp2.RE2)
		if err != nil {
			t.logger.Warn("regex trigger does not compile", "trigger", def.Trigger, "err", err)
		} else {
			re.MatchTimeout = RegexMatchTimeout
			e.re = re
		}
	}
	t.entries[def.Trigger] = e
}

func (t *Table) reindexLocked() {
	order := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		order = append(order, e)
	}
	slices.SortFunc(order, func(a, b *entry) int {
		if la, lb := len(a.def.Trigger), len(b.def.Trigger); la != lb {
			return lb - la
		}
		return int(a.seq) - int(b.seq)
	})
	t.order = order
}

func isRegexTrigger(trigger string) bool {
	return len(trigger) >= 3 && trigger[0] == '/' && trigger[len(trigger)-1] == '/'
}

// Match finds the first trigger, longest first, that accepts input.
func (t *Table) Match(input string) (Resolution, bool) {
	t.mu.RLock()
	snapshot := t.order
	t.mu.RUnlock()

	aliased := input
	if r, size := utf8.DecodeRuneInString(input); r != utf8.RuneError && strings.ContainsRune(t.userLeaders, r) {
		aliased = "!" + input[size:]
	}

	for _, e := range snapshot {
		trigger := e.def.Trigger
		candidate := input
		if strings.HasPrefix(trigger, "!") {
			candidate = aliased
		}

		switch {
		case strings.HasSuffix(trigger, "$"):
			if candidate == trigger[:len(trigger)-1] {
				return Resolution{Trigger: trigger}, true
			}
		case isRegexTrigger(trigger):
			if e.re == nil {
				continue
			}
			m, err := e.re.FindStringMatch(input)
			if err != nil {
				t.logger.Warn("regex trigger failed", "trigger", trigger, "err", err)
				continue
			}
			if m != nil {
				return Resolution{Trigger: trigger, Param: input, Regex: convertMatch(m)}, true
			}
		case strings.HasSuffix(trigger, "?"):
			if candidate == trigger {
				return Resolution{Trigger: trigger}, true
			}
		default:
			if candidate == trigger {
				return Resolution{Trigger: trigger}, true
			}
			if rest, ok := strings.CutPrefix(candidate, trigger+" "); ok {
				return Resolution{Trigger: trigger, Param: rest}, true
			}
		}
	}
	return Resolution{}, false
}

func convertMatch(m *regexp2.Match) *RegexMatch {
	groups := m.Groups()
	rm := &RegexMatch{Full: m.String()}
	for i := 1; i < len(groups); i++ {
		g := groups[i]
		grp := Group{Number: i, Value: g.String()}
		if _, err := strconv.Atoi(g.Name); err != nil {
			grp.Name = g.Name
		}
		for _, c := range g.Captures {
			grp.Captures = append(grp.Captures, c.String())
		}
		rm.Groups = append(rm.Groups, grp)
	}
	return rm
}
