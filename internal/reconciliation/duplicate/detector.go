package duplicate

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/smallbiznis/donorrecon/internal/config"
	donationdomain "github.com/smallbiznis/donorrecon/internal/donation/domain"
)

type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

var ErrInvalidConfidence = errors.New("invalid_confidence")

func ParseConfidence(raw string) (Confidence, error) {
	switch c := Confidence(strings.ToLower(strings.TrimSpace(raw))); c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return c, nil
	default:
		return "", ErrInvalidConfidence
	}
}

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	default:
		return 0
	}
}

// AtLeast reports whether c is as strong as other.
func (c Confidence) AtLeast(other Confidence) bool {
	return c.rank() >= other.rank()
}

// Thresholds are the upper bounds on a group's time span for each confidence tier.
type Thresholds struct {
	High   time.Duration
	Medium time.Duration
}

func ThresholdsFrom(cfg config.DuplicatesConfig) Thresholds {
	return Thresholds{High: cfg.HighWindow, Medium: cfg.MediumWindow}
}

// Group is the set of records that reference one processor identifier.
// Keys lists every identifier that produced exactly this membership.
type Group struct {
	Key          donationdomain.ExternalID   `json:"key"`
	Keys         []donationdomain.ExternalID `json:"keys"`
	Donations    []donationdomain.Record     `json:"donations"`
	Sponsorships []donationdomain.Record     `json:"sponsorships"`
	Emails       []string                    `json:"emails"`
	Amounts      []string                    `json:"amounts"`
	Span         time.Duration               `json:"span"`
	Confidence   Confidence                  `json:"confidence"`
}

// Members returns donations then sponsorships, each oldest first.
func (g Group) Members() []donationdomain.Record {
	out := make([]donationdomain.Record, 0, len(g.Donations)+len(g.Sponsorships))
	out = append(out, g.Donations...)
	out = append(out, g.Sponsorships...)
	return out
}

// Keeper is the record that survives marking: the earliest member that is not
// already cancelled or marked duplicate, else the earliest member overall.
func (g Group) Keeper() donationdomain.Record {
	members := g.Members()
	sortByCreated(members)
	for _, rec := range members {
		if rec.Status != donationdomain.StatusCancelled && rec.Status != donationdomain.StatusDuplicate {
			return rec
		}
	}
	return members[0]
}

// Detect groups records by shared processor identifier and keeps the groups
// that look like the same payment recorded more than once. A record with
// several identifiers is indexed under each of them.
func Detect(records []donationdomain.Record, th Thresholds) []Group {
	index := make(map[string][]donationdomain.Record)
	keys := make(map[string]donationdomain.ExternalID)
	for _, rec := range records {
		for _, id := range rec.ExternalIDs() {
			k := id.Key()
			if containsRecord(index[k], rec) {
				continue
			}
			index[k] = append(index[k], rec)
			keys[k] = id
		}
	}

	byMembers := make(map[string]*Group)
	order := make([]string, 0)
	sortedKeys := make([]string, 0, len(index))
	for k := range index {
		sortedKeys = append(sortedKeys, k)
	}
	sort.Strings(sortedKeys)

	for _, k := range sortedKeys {
		members := index[k]
		if !isDuplicateSet(members) {
			continue
		}
		amounts := uniqueAmounts(members)
		if len(amounts) > 1 {
			continue
		}

		sig := membershipSignature(members)
		if existing, ok := byMembers[sig]; ok {
			existing.Keys = append(existing.Keys, keys[k])
			continue
		}

		group := &Group{
			Key:     keys[k],
			Keys:    []donationdomain.ExternalID{keys[k]},
			Emails:  uniqueEmails(members),
			Amounts: amounts,
			Span:    span(members),
		}
		sortByCreated(members)
		for _, rec := range members {
			switch rec.Kind {
			case donationdomain.KindSponsorship:
				group.Sponsorships = append(group.Sponsorships, rec)
			default:
				group.Donations = append(group.Donations, rec)
			}
		}
		group.Confidence = Classify(len(group.Emails), len(group.Amounts), group.Span, th)
		byMembers[sig] = group
		order = append(order, sig)
	}

	groups := make([]Group, 0, len(order))
	for _, sig := range order {
		groups = append(groups, *byMembers[sig])
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return earliest(groups[i]).Before(earliest(groups[j]))
	})
	return groups
}

// Classify scores a group from its distinct payer and amount counts and its time span.
func Classify(emails, amounts int, span time.Duration, th Thresholds) Confidence {
	switch {
	case emails == 1 && amounts == 1 && span < th.High:
		return ConfidenceHigh
	case span < th.Medium:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// isDuplicateSet holds when there are two records of one kind, or one of each.
func isDuplicateSet(members []donationdomain.Record) bool {
	var donations, sponsorships int
	for _, rec := range members {
		if rec.Kind == donationdomain.KindSponsorship {
			sponsorships++
		} else {
			donations++
		}
	}
	return donations > 1 || sponsorships > 1 || (donations > 0 && sponsorships > 0)
}

func containsRecord(list []donationdomain.Record, rec donationdomain.Record) bool {
	for _, existing := range list {
		if existing.Kind == rec.Kind && existing.ID == rec.ID {
			return true
		}
	}
	return false
}

func membershipSignature(members []donationdomain.Record) string {
	refs := make([]string, 0, len(members))
	for _, rec := range members {
		refs = append(refs, rec.Ref())
	}
	sort.Strings(refs)
	return strings.Join(refs, ",")
}

func uniqueEmails(members []donationdomain.Record) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 1)
	for _, rec := range members {
		email := strings.ToLower(strings.TrimSpace(rec.Email))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}

// uniqueAmounts compares amounts by value and currency, so 25 and 25.00 are equal.
func uniqueAmounts(members []donationdomain.Record) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, 1)
	for _, rec := range members {
		amount := rec.Amount.StringFixed(2) + " " + strings.ToLower(rec.Currency)
		if _, ok := seen[amount]; ok {
			continue
		}
		seen[amount] = struct{}{}
		out = append(out, amount)
	}
	sort.Strings(out)
	return out
}

func span(members []donationdomain.Record) time.Duration {
	if len(members) == 0 {
		return 0
	}
	first, last := members[0].CreatedAt, members[0].CreatedAt
	for _, rec := range members[1:] {
		if rec.CreatedAt.Before(first) {
			first = rec.CreatedAt
		}
		if rec.CreatedAt.After(last) {
			last = rec.CreatedAt
		}
	}
	return last.Sub(first)
}

func earliest(g Group) time.Time {
	var out time.Time
	for _, rec := range g.Members() {
		if out.IsZero() || rec.CreatedAt.Before(out) {
			out = rec.CreatedAt
		}
	}
	return out
}

func sortByCreated(records []donationdomain.Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
