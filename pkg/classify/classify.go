// Package classify assigns a coarse topic category to direct message text.
//
// Classification is a pure function over ordered rules. The first rule that
// matches wins, so the order of DefaultRules is the precedence policy:
// links, then spam, then team, then news, then long, then general.
package classify

import (
	"strings"
	"unicode/utf8"
)

// Category is one of a closed set of topic labels.
type Category string

const (
	Links   Category = "links"
	Spam    Category = "spam"
	Team    Category = "team"
	News    Category = "news"
	Long    Category = "long"
	General Category = "general"
)

// LongThreshold is the character count above which unmatched text is "long".
const LongThreshold = 300

// Rule maps a category to the substrings that select it.
type Rule struct {
	Category Category
	Terms    []string
}

// LinkMarkers select the links category. The platform's own domain counts as
// a link so shared posts and profiles are grouped with URLs.
var LinkMarkers = []string{"http://", "https://", "t.me/", "instagram.com"}

// SpamTerms are disallowed-content terms.
var SpamTerms = []string{
	"کص", "کیر", "fuck", "sex", "تبلیغ", "پولدارشو", "جاوید شاه", "شاهزاده",
	"منافق", "منافقین", "سه فاسد", "جانم فدای رهبری", "شرط بندی",
}

// TeamTerms are collaboration-inquiry terms.
var TeamTerms = []string{"همکاری", "ادمین", "مدیریت", "تیم", "ارتباط", "تماس", "همکار"}

// NewsTerms are newsworthy-content terms.
var NewsTerms = []string{
	"خبر", "گزارش", "اطلاعات", "بازداشت", "زندان", "دستگیری", "جاوید‌ نام", "شهید",
	"کشته", "اعدام", "فوری", "ویدیو", "فیلم", "عکس", "سند",
}

// DefaultRules returns the canonical term rules in precedence order.
func DefaultRules() []Rule {
	return []Rule{
		{Category: Links, Terms: LinkMarkers},
		{Category: Spam, Terms: SpamTerms},
		{Category: Team, Terms: TeamTerms},
		{Category: News, Terms: NewsTerms},
	}
}

// Classifier evaluates rules in order, then the length threshold.
type Classifier struct {
	rules         []Rule
	longThreshold int
}

// New builds a classifier from ordered rules. Terms are case-folded once here
// so Classify only folds the message text.
func New(rules []Rule, longThreshold int) *Classifier {
	folded := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		terms := make([]string, 0, len(rule.Terms))
		for _, term := range rule.Terms {
			if term = strings.ToLower(term); term != "" {
				terms = append(terms, term)
			}
		}
		folded = append(folded, Rule{Category: rule.Category, Terms: terms})
	}

	return &Classifier{rules: folded, longThreshold: longThreshold}
}

var defaultClassifier = New(DefaultRules(), LongThreshold)

// Classify labels text using the default rules.
func Classify(text string) Category {
	return defaultClassifier.Classify(text)
}

// Classify never fails; empty text is general.
func (c *Classifier) Classify(text string) Category {
	if text == "" {
		return General
	}

	folded := strings.ToLower(text)
	for _, rule := range c.rules {
		if containsAny(folded, rule.Terms) {
			return rule.Category
		}
	}

	if c.longThreshold > 0 && utf8.RuneCountInString(text) > c.longThreshold {
		return Long
	}

	return General
}

// Categories lists every label in precedence order.
func Categories() []Category {
	return []Category{Links, Spam, Team, News, Long, General}
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}

	return false
}
