package services

import (
	"context"
	"strings"
	"unicode"

	"github.com/irfndi/polycorr/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// CategoryOther is assigned when no rule matches.
const CategoryOther = "Other"

// Classifier assigns a category to each market, keyed by market id.
type Classifier interface {
	Classify(ctx context.Context, markets []models.Market) (map[string]string, error)
}

// CategoryStore persists classifications between refreshes.
type CategoryStore interface {
	GetMany(ctx context.Context, marketIDs []string) map[string]string
	SetMany(ctx context.Context, categories map[string]string) error
}

type categoryRule struct {
	category string
	keywords []string
}

// Rules are checked in order; the first hit wins.
var defaultCategoryRules = []categoryRule{
	{"Crypto", []string{"bitcoin", "btc", "ethereum", "eth", "solana", "sol", "crypto", "xrp", "dogecoin", "doge", "stablecoin", "memecoin", "binance", "coinbase", "microstrategy"}},
	{"Politics", []string{"election", "president", "presidential", "trump", "biden", "harris", "senate", "congress", "governor", "democrat", "democrats", "republican", "republicans", "gop", "nominee", "primary", "mayor", "parliament", "prime minister", "cabinet", "impeach", "vote", "poll"}},
	{"Economics", []string{"fed", "interest rate", "rates", "inflation", "cpi", "gdp", "recession", "unemployment", "jobs report", "tariff", "tariffs", "s&p", "nasdaq", "dow", "stock", "earnings", "ipo", "treasury"}},
	{"Sports", []string{"nba", "nfl", "mlb", "nhl", "ufc", "fifa", "world cup", "super bowl", "champions league", "premier league", "olympics", "wimbledon", "grand slam", "f1", "formula 1", "playoffs", "finals", "match", "championship"}},
	{"Tech", []string{"ai", "openai", "chatgpt", "gpt", "apple", "google", "microsoft", "nvidia", "tesla", "spacex", "starship", "meta", "iphone", "tiktok", "twitter"}},
	{"Entertainment", []string{"oscar", "oscars", "grammy", "grammys", "emmy", "movie", "box office", "album", "netflix", "taylor swift", "billboard", "eurovision", "youtube"}},
	{"World", []string{"war", "ukraine", "russia", "israel", "gaza", "iran", "china", "taiwan", "nato", "ceasefire", "invasion", "north korea", "united nations"}},
}

// KeywordClassifier labels markets from keywords in their question text,
// reusing stored labels and an upstream category when it names a known one.
type KeywordClassifier struct {
	store  CategoryStore
	rules  []categoryRule
	known  map[string]struct{}
	logger logrus.FieldLogger
}

// NewKeywordClassifier creates a classifier backed by store, which may be nil.
func NewKeywordClassifier(store CategoryStore, logger logrus.FieldLogger) *KeywordClassifier {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	known := map[string]struct{}{CategoryOther: {}}
	for _, r := range defaultCategoryRules {
		known[r.category] = struct{}{}
	}
	return &KeywordClassifier{
		store:  store,
		rules:  defaultCategoryRules,
		known:  known,
		logger: logger.WithField("component", "classifier"),
	}
}

// Classify returns a category for every market.
func (k *KeywordClassifier) Classify(ctx context.Context, markets []models.Market) (map[string]string, error) {
	result := make(map[string]string, len(markets))
	if len(markets) == 0 {
		return result, nil
	}

	ids := make([]string, len(markets))
	for i, m := range markets {
		ids[i] = m.ID
	}
	cached := map[string]string{}
	if k.store != nil {
		cached = k.store.GetMany(ctx, ids)
	}

	fresh := make(map[string]string)
	for _, m := range markets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c, ok := cached[m.ID]; ok {
			result[m.ID] = c
			continue
		}
		c := k.ClassifyOne(m)
		result[m.ID] = c
		fresh[m.ID] = c
	}

	if k.store != nil && len(fresh) > 0 {
		if err := k.store.SetMany(ctx, fresh); err != nil {
			k.logger.WithError(err).Warn("Failed to store categories")
		}
	}

	k.logger.WithFields(logrus.Fields{
		"markets": len(markets),
		"cached":  len(markets) - len(fresh),
	}).Debug("Markets classified")
	return result, nil
}

// ClassifyOne labels a single market without consulting the store.
func (k *KeywordClassifier) ClassifyOne(m models.Market) string {
	if label := k.NormalizeLabel(m.Category); label != "" {
		if _, ok := k.known[label]; ok {
			return label
		}
	}

	text := " " + strings.Join(strings.FieldsFunc(cases.Lower(language.English).String(m.Name), isSeparator), " ") + " "
	for _, rule := range k.rules {
		for _, kw := range rule.keywords {
			if strings.Contains(text, " "+strings.TrimSpace(kw)+" ") {
				return rule.category
			}
		}
	}
	return CategoryOther
}

// NormalizeLabel title-cases a free form category label. Casers keep state,
// so one is built per call.
func (k *KeywordClassifier) NormalizeLabel(label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		return ""
	}
	return cases.Title(language.English).String(label)
}

func isSeparator(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
}
