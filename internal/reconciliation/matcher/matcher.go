// Package matcher scores open orders against a parsed Yape transaction and
// proposes a decision. It never touches storage.
package matcher

import (
	"math"
	"sort"

	"github.com/smallbiznis/yapepro/internal/config"
	orderdomain "github.com/smallbiznis/yapepro/internal/order/domain"
	"github.com/smallbiznis/yapepro/internal/reconciliation/domain"
	"github.com/smallbiznis/yapepro/internal/reconciliation/parser"
)

// Scores are compared with this slack so that 0.95 - 0.1 still clears 0.85.
const epsilon = 1e-9

type Matcher struct {
	cfg config.MatchingConfig
}

func New(cfg config.MatchingConfig) Matcher {
	return Matcher{cfg: cfg}
}

// Match scores every order and decides in one step.
func (m Matcher) Match(txn domain.YapeTransaction, orders []*orderdomain.Order) domain.Decision {
	candidates := make([]domain.Candidate, 0, len(orders))
	for _, order := range orders {
		if order == nil {
			continue
		}
		candidates = append(candidates, m.Score(txn, *order))
	}
	return m.Decide(candidates)
}

// Score computes the weighted amount, text and recency terms for one order.
func (m Matcher) Score(txn domain.YapeTransaction, order orderdomain.Order) domain.Candidate {
	amount := m.amountScore(txn, order)
	text := textScore(txn, order)
	recency := m.recencyScore(txn, order)

	score := m.cfg.AmountWeight*amount + m.cfg.TextWeight*text + m.cfg.RecencyWeight*recency
	if txn.Anonymous() && score > m.cfg.AnonymousConfidenceCeiling {
		score = m.cfg.AnonymousConfidenceCeiling
	}

	return domain.Candidate{
		OrderID:        order.ID,
		ReferenceCode:  order.ReferenceCode,
		TotalCents:     order.TotalCents,
		Score:          round(score),
		AmountScore:    round(amount),
		TextScore:      round(text),
		RecencyScore:   round(recency),
		ReviewRequired: order.ManualReviewRequired,
		OrderCreatedAt: order.CreatedAt,
	}
}

// Decide applies the decision policy to scored candidates.
func (m Matcher) Decide(candidates []domain.Candidate) domain.Decision {
	ranked := Rank(candidates)

	eligible := make([]domain.Candidate, 0, len(ranked))
	autoCount := 0
	for _, c := range ranked {
		if c.Score+epsilon >= m.cfg.ReviewThreshold {
			eligible = append(eligible, c)
		}
		if c.Score+epsilon >= m.cfg.AutoMatchThreshold {
			autoCount++
		}
	}
	if len(eligible) == 0 {
		return domain.Decision{Outcome: domain.OutcomeRejected, Reason: domain.ReasonNoEligibleCandidate}
	}

	best := eligible[0]
	confidence := best.Score
	separated := len(ranked) == 1 || best.Score-ranked[1].Score+epsilon >= m.cfg.AmbiguityMargin

	if autoCount == 1 && separated && !best.ReviewRequired {
		orderID := best.OrderID
		return domain.Decision{
			Outcome:    domain.OutcomeMatched,
			OrderID:    &orderID,
			Confidence: &confidence,
			Candidates: []domain.Candidate{best},
		}
	}

	reason := domain.ReasonBelowAutoThreshold
	switch {
	case autoCount > 1 || (autoCount == 1 && !separated):
		reason = domain.ReasonAmbiguousCandidates
	case autoCount == 1 && best.ReviewRequired:
		reason = domain.ReasonOrderRequiresReview
	}
	return domain.Decision{
		Outcome:    domain.OutcomeManualReview,
		Confidence: &confidence,
		Candidates: eligible,
		Reason:     reason,
	}
}

// Reviewable scores orders and keeps the ranked ones at or above the review threshold.
func (m Matcher) Reviewable(txn domain.YapeTransaction, orders []*orderdomain.Order) []domain.Candidate {
	ranked := make([]domain.Candidate, 0, len(orders))
	for _, order := range orders {
		if order == nil {
			continue
		}
		ranked = append(ranked, m.Score(txn, *order))
	}
	ranked = Rank(ranked)
	kept := ranked[:0]
	for _, c := range ranked {
		if c.Score+epsilon >= m.cfg.ReviewThreshold {
			kept = append(kept, c)
		}
	}
	return kept
}

// Rank orders candidates by score, then earliest order creation, then order id.
func Rank(candidates []domain.Candidate) []domain.Candidate {
	ranked := append([]domain.Candidate(nil), candidates...)
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.OrderCreatedAt.Equal(b.OrderCreatedAt) {
			return a.OrderCreatedAt.Before(b.OrderCreatedAt)
		}
		return a.OrderID < b.OrderID
	})
	return ranked
}

func (m Matcher) amountScore(txn domain.YapeTransaction, order orderdomain.Order) float64 {
	if txn.AmountCents == nil {
		return 0
	}
	diff := *txn.AmountCents - order.TotalCents
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return 1
	case diff >= m.cfg.AmountToleranceCents:
		return 0
	default:
		return 1 - float64(diff)/float64(m.cfg.AmountToleranceCents)
	}
}

func textScore(txn domain.YapeTransaction, order orderdomain.Order) float64 {
	var sources []string
	if txn.NormalizedConcept != nil {
		sources = append(sources, *txn.NormalizedConcept)
	} else if txn.Concept != nil {
		sources = append(sources, parser.Normalize(*txn.Concept))
	}
	if txn.SenderName != nil {
		sources = append(sources, parser.Normalize(*txn.SenderName))
	}

	targets := []string{parser.Normalize(order.ReferenceCode)}
	if order.ExpectedPaymentConcept != nil {
		targets = append(targets, parser.Normalize(*order.ExpectedPaymentConcept))
	}
	if order.CustomerName != nil {
		targets = append(targets, parser.Normalize(*order.CustomerName))
	}

	return bestSimilarity(sources, targets)
}

func (m Matcher) recencyScore(txn domain.YapeTransaction, order orderdomain.Order) float64 {
	late := txn.NotifiedAt.Sub(order.PaymentWindowExpiresAt)
	switch {
	case late <= 0:
		return 1
	case late >= m.cfg.GracePeriod:
		return 0
	default:
		return 1 - float64(late)/float64(m.cfg.GracePeriod)
	}
}

func round(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
