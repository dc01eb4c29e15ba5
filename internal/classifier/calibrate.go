package classifier

import (
	"fmt"
	"regexp"

	"tickettriage/internal/domain"
)

const (
	// ReviewThreshold is the confidence below which a human must review.
	ReviewThreshold = 70

	emptyBodyCap      = 55
	ambiguousCap      = 70
	replyNoisePenalty = 10
	missingEntity     = 5
)

type ScoreInput struct {
	Base           int
	EmptyBody      bool
	ReplyNoise     bool
	Ambiguous      bool
	MissingPlate   bool
	MissingMoveOut bool
}

type ScoreResult struct {
	Base        int
	Final       int
	Adjustments []string
}

// Score applies the confidence deductions. Penalties are summed against the
// base, then the result is clamped to [0, lowest applicable cap].
func Score(in ScoreInput) ScoreResult {
	res := ScoreResult{Base: clamp(in.Base, 0, 100)}
	score := res.Base
	limit := 100

	if in.ReplyNoise {
		score -= replyNoisePenalty
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("-%d reply/forward noise", replyNoisePenalty))
	}
	if in.MissingPlate {
		score -= missingEntity
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("-%d license plate missing", missingEntity))
	}
	if in.MissingMoveOut {
		score -= missingEntity
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("-%d move-out date missing", missingEntity))
	}
	if in.EmptyBody {
		limit = min(limit, emptyBodyCap)
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("cap %d empty body", emptyBodyCap))
	}
	if in.Ambiguous {
		limit = min(limit, ambiguousCap)
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("cap %d multiple plausible intents", ambiguousCap))
	}
	res.Final = clamp(score, 0, limit)
	return res
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// signals are lexical families found in the ticket text.
type signals struct {
	refund        bool
	moveOut       bool
	cancel        bool
	billing       bool
	accountUpdate bool
	technical     bool
	legal         bool
}

var (
	refundRe  = regexp.MustCompile(`(?i)\b(refunds?|refunded|money back|reimburse(ment)?|charge ?back|reembolso|devoluci[oó]n)\b`)
	moveOutRe = regexp.MustCompile(`(?i)\b(mov(e|ed|ing)[ -]?out|moveout|moving away|relocat(e|ed|ing)|vacat(e|ed|ing)|lease (ended|ends|is up)|me mud[eé]|mudanza)\b`)
	cancelRe  = regexp.MustCompile(`(?i)\b(cancel(s|led|ed|ling|lation)?|terminate|stop (my|the) permit|cancelar)\b`)
	billingRe = regexp.MustCompile(`(?i)\b(charged twice|double[ -]charged|overcharged|wrong amount|unauthori[sz]ed charge|incorrect charge|billing (error|issue|problem)|dispute[ds]?|payment (failed|declined|issue|problem)|card (was )?declined)\b`)
	accountRe = regexp.MustCompile(`(?i)\b(update|change|new|replace|switch)\b[^.!?\n]{0,40}\b(vehicle|car|plate|license|email|phone|address)\b`)
	techRe    = regexp.MustCompile(`(?i)\b(error message|can'?t log ?in|cannot log ?in|unable to log ?in|website (is )?down|app (keeps )?(crash(es|ing)?|not working)|won'?t load|password reset|bug)\b`)
	legalRe   = regexp.MustCompile(`(?i)\b(lawyer|attorney|legal action|sue (you|your company)|lawsuit|small claims|better business bureau|BBB|report you|fraud|urgent(ly)?|immediately|asap|emergency|towed)\b`)
)

func detectSignals(subject, body string) signals {
	text := subject + "\n" + body
	return signals{
		refund:        refundRe.MatchString(text),
		moveOut:       moveOutRe.MatchString(text),
		cancel:        cancelRe.MatchString(text),
		billing:       billingRe.MatchString(text),
		accountUpdate: accountRe.MatchString(text),
		technical:     techRe.MatchString(text),
		legal:         legalRe.MatchString(text),
	}
}

// families counts distinct request types after folding the ones a single
// intent naturally covers: a refund covers the move-out, cancellation or
// charge it comes from, and a cancellation covers a move-out.
func (s signals) families() int {
	n := 0
	if s.refund {
		n++
	}
	if s.cancel && !s.refund {
		n++
	}
	if s.moveOut && !s.refund && !s.cancel {
		n++
	}
	if s.billing && !s.refund {
		n++
	}
	if s.accountUpdate {
		n++
	}
	if s.technical {
		n++
	}
	return n
}

func isAmbiguous(s signals, chosen domain.Intent, alternatives []domain.Intent) bool {
	if s.families() >= 2 {
		return true
	}
	for _, alt := range alternatives {
		if alt != chosen {
			return true
		}
	}
	return false
}

// disambiguate applies the deterministic tie-break rules in priority order.
// The second return value explains an override and is empty when the model's
// intent stands.
func disambiguate(model domain.Intent, s signals) (domain.Intent, string) {
	override := func(to domain.Intent, why string) (domain.Intent, string) {
		if to == model {
			return model, ""
		}
		return to, fmt.Sprintf("intent %s -> %s: %s", model, to, why)
	}
	switch {
	case s.refund && s.moveOut && inGroup(model, lifecycleIntents):
		return override(domain.IntentRefundRequest, "refund requested alongside move-out")
	case s.cancel && !s.refund && inGroup(model, cancelOverridable):
		return override(domain.IntentPermitCancellation, "cancellation without a refund request")
	case s.billing && !s.refund && inGroup(model, billingOverridable):
		return override(domain.IntentPaymentIssue, "billing dispute without a refund demand")
	}
	return model, ""
}

var (
	lifecycleIntents = []domain.Intent{
		domain.IntentRefundRequest, domain.IntentMoveOut, domain.IntentPermitCancellation,
		domain.IntentPaymentIssue, domain.IntentGeneralQuestion, domain.IntentUnclear,
	}
	cancelOverridable = []domain.Intent{
		domain.IntentRefundRequest, domain.IntentMoveOut, domain.IntentGeneralQuestion, domain.IntentUnclear,
	}
	billingOverridable = []domain.Intent{
		domain.IntentRefundRequest, domain.IntentGeneralQuestion, domain.IntentUnclear,
	}
)

func inGroup(in domain.Intent, group []domain.Intent) bool {
	for _, g := range group {
		if g == in {
			return true
		}
	}
	return false
}

var replyNoiseRes = []*regexp.Regexp{
	regexp.MustCompile(`(?im)^-{2,}\s*original message\s*-{2,}`),
	regexp.MustCompile(`(?im)^-{2,}\s*forwarded message\s*-{2,}`),
	regexp.MustCompile(`(?im)^\s*>`),
	regexp.MustCompile(`(?im)^on .{4,120} wrote:\s*$`),
	regexp.MustCompile(`(?im)^from:.*\n\s*(sent|date):`),
	regexp.MustCompile(`(?i)\bbegin forwarded message\b`),
}

func hasReplyNoise(body string) bool {
	for _, re := range replyNoiseRes {
		if re.MatchString(body) {
			return true
		}
	}
	return false
}
